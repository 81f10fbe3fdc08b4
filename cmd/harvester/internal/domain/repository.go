package domain

import (
	"context"
	"io"
	"time"
)

// FetchFunc 上游抓取能力，错误通过 resilience.StatusError 等携带状态
type FetchFunc func(ctx context.Context, item WorkItem) (Record, error)

// Upstream 上游注册表适配器
type Upstream interface {
	// Name 上游名称，同时作为限流键
	Name() string

	// Fetch 抓取单个工作单元
	Fetch(ctx context.Context, item WorkItem) (Record, error)
}

// Source 标识符来源，将工作单元写入 out，结束或 ctx 取消时返回；调用方负责关闭 out
type Source interface {
	Name() string
	Items(ctx context.Context, out chan<- WorkItem) error
}

// SliceSource 固定列表来源
type SliceSource []WorkItem

// Name 来源名称
func (s SliceSource) Name() string { return "static" }

// Items 依次写出
func (s SliceSource) Items(ctx context.Context, out chan<- WorkItem) error {
	for _, item := range s {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- item:
		}
	}
	return nil
}

// IndexClient 搜索索引客户端
type IndexClient interface {
	// UpsertBatch 批量 upsert，返回逐文档结果；整体失败时返回 error
	UpsertBatch(ctx context.Context, collection string, docs []IndexDocument) ([]DocumentResult, error)

	// DeleteDocument 删除文档，不存在时不报错
	DeleteDocument(ctx context.Context, collection, id string) error

	// ExportDocuments 逐个导出集合内全部文档
	ExportDocuments(ctx context.Context, collection string, fn func(IndexDocument) error) error

	CreateCollection(ctx context.Context, schema CollectionSchema) error
	DeleteCollection(ctx context.Context, name string) error
	ListCollections(ctx context.Context) ([]string, error)

	// UpsertAlias 原子地创建或重指向别名
	UpsertAlias(ctx context.Context, alias, target string) error

	// GetAlias 解析别名，不存在时返回 ErrAliasNotFound
	GetAlias(ctx context.Context, alias string) (string, error)

	Health(ctx context.Context) error
}

// AtomicStore 共享原子存储
type AtomicStore interface {
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)
}

// SnapshotArchive 代快照归档，r 为 NDJSON 流
type SnapshotArchive interface {
	Archive(ctx context.Context, object string, r io.Reader) error
}

// CheckpointRepository 增量检查点仓储
type CheckpointRepository interface {
	// Get 返回检查点，不存在时返回零值
	Get(ctx context.Context, name string) (time.Time, error)

	Save(ctx context.Context, name string, at time.Time) error
}

// RunRepository 运行历史仓储
type RunRepository interface {
	Save(ctx context.Context, report *RunReport) error
	ListRecent(ctx context.Context, limit int) ([]*RunReport, error)
}
