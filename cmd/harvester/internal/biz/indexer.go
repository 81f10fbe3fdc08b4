package biz

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"pkgharvest/cmd/harvester/internal/domain"
	pkgerrors "pkgharvest/pkg/errors"
	"pkgharvest/pkg/monitoring"
	"pkgharvest/pkg/resilience"
)

// IndexerConfig 批量写入配置
type IndexerConfig struct {
	BatchSize int           `mapstructure:"batch_size"`
	MaxWait   time.Duration `mapstructure:"max_wait"`
}

// IndexStats 写入统计
type IndexStats struct {
	Batches  int
	Indexed  int
	Failed   int
	Failures []domain.DocumentResult
}

const maxReportedFailures = 100

// BatchIndexer 将文档攒批后以 upsert 写入索引
//
// 逐文档失败只做上报不重试；整批失败按重试策略重试，重试耗尽视为索引不可用，
// 此后所有写入直接返回该错误。
type BatchIndexer struct {
	client     domain.IndexClient
	collection string
	config     IndexerConfig
	policy     resilience.RetryPolicy
	log        *log.Helper

	mu       sync.Mutex
	buf      []domain.IndexDocument
	oldest   time.Time
	stats    IndexStats
	fatal    error
	onResult func(domain.DocumentResult)

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// NewBatchIndexer 创建批量写入器；MaxWait > 0 时后台定时刷新未满的批次
func NewBatchIndexer(
	client domain.IndexClient,
	collection string,
	config IndexerConfig,
	policy resilience.RetryPolicy,
	logger log.Logger,
) *BatchIndexer {
	if config.BatchSize <= 0 {
		config.BatchSize = 100
	}
	b := &BatchIndexer{
		client:     client,
		collection: collection,
		config:     config,
		policy:     policy,
		log:        log.NewHelper(log.With(logger, "module", "biz/indexer", "collection", collection)),
		buf:        make([]domain.IndexDocument, 0, config.BatchSize),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if config.MaxWait > 0 {
		go b.flushLoop()
	} else {
		close(b.done)
	}
	return b
}

// OnResult 注册逐文档结果回调，回调在持锁状态下调用，不应阻塞
func (b *BatchIndexer) OnResult(fn func(domain.DocumentResult)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onResult = fn
}

// Collection 写入目标
func (b *BatchIndexer) Collection() string {
	return b.collection
}

// Submit 加入一个文档，批次满时同步写入
func (b *BatchIndexer) Submit(ctx context.Context, doc domain.IndexDocument) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.fatal != nil {
		b.report(domain.DocumentResult{ID: doc.ID, Error: b.fatal.Error()})
		return b.fatal
	}
	if len(b.buf) == 0 {
		b.oldest = time.Now()
	}
	b.buf = append(b.buf, doc)
	if len(b.buf) >= b.config.BatchSize {
		return b.flushLocked(ctx)
	}
	return nil
}

// Flush 立即写入未满的批次
func (b *BatchIndexer) Flush(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.fatal != nil {
		return b.fatal
	}
	return b.flushLocked(ctx)
}

// Close 停止后台刷新并写入剩余文档
func (b *BatchIndexer) Close(ctx context.Context) error {
	b.closeOnce.Do(func() {
		close(b.stop)
	})
	<-b.done
	return b.Flush(ctx)
}

// Stats 返回统计快照
func (b *BatchIndexer) Stats() IndexStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.stats
	out.Failures = append([]domain.DocumentResult(nil), b.stats.Failures...)
	return out
}

func (b *BatchIndexer) flushLoop() {
	defer close(b.done)
	tick := b.config.MaxWait / 2
	if tick <= 0 {
		tick = b.config.MaxWait
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-b.stop:
			return
		case <-ticker.C:
			b.mu.Lock()
			if b.fatal == nil && len(b.buf) > 0 && time.Since(b.oldest) >= b.config.MaxWait {
				if err := b.flushLocked(context.Background()); err != nil {
					b.log.Errorf("timed flush failed: %v", err)
				}
			}
			b.mu.Unlock()
		}
	}
}

// flushLocked 调用方需持有锁
func (b *BatchIndexer) flushLocked(ctx context.Context) error {
	if len(b.buf) == 0 {
		return nil
	}
	batch := b.buf
	b.buf = make([]domain.IndexDocument, 0, b.config.BatchSize)

	start := time.Now()
	results, attempts, err := resilience.Do(ctx, b.policy, func(ctx context.Context) ([]domain.DocumentResult, error) {
		return b.client.UpsertBatch(ctx, b.collection, batch)
	})
	monitoring.IndexBatchDuration.WithLabelValues(b.collection).Observe(time.Since(start).Seconds())
	b.stats.Batches++

	if err != nil {
		b.fatal = pkgerrors.NewIndexUnavailable(err)
		b.log.Errorf("batch of %d documents failed after %d attempts: %v", len(batch), attempts, err)
		for _, doc := range batch {
			b.report(domain.DocumentResult{ID: doc.ID, Error: err.Error()})
		}
		return b.fatal
	}

	for i, doc := range batch {
		r := domain.DocumentResult{ID: doc.ID, Error: "missing result from index"}
		if i < len(results) {
			r = results[i]
			if r.ID == "" {
				r.ID = doc.ID
			}
		}
		b.report(r)
	}
	return nil
}

// report 调用方需持有锁
func (b *BatchIndexer) report(r domain.DocumentResult) {
	if r.Success {
		b.stats.Indexed++
		monitoring.IndexDocuments.WithLabelValues(b.collection, "success").Inc()
	} else {
		b.stats.Failed++
		monitoring.IndexDocuments.WithLabelValues(b.collection, "failed").Inc()
		if len(b.stats.Failures) < maxReportedFailures {
			b.stats.Failures = append(b.stats.Failures, r)
		}
		b.log.Warnf("document %s rejected: %s", r.ID, r.Error)
	}
	if b.onResult != nil {
		b.onResult(r)
	}
}

// String 调试输出
func (s IndexStats) String() string {
	return fmt.Sprintf("batches=%d indexed=%d failed=%d", s.Batches, s.Indexed, s.Failed)
}
