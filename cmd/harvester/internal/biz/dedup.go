package biz

import (
	"context"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"pkgharvest/cmd/harvester/internal/domain"
	"pkgharvest/pkg/monitoring"
)

// 去重命名空间
const (
	NamespaceNewPackage = "new-package"
	NamespaceRelease    = "release"
	NamespaceRefresh    = "refresh"
)

// DedupConfig 去重配置
type DedupConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

// DedupGate 基于共享原子存储的准入闸门
type DedupGate struct {
	store  domain.AtomicStore
	prefix string
	ttl    time.Duration
	log    *log.Helper
}

// NewDedupGate 创建准入闸门，store 为空时全部放行
func NewDedupGate(store domain.AtomicStore, config DedupConfig, logger log.Logger) *DedupGate {
	if config.TTL <= 0 {
		config.TTL = time.Hour
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = "harvest:dedup"
	}
	if !config.Enabled {
		store = nil
	}
	return &DedupGate{
		store:  store,
		prefix: config.KeyPrefix,
		ttl:    config.TTL,
		log:    log.NewHelper(log.With(logger, "module", "biz/dedup")),
	}
}

// Admit 在 TTL 窗口内对同一 (namespace, subject) 仅返回一次 true。
// 存储不可达时放行。ttl <= 0 使用默认 TTL。
func (g *DedupGate) Admit(ctx context.Context, namespace, subject string, ttl time.Duration) bool {
	return g.AdmitKey(ctx, domain.DedupKey{Namespace: namespace, Subject: subject}, ttl)
}

// AdmitKey 同 Admit
func (g *DedupGate) AdmitKey(ctx context.Context, key domain.DedupKey, ttl time.Duration) bool {
	if g.store == nil {
		return true
	}
	if ttl <= 0 {
		ttl = g.ttl
	}

	ok, err := g.store.SetNX(ctx, g.prefix+":"+key.String(), time.Now().Unix(), ttl)
	if err != nil {
		g.log.Warnf("dedup store unavailable, admitting %s: %v", key.String(), err)
		monitoring.DedupAdmissions.WithLabelValues(key.Namespace, "fail_open").Inc()
		return true
	}
	if ok {
		monitoring.DedupAdmissions.WithLabelValues(key.Namespace, "admitted").Inc()
	} else {
		monitoring.DedupAdmissions.WithLabelValues(key.Namespace, "duplicate").Inc()
	}
	return ok
}

// KeyFunc 从工作单元计算去重键
type KeyFunc func(domain.WorkItem) domain.DedupKey

// NewPackageKey 新包事件的去重键
func NewPackageKey(item domain.WorkItem) domain.DedupKey {
	return domain.DedupKey{Namespace: NamespaceNewPackage, Subject: item.Package()}
}

// ReleaseKey 版本更新事件的去重键，subject 为 name@version
func ReleaseKey(item domain.WorkItem) domain.DedupKey {
	subject := item.Package()
	if v := item.Version(); v != "" {
		subject += "@" + v
	}
	return domain.DedupKey{Namespace: NamespaceRelease, Subject: subject}
}

// Filter 准入过滤阶段：转发被准入的工作单元，重复项交给 onDuplicate。
// in 关闭或 ctx 取消后关闭返回的通道。
func (g *DedupGate) Filter(
	ctx context.Context,
	in <-chan domain.WorkItem,
	keyFn KeyFunc,
	ttl time.Duration,
	onDuplicate func(domain.WorkItem),
) <-chan domain.WorkItem {
	out := make(chan domain.WorkItem)
	go func() {
		defer close(out)
		for item := range in {
			if ctx.Err() != nil {
				return
			}
			key := keyFn(item)
			if !g.AdmitKey(ctx, key, ttl) {
				if onDuplicate != nil {
					onDuplicate(item)
				}
				continue
			}
			select {
			case <-ctx.Done():
				// 已准入但未交付，撤销准入以免在 TTL 内丢失
				g.Release(context.WithoutCancel(ctx), key)
				return
			case out <- item:
			}
		}
	}()
	return out
}

// Release 撤销一次准入，存储不支持删除时忽略
func (g *DedupGate) Release(ctx context.Context, key domain.DedupKey) {
	d, ok := g.store.(interface {
		Delete(ctx context.Context, key string) error
	})
	if !ok {
		return
	}
	if err := d.Delete(ctx, g.prefix+":"+key.String()); err != nil {
		g.log.Warnf("release dedup key %s: %v", key.String(), err)
	}
}
