package biz

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"slices"
	"sync"

	"github.com/go-kratos/kratos/v2/log"

	"pkgharvest/cmd/harvester/internal/domain"
	pkgerrors "pkgharvest/pkg/errors"
	"pkgharvest/pkg/monitoring"
	"pkgharvest/pkg/resilience"
)

// PopulateFunc 向指定物理集合完成一次完整填充，返回 nil 表示填充完整
type PopulateFunc func(ctx context.Context, collection string) error

// MigrateOptions 迁移选项
type MigrateOptions struct {
	// KeepOld 为 true 时不删除旧代
	KeepOld bool
}

// MigrationResult 迁移结果
type MigrationResult struct {
	Alias       string                      `json:"alias"`
	Previous    string                      `json:"previous,omitempty"`
	Current     domain.CollectionGeneration `json:"current"`
	Retired     bool                        `json:"retired"`
	Archived    bool                        `json:"archived"`
	RetireError string                      `json:"retire_error,omitempty"`
}

// VersionManager 管理别名到物理代的绑定
//
// 状态：NoAlias → Provisioning(n) → Bound(n) → Provisioning(n+1) → Bound(n+1)。
// 新代填充完成前别名不会移动；重指向是索引侧的单次原子操作；旧代删除尽力而为。
// 别名锁只覆盖建代与切换两步，填充期间同一别名上的其他运行不受阻塞。
type VersionManager struct {
	client  domain.IndexClient
	schema  domain.CollectionSchema
	archive domain.SnapshotArchive
	log     *log.Helper

	locks sync.Map // alias -> chan struct{}
}

// NewVersionManager 创建版本管理器，archive 可为空
func NewVersionManager(
	client domain.IndexClient,
	schema domain.CollectionSchema,
	archive domain.SnapshotArchive,
	logger log.Logger,
) *VersionManager {
	return &VersionManager{
		client:  client,
		schema:  schema,
		archive: archive,
		log:     log.NewHelper(log.With(logger, "module", "biz/version")),
	}
}

// lock 同进程内串行化同一别名的状态变更，等待时遵守 ctx
func (m *VersionManager) lock(ctx context.Context, alias string) (func(), error) {
	v, _ := m.locks.LoadOrStore(alias, make(chan struct{}, 1))
	sem := v.(chan struct{})
	select {
	case sem <- struct{}{}:
		return func() { <-sem }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Current 返回别名当前绑定的代，bound 为 false 表示别名不存在
func (m *VersionManager) Current(ctx context.Context, alias string) (gen domain.CollectionGeneration, bound bool, err error) {
	target, err := m.client.GetAlias(ctx, alias)
	if err != nil {
		if errors.Is(err, pkgerrors.ErrAliasNotFound) {
			return domain.CollectionGeneration{}, false, nil
		}
		return domain.CollectionGeneration{}, false, fmt.Errorf("resolve alias %s: %w", alias, err)
	}
	gen, ok := domain.ParseVersionedName(target)
	if !ok {
		return domain.CollectionGeneration{}, true, pkgerrors.ErrInvalidCollection.
			WithMetadata(map[string]string{"alias": alias, "target": target})
	}
	return gen, true, nil
}

// Bootstrap 确保别名存在：已绑定时直接返回；存在同名裸集合时转换为版本化结构；
// 否则创建第一代并建立别名。
func (m *VersionManager) Bootstrap(ctx context.Context, alias string) (domain.CollectionGeneration, error) {
	gen, bound, err := m.Current(ctx, alias)
	if err != nil || bound {
		return gen, err
	}

	unlock, err := m.lock(ctx, alias)
	if err != nil {
		return domain.CollectionGeneration{}, err
	}
	defer unlock()

	gen, bound, err = m.Current(ctx, alias)
	if err != nil || bound {
		return gen, err
	}
	existing, err := m.client.ListCollections(ctx)
	if err != nil {
		return domain.CollectionGeneration{}, fmt.Errorf("list collections: %w", err)
	}
	if slices.Contains(existing, alias) {
		next, err := m.provisionLocked(ctx, alias, existing)
		if err != nil {
			return domain.CollectionGeneration{}, err
		}
		res, err := m.populateAndPromote(ctx, alias, next, m.copyFrom(alias), MigrateOptions{})
		if err != nil {
			return domain.CollectionGeneration{}, err
		}
		m.log.Infof("converted collection %s into alias -> %s", alias, res.Current)
		return res.Current, nil
	}

	gen = domain.NextVersion(alias, existing)
	if err := m.client.CreateCollection(ctx, m.schema.WithName(gen.PhysicalName())); err != nil {
		return domain.CollectionGeneration{}, fmt.Errorf("create %s: %w", gen, err)
	}
	if err := m.client.UpsertAlias(ctx, alias, gen.PhysicalName()); err != nil {
		m.dropQuietly(ctx, gen.PhysicalName())
		return domain.CollectionGeneration{}, fmt.Errorf("create alias %s: %w", alias, err)
	}
	monitoring.AliasGeneration.WithLabelValues(alias).Set(float64(gen.Seq))
	m.log.Infof("created alias %s -> %s", alias, gen)
	return gen, nil
}

// Migrate 创建下一代，调用 populate 填充，成功后原子地将别名指向新代并退役旧代。
// populate 失败时删除新代，别名保持不变，返回 MIGRATION_ABORTED。
// 同一别名的并发迁移各自建代，最后完成者生效。
func (m *VersionManager) Migrate(ctx context.Context, alias string, populate PopulateFunc, opts MigrateOptions) (*MigrationResult, error) {
	unlock, err := m.lock(ctx, alias)
	if err != nil {
		return nil, err
	}
	if _, _, err := m.Current(ctx, alias); err != nil {
		unlock()
		return nil, err
	}
	existing, err := m.client.ListCollections(ctx)
	if err != nil {
		unlock()
		return nil, fmt.Errorf("list collections: %w", err)
	}
	next, err := m.provisionLocked(ctx, alias, existing)
	unlock()
	if err != nil {
		return nil, err
	}

	if err := m.fill(ctx, alias, next, populate); err != nil {
		return nil, err
	}

	unlock, err = m.lock(ctx, alias)
	if err != nil {
		m.dropQuietly(ctx, next.PhysicalName())
		return nil, pkgerrors.NewMigrationAborted(alias, next.PhysicalName(), err)
	}
	defer unlock()
	return m.promoteLocked(ctx, alias, next, opts)
}

// Recreate 以当前代内容重建集合（用于结构变更），无当前代时复制同名裸集合。
// 整个过程持有别名锁，复制源在此期间不会被其他迁移退役。
func (m *VersionManager) Recreate(ctx context.Context, alias string, keepOld bool) (*MigrationResult, error) {
	unlock, err := m.lock(ctx, alias)
	if err != nil {
		return nil, err
	}
	defer unlock()

	gen, bound, err := m.Current(ctx, alias)
	if err != nil {
		return nil, err
	}
	source := alias
	if bound {
		source = gen.PhysicalName()
	}
	existing, err := m.client.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("list collections: %w", err)
	}
	next, err := m.provisionLocked(ctx, alias, existing)
	if err != nil {
		return nil, err
	}
	return m.populateAndPromote(ctx, alias, next, m.copyFrom(source), MigrateOptions{KeepOld: keepOld})
}

func (m *VersionManager) populateAndPromote(
	ctx context.Context,
	alias string,
	next domain.CollectionGeneration,
	populate PopulateFunc,
	opts MigrateOptions,
) (*MigrationResult, error) {
	if err := m.fill(ctx, alias, next, populate); err != nil {
		return nil, err
	}
	return m.promoteLocked(ctx, alias, next, opts)
}

// provisionLocked 创建下一代物理集合，调用方持有别名锁
func (m *VersionManager) provisionLocked(ctx context.Context, alias string, existing []string) (domain.CollectionGeneration, error) {
	next := domain.NextVersion(alias, existing)
	physical := next.PhysicalName()
	if err := m.client.CreateCollection(ctx, m.schema.WithName(physical)); err != nil {
		return domain.CollectionGeneration{}, pkgerrors.NewMigrationAborted(alias, physical, fmt.Errorf("create collection: %w", err))
	}
	m.log.Infof("provisioning %s for alias %s", physical, alias)
	return next, nil
}

func (m *VersionManager) fill(ctx context.Context, alias string, next domain.CollectionGeneration, populate PopulateFunc) error {
	physical := next.PhysicalName()
	if err := populate(ctx, physical); err != nil {
		m.dropQuietly(ctx, physical)
		m.log.Errorf("population of %s failed, alias %s unchanged: %v", physical, alias, err)
		return pkgerrors.NewMigrationAborted(alias, physical, err)
	}
	return nil
}

// promoteLocked 将别名指向已填充的新代并退役切换前的目标，调用方持有别名锁
func (m *VersionManager) promoteLocked(
	ctx context.Context,
	alias string,
	next domain.CollectionGeneration,
	opts MigrateOptions,
) (*MigrationResult, error) {
	physical := next.PhysicalName()

	previous := ""
	gen, bound, err := m.Current(ctx, alias)
	switch {
	case err != nil:
		m.dropQuietly(ctx, physical)
		return nil, pkgerrors.NewMigrationAborted(alias, physical, err)
	case bound:
		previous = gen.PhysicalName()
	default:
		existing, err := m.client.ListCollections(ctx)
		if err != nil {
			m.dropQuietly(ctx, physical)
			return nil, pkgerrors.NewMigrationAborted(alias, physical, fmt.Errorf("list collections: %w", err))
		}
		if slices.Contains(existing, alias) {
			previous = alias
		}
	}

	if err := m.client.UpsertAlias(ctx, alias, physical); err != nil {
		m.dropQuietly(ctx, physical)
		return nil, pkgerrors.NewMigrationAborted(alias, physical, fmt.Errorf("repoint alias: %w", err))
	}
	monitoring.AliasGeneration.WithLabelValues(alias).Set(float64(next.Seq))
	m.log.Infof("alias %s -> %s (previous: %q)", alias, physical, previous)

	result := &MigrationResult{Alias: alias, Previous: previous, Current: next}
	if previous == "" || opts.KeepOld {
		return result, nil
	}

	archived, err := m.retire(context.WithoutCancel(ctx), alias, previous)
	result.Archived = archived
	if err != nil {
		result.RetireError = err.Error()
		m.log.Warnf("retire %s failed, leaving orphan: %v", previous, err)
	} else {
		result.Retired = true
	}
	return result, nil
}

// Retire 删除一个不再被别名指向的物理代
func (m *VersionManager) Retire(ctx context.Context, alias, physical string) error {
	unlock, err := m.lock(ctx, alias)
	if err != nil {
		return err
	}
	defer unlock()

	if gen, ok := domain.ParseVersionedName(physical); !ok || gen.Base != alias {
		return pkgerrors.ErrInvalidCollection.WithMetadata(map[string]string{
			"alias": alias, "collection": physical, "reason": "not a generation of this alias",
		})
	}
	target, err := m.client.GetAlias(ctx, alias)
	if err != nil && !errors.Is(err, pkgerrors.ErrAliasNotFound) {
		return err
	}
	if target == physical {
		return pkgerrors.ErrInvalidCollection.WithMetadata(map[string]string{
			"alias": alias, "collection": physical, "reason": "collection is the current alias target",
		})
	}
	_, err = m.retire(ctx, alias, physical)
	if resilience.Classify(err) == resilience.ClassNotFound {
		return pkgerrors.ErrCollectionMissing.WithMetadata(map[string]string{"collection": physical})
	}
	return err
}

func (m *VersionManager) retire(ctx context.Context, alias, physical string) (archived bool, err error) {
	if m.archive != nil {
		if err := m.snapshot(ctx, alias, physical); err != nil {
			m.log.Warnf("archive %s failed: %v", physical, err)
		} else {
			archived = true
		}
	}
	if err := m.client.DeleteCollection(ctx, physical); err != nil {
		return archived, fmt.Errorf("delete %s: %w", physical, err)
	}
	m.log.Infof("retired %s", physical)
	return archived, nil
}

// snapshot 将集合导出为 NDJSON 写入归档
func (m *VersionManager) snapshot(ctx context.Context, alias, physical string) error {
	pr, pw := io.Pipe()
	go func() {
		enc := json.NewEncoder(pw)
		pw.CloseWithError(m.client.ExportDocuments(ctx, physical, func(doc domain.IndexDocument) error {
			return enc.Encode(doc.Body())
		}))
	}()
	err := m.archive.Archive(ctx, fmt.Sprintf("%s/%s.ndjson", alias, physical), pr)
	pr.CloseWithError(err)
	return err
}

// copyFrom 返回从 source 复制全部文档的填充函数
func (m *VersionManager) copyFrom(source string) PopulateFunc {
	return func(ctx context.Context, collection string) error {
		const chunk = 100
		batch := make([]domain.IndexDocument, 0, chunk)
		copied := 0

		write := func() error {
			if len(batch) == 0 {
				return nil
			}
			results, err := m.client.UpsertBatch(ctx, collection, batch)
			if err != nil {
				return err
			}
			for _, r := range results {
				if !r.Success {
					return pkgerrors.NewIndexWrite(r.ID, r.Error)
				}
			}
			copied += len(batch)
			batch = batch[:0]
			return nil
		}

		err := m.client.ExportDocuments(ctx, source, func(doc domain.IndexDocument) error {
			batch = append(batch, doc)
			if len(batch) >= chunk {
				return write()
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("copy %s -> %s: %w", source, collection, err)
		}
		if err := write(); err != nil {
			return fmt.Errorf("copy %s -> %s: %w", source, collection, err)
		}
		m.log.Infof("copied %d documents %s -> %s", copied, source, collection)
		return nil
	}
}

func (m *VersionManager) dropQuietly(ctx context.Context, physical string) {
	if err := m.client.DeleteCollection(context.WithoutCancel(ctx), physical); err != nil {
		m.log.Warnf("cleanup of %s failed: %v", physical, err)
	}
}
