package biz

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/uuid"

	"pkgharvest/cmd/harvester/internal/domain"
	pkgerrors "pkgharvest/pkg/errors"
	"pkgharvest/pkg/monitoring"
	"pkgharvest/pkg/observability"
	"pkgharvest/pkg/resilience"
)

// PipelineConfig 流水线配置
type PipelineConfig struct {
	Fetcher FetcherConfig `mapstructure:"fetcher"`
	Indexer IndexerConfig `mapstructure:"indexer"`
	// ProgressEvery 每处理多少个工作单元输出一次进度
	ProgressEvery int `mapstructure:"progress_every"`
	// RunTimeout 单次运行的截止时间，0 表示不限
	RunTimeout time.Duration `mapstructure:"run_timeout"`
}

// RetryPolicies 抓取与写入各自的重试策略
type RetryPolicies struct {
	Fetch resilience.RetryPolicy
	Index resilience.RetryPolicy
}

// RunRequest 一次运行的参数
type RunRequest struct {
	Mode   domain.RunMode
	Alias  string
	Source domain.Source
	// Upstream 工作单元未声明上游时使用的限流键
	Upstream  string
	Fetch     domain.FetchFunc
	Transform TransformFunc

	// Concurrency、BatchSize 为 0 时使用配置值
	Concurrency int
	BatchSize   int

	// DedupKey 非空时经准入闸门过滤
	DedupKey KeyFunc
	DedupTTL time.Duration

	// Migrate 为 true 时写入新一代，完整填充后再切换别名
	Migrate bool
	KeepOld bool

	// DeleteNotFound 为 true 时上游已不存在的条目从索引删除
	DeleteNotFound bool

	// Batched 为 true 时按批抓取：整批处理完再读取下一批，用于全量目录
	Batched bool

	Timeout time.Duration
}

// Pipeline 组装准入、抓取、转换与写入阶段
type Pipeline struct {
	client   domain.IndexClient
	limiter  *resilience.IntervalLimiter
	policies RetryPolicies
	dedup    *DedupGate
	versions *VersionManager
	config   PipelineConfig
	logger   log.Logger
	log      *log.Helper
}

// NewPipeline 创建流水线
func NewPipeline(
	client domain.IndexClient,
	limiter *resilience.IntervalLimiter,
	policies RetryPolicies,
	dedup *DedupGate,
	versions *VersionManager,
	config PipelineConfig,
	logger log.Logger,
) *Pipeline {
	if config.ProgressEvery <= 0 {
		config.ProgressEvery = 100
	}
	return &Pipeline{
		client:   client,
		limiter:  limiter,
		policies: policies,
		dedup:    dedup,
		versions: versions,
		config:   config,
		logger:   logger,
		log:      log.NewHelper(log.With(logger, "module", "biz/pipeline")),
	}
}

// Versions 版本管理器
func (p *Pipeline) Versions() *VersionManager {
	return p.versions
}

// Run 执行一次运行。单项失败记入报告而不终止运行；取消或超时时停止拉取新工作，
// 完成进行中的调用并写入已缓冲的批次。Migrate 模式下运行不完整则别名保持不变。
func (p *Pipeline) Run(ctx context.Context, req RunRequest) (*domain.RunReport, error) {
	if req.Source == nil || req.Fetch == nil || req.Transform == nil {
		return nil, fmt.Errorf("run request requires source, fetch and transform")
	}
	if req.Alias == "" {
		return nil, pkgerrors.ErrInvalidCollection.WithMetadata(map[string]string{"reason": "empty alias"})
	}

	report := &domain.RunReport{
		RunID:     uuid.NewString(),
		Mode:      req.Mode,
		Alias:     req.Alias,
		StartedAt: time.Now(),
	}
	ctx, span := observability.StartSpan(ctx, "harvester", "pipeline.run", observability.RunAttributes{
		RunID:    report.RunID,
		Mode:     string(req.Mode),
		Upstream: req.Upstream,
		Alias:    req.Alias,
	}.ToAttributes()...)
	defer span.End()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = p.config.RunTimeout
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	p.log.Infof("run %s started: mode=%s alias=%s source=%s migrate=%v trace=%s",
		report.RunID, req.Mode, req.Alias, req.Source.Name(), req.Migrate, observability.TraceID(ctx))

	err := p.execute(ctx, req, report)
	report.FinishedAt = time.Now()
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		report.Cancelled = true
	default:
		report.Error = err.Error()
	}
	observability.RecordError(span, err)
	monitoring.RunsTotal.WithLabelValues(string(req.Mode), report.Result()).Inc()

	p.log.Infof("run %s finished in %s: result=%s fetched=%d succeeded=%d not_found=%d failed=%d skipped=%d duplicates=%d indexed=%d index_failed=%d",
		report.RunID, report.Duration().Round(time.Millisecond), report.Result(),
		report.Fetched, report.Succeeded, report.NotFound, report.Failed, report.Skipped,
		report.Duplicates, report.Indexed, report.IndexFailed)
	return report, err
}

func (p *Pipeline) execute(ctx context.Context, req RunRequest, report *domain.RunReport) error {
	if !req.Migrate {
		if _, err := p.versions.Bootstrap(ctx, req.Alias); err != nil {
			return err
		}
		return p.populate(ctx, req.Alias, req, report)
	}

	result, err := p.versions.Migrate(ctx, req.Alias, func(ctx context.Context, collection string) error {
		return p.populate(ctx, collection, req, report)
	}, MigrateOptions{KeepOld: req.KeepOld})
	if err != nil {
		// 取消导致的中止按取消上报
		if ctx.Err() != nil {
			return fmt.Errorf("%w: %w", ctx.Err(), err)
		}
		return err
	}
	report.Generation = &result.Current
	return nil
}

// populate 将一次完整的抓取结果写入 collection；运行完整时返回 nil
func (p *Pipeline) populate(ctx context.Context, collection string, req RunRequest, report *domain.RunReport) error {
	batchSize := req.BatchSize
	if batchSize <= 0 {
		batchSize = p.config.Indexer.BatchSize
	}
	fetcherConfig := p.config.Fetcher
	if req.Concurrency > 0 {
		fetcherConfig.Workers = req.Concurrency
	}
	if batchSize > 0 {
		fetcherConfig.BatchSize = batchSize
	}

	runCtx, stop := context.WithCancelCause(ctx)
	defer stop(nil)

	indexer := NewBatchIndexer(p.client, collection, IndexerConfig{
		BatchSize: batchSize,
		MaxWait:   p.config.Indexer.MaxWait,
	}, p.policies.Index, p.logger)

	items := make(chan domain.WorkItem, fetcherConfig.withDefaults().BatchSize)
	srcErr := make(chan error, 1)
	go func() {
		defer close(items)
		srcErr <- req.Source.Items(runCtx, items)
	}()

	var (
		stream     <-chan domain.WorkItem = items
		duplicates atomic.Int64
	)
	if req.DedupKey != nil {
		stream = p.dedup.Filter(runCtx, items, req.DedupKey, req.DedupTTL, func(item domain.WorkItem) {
			duplicates.Add(1)
			p.log.Debugf("skip duplicate %s", item.ID)
		})
	}

	fetcher := NewFetcher(p.limiter, p.policies.Fetch, req.Fetch, req.Upstream, fetcherConfig, p.logger)
	fetcher.SetDropHandler(func(item domain.WorkItem) {
		if req.DedupKey != nil {
			p.dedup.Release(context.WithoutCancel(ctx), req.DedupKey(item))
		}
	})

	started := time.Now()
	handle := func(outcome domain.FetchOutcome) {
		if err := p.consume(ctx, collection, req, outcome, indexer, report); err != nil {
			stop(err)
		}
		if report.Fetched%p.config.ProgressEvery == 0 {
			elapsed := time.Since(started).Seconds()
			p.log.Infof("processed %d items into %s (%.1f/s)", report.Fetched, collection, float64(report.Fetched)/max(elapsed, 0.001))
		}
	}
	if req.Batched {
		src := streamSource{name: req.Source.Name(), items: stream}
		err := fetcher.FetchBatched(runCtx, src, func(_ context.Context, outcomes []domain.FetchOutcome) error {
			for _, o := range outcomes {
				handle(o)
			}
			return nil
		})
		if err != nil && runCtx.Err() == nil {
			stop(err)
		}
	} else {
		for outcome := range fetcher.Run(runCtx, stream) {
			handle(outcome)
		}
	}

	closeErr := indexer.Close(context.WithoutCancel(ctx))
	stats := indexer.Stats()
	report.Indexed += stats.Indexed
	report.IndexFailed += stats.Failed
	report.IndexFailures = append(report.IndexFailures, stats.Failures...)
	report.Duplicates += int(duplicates.Load())

	if err := context.Cause(runCtx); err != nil && !errors.Is(err, context.Canceled) && ctx.Err() == nil {
		return err
	}
	if closeErr != nil {
		return closeErr
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := <-srcErr; err != nil {
		return fmt.Errorf("source %s: %w", req.Source.Name(), err)
	}
	return nil
}

// consume 处理单个抓取结果；返回非空错误表示运行无法继续
func (p *Pipeline) consume(
	ctx context.Context,
	collection string,
	req RunRequest,
	outcome domain.FetchOutcome,
	indexer *BatchIndexer,
	report *domain.RunReport,
) error {
	report.Fetched++

	switch outcome.Status {
	case domain.StatusSuccess:
		doc, keep, err := req.Transform(outcome)
		if err != nil {
			report.Failed++
			p.addFailure(report, outcome, err)
			return nil
		}
		if !keep {
			report.Skipped++
			return nil
		}
		report.Succeeded++
		if err := indexer.Submit(context.WithoutCancel(ctx), doc); err != nil && pkgerrors.IsIndexUnavailable(err) {
			return err
		}

	case domain.StatusNotFound:
		report.NotFound++
		if !req.DeleteNotFound {
			return nil
		}
		if err := p.client.DeleteDocument(context.WithoutCancel(ctx), collection, outcome.ID); err != nil {
			p.log.Warnf("delete stale document %s: %v", outcome.ID, err)
			return nil
		}
		report.Deleted++
		p.log.Infof("removed %s from %s: no longer upstream", outcome.ID, collection)

	case domain.StatusTransientError:
		report.Failed++
		p.addFailure(report, outcome, outcome.Err)
		// 释放准入键，下一次触发可重新抓取
		if req.DedupKey != nil {
			p.dedup.Release(context.WithoutCancel(ctx), req.DedupKey(outcome.Item))
		}

	default:
		report.Failed++
		p.addFailure(report, outcome, outcome.Err)
	}
	return nil
}

func (p *Pipeline) addFailure(report *domain.RunReport, outcome domain.FetchOutcome, err error) {
	if len(report.Failures) >= maxReportedFailures {
		return
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	report.Failures = append(report.Failures, domain.ItemFailure{
		ID:       outcome.ID,
		Status:   outcome.Status,
		Attempts: outcome.Attempts,
		Error:    msg,
	})
}

// streamSource 将已过滤的工作单元通道作为来源交给批模式抓取
type streamSource struct {
	name  string
	items <-chan domain.WorkItem
}

func (s streamSource) Name() string { return s.name }

func (s streamSource) Items(ctx context.Context, out chan<- domain.WorkItem) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case item, ok := <-s.items:
			if !ok {
				return nil
			}
			select {
			case out <- item:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}
