package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"pkgharvest/cmd/harvester/internal/biz"
	"pkgharvest/cmd/harvester/internal/domain"
	"pkgharvest/cmd/harvester/internal/infra"
	"pkgharvest/pkg/events"
)

// ErrNoCheckpoint 增量运行前没有完成过全量运行
var ErrNoCheckpoint = errors.New("no checkpoint recorded, run a full harvest first")

// Config 采集服务配置
type Config struct {
	// Profile 默认 profile，决定分类器过滤、npm 搜索条件与默认别名
	Profile string `mapstructure:"profile"`
	// Alias 默认别名，为空时使用 profile 名称
	Alias      string `mapstructure:"alias"`
	NameFilter string `mapstructure:"name_filter"`
	Limit      int    `mapstructure:"limit"`
	// EventDedupTTL 事件去重窗口
	EventDedupTTL time.Duration `mapstructure:"event_dedup_ttl"`
	// EventBatchSize 事件循环的写入批大小，事件稀疏时不宜过大
	EventBatchSize int `mapstructure:"event_batch_size"`
}

// RunOptions 一次全量或增量运行的参数，零值字段取配置默认值
type RunOptions struct {
	Registry   string `json:"registry"`
	Profile    string `json:"profile"`
	Alias      string `json:"alias"`
	NameFilter string `json:"name_filter"`
	Limit      int    `json:"limit"`
	// Migrate 写入新一代并在完成后切换别名
	Migrate bool `json:"migrate"`
	KeepOld bool `json:"keep_old"`
}

// HarvestService 采集服务
type HarvestService struct {
	pipeline    *biz.Pipeline
	upstreams   *infra.Upstreams
	profiles    biz.Profiles
	checkpoints domain.CheckpointRepository
	runs        domain.RunRepository
	publisher   events.Publisher
	fetchCache  *biz.FetchCache
	enrichers   []biz.Enricher
	eventSource *infra.EventSource
	config      Config
	logger      log.Logger
	log         *log.Helper
}

// NewHarvestService 创建采集服务
func NewHarvestService(
	pipeline *biz.Pipeline,
	upstreams *infra.Upstreams,
	profiles biz.Profiles,
	checkpoints domain.CheckpointRepository,
	runs domain.RunRepository,
	publisher events.Publisher,
	fetchCache *biz.FetchCache,
	eventSource *infra.EventSource,
	config *Config,
	logger log.Logger,
) *HarvestService {
	c := *config
	if c.EventDedupTTL <= 0 {
		c.EventDedupTTL = time.Hour
	}
	if c.EventBatchSize <= 0 {
		c.EventBatchSize = 10
	}
	var enrichers []biz.Enricher
	if upstreams.GitHub != nil {
		enrichers = append(enrichers, biz.NewGitHubEnricher(upstreams.GitHub.RepoStats, fetchCache, logger))
	}
	return &HarvestService{
		pipeline:    pipeline,
		upstreams:   upstreams,
		profiles:    profiles,
		checkpoints: checkpoints,
		runs:        runs,
		publisher:   publisher,
		fetchCache:  fetchCache,
		enrichers:   enrichers,
		eventSource: eventSource,
		config:      c,
		logger:      logger,
		log:         log.NewHelper(log.With(logger, "module", "service/harvest")),
	}
}

// resolved 补全默认值后的运行参数
type resolved struct {
	RunOptions
	profile biz.Profile
}

func (s *HarvestService) resolve(opts RunOptions) (resolved, error) {
	if opts.Registry == "" {
		opts.Registry = infra.UpstreamPyPI
	}
	if _, err := s.upstreams.Get(opts.Registry); err != nil {
		return resolved{}, err
	}
	if opts.Profile == "" {
		opts.Profile = s.config.Profile
	}
	var profile biz.Profile
	if opts.Profile != "" {
		p, err := s.profiles.Get(opts.Profile)
		if err != nil {
			return resolved{}, err
		}
		profile = p
	}
	if opts.Alias == "" {
		opts.Alias = s.config.Alias
	}
	if opts.Alias == "" {
		opts.Alias = opts.Profile
	}
	if opts.Alias == "" {
		return resolved{}, fmt.Errorf("no alias given and no default profile configured")
	}
	if opts.NameFilter == "" {
		opts.NameFilter = s.config.NameFilter
	}
	if opts.Limit == 0 {
		opts.Limit = s.config.Limit
	}
	return resolved{RunOptions: opts, profile: profile}, nil
}

// transform 上游对应的转换链；只有 PyPI 记录带分类器
func (s *HarvestService) transform(registry string, profile biz.Profile) biz.TransformFunc {
	var classifiers []string
	if registry == infra.UpstreamPyPI {
		classifiers = profile.Classifiers
	}
	return biz.Chain(biz.DefaultSteps(registry, classifiers)...)
}

func (s *HarvestService) fetch() domain.FetchFunc {
	fetch := s.fetchCache.Wrap("fetch", s.upstreams.Fetch(), s.logger)
	return biz.EnrichFetch(fetch, s.logger, s.enrichers...)
}

func checkpointName(registry, alias string) string {
	return registry + ":" + alias
}

// fullSource 全量来源
func (s *HarvestService) fullSource(o resolved) domain.Source {
	if o.Registry == infra.UpstreamNpm {
		return infra.NewNpmSource(s.upstreams.Npm, o.profile.Npm.Keywords, o.profile.Npm.Scopes, o.Limit, s.logger)
	}
	return infra.NewPyPIFullSource(s.upstreams.PyPI, infra.SourceFilter{
		Name:        o.NameFilter,
		Classifiers: o.profile.Classifiers,
		Limit:       o.Limit,
	}, s.logger)
}

// FullRun 全量运行，完成后以开始时间写入增量检查点
func (s *HarvestService) FullRun(ctx context.Context, opts RunOptions) (*domain.RunReport, error) {
	o, err := s.resolve(opts)
	if err != nil {
		return nil, err
	}
	return s.run(ctx, o, biz.RunRequest{
		Mode:      domain.ModeFirst,
		Alias:     o.Alias,
		Source:    s.fullSource(o),
		Upstream:  o.Registry,
		Fetch:     s.fetch(),
		Transform: s.transform(o.Registry, o.profile),
		Migrate:   o.Migrate,
		KeepOld:   o.KeepOld,
		Batched:   true,
	}, true)
}

// IncrementalRun 增量运行：PyPI 读取检查点之后的 RSS 更新；npm 搜索不支持时间过滤，重新遍历搜索结果
func (s *HarvestService) IncrementalRun(ctx context.Context, opts RunOptions) (*domain.RunReport, error) {
	o, err := s.resolve(opts)
	if err != nil {
		return nil, err
	}

	var source domain.Source
	switch o.Registry {
	case infra.UpstreamNpm:
		s.log.Info("incremental mode for npm: re-listing search results")
		source = s.fullSource(o)
	default:
		since, err := s.checkpoints.Get(ctx, checkpointName(o.Registry, o.Alias))
		if err != nil {
			return nil, fmt.Errorf("read checkpoint: %w", err)
		}
		if since.IsZero() {
			return nil, ErrNoCheckpoint
		}
		source = infra.NewPyPIUpdatesSource(s.upstreams.PyPI, since, infra.SourceFilter{
			Name:  o.NameFilter,
			Limit: o.Limit,
		}, s.logger)
	}

	return s.run(ctx, o, biz.RunRequest{
		Mode:      domain.ModeIncremental,
		Alias:     o.Alias,
		Source:    source,
		Upstream:  o.Registry,
		Fetch:     s.fetch(),
		Transform: s.transform(o.Registry, o.profile),
		DedupKey:  biz.ReleaseKey,
		DedupTTL:  s.config.EventDedupTTL,
	}, true)
}

// Refresh 立即刷新单个包版本；上游已不存在时从索引删除
func (s *HarvestService) Refresh(ctx context.Context, registry, name, version, alias string) (*domain.RunReport, error) {
	if name == "" {
		return nil, fmt.Errorf("package name is required")
	}
	o, err := s.resolve(RunOptions{Registry: registry, Alias: alias})
	if err != nil {
		return nil, err
	}
	item := domain.NewReleaseItem(o.Registry, name, version)
	return s.run(ctx, o, biz.RunRequest{
		Mode:           domain.ModeRefresh,
		Alias:          o.Alias,
		Source:         domain.SliceSource{item},
		Upstream:       o.Registry,
		Fetch:          s.upstreams.Fetch(),
		Transform:      s.transform(o.Registry, o.profile),
		Concurrency:    1,
		BatchSize:      1,
		DeleteNotFound: true,
	}, false)
}

// eventKey 新包事件按包名去重，版本事件按 name@version 去重
func eventKey(item domain.WorkItem) domain.DedupKey {
	if item.Version() == "" {
		return biz.NewPackageKey(item)
	}
	return biz.ReleaseKey(item)
}

// RunEvents 消费事件直到 ctx 取消；事件可能来自不同上游，转换链按工作单元的上游选择
func (s *HarvestService) RunEvents(ctx context.Context) (*domain.RunReport, error) {
	o, err := s.resolve(RunOptions{})
	if err != nil {
		return nil, err
	}
	transforms := map[string]biz.TransformFunc{
		infra.UpstreamPyPI: s.transform(infra.UpstreamPyPI, o.profile),
		infra.UpstreamNpm:  s.transform(infra.UpstreamNpm, o.profile),
	}
	transform := func(outcome domain.FetchOutcome) (domain.IndexDocument, bool, error) {
		t, ok := transforms[outcome.Item.Upstream()]
		if !ok {
			return domain.IndexDocument{}, false, fmt.Errorf("no transform for upstream %q", outcome.Item.Upstream())
		}
		return t(outcome)
	}

	s.log.Infof("event loop started: alias=%s dedup_ttl=%s", o.Alias, s.config.EventDedupTTL)
	report, err := s.run(ctx, o, biz.RunRequest{
		Mode:           domain.ModeEvent,
		Alias:          o.Alias,
		Source:         s.eventSource,
		Upstream:       infra.UpstreamPyPI,
		Fetch:          s.fetch(),
		Transform:      transform,
		BatchSize:      s.config.EventBatchSize,
		DedupKey:       eventKey,
		DedupTTL:       s.config.EventDedupTTL,
		DeleteNotFound: true,
	}, false)
	if errors.Is(err, context.Canceled) {
		return report, nil
	}
	return report, err
}

// StopEvents 停止接收事件，事件循环在已入队工作完成后退出
func (s *HarvestService) StopEvents() {
	s.eventSource.Close()
}

// run 执行运行并记录历史、发布通知；checkpoint 为 true 时成功后写入检查点
func (s *HarvestService) run(ctx context.Context, o resolved, req biz.RunRequest, checkpoint bool) (*domain.RunReport, error) {
	report, err := s.pipeline.Run(ctx, req)
	if report == nil {
		return nil, err
	}

	bg := context.WithoutCancel(ctx)
	if checkpoint && err == nil {
		name := checkpointName(o.Registry, o.Alias)
		if cerr := s.checkpoints.Save(bg, name, report.StartedAt); cerr != nil {
			s.log.Errorf("save checkpoint %s: %v", name, cerr)
		}
	}
	if rerr := s.runs.Save(bg, report); rerr != nil {
		s.log.Warnf("save run history %s: %v", report.RunID, rerr)
	}
	s.notify(bg, o.Registry, report)
	return report, err
}

// RunCompletedPayload harvest.run.completed 事件载荷
type RunCompletedPayload struct {
	Registry string            `json:"registry"`
	Result   string            `json:"result"`
	Report   *domain.RunReport `json:"report"`
}

func (s *HarvestService) notify(ctx context.Context, registry string, report *domain.RunReport) {
	e, err := events.NewEvent(events.TypeRunCompleted, report.Alias, RunCompletedPayload{
		Registry: registry,
		Result:   report.Result(),
		Report:   report,
	})
	if err != nil {
		s.log.Warnf("build run event: %v", err)
		return
	}
	e.Metadata = map[string]string{"run_id": report.RunID, "mode": string(report.Mode)}
	if err := s.publisher.Publish(ctx, e); err != nil {
		s.log.Warnf("publish run event %s: %v", report.RunID, err)
	}
}

// AliasInfo 别名当前状态
type AliasInfo struct {
	Alias      string                       `json:"alias"`
	Bound      bool                         `json:"bound"`
	Generation *domain.CollectionGeneration `json:"generation,omitempty"`
}

// GetAlias 查询别名当前绑定的代
func (s *HarvestService) GetAlias(ctx context.Context, alias string) (*AliasInfo, error) {
	gen, bound, err := s.pipeline.Versions().Current(ctx, alias)
	if err != nil {
		return nil, err
	}
	info := &AliasInfo{Alias: alias, Bound: bound}
	if bound {
		info.Generation = &gen
	}
	return info, nil
}

// Recreate 以当前内容重建别名下的集合；别名尚未建立时先初始化第一代
func (s *HarvestService) Recreate(ctx context.Context, alias string, keepOld bool) (*biz.MigrationResult, error) {
	if _, err := s.pipeline.Versions().Bootstrap(ctx, alias); err != nil {
		return nil, err
	}
	return s.pipeline.Versions().Recreate(ctx, alias, keepOld)
}

// RetireGeneration 删除别名下不再被指向的旧代（迁移时保留的孤儿代）
func (s *HarvestService) RetireGeneration(ctx context.Context, alias, collection string) error {
	if err := s.pipeline.Versions().Retire(ctx, alias, collection); err != nil {
		return err
	}
	s.log.Infof("retired generation %s of alias %s", collection, alias)
	return nil
}

// RecentRuns 最近的运行记录
func (s *HarvestService) RecentRuns(ctx context.Context, limit int) ([]*domain.RunReport, error) {
	return s.runs.ListRecent(ctx, limit)
}

// Profiles 可用 profile 名称
func (s *HarvestService) Profiles() []string {
	return s.profiles.Names()
}
