package biz

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"golang.org/x/sync/errgroup"

	"pkgharvest/cmd/harvester/internal/domain"
	pkgerrors "pkgharvest/pkg/errors"
	"pkgharvest/pkg/monitoring"
	"pkgharvest/pkg/resilience"
)

// FetcherConfig 抓取池配置
type FetcherConfig struct {
	// Workers 并发 worker 数
	Workers int `mapstructure:"workers"`
	// BatchSize 输出缓冲与批模式的批大小
	BatchSize int `mapstructure:"batch_size"`
	// CallTimeout 单次网络调用超时
	CallTimeout time.Duration `mapstructure:"call_timeout"`
}

func (c FetcherConfig) withDefaults() FetcherConfig {
	if c.Workers <= 0 {
		c.Workers = 10
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 30 * time.Second
	}
	return c
}

// Fetcher 并行抓取池
//
// 每个 worker 拉取一个工作单元，经限流器取得配额后在重试策略内调用抓取函数，
// 并为每个开始了网络调用的工作单元输出一个结果。取消后 worker 不再拉取新工作，
// 进行中的网络调用不会被中断。
type Fetcher struct {
	limiter  *resilience.IntervalLimiter
	policy   resilience.RetryPolicy
	fetch    domain.FetchFunc
	upstream string
	config   FetcherConfig
	log      *log.Helper

	onDropped func(domain.WorkItem)
}

// NewFetcher 创建抓取池；upstream 为工作单元未声明上游时使用的限流键
func NewFetcher(
	limiter *resilience.IntervalLimiter,
	policy resilience.RetryPolicy,
	fetch domain.FetchFunc,
	upstream string,
	config FetcherConfig,
	logger log.Logger,
) *Fetcher {
	return &Fetcher{
		limiter:  limiter,
		policy:   policy,
		fetch:    fetch,
		upstream: upstream,
		config:   config.withDefaults(),
		log:      log.NewHelper(log.With(logger, "module", "biz/fetcher")),
	}
}

// SetDropHandler 设置取消时已拉取但未开始抓取的工作单元回调
func (f *Fetcher) SetDropHandler(fn func(domain.WorkItem)) {
	f.onDropped = fn
}

// Run 启动 worker 池消费 in，所有 worker 退出后关闭返回的通道。
// 调用方必须读尽返回的通道。
func (f *Fetcher) Run(ctx context.Context, in <-chan domain.WorkItem) <-chan domain.FetchOutcome {
	out := make(chan domain.FetchOutcome, f.config.BatchSize)

	var wg sync.WaitGroup
	for i := 0; i < f.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			f.worker(ctx, workerID, in, out)
		}(i)
	}
	go func() {
		wg.Wait()
		close(out)
	}()
	return out
}

func (f *Fetcher) worker(ctx context.Context, workerID int, in <-chan domain.WorkItem, out chan<- domain.FetchOutcome) {
	for {
		if ctx.Err() != nil {
			f.log.Debugf("worker %d stopping: %v", workerID, ctx.Err())
			return
		}
		select {
		case <-ctx.Done():
			return
		case item, ok := <-in:
			if !ok {
				return
			}
			outcome, started := f.FetchOne(ctx, item)
			if !started {
				// 取消发生在首次网络调用之前，该单元未被处理
				if f.onDropped != nil {
					f.onDropped(item)
				}
				return
			}
			out <- outcome
		}
	}
}

// FetchOne 抓取单个工作单元。started 为 false 表示 ctx 在首次网络调用前已取消。
func (f *Fetcher) FetchOne(ctx context.Context, item domain.WorkItem) (outcome domain.FetchOutcome, started bool) {
	upstream := item.Upstream()
	if upstream == "" {
		upstream = f.upstream
	}

	calls := 0
	record, _, err := resilience.Do(ctx, f.policy, func(actx context.Context) (domain.Record, error) {
		if err := f.limiter.Acquire(actx, upstream); err != nil {
			return nil, resilience.Terminal(err)
		}
		calls++

		callCtx, cancel := context.WithTimeout(context.WithoutCancel(actx), f.config.CallTimeout)
		defer cancel()
		rec, err := f.safeFetch(callCtx, item)

		var rl *resilience.RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			f.limiter.Defer(upstream, rl.RetryAfter)
		}
		return rec, err
	})
	if calls == 0 {
		return domain.FetchOutcome{}, false
	}

	outcome = domain.FetchOutcome{
		ID:       item.ID,
		Item:     item,
		Attempts: calls,
	}
	switch {
	case err == nil:
		outcome.Status = domain.StatusSuccess
		outcome.Payload = record
	case resilience.Classify(err) == resilience.ClassNotFound:
		outcome.Status = domain.StatusNotFound
	case ctx.Err() != nil, resilience.IsRetryable(err):
		outcome.Status = domain.StatusTransientError
		var rl *resilience.RateLimitError
		if errors.As(err, &rl) {
			outcome.Err = pkgerrors.NewRateLimited(item.ID, err)
		} else {
			outcome.Err = pkgerrors.NewTransient(item.ID, err)
		}
	default:
		outcome.Status = domain.StatusTerminalError
		outcome.Err = pkgerrors.NewTerminal(item.ID, err)
	}

	monitoring.FetchTotal.WithLabelValues(upstream, string(outcome.Status)).Inc()
	monitoring.FetchAttempts.WithLabelValues(upstream).Observe(float64(calls))
	if outcome.Err != nil {
		f.log.Warnf("fetch %s failed after %d attempts: %v", item.ID, calls, err)
	}
	return outcome, true
}

// safeFetch 将抓取函数的 panic 转为终止性错误
func (f *Fetcher) safeFetch(ctx context.Context, item domain.WorkItem) (rec domain.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = resilience.Terminal(fmt.Errorf("fetch panic: %v", r))
		}
	}()
	return f.fetch(ctx, item)
}

// FetchBatched 批模式：每次从来源读取至多 BatchSize 个工作单元并发抓取，
// 整批结果交给 handle 后再读取下一批，内存占用与来源总长度无关。
// ctx 取消时已抓取的部分批次仍会交给 handle。
func (f *Fetcher) FetchBatched(ctx context.Context, source domain.Source, handle func(context.Context, []domain.FetchOutcome) error) error {
	srcCtx, cancelSrc := context.WithCancel(ctx)
	defer cancelSrc()

	in := make(chan domain.WorkItem, f.config.BatchSize)
	srcErr := make(chan error, 1)
	go func() {
		defer close(in)
		srcErr <- source.Items(srcCtx, in)
	}()

	batch := make([]domain.WorkItem, 0, f.config.BatchSize)
	for {
		batch = batch[:0]
		for len(batch) < f.config.BatchSize {
			item, ok := <-in
			if !ok {
				break
			}
			batch = append(batch, item)
			if ctx.Err() != nil {
				break
			}
		}
		if len(batch) == 0 {
			break
		}

		outcomes := f.fetchBatch(ctx, batch)
		if len(outcomes) > 0 {
			if err := handle(context.WithoutCancel(ctx), outcomes); err != nil {
				return err
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}

	cancelSrc()
	if err := <-srcErr; err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("source %s: %w", source.Name(), err)
	}
	return ctx.Err()
}

func (f *Fetcher) fetchBatch(ctx context.Context, batch []domain.WorkItem) []domain.FetchOutcome {
	var (
		mu       sync.Mutex
		outcomes = make([]domain.FetchOutcome, 0, len(batch))
		g        errgroup.Group
	)
	g.SetLimit(f.config.Workers)
	for _, item := range batch {
		g.Go(func() error {
			o, started := f.FetchOne(ctx, item)
			if !started {
				if f.onDropped != nil {
					f.onDropped(item)
				}
				return nil
			}
			mu.Lock()
			outcomes = append(outcomes, o)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return outcomes
}
