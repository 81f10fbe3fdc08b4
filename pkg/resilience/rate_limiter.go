package resilience

import (
	"context"
	"sync"
	"time"
)

// gate 单个上游的放行时间表
type gate struct {
	mu       sync.Mutex
	interval time.Duration
	next     time.Time // 下一次可放行的最早时间
}

// IntervalLimiter paces calls per upstream: consecutive grants for the same upstream are
// at least the upstream's interval apart. Callers reserve a slot under a short critical
// section and then sleep outside of any lock, so distinct upstreams never block each other.
type IntervalLimiter struct {
	mu              sync.RWMutex
	defaultInterval time.Duration
	gates           map[string]*gate
	onWait          func(upstream string, wait time.Duration)
}

// LimiterOption 限流器选项
type LimiterOption func(*IntervalLimiter)

// WithInterval 为指定上游设置放行间隔
func WithInterval(upstream string, interval time.Duration) LimiterOption {
	return func(l *IntervalLimiter) {
		l.gates[upstream] = &gate{interval: interval}
	}
}

// WithWaitObserver 设置等待回调（用于指标）
func WithWaitObserver(fn func(upstream string, wait time.Duration)) LimiterOption {
	return func(l *IntervalLimiter) {
		l.onWait = fn
	}
}

// NewIntervalLimiter 创建按上游间隔限流器
func NewIntervalLimiter(defaultInterval time.Duration, opts ...LimiterOption) *IntervalLimiter {
	l := &IntervalLimiter{
		defaultInterval: defaultInterval,
		gates:           make(map[string]*gate),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetInterval 修改上游放行间隔，对之后的放行生效
func (l *IntervalLimiter) SetInterval(upstream string, interval time.Duration) {
	g := l.gate(upstream)
	g.mu.Lock()
	g.interval = interval
	g.mu.Unlock()
}

// Interval 返回上游当前的放行间隔
func (l *IntervalLimiter) Interval(upstream string) time.Duration {
	g := l.gate(upstream)
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.interval
}

// Acquire blocks until the caller may issue one call to upstream. It returns ctx.Err()
// if the context ends first; the reserved slot is then simply skipped.
func (l *IntervalLimiter) Acquire(ctx context.Context, upstream string) error {
	g := l.gate(upstream)

	g.mu.Lock()
	now := time.Now()
	at := g.next
	if at.Before(now) {
		at = now
	}
	g.next = at.Add(g.interval)
	g.mu.Unlock()

	wait := at.Sub(now)
	if l.onWait != nil {
		l.onWait(upstream, wait)
	}
	if wait <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Defer pushes the next grant for upstream at least d into the future. It is used when
// the upstream answered with an explicit retry-after.
func (l *IntervalLimiter) Defer(upstream string, d time.Duration) {
	if d <= 0 {
		return
	}
	g := l.gate(upstream)
	g.mu.Lock()
	defer g.mu.Unlock()
	if until := time.Now().Add(d); until.After(g.next) {
		g.next = until
	}
}

// gate 获取或创建上游的 gate
func (l *IntervalLimiter) gate(upstream string) *gate {
	l.mu.RLock()
	g, ok := l.gates[upstream]
	l.mu.RUnlock()
	if ok {
		return g
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if g, ok = l.gates[upstream]; ok {
		return g
	}
	g = &gate{interval: l.defaultInterval}
	l.gates[upstream] = g
	return g
}
