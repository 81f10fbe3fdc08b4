package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// Status 健康状态
type Status string

const (
	// StatusHealthy 健康
	StatusHealthy Status = "healthy"
	// StatusUnhealthy 不健康
	StatusUnhealthy Status = "unhealthy"
	// StatusDegraded 降级
	StatusDegraded Status = "degraded"
)

// CheckResult 检查结果
type CheckResult struct {
	Status    Status                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Duration  time.Duration          `json:"duration"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

// Checker 健康检查器接口
type Checker interface {
	Check(ctx context.Context) CheckResult
	Name() string
}

// Report 整体健康报告
type Report struct {
	Service string                 `json:"service"`
	Status  Status                 `json:"status"`
	Uptime  string                 `json:"uptime"`
	Checks  map[string]CheckResult `json:"checks"`
}

// HealthChecker 健康检查管理器
type HealthChecker struct {
	service string
	started time.Time
	timeout time.Duration

	mu       sync.RWMutex
	checkers map[string]Checker
}

// NewHealthChecker 创建健康检查管理器
func NewHealthChecker(service string, timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &HealthChecker{
		service:  service,
		started:  time.Now(),
		timeout:  timeout,
		checkers: make(map[string]Checker),
	}
}

// Register 注册检查器
func (h *HealthChecker) Register(checkers ...Checker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range checkers {
		h.checkers[c.Name()] = c
	}
}

// Names 已注册检查器名称
func (h *HealthChecker) Names() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	names := make([]string, 0, len(h.checkers))
	for name := range h.checkers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Check 并发执行所有检查
func (h *HealthChecker) Check(ctx context.Context) map[string]CheckResult {
	h.mu.RLock()
	checkers := make([]Checker, 0, len(h.checkers))
	for _, checker := range h.checkers {
		checkers = append(checkers, checker)
	}
	h.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()

	var (
		mu      sync.Mutex
		wg      sync.WaitGroup
		results = make(map[string]CheckResult, len(checkers))
	)
	for _, checker := range checkers {
		wg.Add(1)
		go func(c Checker) {
			defer wg.Done()
			result := c.Check(ctx)
			mu.Lock()
			results[c.Name()] = result
			mu.Unlock()
		}(checker)
	}
	wg.Wait()
	return results
}

// Report 生成整体报告，任一不健康则整体不健康，任一降级则整体降级
func (h *HealthChecker) Report(ctx context.Context) Report {
	results := h.Check(ctx)
	status := StatusHealthy
	for _, r := range results {
		switch r.Status {
		case StatusUnhealthy:
			status = StatusUnhealthy
		case StatusDegraded:
			if status == StatusHealthy {
				status = StatusDegraded
			}
		}
	}
	return Report{
		Service: h.service,
		Status:  status,
		Uptime:  time.Since(h.started).Truncate(time.Second).String(),
		Checks:  results,
	}
}

// PingChecker 基于 ping 函数的依赖检查
type PingChecker struct {
	name      string
	pingFn    func(context.Context) error
	threshold time.Duration
	// optional 为 true 时失败仅视为降级
	optional bool
}

// NewPingChecker 创建关键依赖检查器
func NewPingChecker(name string, pingFn func(context.Context) error, threshold time.Duration) *PingChecker {
	return &PingChecker{name: name, pingFn: pingFn, threshold: threshold}
}

// NewOptionalChecker 创建可降级依赖检查器，失败时报告 degraded
func NewOptionalChecker(name string, pingFn func(context.Context) error) *PingChecker {
	return &PingChecker{name: name, pingFn: pingFn, optional: true}
}

// Name 返回检查器名称
func (p *PingChecker) Name() string {
	return p.name
}

// Check 执行检查
func (p *PingChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := p.pingFn(ctx)
	duration := time.Since(start)

	if err != nil {
		status := StatusUnhealthy
		if p.optional {
			status = StatusDegraded
		}
		return CheckResult{
			Status:    status,
			Timestamp: time.Now(),
			Duration:  duration,
			Error:     err.Error(),
		}
	}

	if p.threshold > 0 && duration > p.threshold {
		return CheckResult{
			Status:    StatusDegraded,
			Timestamp: time.Now(),
			Duration:  duration,
			Details: map[string]interface{}{
				"threshold": p.threshold.String(),
				"actual":    duration.String(),
			},
			Error: fmt.Sprintf("response time exceeds threshold: %v > %v", duration, p.threshold),
		}
	}

	return CheckResult{
		Status:    StatusHealthy,
		Timestamp: time.Now(),
		Duration:  duration,
	}
}
