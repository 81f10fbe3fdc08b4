package resilience

import (
	"time"

	"github.com/sony/gobreaker"
)

// BreakerConfig 熔断器配置
type BreakerConfig struct {
	// MaxRequests 半开状态下最大请求数
	MaxRequests uint32
	// Interval 统计周期
	Interval time.Duration
	// Timeout 熔断器开启后等待时间
	Timeout time.Duration
	// MinRequests 触发熔断所需的最少请求数
	MinRequests uint32
	// FailureRatio 触发熔断的失败率
	FailureRatio float64
	// OnStateChange 状态变化回调
	OnStateChange func(name string, from, to gobreaker.State)
	// IsSuccessful 判断错误是否计为成功，为空时所有错误都计为失败
	IsSuccessful func(err error) bool
}

// DefaultBreakerConfig 默认配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxRequests:  3,
		Interval:     10 * time.Second,
		Timeout:      30 * time.Second,
		MinRequests:  5,
		FailureRatio: 0.6,
	}
}

// NewBreaker 创建熔断器
func NewBreaker(name string, config BreakerConfig) *gobreaker.CircuitBreaker {
	def := DefaultBreakerConfig()
	if config.MaxRequests == 0 {
		config.MaxRequests = def.MaxRequests
	}
	if config.Timeout <= 0 {
		config.Timeout = def.Timeout
	}
	if config.MinRequests == 0 {
		config.MinRequests = def.MinRequests
	}
	if config.FailureRatio <= 0 {
		config.FailureRatio = def.FailureRatio
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: config.MaxRequests,
		Interval:    config.Interval,
		Timeout:     config.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < config.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= config.FailureRatio
		},
		OnStateChange: config.OnStateChange,
		IsSuccessful:  config.IsSuccessful,
	}
	return gobreaker.NewCircuitBreaker(settings)
}
