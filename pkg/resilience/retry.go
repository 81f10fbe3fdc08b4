package resilience

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

var (
	// ErrMaxRetriesExceeded 超过最大重试次数
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")
)

// RetryPolicy 重试策略
type RetryPolicy struct {
	// MaxAttempts 最大尝试次数（包含第一次）
	MaxAttempts int
	// InitialDelay 初始延迟
	InitialDelay time.Duration
	// MaxDelay 最大延迟
	MaxDelay time.Duration
	// BackoffMultiplier 退避乘数（指数退避）
	BackoffMultiplier float64
	// Jitter 随机抖动比例，0.2 表示 ±20%
	Jitter float64
	// RetryableErrors 可重试的错误判断函数，为空时使用 Classify
	RetryableErrors func(error) bool
	// OnRetry 重试回调
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryPolicy 默认重试策略
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       3,
		InitialDelay:      time.Second,
		MaxDelay:          time.Minute,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}
}

// Retry 执行带重试的函数
func Retry(ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) error) (int, error) {
	_, attempts, err := Do(ctx, policy, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return attempts, err
}

// Do executes fn up to MaxAttempts times and returns the result together with the
// number of attempts made. Non-retryable errors are returned as-is after the first
// failing attempt; exhausting the attempts joins ErrMaxRetriesExceeded with the last cause.
func Do[T any](ctx context.Context, policy RetryPolicy, fn func(ctx context.Context) (T, error)) (T, int, error) {
	var (
		zero    T
		lastErr error
	)

	maxAttempts := policy.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	retryable := policy.RetryableErrors
	if retryable == nil {
		retryable = IsRetryable
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		// 第一次尝试不延迟
		if attempt > 1 {
			delay := policy.Delay(attempt - 1)

			if policy.OnRetry != nil {
				policy.OnRetry(attempt, lastErr, delay)
			}

			if delay > 0 {
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					return zero, attempt - 1, errors.Join(ctx.Err(), lastErr)
				case <-timer.C:
				}
			}
		}

		result, err := fn(ctx)
		if err == nil {
			return result, attempt, nil
		}
		lastErr = err

		if !retryable(err) {
			return zero, attempt, err
		}

		if ctx.Err() != nil {
			return zero, attempt, errors.Join(ctx.Err(), lastErr)
		}
	}

	return zero, maxAttempts, errors.Join(ErrMaxRetriesExceeded, lastErr)
}

// Delay 计算第 n 次尝试完成后的等待时间：InitialDelay * BackoffMultiplier^n，带抖动
func (p RetryPolicy) Delay(n int) time.Duration {
	multiplier := p.BackoffMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}
	delay := float64(p.InitialDelay) * math.Pow(multiplier, float64(n))

	if p.Jitter > 0 {
		delay *= 1 + (rand.Float64()*2-1)*p.Jitter
	}

	// 限制最大延迟
	if p.MaxDelay > 0 && delay > float64(p.MaxDelay) {
		delay = float64(p.MaxDelay)
	}
	if delay < 0 {
		delay = 0
	}

	return time.Duration(delay)
}

// IsRetryable 判断错误是否可重试
func IsRetryable(err error) bool {
	return Classify(err) == ClassRetryable
}
