package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy(attempts int) RetryPolicy {
	return RetryPolicy{
		MaxAttempts:       attempts,
		InitialDelay:      time.Millisecond,
		MaxDelay:          10 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}
}

func TestDo_SucceedsAfterRetryableFailures(t *testing.T) {
	calls := 0
	result, attempts, err := Do(context.Background(), fastPolicy(3), func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", &StatusError{Code: 503}
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, calls)
}

func TestDo_TerminalErrorStopsImmediately(t *testing.T) {
	calls := 0
	_, attempts, err := Do(context.Background(), fastPolicy(5), func(ctx context.Context) (int, error) {
		calls++
		return 0, &StatusError{Code: 400}
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, 1, calls)
	assert.Equal(t, ClassTerminal, Classify(err))
	assert.False(t, errors.Is(err, ErrMaxRetriesExceeded))
}

func TestDo_NotFoundIsNotRetried(t *testing.T) {
	calls := 0
	_, attempts, err := Do(context.Background(), fastPolicy(5), func(ctx context.Context) (int, error) {
		calls++
		return 0, &StatusError{Code: 404}
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.Equal(t, ClassNotFound, Classify(err))
}

func TestDo_ExhaustedKeepsLastCause(t *testing.T) {
	cause := &StatusError{Code: 502, URL: "http://upstream"}
	_, attempts, err := Do(context.Background(), fastPolicy(3), func(ctx context.Context) (int, error) {
		return 0, cause
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.True(t, errors.Is(err, ErrMaxRetriesExceeded))

	var se *StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, 502, se.Code)
}

func TestDo_ContextCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	policy := RetryPolicy{MaxAttempts: 5, InitialDelay: time.Hour, BackoffMultiplier: 1}

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, attempts, err := Do(ctx, policy, func(ctx context.Context) (int, error) {
		return 0, errors.New("connection reset")
	})

	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, attempts)
}

func TestRetryPolicy_DelayGrowsExponentiallyWithinJitter(t *testing.T) {
	policy := RetryPolicy{
		InitialDelay:      100 * time.Millisecond,
		BackoffMultiplier: 2.0,
		Jitter:            0.2,
	}

	for n := 0; n < 4; n++ {
		base := float64(100*time.Millisecond) * float64(int(1)<<n)
		for i := 0; i < 50; i++ {
			d := float64(policy.Delay(n))
			assert.GreaterOrEqual(t, d, base*0.8-1)
			assert.LessOrEqual(t, d, base*1.2+1)
		}
	}
}

func TestRetryPolicy_DelayCappedByMaxDelay(t *testing.T) {
	policy := RetryPolicy{
		InitialDelay:      time.Second,
		MaxDelay:          2 * time.Second,
		BackoffMultiplier: 10,
	}
	assert.Equal(t, 2*time.Second, policy.Delay(5))
}

func TestRetry_OnRetryCallback(t *testing.T) {
	var seen []int
	policy := fastPolicy(3)
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		seen = append(seen, attempt)
	}

	attempts, err := Retry(context.Background(), policy, func(ctx context.Context) error {
		return &RateLimitError{}
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, []int{2, 3}, seen)
}
