package resilience

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"
)

// Class 错误分类
type Class int

const (
	// ClassRetryable 可重试：网络超时、5xx、限流
	ClassRetryable Class = iota
	// ClassTerminal 不可重试：4xx、数据格式错误
	ClassTerminal
	// ClassNotFound 上游不存在该条目（404），不是错误
	ClassNotFound
)

// String 返回分类字符串
func (c Class) String() string {
	switch c {
	case ClassRetryable:
		return "retryable"
	case ClassTerminal:
		return "terminal"
	case ClassNotFound:
		return "not_found"
	default:
		return "unknown"
	}
}

// ErrMalformedResponse marks an upstream payload that could not be decoded.
var ErrMalformedResponse = errors.New("malformed upstream response")

// StatusError is a non-2xx upstream HTTP response.
type StatusError struct {
	Code int
	URL  string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d from %s", e.Code, e.URL)
}

// RateLimitError is an explicit "too many requests" signal from an upstream.
// RetryAfter is zero when the upstream did not say how long to wait.
type RateLimitError struct {
	RetryAfter time.Duration
	URL        string
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited by %s (retry after %s)", e.URL, e.RetryAfter)
}

type terminalError struct{ err error }

func (e *terminalError) Error() string { return e.err.Error() }
func (e *terminalError) Unwrap() error { return e.err }

// Terminal 将错误标记为不可重试
func Terminal(err error) error {
	if err == nil {
		return nil
	}
	return &terminalError{err: err}
}

// Classify 错误分类
func Classify(err error) Class {
	if err == nil {
		return ClassTerminal
	}

	var rl *RateLimitError
	if errors.As(err, &rl) {
		return ClassRetryable
	}

	var te *terminalError
	if errors.As(err, &te) || errors.Is(err, ErrMalformedResponse) || errors.Is(err, context.Canceled) {
		return ClassTerminal
	}

	var se *StatusError
	if errors.As(err, &se) {
		switch {
		case se.Code == http.StatusNotFound:
			return ClassNotFound
		case se.Code == http.StatusTooManyRequests, se.Code >= 500:
			return ClassRetryable
		default:
			return ClassTerminal
		}
	}

	var ne net.Error
	if errors.As(err, &ne) {
		return ClassRetryable
	}

	// 其余错误（连接重置、EOF 等）视为临时故障
	return ClassRetryable
}

// CheckResponse converts an upstream response status into the error taxonomy.
// 2xx returns nil.
func CheckResponse(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	url := ""
	if resp.Request != nil && resp.Request.URL != nil {
		url = resp.Request.URL.String()
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		return &RateLimitError{RetryAfter: ParseRetryAfter(resp.Header.Get("Retry-After")), URL: url}
	}
	return &StatusError{Code: resp.StatusCode, URL: url}
}

// ParseRetryAfter 解析 Retry-After 头（秒数或 HTTP 日期）
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}
