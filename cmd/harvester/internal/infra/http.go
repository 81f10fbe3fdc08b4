package infra

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"pkgharvest/pkg/resilience"
)

// httpUpstream 上游 HTTP 访问的公共部分
type httpUpstream struct {
	name    string
	client  *http.Client
	limiter *resilience.IntervalLimiter
	policy  resilience.RetryPolicy
	headers map[string]string
}

func newHTTPUpstream(name string, timeout time.Duration, limiter *resilience.IntervalLimiter, policy resilience.RetryPolicy) httpUpstream {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return httpUpstream{
		name:    name,
		client:  &http.Client{Timeout: timeout},
		limiter: limiter,
		policy:  policy,
		headers: map[string]string{"User-Agent": "pkgharvest/1.0"},
	}
}

// get 发送一次 GET，不经过限流；状态码按错误分类转换
func (u *httpUpstream) get(ctx context.Context, url, accept string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, resilience.Terminal(err)
	}
	for k, v := range u.headers {
		req.Header.Set(k, v)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := resilience.CheckResponse(resp); err != nil {
		io.Copy(io.Discard, resp.Body)
		return nil, err
	}
	return io.ReadAll(resp.Body)
}

// getJSON 单次 GET 并解码
func (u *httpUpstream) getJSON(ctx context.Context, url, accept string, dest interface{}) error {
	data, err := u.get(ctx, url, accept)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("%w: %s: %v", resilience.ErrMalformedResponse, url, err)
	}
	return nil
}

// fetchListing 列表类请求：自行取得限流配额并按重试策略重试
func (u *httpUpstream) fetchListing(ctx context.Context, url, accept string) ([]byte, error) {
	data, _, err := resilience.Do(ctx, u.policy, func(ctx context.Context) ([]byte, error) {
		if err := u.limiter.Acquire(ctx, u.name); err != nil {
			return nil, resilience.Terminal(err)
		}
		data, err := u.get(ctx, url, accept)
		var rl *resilience.RateLimitError
		if errors.As(err, &rl) && rl.RetryAfter > 0 {
			u.limiter.Defer(u.name, rl.RetryAfter)
		}
		return data, err
	})
	return data, err
}

func (u *httpUpstream) fetchListingJSON(ctx context.Context, url, accept string, dest interface{}) error {
	data, err := u.fetchListing(ctx, url, accept)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return fmt.Errorf("%w: %s: %v", resilience.ErrMalformedResponse, url, err)
	}
	return nil
}
