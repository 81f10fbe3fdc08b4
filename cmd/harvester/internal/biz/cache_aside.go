package biz

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-kratos/kratos/v2/log"

	"pkgharvest/cmd/harvester/internal/domain"
	"pkgharvest/pkg/cache"
)

// FetchCache 抓取结果缓存，TTL 为 0 表示不启用
type FetchCache struct {
	Cache cache.Cache
	TTL   time.Duration
}

// Wrap 启用时为 fetch 加旁路缓存，否则原样返回
func (f *FetchCache) Wrap(prefix string, fetch domain.FetchFunc, logger log.Logger) domain.FetchFunc {
	if f == nil || f.Cache == nil || f.TTL <= 0 {
		return fetch
	}
	return CachedFetch(f.Cache, prefix, f.TTL, fetch, logger)
}

// CachedFetch 为抓取函数加一层旁路缓存：命中直接返回，未命中调用 fetch 并回写。
// 缓存读写失败只记录日志，不影响抓取结果；NotFound 等错误不缓存。
func CachedFetch(c cache.Cache, prefix string, ttl time.Duration, fetch domain.FetchFunc, logger log.Logger) domain.FetchFunc {
	helper := log.NewHelper(log.With(logger, "module", "biz/cache"))
	return func(ctx context.Context, item domain.WorkItem) (domain.Record, error) {
		key := prefix + ":" + item.ID

		data, err := c.GetBytes(ctx, key)
		switch {
		case err == nil:
			var rec domain.Record
			if jerr := json.Unmarshal(data, &rec); jerr == nil {
				return rec, nil
			}
			helper.Warnf("drop corrupt cache entry %s", key)
			_ = c.Delete(ctx, key)
		case !errors.Is(err, cache.ErrMiss):
			helper.Warnf("cache get %s: %v", key, err)
		}

		rec, err := fetch(ctx, item)
		if err != nil {
			return nil, err
		}
		if data, err := json.Marshal(rec); err == nil {
			if err := c.SetBytes(ctx, key, data, ttl); err != nil {
				helper.Warnf("cache set %s: %v", key, err)
			}
		}
		return rec, nil
	}
}
