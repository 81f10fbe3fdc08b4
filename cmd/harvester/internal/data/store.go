package data

import (
	"pkgharvest/cmd/harvester/internal/biz"
	"pkgharvest/cmd/harvester/internal/domain"
	"pkgharvest/pkg/cache"
)

// NewAtomicStore 去重闸门的共享原子存储：配置了 Redis 时使用 SETNX，否则使用进程内存
func NewAtomicStore(d *Data) domain.AtomicStore {
	return newCache(d, "")
}

// NewFetchCache 创建抓取结果缓存，TTL 为 0 时调用方不启用缓存
func NewFetchCache(d *Data, c *Config) *biz.FetchCache {
	return &biz.FetchCache{
		Cache: newCache(d, "harvest:fetch"),
		TTL:   c.FetchCacheTTL,
	}
}

func newCache(d *Data, prefix string) cache.Cache {
	opts := &cache.CacheOptions{KeyPrefix: prefix}
	if d.redis != nil {
		return cache.NewRedisCache(d.redis, opts)
	}
	return cache.NewMemoryCache(opts)
}
