package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type memoryEntry struct {
	value     []byte
	expiresAt time.Time // 零值表示永不过期
}

func (e memoryEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryCache is a process-local Cache. SetNX is atomic within the process, which makes it
// a valid AtomicStore for single-instance deployments and tests.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	options *CacheOptions
	now     func() time.Time
}

// NewMemoryCache 创建内存缓存
func NewMemoryCache(opts *CacheOptions) *MemoryCache {
	if opts == nil {
		opts = &CacheOptions{}
	}
	if opts.Serializer == nil {
		opts.Serializer = &JSONSerializer{}
	}
	return &MemoryCache{
		entries: make(map[string]memoryEntry),
		options: opts,
		now:     time.Now,
	}
}

// WithClock 替换时间源，用于测试过期
func (c *MemoryCache) WithClock(now func() time.Time) *MemoryCache {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = now
	return c
}

func (c *MemoryCache) makeKey(key string) string {
	if c.options.KeyPrefix != "" {
		return fmt.Sprintf("%s:%s", c.options.KeyPrefix, key)
	}
	return key
}

func (c *MemoryCache) expiry(ttl time.Duration) time.Time {
	if ttl == 0 {
		ttl = c.options.DefaultTTL
	}
	if ttl <= 0 {
		return time.Time{}
	}
	return c.now().Add(ttl)
}

// lookup 调用方需持有锁
func (c *MemoryCache) lookup(key string) (memoryEntry, bool) {
	e, ok := c.entries[key]
	if !ok {
		return memoryEntry{}, false
	}
	if e.expired(c.now()) {
		delete(c.entries, key)
		return memoryEntry{}, false
	}
	return e, true
}

func toBytes(value interface{}) []byte {
	switch v := value.(type) {
	case []byte:
		return v
	case string:
		return []byte(v)
	default:
		return []byte(fmt.Sprint(v))
	}
}

// Get 获取缓存值
func (c *MemoryCache) Get(ctx context.Context, key string) (string, error) {
	b, err := c.GetBytes(ctx, key)
	return string(b), err
}

// Set 设置缓存值
func (c *MemoryCache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	return c.SetBytes(ctx, key, toBytes(value), ttl)
}

// SetNX 仅当键不存在（或已过期）时设置
func (c *MemoryCache) SetNX(_ context.Context, key string, value interface{}, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := c.makeKey(key)
	if _, ok := c.lookup(k); ok {
		return false, nil
	}
	c.entries[k] = memoryEntry{value: toBytes(value), expiresAt: c.expiry(ttl)}
	return true, nil
}

// GetBytes 获取字节数组
func (c *MemoryCache) GetBytes(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lookup(c.makeKey(key))
	if !ok {
		return nil, ErrMiss
	}
	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

// SetBytes 设置字节数组
func (c *MemoryCache) SetBytes(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf := make([]byte, len(value))
	copy(buf, value)
	c.entries[c.makeKey(key)] = memoryEntry{value: buf, expiresAt: c.expiry(ttl)}
	return nil
}

// Delete 删除缓存
func (c *MemoryCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, c.makeKey(key))
	return nil
}

// Exists 检查键是否存在
func (c *MemoryCache) Exists(_ context.Context, key string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.lookup(c.makeKey(key))
	return ok, nil
}

// TTL 获取剩余过期时间，-1 表示永不过期，-2 表示不存在（与 Redis 一致）
func (c *MemoryCache) TTL(_ context.Context, key string) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lookup(c.makeKey(key))
	if !ok {
		return -2, nil
	}
	if e.expiresAt.IsZero() {
		return -1, nil
	}
	return e.expiresAt.Sub(c.now()), nil
}

// Ping 内存缓存始终可用
func (c *MemoryCache) Ping(context.Context) error { return nil }

// Close 清空缓存
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]memoryEntry)
	return nil
}
