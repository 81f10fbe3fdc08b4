package cache

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestMemoryCache() (*MemoryCache, *fakeClock) {
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	c := NewMemoryCache(&CacheOptions{KeyPrefix: "test"})
	c.now = clock.Now
	return c, clock
}

func TestMemoryCache_SetNXExpiry(t *testing.T) {
	c, clock := newTestMemoryCache()
	ctx := context.Background()

	ok, err := c.SetNX(ctx, "k", "1", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SetNX(ctx, "k", "2", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	v, err := c.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	clock.Advance(time.Minute)

	ok, err = c.SetNX(ctx, "k", "3", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestMemoryCache_SetNXIsAtomic(t *testing.T) {
	c := NewMemoryCache(nil)
	ctx := context.Background()

	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 64; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := c.SetNX(ctx, "race", "x", time.Minute)
			assert.NoError(t, err)
			if ok {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins)
}

func TestMemoryCache_GetMissAndTTL(t *testing.T) {
	c, clock := newTestMemoryCache()
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrMiss)

	ttl, err := c.TTL(ctx, "missing")
	require.NoError(t, err)
	assert.Equal(t, time.Duration(-2), ttl)

	require.NoError(t, c.SetBytes(ctx, "b", []byte("payload"), 10*time.Second))
	clock.Advance(4 * time.Second)
	ttl, err = c.TTL(ctx, "b")
	require.NoError(t, err)
	assert.Equal(t, 6*time.Second, ttl)

	exists, err := c.Exists(ctx, "b")
	require.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, c.Delete(ctx, "b"))
	exists, err = c.Exists(ctx, "b")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestObjectHelpers(t *testing.T) {
	c := NewMemoryCache(nil)
	ctx := context.Background()
	s := &JSONSerializer{}

	type record struct {
		Name  string `json:"name"`
		Stars int    `json:"stars"`
	}

	require.NoError(t, SetObject(ctx, c, s, "repo", record{Name: "plone", Stars: 42}, 0))

	var got record
	require.NoError(t, GetObject(ctx, c, s, "repo", &got))
	assert.Equal(t, record{Name: "plone", Stars: 42}, got)
}
