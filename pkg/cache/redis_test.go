package cache

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisCache(t *testing.T) {
	// 创建测试用Redis客户端
	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   1, // 使用测试数据库
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skip("Redis not available, skipping integration test")
	}
	defer client.FlushDB(ctx)

	c := NewRedisCache(client, &CacheOptions{KeyPrefix: "harvest-test"})

	t.Run("SetNX", func(t *testing.T) {
		ok, err := c.SetNX(ctx, "dedup:new-package:plone", "1", time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)

		ok, err = c.SetNX(ctx, "dedup:new-package:plone", "1", time.Minute)
		require.NoError(t, err)
		assert.False(t, ok)

		ttl, err := c.TTL(ctx, "dedup:new-package:plone")
		require.NoError(t, err)
		assert.Greater(t, ttl, time.Duration(0))
	})

	t.Run("GetMiss", func(t *testing.T) {
		_, err := c.Get(ctx, "nothing-here")
		assert.ErrorIs(t, err, ErrMiss)
	})

	t.Run("Bytes", func(t *testing.T) {
		require.NoError(t, c.SetBytes(ctx, "blob", []byte("abc"), time.Minute))
		b, err := c.GetBytes(ctx, "blob")
		require.NoError(t, err)
		assert.Equal(t, []byte("abc"), b)
	})
}
