package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss 缓存未命中
var ErrMiss = errors.New("cache miss")

// Cache 缓存接口
type Cache interface {
	// Get 获取缓存值，未命中返回 ErrMiss
	Get(ctx context.Context, key string) (string, error)

	// Set 设置缓存值
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error

	// SetNX 仅当键不存在时设置，返回是否设置成功
	SetNX(ctx context.Context, key string, value interface{}, ttl time.Duration) (bool, error)

	// Delete 删除缓存
	Delete(ctx context.Context, key string) error

	// Exists 检查键是否存在
	Exists(ctx context.Context, key string) (bool, error)

	// GetBytes 获取字节数组
	GetBytes(ctx context.Context, key string) ([]byte, error)

	// SetBytes 设置字节数组
	SetBytes(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// TTL 获取剩余过期时间
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Ping 检查连接
	Ping(ctx context.Context) error

	// Close 关闭连接
	Close() error
}

// CacheOptions 缓存选项
type CacheOptions struct {
	// 默认过期时间
	DefaultTTL time.Duration

	// 键前缀
	KeyPrefix string

	// 序列化方式
	Serializer Serializer
}

// Serializer 序列化器接口
type Serializer interface {
	Serialize(v interface{}) ([]byte, error)
	Deserialize(data []byte, v interface{}) error
}

// GetObject 获取对象（自动反序列化）
func GetObject(ctx context.Context, c Cache, s Serializer, key string, dest interface{}) error {
	data, err := c.GetBytes(ctx, key)
	if err != nil {
		return err
	}
	return s.Deserialize(data, dest)
}

// SetObject 设置对象（自动序列化）
func SetObject(ctx context.Context, c Cache, s Serializer, key string, value interface{}, ttl time.Duration) error {
	data, err := s.Serialize(value)
	if err != nil {
		return err
	}
	return c.SetBytes(ctx, key, data, ttl)
}
