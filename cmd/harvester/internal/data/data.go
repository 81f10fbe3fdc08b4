package data

import (
	"context"
	"time"

	"github.com/go-kratos/kratos/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"pkgharvest/pkg/cache"
	"pkgharvest/pkg/database"
)

// Config 数据层配置
type Config struct {
	// Database Host 与 Source 均为空时检查点与运行历史保存在内存中
	Database  database.Config   `mapstructure:"database"`
	Redis     cache.RedisConfig `mapstructure:"redis"`
	Typesense TypesenseConfig   `mapstructure:"typesense"`
	Archive   ArchiveConfig     `mapstructure:"archive"`
	// IndexBackend typesense 或 memory
	IndexBackend string `mapstructure:"index_backend"`
	// FetchCacheTTL 抓取结果缓存时长，0 表示不缓存
	FetchCacheTTL time.Duration `mapstructure:"fetch_cache_ttl"`
}

// Data 数据访问层
type Data struct {
	db    *gorm.DB
	redis *redis.Client
	log   *log.Helper
}

// NewData 创建数据层，未配置的后端保持为空
func NewData(c *Config, logger log.Logger) (*Data, func(), error) {
	helper := log.NewHelper(log.With(logger, "module", "data"))
	d := &Data{log: helper}

	if c.Database.Host != "" || c.Database.Source != "" {
		db, err := database.NewDB(&c.Database, logger)
		if err != nil {
			return nil, nil, err
		}
		if err := db.AutoMigrate(&CheckpointPO{}, &RunPO{}); err != nil {
			return nil, nil, err
		}
		d.db = db
	} else {
		helper.Warn("database not configured, checkpoints and run history are kept in memory")
	}

	if c.Redis.Addr != "" {
		d.redis = cache.NewRedisClient(&c.Redis)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := d.redis.Ping(ctx).Err(); err != nil {
			// 去重闸门在存储不可达时放行
			helper.Warnf("redis %s unreachable at startup: %v", c.Redis.Addr, err)
		}
	} else {
		helper.Warn("redis not configured, dedup store is process-local")
	}

	cleanup := func() {
		helper.Info("closing the data resources")
		if d.db != nil {
			if sqlDB, _ := d.db.DB(); sqlDB != nil {
				sqlDB.Close()
			}
		}
		if d.redis != nil {
			d.redis.Close()
		}
	}
	return d, cleanup, nil
}

// Ping 检查数据库连接，未配置时返回 nil
func (d *Data) Ping(ctx context.Context) error {
	if d.db == nil {
		return nil
	}
	return database.Ping(ctx, d.db)
}

// RedisPing 检查 Redis 连接，未配置时返回 nil
func (d *Data) RedisPing(ctx context.Context) error {
	if d.redis == nil {
		return nil
	}
	return d.redis.Ping(ctx).Err()
}
