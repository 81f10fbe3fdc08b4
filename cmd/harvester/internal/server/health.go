package server

import (
	"time"

	"pkgharvest/cmd/harvester/internal/data"
	"pkgharvest/cmd/harvester/internal/domain"
	"pkgharvest/pkg/health"
)

// NewHealthChecker 注册依赖检查：索引为关键依赖，Redis 与数据库不可用时降级运行
func NewHealthChecker(d *data.Data, index domain.IndexClient) *health.HealthChecker {
	h := health.NewHealthChecker("harvester", 3*time.Second)
	h.Register(
		health.NewPingChecker("index", index.Health, time.Second),
		health.NewOptionalChecker("redis", d.RedisPing),
		health.NewOptionalChecker("database", d.Ping),
	)
	return h
}
