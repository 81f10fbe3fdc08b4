package main

import (
	"time"

	"pkgharvest/cmd/harvester/internal/biz"
	"pkgharvest/cmd/harvester/internal/data"
	"pkgharvest/cmd/harvester/internal/infra"
	"pkgharvest/cmd/harvester/internal/server"
	"pkgharvest/cmd/harvester/internal/service"
	"pkgharvest/pkg/logger"
	"pkgharvest/pkg/observability"
	"pkgharvest/pkg/resilience"
)

// Config is application config.
type Config struct {
	Server    ServerConf                  `mapstructure:"server"`
	Log       logger.Config               `mapstructure:"log"`
	Tracing   observability.TracingConfig `mapstructure:"tracing"`
	Data      data.Config                 `mapstructure:"data"`
	Upstreams infra.UpstreamsConfig       `mapstructure:"upstreams"`
	Pipeline  biz.PipelineConfig          `mapstructure:"pipeline"`
	Retry     RetryConf                   `mapstructure:"retry"`
	Dedup     biz.DedupConfig             `mapstructure:"dedup"`
	Events    infra.EventsConfig          `mapstructure:"events"`
	Harvest   service.Config              `mapstructure:"harvest"`

	// ProfilesFile 非空时从该 YAML 文件加载 profiles，否则使用内联的 Profiles
	ProfilesFile string       `mapstructure:"profiles_file"`
	Profiles     biz.Profiles `mapstructure:"profiles"`
}

// ServerConf is server config.
type ServerConf struct {
	HTTP server.HTTPConfig `mapstructure:"http"`
}

// RetryConf 抓取与写入的重试参数
type RetryConf struct {
	Fetch RetryPolicyConf `mapstructure:"fetch"`
	Index RetryPolicyConf `mapstructure:"index"`
}

// RetryPolicyConf 单个重试策略
type RetryPolicyConf struct {
	MaxAttempts       int           `mapstructure:"max_attempts"`
	InitialDelay      time.Duration `mapstructure:"initial_delay"`
	MaxDelay          time.Duration `mapstructure:"max_delay"`
	BackoffMultiplier float64       `mapstructure:"backoff_multiplier"`
	Jitter            float64       `mapstructure:"jitter"`
}

func (c RetryPolicyConf) policy() resilience.RetryPolicy {
	p := resilience.DefaultRetryPolicy()
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	if c.InitialDelay > 0 {
		p.InitialDelay = c.InitialDelay
	}
	if c.MaxDelay > 0 {
		p.MaxDelay = c.MaxDelay
	}
	if c.BackoffMultiplier > 0 {
		p.BackoffMultiplier = c.BackoffMultiplier
	}
	if c.Jitter > 0 {
		p.Jitter = c.Jitter
	}
	return p
}

// defaults 与原有部署保持一致的默认值
func defaults() map[string]interface{} {
	tracing := observability.DefaultTracingConfig(Name)
	return map[string]interface{}{
		"server.http.addr":               ":8080",
		"server.http.timeout":            "10m",
		"log.level":                      "info",
		"data.index_backend":             "typesense",
		"data.typesense.url":             "http://localhost:8108",
		"data.typesense.timeout":         "10s",
		"data.typesense.import_timeout":  "5m",
		"data.database.port":             5432,
		"data.database.sslmode":          "disable",
		"upstreams.default_interval":     "100ms",
		"upstreams.pypi.base_url":        "https://pypi.org",
		"upstreams.pypi.interval":        "100ms",
		"upstreams.pypi.timeout":         "30s",
		"upstreams.npm.base_url":         "https://registry.npmjs.org",
		"upstreams.npm.interval":         "720ms",
		"upstreams.npm.timeout":          "30s",
		"upstreams.npm.packument_ttl":    "30m",
		"upstreams.github.enabled":       false,
		"upstreams.github.base_url":      "https://api.github.com",
		"upstreams.github.interval":      "750ms",
		"upstreams.github.timeout":       "30s",
		"pipeline.fetcher.workers":       10,
		"pipeline.fetcher.batch_size":    100,
		"pipeline.fetcher.call_timeout":  "30s",
		"pipeline.indexer.batch_size":    100,
		"pipeline.indexer.max_wait":      "5s",
		"pipeline.progress_every":        100,
		"retry.fetch.max_attempts":       3,
		"retry.fetch.initial_delay":      "1s",
		"retry.fetch.max_delay":          "1m",
		"retry.fetch.backoff_multiplier": 2.0,
		"retry.fetch.jitter":             0.2,
		"retry.index.max_attempts":       3,
		"retry.index.initial_delay":      "1s",
		"retry.index.backoff_multiplier": 2.0,
		"dedup.enabled":                  true,
		"dedup.key_prefix":               "harvest:dedup",
		"dedup.ttl":                      "1h",
		"harvest.event_dedup_ttl":        "1h",
		"harvest.event_batch_size":       10,
		"events.group_id":                "pkgharvest",
		"events.topic":                   "harvest.events",
		"events.buffer":                  100,
		"tracing.service_name":           tracing.ServiceName,
		"tracing.environment":            tracing.Environment,
		"tracing.endpoint":               tracing.Endpoint,
		"tracing.protocol":               tracing.Protocol,
		"tracing.sampling_rate":          tracing.SamplingRate,
	}
}
