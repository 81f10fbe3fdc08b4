package main

import (
	"fmt"

	"pkgharvest/cmd/harvester/internal/biz"
	"pkgharvest/cmd/harvester/internal/data"
	"pkgharvest/cmd/harvester/internal/infra"
	"pkgharvest/cmd/harvester/internal/server"
	"pkgharvest/cmd/harvester/internal/service"
	"pkgharvest/pkg/resilience"
)

// provideDataConfig converts main Config to data.Config
func provideDataConfig(c *Config) *data.Config {
	return &c.Data
}

// provideHTTPConfig converts main Config to server.HTTPConfig
func provideHTTPConfig(c *Config) *server.HTTPConfig {
	return &c.Server.HTTP
}

func provideUpstreamsConfig(c *Config) *infra.UpstreamsConfig {
	return &c.Upstreams
}

func provideEventsConfig(c *Config) *infra.EventsConfig {
	return &c.Events
}

func provideServiceConfig(c *Config) *service.Config {
	return &c.Harvest
}

func providePipelineConfig(c *Config) biz.PipelineConfig {
	return c.Pipeline
}

func provideDedupConfig(c *Config) biz.DedupConfig {
	return c.Dedup
}

func provideRetryPolicies(c *Config) biz.RetryPolicies {
	return biz.RetryPolicies{
		Fetch: c.Retry.Fetch.policy(),
		Index: c.Retry.Index.policy(),
	}
}

// provideListingPolicy 列表类上游请求沿用抓取的重试策略
func provideListingPolicy(c *Config) resilience.RetryPolicy {
	return c.Retry.Fetch.policy()
}

// provideProfiles 加载 profiles 并校验默认 profile 存在
func provideProfiles(c *Config) (biz.Profiles, error) {
	profiles := c.Profiles
	if c.ProfilesFile != "" {
		loaded, err := biz.LoadProfiles(c.ProfilesFile)
		if err != nil {
			return nil, err
		}
		profiles = loaded
	}
	if profiles == nil {
		profiles = biz.Profiles{}
	}
	if c.Harvest.Profile != "" {
		if _, err := profiles.Get(c.Harvest.Profile); err != nil {
			return nil, fmt.Errorf("default profile: %w", err)
		}
	}
	return profiles, nil
}
