//go:build wireinject
// +build wireinject

// The build tag makes sure the stub is not built in the final build.

package main

import (
	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/google/wire"

	"pkgharvest/cmd/harvester/internal/biz"
	"pkgharvest/cmd/harvester/internal/data"
	"pkgharvest/cmd/harvester/internal/infra"
	"pkgharvest/cmd/harvester/internal/server"
	"pkgharvest/cmd/harvester/internal/service"
)

// wireApp init kratos application.
func wireApp(c *Config, logger log.Logger) (*kratos.App, func(), error) {
	panic(wire.Build(
		// Config conversion providers
		provideDataConfig,
		provideHTTPConfig,
		provideUpstreamsConfig,
		provideEventsConfig,
		provideServiceConfig,
		providePipelineConfig,
		provideDedupConfig,
		provideRetryPolicies,
		provideListingPolicy,
		provideProfiles,

		// Data layer
		data.NewData,
		data.NewIndexClient,
		data.NewSnapshotArchive,
		data.NewAtomicStore,
		data.NewFetchCache,
		data.NewCheckpointRepo,
		data.NewRunRepo,
		data.PackagesSchema,

		// Infrastructure layer
		infra.NewLimiter,
		infra.NewUpstreams,
		infra.NewEventSourceFromConfig,
		infra.NewPublisher,
		infra.NewConsumer,

		// Business logic layer
		biz.NewDedupGate,
		biz.NewVersionManager,
		biz.NewPipeline,

		// Service layer
		service.NewHarvestService,

		// Server layer
		server.NewHealthChecker,
		server.NewRouter,
		server.NewHTTPServer,
		server.NewEventServer,

		// App
		newApp,
	))
}
