package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/go-kratos/kratos/v2"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/transport/http"
	_ "go.uber.org/automaxprocs"

	"pkgharvest/cmd/harvester/internal/server"
	"pkgharvest/pkg/config"
	"pkgharvest/pkg/logger"
	"pkgharvest/pkg/observability"
)

var (
	// Name is the name of the compiled software.
	Name = "harvester"
	// Version is the version of the compiled software.
	Version = "v1.0.0"

	flagconf string
)

func init() {
	flag.StringVar(&flagconf, "conf", "", "config path, eg: -conf configs/harvester.yaml")
}

func newApp(logger log.Logger, hs *http.Server, es *server.EventServer) *kratos.App {
	return kratos.New(
		kratos.Name(Name),
		kratos.Version(Version),
		kratos.Metadata(map[string]string{}),
		kratos.Logger(logger),
		kratos.Server(
			hs,
			es,
		),
	)
}

func main() {
	flag.Parse()

	// 加载配置
	m, err := config.Load(config.Options{
		ConfigPath:  flagconf,
		ServiceName: Name,
		EnvPrefix:   "HARVESTER",
		Defaults:    defaults(),
	})
	if err != nil {
		panic(err)
	}
	defer m.Close()

	var conf Config
	if err := m.Unmarshal(&conf); err != nil {
		panic(err)
	}

	// 创建日志
	zl, err := logger.NewZapLogger(conf.Log)
	if err != nil {
		panic(err)
	}
	defer zl.Sync()
	logger := log.With(zl,
		"service.name", Name,
		"service.version", Version,
		"ts", log.DefaultTimestamp,
		"caller", log.DefaultCaller,
	)
	helper := log.NewHelper(logger)

	// 追踪
	if endpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); endpoint != "" {
		conf.Tracing.Endpoint = endpoint
		conf.Tracing.Enabled = true
	}
	conf.Tracing.ServiceVersion = Version
	shutdown, err := observability.InitTracing(context.Background(), conf.Tracing)
	if err != nil {
		helper.Warnf("tracing disabled: %v", err)
	} else {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdown(ctx)
		}()
	}

	app, cleanup, err := wireApp(&conf, logger)
	if err != nil {
		panic(err)
	}
	defer cleanup()

	m.OnChange(func(*config.Manager) {
		helper.Warn("configuration changed in nacos, restart to apply")
	})

	helper.Infof("starting %s version %s (config mode %s)...", Name, Version, m.GetMode())
	helper.Infof("http server: %s, index backend: %s", conf.Server.HTTP.Addr, conf.Data.IndexBackend)

	if err := app.Run(); err != nil {
		helper.Errorf("failed to run app: %v", err)
		panic(err)
	}
}
