package server

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	"github.com/go-kratos/kratos/v2/middleware/logging"
	"github.com/go-kratos/kratos/v2/middleware/recovery"
	"github.com/go-kratos/kratos/v2/middleware/tracing"
	khttp "github.com/go-kratos/kratos/v2/transport/http"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"pkgharvest/cmd/harvester/internal/domain"
	"pkgharvest/cmd/harvester/internal/service"
	pkgerrors "pkgharvest/pkg/errors"
	"pkgharvest/pkg/health"
)

// HTTPConfig HTTP 服务配置
type HTTPConfig struct {
	Network string        `mapstructure:"network"`
	Addr    string        `mapstructure:"addr"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// NewHTTPServer 创建 kratos HTTP 服务，管理接口由 gin 路由挂载在根路径
func NewHTTPServer(c *HTTPConfig, router *gin.Engine, logger log.Logger) *khttp.Server {
	opts := []khttp.ServerOption{
		khttp.Middleware(
			recovery.Recovery(),
			tracing.Server(),
			logging.Server(logger),
		),
	}
	if c.Network != "" {
		opts = append(opts, khttp.Network(c.Network))
	}
	addr := c.Addr
	if addr == "" {
		addr = ":8080"
	}
	opts = append(opts, khttp.Address(addr))
	if c.Timeout > 0 {
		opts = append(opts, khttp.Timeout(c.Timeout))
	}

	srv := khttp.NewServer(opts...)
	srv.HandlePrefix("/", router)
	log.NewHelper(logger).Infof("HTTP server created on %s", addr)
	return srv
}

// Router 管理接口
type Router struct {
	svc    *service.HarvestService
	health *health.HealthChecker
	log    *log.Helper
}

// NewRouter 创建 gin 路由
func NewRouter(svc *service.HarvestService, checker *health.HealthChecker, logger log.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	r := &Router{
		svc:    svc,
		health: checker,
		log:    log.NewHelper(log.With(logger, "module", "server/http")),
	}

	engine.GET("/healthz", r.healthz)
	engine.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := engine.Group("/v1")
	{
		v1.POST("/refresh/:name", r.refresh)
		v1.POST("/runs/:mode", r.startRun)
		v1.GET("/runs", r.listRuns)
		v1.GET("/profiles", r.listProfiles)
		v1.GET("/aliases/:alias", r.getAlias)
		v1.POST("/aliases/:alias/recreate", r.recreate)
		v1.DELETE("/aliases/:alias/generations/:name", r.retire)
	}
	return engine
}

func (r *Router) healthz(c *gin.Context) {
	report := r.health.Report(c.Request.Context())
	code := http.StatusOK
	if report.Status == health.StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, report)
}

// refreshRequest 单项刷新参数，均可省略
type refreshRequest struct {
	Registry string `json:"registry"`
	Version  string `json:"version"`
	Alias    string `json:"alias"`
}

func (r *Router) refresh(c *gin.Context) {
	var req refreshRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.Registry == "" {
		req.Registry = c.Query("registry")
	}
	if req.Version == "" {
		req.Version = c.Query("version")
	}

	report, err := r.svc.Refresh(c.Request.Context(), req.Registry, c.Param("name"), req.Version, req.Alias)
	if err != nil {
		r.fail(c, err, report)
		return
	}
	c.JSON(http.StatusOK, report)
}

// startRun 同步执行一次运行，返回运行报告
func (r *Router) startRun(c *gin.Context) {
	var opts service.RunOptions
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&opts); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}

	var (
		report *domain.RunReport
		err    error
	)
	switch domain.RunMode(c.Param("mode")) {
	case domain.ModeFirst:
		report, err = r.svc.FullRun(c.Request.Context(), opts)
	case domain.ModeIncremental:
		report, err = r.svc.IncrementalRun(c.Request.Context(), opts)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be first or incremental"})
		return
	}
	if err != nil {
		r.fail(c, err, report)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (r *Router) listRuns(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	runs, err := r.svc.RecentRuns(c.Request.Context(), limit)
	if err != nil {
		r.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"runs": runs})
}

func (r *Router) listProfiles(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"profiles": r.svc.Profiles()})
}

func (r *Router) getAlias(c *gin.Context) {
	info, err := r.svc.GetAlias(c.Request.Context(), c.Param("alias"))
	if err != nil {
		r.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, info)
}

func (r *Router) recreate(c *gin.Context) {
	keepOld, _ := strconv.ParseBool(c.Query("keep_old"))
	result, err := r.svc.Recreate(c.Request.Context(), c.Param("alias"), keepOld)
	if err != nil {
		r.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (r *Router) retire(c *gin.Context) {
	alias, name := c.Param("alias"), c.Param("name")
	if err := r.svc.RetireGeneration(c.Request.Context(), alias, name); err != nil {
		r.fail(c, err, nil)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alias": alias, "retired": name})
}

// fail 按 kratos 错误码返回；有运行报告时一并返回
func (r *Router) fail(c *gin.Context, err error, report *domain.RunReport) {
	code := http.StatusInternalServerError
	reason := pkgerrors.Reason(err)
	var se *kerrors.Error
	if errors.As(err, &se) {
		code = int(se.Code)
	} else if errors.Is(err, service.ErrNoCheckpoint) {
		code = pkgerrors.CodeConflict
	}
	if code >= http.StatusInternalServerError {
		r.log.Errorf("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	body := gin.H{"error": err.Error()}
	if reason != "" {
		body["reason"] = reason
	}
	if report != nil {
		body["report"] = report
	}
	c.JSON(code, body)
}
