package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	balancedomain "github.com/meterline/meterline/internal/balance/domain"
	"github.com/meterline/meterline/internal/config"
	"github.com/meterline/meterline/internal/observability"
	obsmiddleware "github.com/meterline/meterline/internal/observability/logger"
	obsmetrics "github.com/meterline/meterline/internal/observability/metrics"
	obstracing "github.com/meterline/meterline/internal/observability/tracing"
	pricingdomain "github.com/meterline/meterline/internal/pricing/domain"
	"github.com/meterline/meterline/internal/ratelimit"
	syncdomain "github.com/meterline/meterline/internal/sync/domain"
	usagedomain "github.com/meterline/meterline/internal/usage/domain"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/fx"
	"gorm.io/gorm"
)

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(NewServer),
	fx.Invoke(registerRoutes),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(obsmetrics.GinMiddleware(httpMetrics))
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	return NewEngine(obsCfg, httpMetrics)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine) {
	srv := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: r,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine *gin.Engine
	cfg    config.Config
	db     *gorm.DB
	genID  *snowflake.Node

	balanceSvc   balancedomain.Service
	usageSvc     usagedomain.Service
	pricingSvc   pricingdomain.Service
	orchestrator syncdomain.Orchestrator
	usageLimiter *ratelimit.UsageReportLimiter
	obsMetrics   *obsmetrics.Metrics
}

type ServerParams struct {
	fx.In

	Gin   *gin.Engine
	Cfg   config.Config
	DB    *gorm.DB
	GenID *snowflake.Node

	BalanceSvc   balancedomain.Service
	UsageSvc     usagedomain.Service
	PricingSvc   pricingdomain.Service
	Orchestrator syncdomain.Orchestrator
	UsageLimiter *ratelimit.UsageReportLimiter `optional:"true"`
	ObsMetrics   *obsmetrics.Metrics           `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	return &Server{
		engine:       p.Gin,
		cfg:          p.Cfg,
		db:           p.DB,
		genID:        p.GenID,
		balanceSvc:   p.BalanceSvc,
		usageSvc:     p.UsageSvc,
		pricingSvc:   p.PricingSvc,
		orchestrator: p.Orchestrator,
		usageLimiter: p.UsageLimiter,
		obsMetrics:   p.ObsMetrics,
	}
}

func registerRoutes(s *Server) {
	s.RegisterAPIRoutes()
	s.RegisterAdminRoutes()
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) RegisterAPIRoutes() {
	v1 := s.engine.Group("/v1")

	// -------- Usage metering --------
	v1.POST("/usage/report", s.UsageReportRateLimit(), s.ReportUsage)
	v1.GET("/usage/preflight/:userId", s.Preflight)
	v1.GET("/usage", s.ListUsage)

	// -------- Balance ledger --------
	v1.GET("/balance/:userId", s.GetBalance)
	v1.GET("/balance/:userId/transactions", s.ListTransactions)
	v1.POST("/balance/deposit", s.Deposit)
	v1.POST("/balance/refund", s.Refund)
}

func (s *Server) RegisterAdminRoutes() {
	admin := s.engine.Group("/admin")

	// -------- Pricing table --------
	admin.GET("/pricing", s.ListPricing)
	admin.PUT("/pricing", s.ApplyPricing)
	admin.DELETE("/pricing/:provider/:model", s.RemovePricing)
	admin.GET("/pricing/changes", s.ListPricingChanges)

	// -------- Sync orchestration --------
	admin.POST("/pricing/sync", s.TriggerSync)
	admin.GET("/pricing/sync/status", s.SyncStatus)
	admin.GET("/pricing/pending", s.ListPendingChanges)
	admin.POST("/pricing/pending/:id/apply", s.ApplyPendingChange)
	admin.POST("/pricing/pending/:id/dismiss", s.DismissPendingChange)
}

func parseUserID(c *gin.Context) (snowflake.ID, error) {
	id, err := snowflake.ParseString(c.Param("userId"))
	if err != nil || id == 0 {
		return 0, usagedomain.ErrInvalidUser
	}
	return id, nil
}

func snowflakeQuery(c *gin.Context, name string) (snowflake.ID, error) {
	raw := strings.TrimSpace(c.Query(name))
	if raw == "" {
		return 0, usagedomain.ErrInvalidUser
	}
	id, err := snowflake.ParseString(raw)
	if err != nil || id == 0 {
		return 0, usagedomain.ErrInvalidUser
	}
	return id, nil
}
