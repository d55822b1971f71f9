package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"

	auditdomain "github.com/acsk/AppCheckin-sub006/internal/audit/domain"
	"github.com/acsk/AppCheckin-sub006/internal/clock"
	"github.com/acsk/AppCheckin-sub006/internal/config"
	notifdomain "github.com/acsk/AppCheckin-sub006/internal/notification/domain"
	"github.com/acsk/AppCheckin-sub006/internal/observability/logger"
	"github.com/acsk/AppCheckin-sub006/internal/observability/metrics"
	"github.com/acsk/AppCheckin-sub006/internal/observability/tracing"
	reconcileservice "github.com/acsk/AppCheckin-sub006/internal/reconcile/service"
	"github.com/acsk/AppCheckin-sub006/internal/replay"
)

type ServerParam struct {
	fx.In

	Config      config.Config
	DB          *gorm.DB
	Log         *zap.Logger
	Clock       clock.Clock
	GenID       *snowflake.Node
	EventRepo   notifdomain.Repository
	AuditRepo   auditdomain.Repository
	Dispatcher  *reconcileservice.Dispatcher
	Coordinator *replay.Coordinator
	Metrics     *metrics.PipelineMetrics `optional:"true"`
	HTTPMetrics *metrics.HTTPMetrics     `optional:"true"`
	Registry    *prometheus.Registry     `optional:"true"`
}

// Server owns the HTTP surface: webhook ingestion, operator diagnostics
// and health probes.
type Server struct {
	cfg   config.Config
	db    *gorm.DB
	log   *zap.Logger
	clock clock.Clock
	genID *snowflake.Node

	eventRepo   notifdomain.Repository
	auditRepo   auditdomain.Repository
	dispatcher  *reconcileservice.Dispatcher
	coordinator *replay.Coordinator
	metrics     *metrics.PipelineMetrics
	httpMetrics *metrics.HTTPMetrics
	registry    *prometheus.Registry

	webhookLimiter *rateLimiter
}

func NewServer(p ServerParam) *Server {
	return &Server{
		cfg:   p.Config,
		db:    p.DB,
		log:   p.Log.Named("server"),
		clock: p.Clock,
		genID: p.GenID,

		eventRepo:   p.EventRepo,
		auditRepo:   p.AuditRepo,
		dispatcher:  p.Dispatcher,
		coordinator: p.Coordinator,
		metrics:     p.Metrics,
		httpMetrics: p.HTTPMetrics,
		registry:    p.Registry,

		webhookLimiter: newRateLimiter(120, time.Minute),
	}
}

// NewEngine builds the gin engine with the shared middleware chain.
func NewEngine(cfg config.Config, log *zap.Logger) *gin.Engine {
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	engine := gin.New()
	engine.Use(gin.Recovery())
	engine.Use(logger.GinMiddleware(logger.MiddlewareConfig{
		Logger:    log,
		SkipPaths: []string{"/healthz", "/readyz", "/metrics"},
	}))
	if cfg.Tracing.Enabled {
		engine.Use(tracing.GinMiddleware(cfg.Tracing.ServiceName))
	}
	return engine
}

// RegisterRoutes wires every endpoint onto the engine.
func (s *Server) RegisterRoutes(engine *gin.Engine) {
	if s.httpMetrics != nil {
		engine.Use(metrics.GinMiddleware(s.httpMetrics))
	}

	engine.GET("/healthz", s.Healthz)
	engine.GET("/readyz", s.Readyz)
	if s.cfg.MetricsEnabled && s.registry != nil {
		engine.GET("/metrics", metrics.Handler(s.registry))
	}

	engine.POST("/webhooks/gateway", s.HandleGatewayWebhook)

	api := engine.Group("/api", s.operatorAuth())
	api.GET("/events", s.ListEvents)
	api.GET("/events/:id", s.GetEvent)
	api.POST("/events/:id/replay", s.ReplayEvent)
	api.POST("/replay", s.ReplayByObject)
	api.GET("/audit", s.ListAudit)
}

// Healthz reports process liveness.
func (s *Server) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Readyz reports whether the database is reachable.
func (s *Server) Readyz(c *gin.Context) {
	sqlDB, err := s.db.DB()
	if err == nil {
		err = sqlDB.PingContext(c.Request.Context())
	}
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// RunHTTP starts the HTTP listener under the fx lifecycle with graceful
// shutdown.
func RunHTTP(lc fx.Lifecycle, cfg config.Config, engine *gin.Engine, log *zap.Logger) {
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				log.Info("http server listening", zap.String("addr", cfg.HTTPAddr))
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					log.Error("http server", zap.Error(err))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}
