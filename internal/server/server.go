package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	catalogdomain "github.com/smallbiznis/tally/internal/catalog/domain"
	"github.com/smallbiznis/tally/internal/config"
	exportdomain "github.com/smallbiznis/tally/internal/export/domain"
	invoicedomain "github.com/smallbiznis/tally/internal/invoice/domain"
	limitdomain "github.com/smallbiznis/tally/internal/limit/domain"
	"github.com/smallbiznis/tally/internal/observability"
	obslogger "github.com/smallbiznis/tally/internal/observability/logger"
	obsmetrics "github.com/smallbiznis/tally/internal/observability/metrics"
	obstracing "github.com/smallbiznis/tally/internal/observability/tracing"
	"github.com/smallbiznis/tally/internal/ratelimit"
	subscriptiondomain "github.com/smallbiznis/tally/internal/subscription/domain"
	upgradedomain "github.com/smallbiznis/tally/internal/upgrade/domain"
	usagedomain "github.com/smallbiznis/tally/internal/usage/domain"
	"github.com/smallbiznis/tally/internal/usage/liveevents"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("http.server",
	fx.Provide(NewEngine),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(cfg config.Config, obsCfg observability.Config, httpMetrics *obsmetrics.HTTPMetrics) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(corsMiddleware(cfg.CORSOrigins))
	r.Use(obslogger.GinMiddleware(obslogger.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(httpMetrics.GinMiddleware())
	r.Use(ErrorHandlingMiddleware())

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func corsMiddleware(origins []string) gin.HandlerFunc {
	cfg := cors.DefaultConfig()
	cfg.AllowHeaders = append(cfg.AllowHeaders, "Authorization", "Idempotency-Key", "X-Request-Id")
	cfg.ExposeHeaders = []string{"X-Request-Id", "Retry-After", "X-RateLimit-Remaining"}
	if len(origins) == 0 {
		cfg.AllowAllOrigins = true
	} else {
		cfg.AllowOrigins = origins
	}
	return cors.New(cfg)
}

func run(lc fx.Lifecycle, cfg config.Config, r *gin.Engine, log *zap.Logger) {
	port := strings.TrimSpace(cfg.HTTPPort)
	if port == "" {
		port = "8080"
	}
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Fatal("http server stopped", zap.Error(err))
				}
			}()
			log.Info("http server listening", zap.String("addr", srv.Addr))
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
	engine          *gin.Engine
	cfg             config.Config
	catalogSvc      catalogdomain.Service
	usageSvc        usagedomain.Service
	limitSvc        limitdomain.Service
	subscriptionSvc subscriptiondomain.Service
	invoiceSvc      invoicedomain.Service
	upgradeSvc      upgradedomain.Service
	exportSvc       exportdomain.Service
	obsMetrics      *obsmetrics.Metrics
	usageLimiter    *ratelimit.IngestLimiter
	liveEvents      *liveevents.Hub
}

type ServerParams struct {
	fx.In

	Gin             *gin.Engine
	Cfg             config.Config
	CatalogSvc      catalogdomain.Service
	UsageSvc        usagedomain.Service
	LimitSvc        limitdomain.Service
	SubscriptionSvc subscriptiondomain.Service
	InvoiceSvc      invoicedomain.Service
	UpgradeSvc      upgradedomain.Service
	ExportSvc       exportdomain.Service
	ObsMetrics      *obsmetrics.Metrics      `optional:"true"`
	UsageLimiter    *ratelimit.IngestLimiter `optional:"true"`
	LiveEvents      *liveevents.Hub          `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:          p.Gin,
		cfg:             p.Cfg,
		catalogSvc:      p.CatalogSvc,
		usageSvc:        p.UsageSvc,
		limitSvc:        p.LimitSvc,
		subscriptionSvc: p.SubscriptionSvc,
		invoiceSvc:      p.InvoiceSvc,
		upgradeSvc:      p.UpgradeSvc,
		exportSvc:       p.ExportSvc,
		obsMetrics:      p.ObsMetrics,
		usageLimiter:    p.UsageLimiter,
		liveEvents:      p.LiveEvents,
	}

	svc.registerAPIRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1")

	// -------- Catalog --------
	api.GET("/plans", s.ListPlans)
	api.POST("/plans", s.CreatePlan)
	api.GET("/plans/:plan_id", s.GetPlan)
	api.GET("/metrics", s.ListMetrics)
	api.POST("/metrics", s.CreateMetric)
	api.POST("/pricing/calculate", s.CalculatePricing)

	// -------- Invoices by id --------
	api.GET("/invoices/:invoice_id", s.OrgQuery(), s.GetInvoice)
	api.POST("/invoices/:invoice_id/finalize", s.OrgQuery(), s.FinalizeInvoice)
	api.POST("/invoices/:invoice_id/pay", s.OrgQuery(), s.MarkInvoicePaid)
	api.POST("/invoices/:invoice_id/void", s.OrgQuery(), s.VoidInvoice)
	api.GET("/invoices/:invoice_id/pdf", s.OrgQuery(), s.DownloadInvoice)

	api.POST("/alerts/:alert_id/acknowledge", s.AcknowledgeAlert)

	org := api.Group("/orgs/:org_id", s.OrgContext())
	{
		// -------- Usage --------
		org.POST("/usage/events", s.UsageIngestRateLimit(), s.TrackUsage)
		org.POST("/usage/events/batch", s.UsageIngestRateLimit(), s.TrackUsageBatch)
		org.GET("/usage", s.GetCurrentUsage)
		org.GET("/usage/:metric_id", s.GetUsage)
		org.GET("/usage/:metric_id/events", s.ListUsageEvents)
		org.GET("/live-events", s.StreamUsageLiveEvents)

		// -------- Limits & alerts --------
		org.GET("/limits", s.ListLimits)
		org.PUT("/limits", s.UpsertLimit)
		org.DELETE("/limits/:limit_id", s.DeleteLimit)
		org.GET("/limits/check", s.CheckLimits)
		org.POST("/quota", s.CheckQuota)
		org.GET("/alerts", s.ListAlerts)

		// -------- Subscription --------
		org.POST("/subscriptions", s.CreateSubscription)
		org.GET("/subscription", s.GetSubscription)
		org.POST("/subscription/change-plan", s.ChangePlan)
		org.POST("/subscription/cancel", s.CancelSubscription)
		org.GET("/upgrade-preview", s.PreviewUpgrade)

		// -------- Invoices --------
		org.POST("/invoices", s.GenerateInvoice)
		org.GET("/invoices", s.ListInvoices)

		// -------- Exports --------
		org.POST("/exports", s.RequestExport)
		org.GET("/exports/:export_id", s.GetExport)
		org.GET("/exports/:export_id/download", s.DownloadExport)
		org.DELETE("/exports/:export_id", s.DeleteExport)
	}
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
