package server

import (
	"context"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	apikeydomain "github.com/smallbiznis/auditrail/internal/apikey/domain"
	"github.com/smallbiznis/auditrail/internal/authorization"
	billingdomain "github.com/smallbiznis/auditrail/internal/billing/domain"
	"github.com/smallbiznis/auditrail/internal/config"
	eventdomain "github.com/smallbiznis/auditrail/internal/event/domain"
	"github.com/smallbiznis/auditrail/internal/failover"
	"github.com/smallbiznis/auditrail/internal/globalindex"
	"github.com/smallbiznis/auditrail/internal/ingest"
	"github.com/smallbiznis/auditrail/internal/observability"
	obsmiddleware "github.com/smallbiznis/auditrail/internal/observability/logger"
	obstracing "github.com/smallbiznis/auditrail/internal/observability/tracing"
	"github.com/smallbiznis/auditrail/internal/query"
	"github.com/smallbiznis/auditrail/internal/region"
	tenantdomain "github.com/smallbiznis/auditrail/internal/tenant/domain"
	"github.com/smallbiznis/auditrail/internal/webhook"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const (
	defaultMaxBodyBytes = 1 << 20
	maxBatchBodyFactor  = 100
	shutdownTimeout     = 10 * time.Second
)

// Ingester is the write path behind the event endpoints.
type Ingester interface {
	Ingest(ctx context.Context, tc ingest.TenantContext, req ingest.IngestRequest) (*ingest.IngestResult, error)
	IngestBatch(ctx context.Context, tc ingest.TenantContext, workspaceID snowflake.ID, reqs []ingest.IngestRequest) ([]ingest.BatchItem, error)
}

type Querier interface {
	Query(ctx context.Context, tc ingest.TenantContext, req query.Request) (*query.Response, error)
	Get(ctx context.Context, tc ingest.TenantContext, eventID snowflake.ID) (*eventdomain.AuditEvent, error)
	Verify(ctx context.Context, tc ingest.TenantContext, workspaceID snowflake.ID) (*query.Verification, error)
}

// Failover is the operator surface of the failover manager.
type Failover interface {
	Snapshot(ctx context.Context) ([]failover.RegionHealth, error)
	Backlog(ctx context.Context) (int64, error)
	IndexBacklog(ctx context.Context) (int64, error)
	TriggerFailover(region string, cause error)
	ProcessPendingWrites(ctx context.Context, region string) (*failover.ReplayReport, error)
}

type RegionLister interface {
	Regions() []string
}

type DeliveryStats interface {
	Stats() webhook.Stats
}

type VolumeReporter interface {
	RecentVolume(ctx context.Context, since time.Time) (int64, error)
}

var Module = fx.Module("http.server",
	fx.Provide(registerGin),
	fx.Provide(
		func(s *ingest.Service) Ingester { return s },
		func(s *query.Service) Querier { return s },
		func(m *failover.Manager) Failover { return m },
		func(d *region.Directory) RegionLister { return d },
		func(d *webhook.Dispatcher) DeliveryStats { return d },
		func(i *globalindex.Index) VolumeReporter { return i },
	),
	fx.Invoke(NewServer),
	fx.Invoke(run),
)

func NewEngine(obsCfg observability.Config, cfg config.Config) *gin.Engine {
	if !obsCfg.Debug() {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(obsmiddleware.GinMiddleware(obsmiddleware.MiddlewareConfig{
		Debug:           obsCfg.Debug(),
		ErrorClassifier: classifyErrorForLog,
	}))
	r.Use(obstracing.GinMiddleware())
	r.Use(ErrorHandlingMiddleware(cfg.Billing.HardLimitStatus))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func registerGin(obsCfg observability.Config, cfg config.Config) *gin.Engine {
	return NewEngine(obsCfg, cfg)
}

func run(lc fx.Lifecycle, r *gin.Engine, cfg config.Config, log *zap.Logger) {
	addr := cfg.HTTPAddr
	if addr == "" {
		addr = ":8080"
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			log.Info("http server listening", zap.String("addr", addr))
			go func() {
				if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					panic(err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			shutdownCtx, cancel := context.WithTimeout(ctx, shutdownTimeout)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	})
}

type Server struct {
	engine      *gin.Engine
	cfg         config.Config
	log         *zap.Logger
	ingestSvc   Ingester
	querySvc    Querier
	failoverSvc Failover
	regions     RegionLister
	apiKeySvc   apikeydomain.Service
	authzSvc    authorization.Service
	tenantSvc   tenantdomain.Service
	billingSvc  billingdomain.Service
	deliveries  DeliveryStats
	volume      VolumeReporter
}

type ServerParams struct {
	fx.In

	Gin        *gin.Engine
	Cfg        config.Config
	Log        *zap.Logger
	Ingest     Ingester
	Query      Querier
	Failover   Failover
	Regions    RegionLister
	APIKeySvc  apikeydomain.Service
	AuthzSvc   authorization.Service
	TenantSvc  tenantdomain.Service
	BillingSvc billingdomain.Service
	Deliveries DeliveryStats  `optional:"true"`
	Volume     VolumeReporter `optional:"true"`
}

func NewServer(p ServerParams) *Server {
	svc := &Server{
		engine:      p.Gin,
		cfg:         p.Cfg,
		log:         p.Log.Named("http.server"),
		ingestSvc:   p.Ingest,
		querySvc:    p.Query,
		failoverSvc: p.Failover,
		regions:     p.Regions,
		apiKeySvc:   p.APIKeySvc,
		authzSvc:    p.AuthzSvc,
		tenantSvc:   p.TenantSvc,
		billingSvc:  p.BillingSvc,
		deliveries:  p.Deliveries,
		volume:      p.Volume,
	}

	svc.registerAPIRoutes()
	svc.registerInternalRoutes()
	svc.registerFallback()

	return svc
}

func (s *Server) Engine() *gin.Engine {
	return s.engine
}

func (s *Server) registerAPIRoutes() {
	api := s.engine.Group("/v1", s.APIKeyRequired())

	// -------- Events --------
	api.POST("/workspaces/:workspace_id/events", s.IngestEvent)
	api.POST("/workspaces/:workspace_id/events/batch", s.IngestEventBatch)
	api.GET("/workspaces/:workspace_id/events", s.ListWorkspaceEvents)
	api.GET("/workspaces/:workspace_id/verify", s.VerifyWorkspace)
	api.GET("/events", s.ListEvents)
	api.GET("/events/:id", s.GetEvent)

	// -------- API Keys --------
	keys := api.Group("/api_keys", s.authorizeAction(authorization.ObjectAPIKey, authorization.ActionAPIKeyManage))
	keys.GET("", s.ListAPIKeys)
	keys.POST("", s.CreateAPIKey)
	keys.POST("/:key_id/rotate", s.RotateAPIKey)
	keys.POST("/:key_id/revoke", s.RevokeAPIKey)
}

func (s *Server) registerInternalRoutes() {
	internal := s.engine.Group("/internal", s.InternalTokenRequired())

	internal.GET("/health", s.InternalHealth)
	internal.GET("/stats", s.InternalStats)
	internal.POST("/regions/:region/failover", s.TriggerRegionFailover)
	internal.POST("/regions/:region/recover", s.RecoverRegion)

	// -------- Tenants --------
	internal.POST("/companies", s.CreateCompany)
	internal.GET("/companies/:company_id", s.GetCompany)
	internal.PUT("/companies/:company_id/meter", s.ConfigureMeter)
	internal.POST("/companies/:company_id/api_keys", s.IssueCompanyAPIKey)
	internal.GET("/companies/:company_id/workspaces", s.ListWorkspaces)
	internal.POST("/companies/:company_id/workspaces", s.CreateWorkspace)
	internal.PUT("/companies/:company_id/workspaces/:workspace_id/retention", s.SetWorkspaceRetention)
}

func (s *Server) registerFallback() {
	s.engine.NoRoute(func(c *gin.Context) {
		AbortWithError(c, ErrNotFound)
	})
}
