package main

import (
	"context"

	"github.com/Diatonic-AI/partner-connectors/internal/audit"
	"github.com/Diatonic-AI/partner-connectors/internal/event"
	"github.com/Diatonic-AI/partner-connectors/internal/gateway"
	"github.com/Diatonic-AI/partner-connectors/internal/handler"
	"github.com/Diatonic-AI/partner-connectors/internal/middleware"
	"github.com/Diatonic-AI/partner-connectors/internal/rawstore"
	"github.com/Diatonic-AI/partner-connectors/internal/scheduler"
	"github.com/Diatonic-AI/partner-connectors/internal/upstream"
	"github.com/Diatonic-AI/partner-connectors/pkg/config"
	"github.com/Diatonic-AI/partner-connectors/pkg/database"
	"github.com/Diatonic-AI/partner-connectors/pkg/jwtutil"
	"github.com/Diatonic-AI/partner-connectors/pkg/logger"
	"github.com/Diatonic-AI/partner-connectors/prometheus"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/eventbridge"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/labstack/echo/v4"
	echomiddleware "github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

func main() {
	// Load configuration from .env file and environment variables
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger with config
	logger.InitLogger(cfg)
	log := logger.GetLogger()
	log.Info("Starting connector service...", zap.String("environment", cfg.Server.Env))

	// Initialize token signing keys
	jwtutil.Init(cfg.JWT.SigningKey, cfg.JWT.ApprovalKey, cfg.JWT.ApprovalTokenTTL)

	// Initialize database (now includes migrations automatically)
	if err := database.InitDB(cfg); err != nil {
		log.Fatal("Failed to initialize database", zap.Error(err))
	}
	log.Info("Database connection established and migrations completed")

	// Initialize Prometheus metrics
	prometheus.InitMetrics(cfg)
	log.Info("Prometheus metrics initialized")

	// AWS collaborators: raw payload archive and change-event bus
	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		log.Fatal("Failed to load AWS configuration", zap.Error(err))
	}

	var archive *rawstore.Archive
	if cfg.AWS.RawBucket != "" {
		archive = rawstore.NewArchive(s3.NewFromConfig(awsCfg), cfg.AWS.RawBucket)
		log.Info("Raw payload archive enabled", zap.String("bucket", cfg.AWS.RawBucket))
	}

	policy := upstream.RetryPolicy{
		MaxAttempts: cfg.Upstream.MaxSyncAttempts,
		BaseDelay:   cfg.Upstream.BaseBackoff,
		MaxDelay:    cfg.Upstream.MaxBackoff,
	}

	db := database.GetDB()
	emitter := event.NewEmitter(
		eventbridge.NewFromConfig(awsCfg),
		event.NewGormDeadLetterStore(db),
		cfg.AWS.EventBusName,
		cfg.AWS.EventSource,
		policy,
	)
	auditor := audit.NewGormRecorder(db)
	tenants := config.NewTenantStore(cfg.Tenants.Dir)

	// One wire client per upstream system
	clients := map[config.ConnectorKind]upstream.Client{
		config.KindPartnerCentral: upstream.NewHTTPClient(
			cfg.Upstream.PartnerCentralURL, cfg.Upstream.APIKey, cfg.Upstream.CallTimeout, cfg.Upstream.PageSize),
		config.KindMarketplace: upstream.NewHTTPClient(
			cfg.Upstream.MarketplaceURL, cfg.Upstream.APIKey, cfg.Upstream.CallTimeout, cfg.Upstream.PageSize),
	}

	sched := scheduler.New(scheduler.NewGormStore(db), tenants, clients, archive, emitter, auditor, policy, log)
	gw := gateway.New(gateway.NewGormStore(db), tenants, clients, auditor, emitter, policy, log)

	// Fail any runs orphaned by an earlier process before accepting new ones
	if recovered, err := sched.RecoverStaleRuns(context.Background()); err != nil {
		log.Fatal("Failed to recover stale runs", zap.Error(err))
	} else if recovered > 0 {
		log.Warn("Recovered stale ingestion runs", zap.Int64("count", recovered))
	}

	// Free idempotency keys wedged in executing state by an earlier process
	if recovered, err := gw.RecoverStaleRequests(context.Background()); err != nil {
		log.Fatal("Failed to recover stale action requests", zap.Error(err))
	} else if recovered > 0 {
		log.Warn("Recovered stale action requests", zap.Int64("count", recovered))
	}

	// Periodic syncs from each connector's schedule_cron
	cronSvc := scheduler.NewCronService(sched, tenants, log)
	if err := cronSvc.Start(); err != nil {
		log.Fatal("Failed to start sync schedules", zap.Error(err))
	}

	handler.InitSyncHandler(sched)
	handler.InitActionHandler(gw)
	handler.InitAuditHandler(auditor)

	// Initialize Echo framework
	e := echo.New()

	// Apply global middleware - order matters
	e.Use(echomiddleware.Recover())
	e.Use(echomiddleware.CORS())
	e.Use(middleware.RequestIDMiddleware)
	e.Use(logger.Middleware(log))
	e.Use(middleware.MetricsMiddleware)

	// Public routes - no authentication required
	e.GET("/", handler.Hello)
	e.GET("/health", handler.HealthCheck)
	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// Connector API - requires a valid service token
	connectors := e.Group("/connectors", middleware.AuthMiddleware)
	connectors.GET("/:tenant/status", handler.SyncStatus)
	connectors.POST("/:tenant/sync", handler.TriggerSync)
	connectors.POST("/:tenant/actions/:action", handler.SubmitAction)
	connectors.GET("/:tenant/approvals", handler.PendingApprovals)
	connectors.POST("/:tenant/approvals/:key", handler.ApproveAction)
	connectors.GET("/:tenant/audit", handler.AuditLog)

	// Start server
	port := cfg.Server.Port
	log.Info("Starting server", zap.String("port", port))
	if err := e.Start(":" + port); err != nil {
		log.Fatal("Failed to start server", zap.Error(err))
	}
}
