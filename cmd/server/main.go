package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	appfiscal "github.com/erp/fiscal/internal/application/fiscal"
	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/domain/shared"
	"github.com/erp/fiscal/internal/infrastructure/auth"
	"github.com/erp/fiscal/internal/infrastructure/cache"
	"github.com/erp/fiscal/internal/infrastructure/config"
	"github.com/erp/fiscal/internal/infrastructure/logger"
	"github.com/erp/fiscal/internal/infrastructure/persistence"
	"github.com/erp/fiscal/internal/infrastructure/sefaz"
	"github.com/erp/fiscal/internal/infrastructure/signing"
	"github.com/erp/fiscal/internal/infrastructure/storage"
	"github.com/erp/fiscal/internal/infrastructure/worker"
	"github.com/erp/fiscal/internal/interfaces/http/handler"
	"github.com/erp/fiscal/internal/interfaces/http/middleware"
	"github.com/erp/fiscal/internal/interfaces/http/router"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

	// Initialize logger
	log, err := logger.New(&logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		TimeFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	if err != nil {
		panic("Failed to initialize logger: " + err.Error())
	}
	defer func() {
		_ = logger.Sync(log)
	}()

	environment := fiscal.EnvironmentHomologation
	if cfg.Sefaz.Environment == "production" {
		environment = fiscal.EnvironmentProduction
	}

	log.Info("Starting fiscal engine",
		zap.String("app", cfg.App.Name),
		zap.String("env", cfg.App.Env),
		zap.String("port", cfg.App.Port),
		zap.String("authority_env", string(environment)),
	)

	// Initialize database connection
	gormLogLevel := gormlogger.Silent
	if cfg.Log.Level == "debug" {
		gormLogLevel = gormlogger.Info
	}
	db, err := persistence.NewDatabaseWithLogger(&cfg.Database, gormLogLevel)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()
	log.Info("Database connected successfully")

	// Idempotency store for emit trigger dedup. Redis is required in
	// production; development falls back to an in-process store.
	var idempotency shared.IdempotencyStore
	redisStore, err := cache.NewRedisIdempotencyStore(cfg.Redis)
	if err != nil {
		if cfg.App.Env == "production" {
			log.Fatal("Failed to connect to Redis", zap.Error(err))
		}
		log.Warn("Redis unavailable, using in-memory idempotency store", zap.Error(err))
		memStore := cache.NewInMemoryIdempotencyStore()
		defer func() { _ = memStore.Close() }()
		idempotency = memStore
	} else {
		defer func() { _ = redisStore.Close() }()
		idempotency = redisStore
	}

	// Object storage for XML artifacts
	artifacts, err := storage.NewS3ArtifactStore(&cfg.Storage, log)
	if err != nil {
		log.Fatal("Failed to initialize artifact store", zap.Error(err))
	}
	if err := artifacts.EnsureBucket(context.Background()); err != nil {
		log.Warn("Could not ensure artifact bucket exists", zap.Error(err))
	}

	// Signing and tax-authority transport
	certStore := signing.NewFileCertificateStore(cfg.Certificates.Dir)
	signer := signing.NewSigner(certStore, cfg.Sefaz.StateCode, cfg.Sefaz.SchemaVersion)
	sefazClient, err := sefaz.NewHTTPClient(cfg.Sefaz, environment.TpAmb(), log)
	if err != nil {
		log.Fatal("Failed to initialize authority client", zap.Error(err))
	}

	// Initialize repositories
	emissionRepo := persistence.NewGormEmissionRepository(db.DB)
	cancellationRepo := persistence.NewGormCancellationRepository(db.DB)
	correctionRepo := persistence.NewGormCorrectionRepository(db.DB)
	jobRepo := persistence.NewGormJobRepository(db.DB)

	// Initialize application services
	resolver := appfiscal.NewResolver(emissionRepo, sefazClient, environment, log)
	emissionService := appfiscal.NewEmissionService(
		emissionRepo, jobRepo, signer, artifacts, idempotency,
		environment, cfg.Sefaz.IdempotencyTTL, log,
	)
	amendmentService := appfiscal.NewAmendmentService(
		emissionRepo, cancellationRepo, correctionRepo, jobRepo, resolver, log,
	)
	jobService := appfiscal.NewJobService(jobRepo, log)

	// Embedded job worker (disable to run workers as separate processes)
	if cfg.Worker.Enabled {
		jobHandlers := appfiscal.NewJobHandlers(
			emissionRepo, cancellationRepo, correctionRepo, jobRepo,
			sefazClient, artifacts, resolver, log,
		)
		w := worker.New(jobRepo, worker.Config{PollInterval: cfg.Worker.PollInterval}, log)
		jobHandlers.Register(w)
		if err := w.Start(context.Background()); err != nil {
			log.Fatal("Failed to start job worker", zap.Error(err))
		}
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := w.Stop(stopCtx); err != nil {
				log.Error("Error stopping job worker", zap.Error(err))
			}
		}()
		log.Info("Job worker started", zap.Duration("poll_interval", cfg.Worker.PollInterval))
	}

	jwtService := auth.NewJWTService(cfg.JWT)

	// Initialize HTTP handlers
	fiscalHandler := handler.NewFiscalHandler(emissionService, amendmentService)
	jobHandler := handler.NewJobHandler(jobService)
	systemHandler := handler.NewSystemHandler()

	// Set Gin mode based on environment
	if cfg.App.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	engine := gin.New()

	// Configure trusted proxies
	if len(cfg.HTTP.TrustedProxies) > 0 {
		if err := engine.SetTrustedProxies(cfg.HTTP.TrustedProxies); err != nil {
			log.Warn("Failed to set trusted proxies", zap.Error(err))
		}
	}

	// Middleware stack: request ID first so every log line carries it
	engine.Use(middleware.RequestID())
	engine.Use(logger.Recovery(log))
	engine.Use(logger.GinMiddleware(log))
	engine.Use(middleware.Secure())

	corsConfig := middleware.DefaultCORSConfig()
	corsConfig.AllowOrigins = cfg.HTTP.CORSAllowOrigins
	corsConfig.ExposeHeaders = []string{"X-Request-ID"}
	engine.Use(middleware.CORSWithConfig(corsConfig))

	// JWT authentication for API routes
	jwtConfig := middleware.JWTMiddlewareConfig{
		JWTService: jwtService,
		SkipPaths: []string{
			"/health",
			"/healthz",
			"/api/v1/system/ping",
			"/api/v1/system/info",
		},
	}
	engine.Use(middleware.JWTAuthMiddlewareWithConfig(jwtConfig))

	// Health check endpoint (outside API versioning)
	engine.GET("/health", healthHandler(db))

	// Register API routes
	r := router.NewRouter(engine, router.WithAPIVersion("v1"))
	r.Register(fiscalHandler).
		Register(jobHandler).
		Register(systemHandler)
	r.Setup()

	// Create HTTP server with config
	srv := &http.Server{
		Addr:           ":" + cfg.App.Port,
		Handler:        engine,
		ReadTimeout:    cfg.HTTP.ReadTimeout,
		WriteTimeout:   cfg.HTTP.WriteTimeout,
		IdleTimeout:    cfg.HTTP.IdleTimeout,
		MaxHeaderBytes: cfg.HTTP.MaxHeaderBytes,
	}

	// Start server in goroutine
	go func() {
		log.Info("Server starting", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("Failed to start server", zap.Error(err))
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown", zap.Error(err))
	}

	log.Info("Server exited gracefully")
}

// healthHandler returns a handler for health check endpoints
func healthHandler(db *persistence.Database) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := db.Ping(); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":   "unhealthy",
				"time":     time.Now().Format(time.RFC3339),
				"database": "error",
			})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"status":   "healthy",
			"time":     time.Now().Format(time.RFC3339),
			"database": "ok",
		})
	}
}
