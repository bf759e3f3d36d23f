package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	appfiscal "github.com/erp/fiscal/internal/application/fiscal"
	"github.com/erp/fiscal/internal/domain/fiscal"
	"github.com/erp/fiscal/internal/infrastructure/config"
	"github.com/erp/fiscal/internal/infrastructure/logger"
	"github.com/erp/fiscal/internal/infrastructure/persistence"
	"github.com/erp/fiscal/internal/infrastructure/sefaz"
	"github.com/erp/fiscal/internal/infrastructure/storage"
	"github.com/erp/fiscal/internal/infrastructure/worker"
	"go.uber.org/zap"
)

// Standalone job worker. Multiple instances can run against the same
// database; the queue's atomic claim keeps them from stepping on each other.
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic("Failed to load configuration: " + err.Error())
	}

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

	log.Info("Starting fiscal worker",
		zap.String("env", cfg.App.Env),
		zap.String("authority_env", string(environment)),
		zap.Duration("poll_interval", cfg.Worker.PollInterval),
	)

	db, err := persistence.NewDatabase(&cfg.Database)
	if err != nil {
		log.Fatal("Failed to connect to database", zap.Error(err))
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error("Error closing database", zap.Error(err))
		}
	}()

	artifacts, err := storage.NewS3ArtifactStore(&cfg.Storage, log)
	if err != nil {
		log.Fatal("Failed to initialize artifact store", zap.Error(err))
	}

	sefazClient, err := sefaz.NewHTTPClient(cfg.Sefaz, environment.TpAmb(), log)
	if err != nil {
		log.Fatal("Failed to initialize authority client", zap.Error(err))
	}

	emissionRepo := persistence.NewGormEmissionRepository(db.DB)
	cancellationRepo := persistence.NewGormCancellationRepository(db.DB)
	correctionRepo := persistence.NewGormCorrectionRepository(db.DB)
	jobRepo := persistence.NewGormJobRepository(db.DB)

	resolver := appfiscal.NewResolver(emissionRepo, sefazClient, environment, log)
	jobHandlers := appfiscal.NewJobHandlers(
		emissionRepo, cancellationRepo, correctionRepo, jobRepo,
		sefazClient, artifacts, resolver, log,
	)

	w := worker.New(jobRepo, worker.Config{PollInterval: cfg.Worker.PollInterval}, log)
	jobHandlers.Register(w)
	if err := w.Start(context.Background()); err != nil {
		log.Fatal("Failed to start job worker", zap.Error(err))
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down worker...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := w.Stop(ctx); err != nil {
		log.Error("Worker did not stop cleanly", zap.Error(err))
	}

	log.Info("Worker exited gracefully")
}
