// Package app wires configuration into long-lived services: the store, the
// orchestrator, the status API and the cloud clients behind them.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"sync"
	"syscall"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/coin-ingest/internal/api"
	"github.com/JakeFAU/coin-ingest/internal/checkpoint"
	"github.com/JakeFAU/coin-ingest/internal/clock/system"
	"github.com/JakeFAU/coin-ingest/internal/config"
	"github.com/JakeFAU/coin-ingest/internal/etl"
	"github.com/JakeFAU/coin-ingest/internal/id/uuid"
	"github.com/JakeFAU/coin-ingest/internal/logging"
	"github.com/JakeFAU/coin-ingest/internal/normalize"
	"github.com/JakeFAU/coin-ingest/internal/pipeline"
	"github.com/JakeFAU/coin-ingest/internal/runs"
	"github.com/JakeFAU/coin-ingest/internal/store"
	"github.com/JakeFAU/coin-ingest/internal/telemetry"
)

// App contains the application's dependencies.
type App struct {
	cfg             config.Config
	logger          *zap.Logger
	store           store.Store
	orchestrator    *pipeline.Orchestrator
	apiServer       *api.Server
	gcsCloser       func() error
	pubsubClient    *pubsub.Client
	pubsubPublisher *pubsub.Publisher
	tracerShutdown  func(context.Context) error
}

// Build creates the application's dependencies. Callers must Close the App.
func Build(ctx context.Context, cfg config.Config) (*App, error) {
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		return nil, fmt.Errorf("logger init failed: %w", err)
	}
	return BuildWithLogger(ctx, cfg, logger)
}

// BuildWithLogger is Build with a caller-supplied logger.
func BuildWithLogger(ctx context.Context, cfg config.Config, logger *zap.Logger) (*App, error) {
	app := &App{cfg: cfg, logger: logger}
	app.logger.Info("building application",
		zap.String("database_driver", cfg.Database.Driver),
		zap.String("storage_backend", cfg.Storage.Backend),
		zap.Int("sources", len(cfg.EnabledSources())),
	)

	tp, err := telemetry.InitTracerProvider(ctx, telemetry.TracingConfig{
		ServiceName: cfg.Telemetry.ServiceName,
		Version:     cfg.Telemetry.Version,
		ProjectID:   cfg.Telemetry.ProjectID,
	})
	if err != nil {
		return nil, fmt.Errorf("tracer init failed: %w", err)
	}
	app.tracerShutdown = tp.Shutdown

	if err := app.build(ctx); err != nil {
		_ = app.Close(ctx)
		return nil, err
	}
	return app, nil
}

func (a *App) build(ctx context.Context) error {
	var err error
	a.store, err = openStore(ctx, a.cfg.Database)
	if err != nil {
		return err
	}
	if a.cfg.Database.AutoMigrate {
		if err := a.Migrate(ctx); err != nil {
			return err
		}
	}

	archiver, err := setupArchive(ctx, a)
	if err != nil {
		return err
	}
	publisher, err := setupPublisher(ctx, a)
	if err != nil {
		return err
	}
	sources, err := buildSources(a.cfg, a.logger)
	if err != nil {
		return err
	}

	clock := system.New()
	a.orchestrator, err = pipeline.New(
		pipeline.Config{
			Concurrency:  a.cfg.Pipeline.Concurrency,
			SummaryTopic: a.cfg.PubSub.TopicName,
		},
		sources,
		pipeline.Deps{
			Store:       a.store,
			Checkpoints: checkpoint.New(a.store, clock),
			Runs:        runs.NewTracker(a.store, clock, a.logger),
			Writer:      normalize.NewWriter(clock),
			Archiver:    archiver,
			Publisher:   publisher,
			Clock:       clock,
			IDs:         uuid.New(),
			Logger:      a.logger,
		},
	)
	if err != nil {
		return fmt.Errorf("orchestrator init failed: %w", err)
	}
	a.apiServer = api.NewServer(a.store, a.orchestrator, a.cfg, a.logger)
	return nil
}

// Store exposes the persistence layer.
func (a *App) Store() store.Store {
	return a.store
}

// Handler returns the status API handler.
func (a *App) Handler() http.Handler {
	return a.apiServer.Handler()
}

// Migrate applies the store schema, including one raw table per configured
// source.
func (a *App) Migrate(ctx context.Context) error {
	names := make([]string, 0, len(a.cfg.Sources))
	for _, src := range a.cfg.Sources {
		names = append(names, src.Name)
	}
	if err := a.store.ApplySchema(ctx, names); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	a.logger.Info("schema applied", zap.Strings("sources", names))
	return nil
}

// RunOnce executes one ingestion cycle.
func (a *App) RunOnce(ctx context.Context) (etl.CycleSummary, error) {
	summary, err := a.orchestrator.RunOnce(ctx)
	if err != nil {
		return etl.CycleSummary{}, fmt.Errorf("run cycle: %w", err)
	}
	return summary, nil
}

// Serve runs the status API, and a cycle every interval when interval > 0,
// until ctx is cancelled or the process is signalled.
func (a *App) Serve(ctx context.Context, interval time.Duration) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           a.apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	var wg sync.WaitGroup
	serveErr := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.logger.Info("http server started", zap.Int("port", a.cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
			stop()
		}
	}()

	if interval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.loop(ctx, interval)
		}()
	}

	<-ctx.Done()
	a.logger.Info("shutdown initiated")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server shutdown error", zap.Error(err))
	}
	wg.Wait()

	select {
	case err := <-serveErr:
		return fmt.Errorf("http server: %w", err)
	default:
		return nil
	}
}

// loop runs a cycle immediately and then once per interval.
func (a *App) loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		summary, err := a.orchestrator.RunOnce(ctx)
		switch {
		case errors.Is(err, pipeline.ErrCycleInProgress):
			a.logger.Info("skipping tick, cycle still running")
		case err != nil:
			a.logger.Error("cycle failed to start", zap.Error(err))
		default:
			a.logger.Debug("cycle finished", zap.String("cycle_id", summary.CycleID), zap.Int("failed", summary.Failed()))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close gracefully shuts down the application.
func (a *App) Close(ctx context.Context) error {
	a.closeInfrastructure()
	a.closeObservability(ctx)
	a.logger.Info("shutdown complete")
	return nil
}

func (a *App) closeInfrastructure() {
	if a.pubsubPublisher != nil {
		a.pubsubPublisher.Stop()
	}
	if a.pubsubClient != nil {
		if err := a.pubsubClient.Close(); err != nil {
			a.logger.Warn("pubsub client close failed", zap.Error(err))
		}
	}
	if a.gcsCloser != nil {
		if err := a.gcsCloser(); err != nil {
			a.logger.Warn("gcs client close failed", zap.Error(err))
		}
	}
	if a.store != nil {
		a.store.Close()
	}
}

func (a *App) closeObservability(ctx context.Context) {
	if a.tracerShutdown != nil {
		if err := a.tracerShutdown(ctx); err != nil {
			a.logger.Warn("tracer shutdown failed", zap.Error(err))
		}
	}
	_ = a.logger.Sync()
}
