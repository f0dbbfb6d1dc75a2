package app

import (
	"context"
	"fmt"

	pubsub "cloud.google.com/go/pubsub/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/coin-ingest/internal/config"
	"github.com/JakeFAU/coin-ingest/internal/etl"
	"github.com/JakeFAU/coin-ingest/internal/fetcher"
	"github.com/JakeFAU/coin-ingest/internal/hash/sha256"
	"github.com/JakeFAU/coin-ingest/internal/ingest"
	"github.com/JakeFAU/coin-ingest/internal/lineage"
	"github.com/JakeFAU/coin-ingest/internal/logging"
	"github.com/JakeFAU/coin-ingest/internal/normalize"
	"github.com/JakeFAU/coin-ingest/internal/pipeline"
	gcppublisher "github.com/JakeFAU/coin-ingest/internal/publisher/pubsub"
	"github.com/JakeFAU/coin-ingest/internal/ratelimit"
	"github.com/JakeFAU/coin-ingest/internal/storage/gcs"
	"github.com/JakeFAU/coin-ingest/internal/storage/local"
	"github.com/JakeFAU/coin-ingest/internal/storage/memory"
	"github.com/JakeFAU/coin-ingest/internal/storage/postgres"
	"github.com/JakeFAU/coin-ingest/internal/storage/sqlite"
	"github.com/JakeFAU/coin-ingest/internal/store"
)

func openStore(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch cfg.Driver {
	case "postgres":
		st, err := postgres.New(ctx, postgres.Config{
			DSN:             cfg.DSN,
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres store init failed: %w", err)
		}
		return st, nil
	case "sqlite":
		st, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite store init failed: %w", err)
		}
		return st, nil
	case "memory":
		return memory.NewStore(), nil
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}

func setupArchive(ctx context.Context, app *App) (*lineage.Archiver, error) {
	var blobs etl.BlobStore
	switch app.cfg.Storage.Backend {
	case "gcs":
		gcsStore, err := gcs.Open(ctx, gcs.Config{Bucket: app.cfg.Storage.Bucket, Prefix: app.cfg.Storage.Prefix})
		if err != nil {
			return nil, fmt.Errorf("gcs blob store init failed: %w", err)
		}
		app.gcsCloser = gcsStore.Close
		blobs = gcsStore
		app.logger.Info("archiving raw batches to GCS", zap.String("bucket", app.cfg.Storage.Bucket))
	case "local":
		localStore, err := local.New(local.Config{BaseDir: app.cfg.Storage.Local.BaseDir})
		if err != nil {
			return nil, fmt.Errorf("local blob store init failed: %w", err)
		}
		blobs = localStore
		app.logger.Info("archiving raw batches locally", zap.String("path", app.cfg.Storage.Local.BaseDir))
	case "memory":
		blobs = memory.NewBlobStore()
		app.logger.Info("archiving raw batches in memory")
	default:
		app.logger.Info("raw batch archive disabled")
		return nil, nil
	}
	return lineage.New(blobs), nil
}

func setupPublisher(ctx context.Context, app *App) (etl.Publisher, error) {
	if app.cfg.PubSub.TopicName == "" || app.cfg.PubSub.ProjectID == "" {
		app.logger.Info("no Pub/Sub topic configured, cycle summaries stay local")
		return nil, nil
	}
	var err error
	app.pubsubClient, err = pubsub.NewClient(ctx, app.cfg.PubSub.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("pubsub client init failed: %w", err)
	}
	app.pubsubPublisher = app.pubsubClient.Publisher(app.cfg.PubSub.TopicName)
	app.logger.Info("Pub/Sub publisher initialized",
		zap.String("project", app.cfg.PubSub.ProjectID),
		zap.String("topic", app.cfg.PubSub.TopicName),
	)
	return gcppublisher.New(app.pubsubPublisher), nil
}

// buildSources turns enabled source configs into pipeline sources. API
// sources share one colly transport; each gets its own rate limit bucket.
func buildSources(cfg config.Config, logger *zap.Logger) ([]pipeline.Source, error) {
	registry := ratelimit.NewRegistry()
	transport := fetcher.NewCollyTransport(fetcher.CollyConfig{
		UserAgent: cfg.HTTP.UserAgent,
		Timeout:   cfg.HTTP.Timeout,
	})
	policy := fetcher.Policy{MaxRetries: cfg.HTTP.MaxRetries, BaseDelay: cfg.HTTP.BackoffBase}
	hasher := sha256.New()

	enabled := cfg.EnabledSources()
	sources := make([]pipeline.Source, 0, len(enabled))
	for _, src := range enabled {
		opts := ingest.Options{
			Name:     src.Name,
			Kind:     ingest.Kind(src.Kind),
			BaseURL:  src.BaseURL,
			APIKey:   src.APIKey,
			PageSize: src.PageSize,
			MaxPages: src.MaxPages,
			MaxItems: src.MaxItems,
			Dir:      src.Dir,
			Pattern:  src.Pattern,
			Logger:   logger,
		}
		if opts.Kind != ingest.KindCSV {
			bucket, err := registry.For(src.Name, src.RateLimit, src.RatePeriod)
			if err != nil {
				return nil, fmt.Errorf("source %s: %w", src.Name, err)
			}
			opts.Getter = fetcher.New(src.Name, transport, bucket, policy, logging.ForSource(logger, "fetcher", src.Name))
		}
		ing, err := ingest.New(opts)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}
		norm, err := normalize.New(src.Kind, src.Name, hasher)
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}
		policyName, err := pipeline.ParsePolicy(cfg.Policy(src))
		if err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Name, err)
		}
		sources = append(sources, pipeline.Source{Ingester: ing, Normalizer: norm, Policy: policyName})
	}
	return sources, nil
}
