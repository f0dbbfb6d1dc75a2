// Package pipeline runs ingestion cycles: every configured source is fetched,
// normalized and committed independently of the others.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/coin-ingest/internal/checkpoint"
	"github.com/JakeFAU/coin-ingest/internal/etl"
	"github.com/JakeFAU/coin-ingest/internal/ingest"
	"github.com/JakeFAU/coin-ingest/internal/lineage"
	"github.com/JakeFAU/coin-ingest/internal/normalize"
	"github.com/JakeFAU/coin-ingest/internal/runs"
	"github.com/JakeFAU/coin-ingest/internal/store"
	"github.com/JakeFAU/coin-ingest/internal/telemetry"
)

// maxErrorSamples bounds the normalization errors kept in run metadata.
const maxErrorSamples = 5

// RecordNormalizer is satisfied by *normalize.Normalizer.
type RecordNormalizer interface {
	Normalize(rec etl.RawRecord) (etl.Quote, error)
}

// Source is one independently failing unit of a cycle.
type Source struct {
	Ingester   ingest.Ingester
	Normalizer RecordNormalizer
	Policy     ErrorPolicy
}

// Config controls Orchestrator behavior.
type Config struct {
	// Concurrency bounds how many sources run at once. 1 is sequential.
	Concurrency int
	// SummaryTopic is passed to the publisher with every cycle summary.
	SummaryTopic string
}

// Deps are the collaborators shared by all sources.
type Deps struct {
	Store interface {
		store.RawWriter
		store.Transactor
	}
	Checkpoints *checkpoint.Store
	Runs        *runs.Tracker
	Writer      *normalize.Writer
	// Archiver is optional; nil disables blob archiving.
	Archiver *lineage.Archiver
	// Publisher is optional; nil disables summary publishing.
	Publisher etl.Publisher
	Clock     etl.Clock
	IDs       etl.IDGenerator
	Logger    *zap.Logger
}

// Orchestrator is the only externally invoked component of the pipeline.
type Orchestrator struct {
	cfg     Config
	sources []Source
	deps    Deps
	logger  *zap.Logger

	cycleMu    sync.Mutex
	reconciled bool
}

// New validates the sources and returns an Orchestrator.
func New(cfg Config, sources []Source, deps Deps) (*Orchestrator, error) {
	if deps.Store == nil || deps.Checkpoints == nil || deps.Runs == nil || deps.Writer == nil {
		return nil, fmt.Errorf("store, checkpoints, runs and writer are required")
	}
	if deps.Clock == nil || deps.IDs == nil {
		return nil, fmt.Errorf("clock and id generator are required")
	}
	seen := make(map[string]bool, len(sources))
	for i, src := range sources {
		if src.Ingester == nil || src.Normalizer == nil {
			return nil, fmt.Errorf("source %d: ingester and normalizer are required", i)
		}
		name := src.Ingester.Name()
		if seen[name] {
			return nil, fmt.Errorf("source %q configured twice", name)
		}
		seen[name] = true
		if _, err := ParsePolicy(string(src.Policy)); err != nil {
			return nil, fmt.Errorf("source %q: %w", name, err)
		}
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		cfg:     cfg,
		sources: sources,
		deps:    deps,
		logger:  logger.Named("pipeline"),
	}, nil
}

// Sources returns the configured source names in order.
func (o *Orchestrator) Sources() []string {
	names := make([]string, 0, len(o.sources))
	for _, src := range o.sources {
		names = append(names, src.Ingester.Name())
	}
	return names
}

// RunOnce executes one cycle over every source. The first call reconciles
// runs left RUNNING by a previous process. Per-source failures are reported
// in the summary; the returned error is non-nil only when the cycle could
// not start.
func (o *Orchestrator) RunOnce(ctx context.Context) (etl.CycleSummary, error) {
	if !o.cycleMu.TryLock() {
		return etl.CycleSummary{}, ErrCycleInProgress
	}
	defer o.cycleMu.Unlock()

	cycleID, err := o.deps.IDs.NewID()
	if err != nil {
		return etl.CycleSummary{}, fmt.Errorf("generate cycle id: %w", err)
	}
	ctx, span := telemetry.Tracer().Start(ctx, "pipeline.RunOnce",
		trace.WithAttributes(attribute.String("cycle_id", cycleID)))
	defer span.End()

	summary := etl.CycleSummary{CycleID: cycleID, StartedAt: o.deps.Clock.Now().UTC()}
	if !o.reconciled {
		n, err := o.deps.Runs.Reconcile(ctx)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "reconcile failed")
			return etl.CycleSummary{}, err
		}
		o.reconciled = true
		summary.Reconciled = n
	}

	outcomes := make([]etl.SourceOutcome, len(o.sources))
	var g errgroup.Group
	g.SetLimit(o.cfg.Concurrency)
	for i, src := range o.sources {
		g.Go(func() error {
			outcomes[i] = o.runSource(ctx, cycleID, src)
			return nil
		})
	}
	_ = g.Wait()

	summary.Sources = outcomes
	summary.CompletedAt = o.deps.Clock.Now().UTC()
	failed := summary.Failed()
	span.SetAttributes(attribute.Int("sources_failed", failed))
	o.logger.Info("cycle complete",
		zap.String("cycle_id", cycleID),
		zap.Int("sources", len(outcomes)),
		zap.Int("failed", failed),
		zap.Int64("reconciled", summary.Reconciled),
	)
	o.publish(ctx, summary)
	return summary, nil
}

func (o *Orchestrator) publish(ctx context.Context, summary etl.CycleSummary) {
	if o.deps.Publisher == nil || o.cfg.SummaryTopic == "" {
		return
	}
	id, err := o.deps.Publisher.Publish(ctx, o.cfg.SummaryTopic, summary)
	if err != nil {
		o.logger.Warn("publish cycle summary failed", zap.String("cycle_id", summary.CycleID), zap.Error(err))
		return
	}
	o.logger.Debug("published cycle summary", zap.String("cycle_id", summary.CycleID), zap.String("message_id", id))
}
