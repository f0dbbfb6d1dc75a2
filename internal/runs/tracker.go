// Package runs records the lifecycle of ingestion attempts.
package runs

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/coin-ingest/internal/etl"
	"github.com/JakeFAU/coin-ingest/internal/store"
	"github.com/JakeFAU/coin-ingest/internal/telemetry"
)

// InterruptedReason is written to runs found RUNNING at startup.
const InterruptedReason = "interrupted by restart"

// Completion carries the counters recorded when a run finishes.
type Completion struct {
	RunID             int64
	RecordsIngested   int
	RecordsNormalized int
	Metadata          map[string]any
}

// Tracker creates and finishes run rows.
type Tracker struct {
	repo   store.RunRepository
	clock  etl.Clock
	logger *zap.Logger
}

// NewTracker constructs a Tracker.
func NewTracker(repo store.RunRepository, clock etl.Clock, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{repo: repo, clock: clock, logger: logger.Named("runs")}
}

// Start records a RUNNING attempt for source.
func (t *Tracker) Start(ctx context.Context, source string) (int64, error) {
	id, err := t.repo.CreateRun(ctx, source, t.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("start run: %w", err)
	}
	return id, nil
}

// MarkSucceeded transitions the run to SUCCESS inside tx, the same
// transaction that advances the checkpoint.
func (t *Tracker) MarkSucceeded(ctx context.Context, tx store.Tx, c Completion) error {
	if err := tx.CompleteRun(ctx, t.completion(c)); err != nil {
		return fmt.Errorf("mark run succeeded: %w", err)
	}
	return nil
}

// MarkFailed transitions the run to FAILED with cause's text verbatim.
func (t *Tracker) MarkFailed(ctx context.Context, c Completion, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	if err := t.repo.FailRun(ctx, t.completion(c), msg); err != nil {
		return fmt.Errorf("mark run failed: %w", err)
	}
	return nil
}

// Reconcile fails every run left RUNNING by a previous process and returns
// how many were touched.
func (t *Tracker) Reconcile(ctx context.Context) (int64, error) {
	ids, err := t.repo.FailInterrupted(ctx, t.clock.Now().UTC(), InterruptedReason)
	if err != nil {
		return 0, fmt.Errorf("reconcile runs: %w", err)
	}
	for _, id := range ids {
		t.logger.Warn("reconciled interrupted run", zap.Int64("run_id", id))
	}
	telemetry.ObserveInterruptedRuns(int64(len(ids)))
	return int64(len(ids)), nil
}

func (t *Tracker) completion(c Completion) store.RunCompletion {
	return store.RunCompletion{
		RunID:             c.RunID,
		CompletedAt:       t.clock.Now().UTC(),
		RecordsIngested:   c.RecordsIngested,
		RecordsNormalized: c.RecordsNormalized,
		Metadata:          c.Metadata,
	}
}
