// Package checkpoint owns the per-source progress watermark.
package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"time"

	"github.com/JakeFAU/coin-ingest/internal/etl"
	"github.com/JakeFAU/coin-ingest/internal/store"
)

// Advance describes the progress a successful run wants to record.
type Advance struct {
	Source string
	// Watermark is the newest record timestamp in the run's batch. Nil
	// means the run saw no records.
	Watermark *time.Time
	RunID     int64
	Cursor    string
	Data      map[string]any
}

// Store reads checkpoints and advances them inside commit transactions.
type Store struct {
	reader store.CheckpointReader
	clock  etl.Clock
}

// New constructs a checkpoint Store.
func New(reader store.CheckpointReader, clock etl.Clock) *Store {
	return &Store{reader: reader, clock: clock}
}

// Get returns the committed checkpoint for source, or an empty one with a
// nil watermark when the source has never succeeded.
func (s *Store) Get(ctx context.Context, source string) (etl.Checkpoint, error) {
	cp, err := s.reader.GetCheckpoint(ctx, source)
	if errors.Is(err, store.ErrNotFound) {
		return etl.Checkpoint{SourceName: source}, nil
	}
	if err != nil {
		return etl.Checkpoint{}, fmt.Errorf("load checkpoint: %w", err)
	}
	return cp, nil
}

// AdvanceOnSuccess moves the checkpoint to max(current, adv.Watermark)
// using tx, the transaction that also writes the run's normalized records.
// It reports whether a row was written.
func (s *Store) AdvanceOnSuccess(ctx context.Context, tx store.Tx, adv Advance) (etl.Checkpoint, bool, error) {
	current, err := tx.CheckpointForUpdate(ctx, adv.Source)
	exists := true
	switch {
	case errors.Is(err, store.ErrNotFound):
		exists = false
		current = etl.Checkpoint{SourceName: adv.Source}
	case err != nil:
		return etl.Checkpoint{}, false, fmt.Errorf("lock checkpoint: %w", err)
	}

	if adv.Watermark == nil {
		return current, false, nil
	}
	next := etl.TruncateTimestamp(*adv.Watermark)
	if exists && current.LastSuccessfulTimestamp != nil && !next.After(*current.LastSuccessfulTimestamp) {
		return current, false, nil
	}

	runID := adv.RunID
	updated := etl.Checkpoint{
		SourceName:              adv.Source,
		LastSuccessfulTimestamp: &next,
		LastRunID:               &runID,
		LastIngestedID:          current.LastIngestedID,
		Data:                    mergeData(current.Data, adv.Data),
		UpdatedAt:               s.clock.Now().UTC(),
	}
	if adv.Cursor != "" {
		cursor := adv.Cursor
		updated.LastIngestedID = &cursor
	}
	if err := tx.SaveCheckpoint(ctx, updated); err != nil {
		return etl.Checkpoint{}, false, fmt.Errorf("save checkpoint: %w", err)
	}
	return updated, true, nil
}

func mergeData(current, extra map[string]any) map[string]any {
	if len(current) == 0 && len(extra) == 0 {
		return nil
	}
	merged := maps.Clone(current)
	if merged == nil {
		merged = make(map[string]any, len(extra))
	}
	maps.Copy(merged, extra)
	return merged
}
