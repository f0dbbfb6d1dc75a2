package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/JakeFAU/coin-ingest/internal/etl"
)

// ErrNotFound signals that the requested record does not exist.
var ErrNotFound = errors.New("record not found")

// ErrRunNotRunning signals a completion for a run that already reached a
// terminal status.
var ErrRunNotRunning = errors.New("run is not running")

// RunCompletion carries the counters written when a run finishes.
type RunCompletion struct {
	RunID             int64
	CompletedAt       time.Time
	RecordsIngested   int
	RecordsNormalized int
	Metadata          map[string]any
}

// RunFilter narrows ListRuns. Zero values mean no filter.
type RunFilter struct {
	Source string
	Status etl.RunStatus
	Limit  int
	Offset int
}

// RunRepository records ingestion attempts outside of commit transactions.
type RunRepository interface {
	// CreateRun inserts a RUNNING row and returns its id.
	CreateRun(ctx context.Context, source string, startedAt time.Time) (int64, error)
	// FailRun moves a RUNNING row to FAILED. Returns ErrRunNotRunning otherwise.
	FailRun(ctx context.Context, c RunCompletion, errMsg string) error
	// FailInterrupted moves every RUNNING row with no completed_at to FAILED
	// with reason and returns the affected ids.
	FailInterrupted(ctx context.Context, at time.Time, reason string) ([]int64, error)
}

// CheckpointReader loads checkpoints.
type CheckpointReader interface {
	// GetCheckpoint returns the checkpoint for source or ErrNotFound.
	GetCheckpoint(ctx context.Context, source string) (etl.Checkpoint, error)
}

// RawWriter appends verbatim source payloads to the source's lineage table.
type RawWriter interface {
	AppendRaw(ctx context.Context, source string, runID int64, records []etl.RawRecord, ingestedAt time.Time) error
}

// Tx is the unit of work for a run's success commit. Everything written
// through one Tx becomes visible together or not at all.
type Tx interface {
	// UpsertQuotes writes quotes keyed by (entity_id, ts, source) and returns
	// how many rows were inserted or changed.
	UpsertQuotes(ctx context.Context, quotes []etl.Quote, at time.Time) (int64, error)
	// CheckpointForUpdate reads (and locks, where supported) the checkpoint row.
	CheckpointForUpdate(ctx context.Context, source string) (etl.Checkpoint, error)
	// SaveCheckpoint inserts or replaces the checkpoint row.
	SaveCheckpoint(ctx context.Context, cp etl.Checkpoint) error
	// CompleteRun moves a RUNNING row to SUCCESS. Returns ErrRunNotRunning otherwise.
	CompleteRun(ctx context.Context, c RunCompletion) error
}

// Transactor opens commit transactions.
type Transactor interface {
	// WithTx runs fn in a transaction, committing when fn returns nil and
	// rolling back otherwise.
	WithTx(ctx context.Context, fn func(Tx) error) error
}

// Reader exposes read access to runs, checkpoints and statistics.
type Reader interface {
	CheckpointReader
	// GetRun loads one run or returns ErrNotFound.
	GetRun(ctx context.Context, id int64) (etl.Run, error)
	// ListRuns returns runs newest first.
	ListRuns(ctx context.Context, filter RunFilter) ([]etl.Run, error)
	// ListCheckpoints returns all checkpoints ordered by source.
	ListCheckpoints(ctx context.Context) ([]etl.Checkpoint, error)
	// SourceStats aggregates per-source counts, last run and checkpoint.
	SourceStats(ctx context.Context) ([]etl.SourceStats, error)
	// Ping checks connectivity.
	Ping(ctx context.Context) error
}

// Store is the full persistence surface used by the pipeline and the API.
type Store interface {
	RunRepository
	RawWriter
	Transactor
	Reader
	// ApplySchema creates missing tables and indexes, including one raw
	// lineage table per source.
	ApplySchema(ctx context.Context, sources []string) error
	Close()
}

var sourceNamePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,47}$`)

// ValidSourceName reports whether name can be embedded in a table name.
func ValidSourceName(name string) bool {
	return sourceNamePattern.MatchString(name)
}

// RawTable returns the lineage table for source.
func RawTable(source string) (string, error) {
	if !ValidSourceName(source) {
		return "", fmt.Errorf("invalid source name %q", source)
	}
	return "raw_" + source, nil
}
