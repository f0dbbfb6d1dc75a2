// Package memory provides in-memory implementations of the ingestion store
// and blob store for development and tests.
package memory

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/JakeFAU/coin-ingest/internal/etl"
	"github.com/JakeFAU/coin-ingest/internal/store"
)

// Op names a store operation that can be made to fail once with InjectFault.
type Op string

// Injectable operations.
const (
	OpCreateRun       Op = "create_run"
	OpFailRun         Op = "fail_run"
	OpAppendRaw       Op = "append_raw"
	OpUpsertQuotes    Op = "upsert_quotes"
	OpSaveCheckpoint  Op = "save_checkpoint"
	OpCompleteRun     Op = "complete_run"
	OpFailInterrupted Op = "fail_interrupted"
)

// RawRow is one stored lineage record.
type RawRow struct {
	RunID      int64
	Record     etl.RawRecord
	IngestedAt time.Time
}

type quoteRow struct {
	quote     etl.Quote
	createdAt time.Time
	updatedAt time.Time
}

type assetKey struct {
	entityID string
	source   string
}

type state struct {
	runs        map[int64]etl.Run
	checkpoints map[string]etl.Checkpoint
	assets      map[assetKey]string
	quotes      map[etl.QuoteKey]quoteRow
}

func (s state) clone() state {
	return state{
		runs:        maps.Clone(s.runs),
		checkpoints: maps.Clone(s.checkpoints),
		assets:      maps.Clone(s.assets),
		quotes:      maps.Clone(s.quotes),
	}
}

// Store implements store.Store in memory. Transactions stage changes on a
// copy and swap it in on commit.
type Store struct {
	mu        sync.Mutex
	nextRunID int64
	state     state
	raw       map[string][]RawRow
	faults    map[Op]error
	closed    bool
}

var _ store.Store = (*Store)(nil)

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		state: state{
			runs:        make(map[int64]etl.Run),
			checkpoints: make(map[string]etl.Checkpoint),
			assets:      make(map[assetKey]string),
			quotes:      make(map[etl.QuoteKey]quoteRow),
		},
		raw:    make(map[string][]RawRow),
		faults: make(map[Op]error),
	}
}

// InjectFault makes the next call of op return err.
func (s *Store) InjectFault(op Op, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[op] = err
}

func (s *Store) takeFault(op Op) error {
	err, ok := s.faults[op]
	if !ok {
		return nil
	}
	delete(s.faults, op)
	return err
}

// ApplySchema is a no-op beyond source name validation.
func (s *Store) ApplySchema(_ context.Context, sources []string) error {
	for _, source := range sources {
		if _, err := store.RawTable(source); err != nil {
			return err
		}
	}
	return nil
}

// Close marks the store closed; later Ping calls fail.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

// Ping reports whether the store is open.
func (s *Store) Ping(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("memory store closed")
	}
	return nil
}

// CreateRun inserts a RUNNING run.
func (s *Store) CreateRun(_ context.Context, source string, startedAt time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(OpCreateRun); err != nil {
		return 0, err
	}
	s.nextRunID++
	id := s.nextRunID
	s.state.runs[id] = etl.Run{
		ID:         id,
		SourceName: source,
		Status:     etl.RunRunning,
		StartedAt:  etl.TruncateTimestamp(startedAt),
	}
	return id, nil
}

// FailRun marks a RUNNING run FAILED.
func (s *Store) FailRun(_ context.Context, c store.RunCompletion, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(OpFailRun); err != nil {
		return err
	}
	return finishRun(s.state.runs, c, etl.RunFailed, &errMsg)
}

// FailInterrupted fails every RUNNING run without a completion time.
func (s *Store) FailInterrupted(_ context.Context, at time.Time, reason string) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(OpFailInterrupted); err != nil {
		return nil, err
	}
	var ids []int64
	for id, run := range s.state.runs {
		if run.Status != etl.RunRunning || run.CompletedAt != nil {
			continue
		}
		completed := etl.TruncateTimestamp(at)
		msg := reason
		run.Status = etl.RunFailed
		run.CompletedAt = &completed
		run.ErrorMessage = &msg
		s.state.runs[id] = run
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// AppendRaw stores lineage rows for source.
func (s *Store) AppendRaw(
	_ context.Context,
	source string,
	runID int64,
	records []etl.RawRecord,
	ingestedAt time.Time,
) error {
	if _, err := store.RawTable(source); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFault(OpAppendRaw); err != nil {
		return err
	}
	for _, rec := range records {
		rec.Payload = append([]byte(nil), rec.Payload...)
		s.raw[source] = append(s.raw[source], RawRow{RunID: runID, Record: rec, IngestedAt: ingestedAt})
	}
	return nil
}

// WithTx runs fn against a staged copy and commits it when fn succeeds.
// Transactions are serialized.
func (s *Store) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	tx := &memTx{store: s, staged: s.state.clone()}
	if err := fn(tx); err != nil {
		return err
	}
	s.state = tx.staged
	return nil
}

type memTx struct {
	store  *Store
	staged state
}

func (t *memTx) UpsertQuotes(_ context.Context, quotes []etl.Quote, at time.Time) (int64, error) {
	if err := t.store.takeFault(OpUpsertQuotes); err != nil {
		return 0, err
	}
	var affected int64
	for _, q := range quotes {
		q.Timestamp = etl.TruncateTimestamp(q.Timestamp)
		t.staged.assets[assetKey{entityID: q.EntityID, source: q.Source}] = q.Name
		key := q.Key()
		existing, ok := t.staged.quotes[key]
		switch {
		case !ok:
			t.staged.quotes[key] = quoteRow{quote: q, createdAt: at, updatedAt: at}
			affected++
		case existing.quote.RecordHash != q.RecordHash:
			t.staged.quotes[key] = quoteRow{quote: q, createdAt: existing.createdAt, updatedAt: at}
			affected++
		}
	}
	return affected, nil
}

func (t *memTx) CheckpointForUpdate(_ context.Context, source string) (etl.Checkpoint, error) {
	cp, ok := t.staged.checkpoints[source]
	if !ok {
		return etl.Checkpoint{}, store.ErrNotFound
	}
	return copyCheckpoint(cp), nil
}

func (t *memTx) SaveCheckpoint(_ context.Context, cp etl.Checkpoint) error {
	if err := t.store.takeFault(OpSaveCheckpoint); err != nil {
		return err
	}
	t.staged.checkpoints[cp.SourceName] = copyCheckpoint(cp)
	return nil
}

func (t *memTx) CompleteRun(_ context.Context, c store.RunCompletion) error {
	if err := t.store.takeFault(OpCompleteRun); err != nil {
		return err
	}
	return finishRun(t.staged.runs, c, etl.RunSuccess, nil)
}

func finishRun(runs map[int64]etl.Run, c store.RunCompletion, status etl.RunStatus, errMsg *string) error {
	run, ok := runs[c.RunID]
	if !ok || run.Status != etl.RunRunning {
		return fmt.Errorf("update run %d: %w", c.RunID, store.ErrRunNotRunning)
	}
	completed := etl.TruncateTimestamp(c.CompletedAt)
	run.Status = status
	run.CompletedAt = &completed
	run.ErrorMessage = errMsg
	run.RecordsIngested = c.RecordsIngested
	run.RecordsNormalized = c.RecordsNormalized
	run.Metadata = maps.Clone(c.Metadata)
	runs[c.RunID] = run
	return nil
}

func copyCheckpoint(cp etl.Checkpoint) etl.Checkpoint {
	if cp.LastSuccessfulTimestamp != nil {
		ts := etl.TruncateTimestamp(*cp.LastSuccessfulTimestamp)
		cp.LastSuccessfulTimestamp = &ts
	}
	if cp.LastRunID != nil {
		id := *cp.LastRunID
		cp.LastRunID = &id
	}
	if cp.LastIngestedID != nil {
		cursor := *cp.LastIngestedID
		cp.LastIngestedID = &cursor
	}
	cp.Data = maps.Clone(cp.Data)
	return cp
}
