// Package postgres provides the Postgres-backed ingestion store.
package postgres

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/coin-ingest/internal/etl"
	"github.com/JakeFAU/coin-ingest/internal/store"
)

//go:embed schema.sql
var schemaSQL string

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store needs; pgxmock satisfies it.
type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	CopyFrom(context.Context, pgx.Identifier, []string, pgx.CopyFromSource) (int64, error)
	Begin(context.Context) (pgx.Tx, error)
	Ping(context.Context) error
	Close()
}

// Store implements store.Store on Postgres.
type Store struct {
	pool pool
}

var _ store.Store = (*Store)(nil)

// New connects a pool using cfg.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: p}, nil
}

// NewWithPool constructs a store from an existing pool (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// ApplySchema creates the fixed tables and one raw table per source.
func (s *Store) ApplySchema(ctx context.Context, sources []string) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	for _, source := range sources {
		table, err := store.RawTable(source)
		if err != nil {
			return err
		}
		ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id          BIGSERIAL PRIMARY KEY,
	run_id      BIGINT      NOT NULL REFERENCES etl_runs (id),
	source_id   TEXT        NOT NULL,
	record_ts   TIMESTAMPTZ,
	raw_data    TEXT        NOT NULL,
	ingested_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_run ON %[1]s (run_id);`, table)
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			return fmt.Errorf("create %s: %w", table, err)
		}
	}
	return nil
}

// CreateRun inserts a RUNNING run row.
func (s *Store) CreateRun(ctx context.Context, source string, startedAt time.Time) (int64, error) {
	var id int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO etl_runs (source_name, status, started_at) VALUES ($1, $2, $3) RETURNING id`,
		source, string(etl.RunRunning), startedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// FailRun marks a RUNNING run FAILED.
func (s *Store) FailRun(ctx context.Context, c store.RunCompletion, errMsg string) error {
	return finishRun(ctx, s.pool, c, etl.RunFailed, &errMsg)
}

// FailInterrupted marks orphaned RUNNING rows FAILED.
func (s *Store) FailInterrupted(ctx context.Context, at time.Time, reason string) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
UPDATE etl_runs
SET status = $1, completed_at = $2, error_message = $3
WHERE status = $4 AND completed_at IS NULL
RETURNING id`,
		string(etl.RunFailed), at, reason, string(etl.RunRunning),
	)
	if err != nil {
		return nil, fmt.Errorf("reconcile runs: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("reconcile runs: %w", err)
	}
	return ids, nil
}

// AppendRaw copies records into the source's raw table.
func (s *Store) AppendRaw(
	ctx context.Context,
	source string,
	runID int64,
	records []etl.RawRecord,
	ingestedAt time.Time,
) error {
	if len(records) == 0 {
		return nil
	}
	table, err := store.RawTable(source)
	if err != nil {
		return err
	}
	rows := make([][]any, 0, len(records))
	for _, rec := range records {
		var ts any
		if !rec.Timestamp.IsZero() {
			ts = rec.Timestamp
		}
		rows = append(rows, []any{runID, rec.SourceID, ts, string(rec.Payload), ingestedAt})
	}
	_, err = s.pool.CopyFrom(ctx,
		pgx.Identifier{table},
		[]string{"run_id", "source_id", "record_ts", "raw_data", "ingested_at"},
		pgx.CopyFromRows(rows),
	)
	if err != nil {
		return fmt.Errorf("copy raw records into %s: %w", table, err)
	}
	return nil
}

// WithTx runs fn inside one database transaction, rolled back when fn fails
// or panics.
func (s *Store) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	finished := false
	defer func() {
		if !finished {
			_ = tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	finished = true
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type execer interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
}

type queryRower interface {
	QueryRow(context.Context, string, ...any) pgx.Row
}

func finishRun(ctx context.Context, db execer, c store.RunCompletion, status etl.RunStatus, errMsg *string) error {
	meta, err := marshalJSON(c.Metadata)
	if err != nil {
		return err
	}
	tag, err := db.Exec(ctx, `
UPDATE etl_runs
SET status = $1, completed_at = $2, error_message = $3,
    records_ingested = $4, records_normalized = $5, run_metadata = $6
WHERE id = $7 AND status = $8`,
		string(status), c.CompletedAt, errMsg,
		c.RecordsIngested, c.RecordsNormalized, meta,
		c.RunID, string(etl.RunRunning),
	)
	if err != nil {
		return fmt.Errorf("update run %d: %w", c.RunID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update run %d: %w", c.RunID, store.ErrRunNotRunning)
	}
	return nil
}

const checkpointColumns = `source_name, last_successful_timestamp, last_run_id, last_ingested_id, checkpoint_data, updated_at`

func getCheckpoint(ctx context.Context, db queryRower, query, source string) (etl.Checkpoint, error) {
	cp, err := scanCheckpoint(db.QueryRow(ctx, query, source))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return etl.Checkpoint{}, store.ErrNotFound
		}
		return etl.Checkpoint{}, fmt.Errorf("get checkpoint %s: %w", source, err)
	}
	return cp, nil
}

func scanCheckpoint(row pgx.Row) (etl.Checkpoint, error) {
	var (
		cp   etl.Checkpoint
		data []byte
	)
	if err := row.Scan(
		&cp.SourceName,
		&cp.LastSuccessfulTimestamp,
		&cp.LastRunID,
		&cp.LastIngestedID,
		&data,
		&cp.UpdatedAt,
	); err != nil {
		return etl.Checkpoint{}, err
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &cp.Data); err != nil {
			return etl.Checkpoint{}, fmt.Errorf("decode checkpoint_data: %w", err)
		}
	}
	if cp.LastSuccessfulTimestamp != nil {
		ts := cp.LastSuccessfulTimestamp.UTC()
		cp.LastSuccessfulTimestamp = &ts
	}
	return cp, nil
}

func marshalJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	return data, nil
}
