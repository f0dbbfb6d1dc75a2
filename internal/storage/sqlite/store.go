// Package sqlite provides a single-file ingestion store backed by SQLite.
// Timestamps are stored as fixed-width UTC text so they sort lexically and
// decimals are stored as text to keep them exact.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	// Registers the "sqlite3" driver.
	_ "github.com/mattn/go-sqlite3"

	"github.com/JakeFAU/coin-ingest/internal/etl"
	"github.com/JakeFAU/coin-ingest/internal/store"
)

//go:embed schema.sql
var schemaSQL string

const timeLayout = "2006-01-02T15:04:05.000000Z"

// Store implements store.Store on a SQLite database file.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path. Write transactions
// take the database lock up front so checkpoint reads inside them are
// serialized.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	params := url.Values{}
	params.Set("_txlock", "immediate")
	params.Set("_busy_timeout", "5000")
	params.Set("_foreign_keys", "on")
	params.Set("_journal_mode", "WAL")
	db, err := sql.Open("sqlite3", "file:"+path+"?"+params.Encode())
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Store{db: db}, nil
}

// Close closes the database handle.
func (s *Store) Close() {
	if s == nil || s.db == nil {
		return
	}
	_ = s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping sqlite: %w", err)
	}
	return nil
}

// ApplySchema creates the fixed tables and one raw table per source.
func (s *Store) ApplySchema(ctx context.Context, sources []string) error {
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	for _, source := range sources {
		table, err := store.RawTable(source)
		if err != nil {
			return err
		}
		ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	run_id      INTEGER NOT NULL REFERENCES etl_runs (id),
	source_id   TEXT    NOT NULL,
	record_ts   TEXT,
	raw_data    TEXT    NOT NULL,
	ingested_at TEXT    NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_%[1]s_run ON %[1]s (run_id);`, table)
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create %s: %w", table, err)
		}
	}
	return nil
}

// CreateRun inserts a RUNNING run row.
func (s *Store) CreateRun(ctx context.Context, source string, startedAt time.Time) (int64, error) {
	var id int64
	err := s.db.QueryRowContext(ctx,
		`INSERT INTO etl_runs (source_name, status, started_at) VALUES (?, ?, ?) RETURNING id`,
		source, string(etl.RunRunning), formatTime(startedAt),
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert run: %w", err)
	}
	return id, nil
}

// FailRun marks a RUNNING run FAILED.
func (s *Store) FailRun(ctx context.Context, c store.RunCompletion, errMsg string) error {
	return finishRun(ctx, s.db, c, etl.RunFailed, &errMsg)
}

// FailInterrupted marks orphaned RUNNING rows FAILED.
func (s *Store) FailInterrupted(ctx context.Context, at time.Time, reason string) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
UPDATE etl_runs
SET status = ?, completed_at = ?, error_message = ?
WHERE status = ? AND completed_at IS NULL
RETURNING id`,
		string(etl.RunFailed), formatTime(at), reason, string(etl.RunRunning),
	)
	if err != nil {
		return nil, fmt.Errorf("reconcile runs: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("reconcile runs: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reconcile runs: %w", err)
	}
	return ids, nil
}

// AppendRaw inserts lineage rows in one short transaction.
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
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin raw insert: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, fmt.Sprintf(
		`INSERT INTO %s (run_id, source_id, record_ts, raw_data, ingested_at) VALUES (?, ?, ?, ?, ?)`, table))
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("prepare raw insert: %w", err)
	}
	defer stmt.Close()
	for _, rec := range records {
		var ts any
		if !rec.Timestamp.IsZero() {
			ts = formatTime(rec.Timestamp)
		}
		if _, err := stmt.ExecContext(ctx, runID, rec.SourceID, ts, string(rec.Payload), formatTime(ingestedAt)); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert raw record into %s: %w", table, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit raw insert: %w", err)
	}
	return nil
}

// WithTx runs fn inside one SQLite transaction, rolled back when fn fails or
// panics so the single connection is released.
func (s *Store) WithTx(ctx context.Context, fn func(store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(&txStore{tx: tx}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func finishRun(ctx context.Context, db execer, c store.RunCompletion, status etl.RunStatus, errMsg *string) error {
	meta, err := marshalJSON(c.Metadata)
	if err != nil {
		return err
	}
	res, err := db.ExecContext(ctx, `
UPDATE etl_runs
SET status = ?, completed_at = ?, error_message = ?,
    records_ingested = ?, records_normalized = ?, run_metadata = ?
WHERE id = ? AND status = ?`,
		string(status), formatTime(c.CompletedAt), errMsg,
		c.RecordsIngested, c.RecordsNormalized, meta,
		c.RunID, string(etl.RunRunning),
	)
	if err != nil {
		return fmt.Errorf("update run %d: %w", c.RunID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update run %d: %w", c.RunID, err)
	}
	if n == 0 {
		return fmt.Errorf("update run %d: %w", c.RunID, store.ErrRunNotRunning)
	}
	return nil
}

func formatTime(t time.Time) string {
	return etl.TruncateTimestamp(t).Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", s, err)
	}
	return t, nil
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func formatNullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func marshalJSON(v map[string]any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal json: %w", err)
	}
	return string(data), nil
}
