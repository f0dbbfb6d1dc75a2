package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/JakeFAU/coin-ingest/internal/etl"
	"github.com/JakeFAU/coin-ingest/internal/store"
)

const (
	checkpointColumns = `source_name, last_successful_timestamp, last_run_id, last_ingested_id, checkpoint_data, updated_at`
	runColumns        = `id, source_name, status, started_at, completed_at, error_message,
    records_ingested, records_normalized, run_metadata`
	defaultListLimit = 50
)

type scanner interface {
	Scan(dest ...any) error
}

// GetCheckpoint returns the checkpoint for source.
func (s *Store) GetCheckpoint(ctx context.Context, source string) (etl.Checkpoint, error) {
	return getCheckpoint(ctx, s.db, source)
}

// GetRun loads one run by id.
func (s *Store) GetRun(ctx context.Context, id int64) (etl.Run, error) {
	run, err := scanRun(s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM etl_runs WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return etl.Run{}, store.ErrNotFound
		}
		return etl.Run{}, fmt.Errorf("get run %d: %w", id, err)
	}
	return run, nil
}

// ListRuns returns runs ordered by start time descending.
func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]etl.Run, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT `+runColumns+`
FROM etl_runs
WHERE (?1 = '' OR source_name = ?1) AND (?2 = '' OR status = ?2)
ORDER BY started_at DESC, id DESC
LIMIT ?3 OFFSET ?4`,
		filter.Source, string(filter.Status), limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []etl.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	return runs, nil
}

// ListCheckpoints returns every checkpoint ordered by source.
func (s *Store) ListCheckpoints(ctx context.Context) ([]etl.Checkpoint, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+checkpointColumns+` FROM etl_checkpoints ORDER BY source_name`)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []etl.Checkpoint
	for rows.Next() {
		cp, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cps = append(cps, cp)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	return cps, nil
}

// SourceStats aggregates counts per source seen in runs or checkpoints.
func (s *Store) SourceStats(ctx context.Context) ([]etl.SourceStats, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT src.source_name,
    (SELECT count(*) FROM quotes q WHERE q.source = src.source_name),
    (SELECT count(*) FROM assets a WHERE a.source = src.source_name)
FROM (
    SELECT source_name FROM etl_runs
    UNION
    SELECT source_name FROM etl_checkpoints
) src
ORDER BY src.source_name`)
	if err != nil {
		return nil, fmt.Errorf("source stats: %w", err)
	}
	var stats []etl.SourceStats
	for rows.Next() {
		var st etl.SourceStats
		if err := rows.Scan(&st.SourceName, &st.Quotes, &st.Assets); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("scan source stats: %w", err)
		}
		stats = append(stats, st)
	}
	_ = rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("source stats: %w", err)
	}

	for i := range stats {
		runs, err := s.ListRuns(ctx, store.RunFilter{Source: stats[i].SourceName, Limit: 1})
		if err != nil {
			return nil, err
		}
		if len(runs) > 0 {
			stats[i].LastRun = &runs[0]
		}
		cp, err := s.GetCheckpoint(ctx, stats[i].SourceName)
		switch {
		case err == nil:
			stats[i].Checkpoint = &cp
		case !errors.Is(err, store.ErrNotFound):
			return nil, err
		}
	}
	return stats, nil
}

func scanRun(row scanner) (etl.Run, error) {
	var (
		run       etl.Run
		status    string
		started   string
		completed sql.NullString
		errMsg    sql.NullString
		meta      sql.NullString
	)
	if err := row.Scan(
		&run.ID,
		&run.SourceName,
		&status,
		&started,
		&completed,
		&errMsg,
		&run.RecordsIngested,
		&run.RecordsNormalized,
		&meta,
	); err != nil {
		return etl.Run{}, err
	}
	run.Status = etl.RunStatus(status)
	var err error
	if run.StartedAt, err = parseTime(started); err != nil {
		return etl.Run{}, err
	}
	if run.CompletedAt, err = parseNullTime(completed); err != nil {
		return etl.Run{}, err
	}
	if errMsg.Valid {
		msg := errMsg.String
		run.ErrorMessage = &msg
	}
	if meta.Valid && meta.String != "" {
		if err := json.Unmarshal([]byte(meta.String), &run.Metadata); err != nil {
			return etl.Run{}, fmt.Errorf("decode run_metadata: %w", err)
		}
	}
	return run, nil
}

func scanCheckpoint(row scanner) (etl.Checkpoint, error) {
	var (
		cp      etl.Checkpoint
		ts      sql.NullString
		runID   sql.NullInt64
		cursor  sql.NullString
		data    sql.NullString
		updated string
	)
	if err := row.Scan(&cp.SourceName, &ts, &runID, &cursor, &data, &updated); err != nil {
		return etl.Checkpoint{}, err
	}
	var err error
	if cp.LastSuccessfulTimestamp, err = parseNullTime(ts); err != nil {
		return etl.Checkpoint{}, err
	}
	if cp.UpdatedAt, err = parseTime(updated); err != nil {
		return etl.Checkpoint{}, err
	}
	if runID.Valid {
		id := runID.Int64
		cp.LastRunID = &id
	}
	if cursor.Valid {
		c := cursor.String
		cp.LastIngestedID = &c
	}
	if data.Valid && data.String != "" {
		if err := json.Unmarshal([]byte(data.String), &cp.Data); err != nil {
			return etl.Checkpoint{}, fmt.Errorf("decode checkpoint_data: %w", err)
		}
	}
	return cp, nil
}
