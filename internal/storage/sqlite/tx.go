package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/coin-ingest/internal/etl"
	"github.com/JakeFAU/coin-ingest/internal/store"
)

type txStore struct {
	tx *sql.Tx
}

// UpsertQuotes writes assets and quotes, returning the count of inserted or changed quote rows.
func (t *txStore) UpsertQuotes(ctx context.Context, quotes []etl.Quote, at time.Time) (int64, error) {
	now := formatTime(at)
	var affected int64
	for _, q := range quotes {
		if _, err := t.tx.ExecContext(ctx, `
INSERT INTO assets (entity_id, source, name, updated_at) VALUES (?, ?, ?, ?)
ON CONFLICT (entity_id, source) DO UPDATE
SET name = excluded.name, updated_at = excluded.updated_at
WHERE assets.name IS NOT excluded.name`,
			q.EntityID, q.Source, q.Name, now,
		); err != nil {
			return affected, fmt.Errorf("upsert asset %s: %w", q.EntityID, err)
		}
		res, err := t.tx.ExecContext(ctx, `
INSERT INTO quotes (
    entity_id, ts, source, price_usd, market_cap_usd, volume_24h_usd,
    price_change_24h_pct, record_hash, created_at, updated_at
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (entity_id, ts, source) DO UPDATE
SET price_usd = excluded.price_usd,
    market_cap_usd = excluded.market_cap_usd,
    volume_24h_usd = excluded.volume_24h_usd,
    price_change_24h_pct = excluded.price_change_24h_pct,
    record_hash = excluded.record_hash,
    updated_at = excluded.updated_at
WHERE quotes.record_hash IS NOT excluded.record_hash`,
			q.EntityID, formatTime(q.Timestamp), q.Source,
			q.PriceUSD, q.MarketCapUSD, q.Volume24hUSD, q.PriceChange24hPct,
			q.RecordHash, now, now,
		)
		if err != nil {
			return affected, fmt.Errorf("upsert quote %s@%s: %w", q.EntityID, formatTime(q.Timestamp), err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return affected, fmt.Errorf("upsert quote %s: %w", q.EntityID, err)
		}
		affected += n
	}
	return affected, nil
}

// CheckpointForUpdate reads the checkpoint; the immediate transaction
// already holds the write lock.
func (t *txStore) CheckpointForUpdate(ctx context.Context, source string) (etl.Checkpoint, error) {
	return getCheckpoint(ctx, t.tx, source)
}

// SaveCheckpoint upserts the checkpoint row.
func (t *txStore) SaveCheckpoint(ctx context.Context, cp etl.Checkpoint) error {
	data, err := marshalJSON(cp.Data)
	if err != nil {
		return err
	}
	now := formatTime(cp.UpdatedAt)
	_, err = t.tx.ExecContext(ctx, `
INSERT INTO etl_checkpoints (
    source_name, last_successful_timestamp, last_run_id, last_ingested_id,
    checkpoint_data, created_at, updated_at
)
VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (source_name) DO UPDATE
SET last_successful_timestamp = excluded.last_successful_timestamp,
    last_run_id = excluded.last_run_id,
    last_ingested_id = excluded.last_ingested_id,
    checkpoint_data = excluded.checkpoint_data,
    updated_at = excluded.updated_at`,
		cp.SourceName, formatNullTime(cp.LastSuccessfulTimestamp), cp.LastRunID, cp.LastIngestedID,
		data, now, now,
	)
	if err != nil {
		return fmt.Errorf("save checkpoint %s: %w", cp.SourceName, err)
	}
	return nil
}

// CompleteRun marks the run SUCCESS inside the transaction.
func (t *txStore) CompleteRun(ctx context.Context, c store.RunCompletion) error {
	return finishRun(ctx, t.tx, c, etl.RunSuccess, nil)
}

func getCheckpoint(ctx context.Context, db queryRower, source string) (etl.Checkpoint, error) {
	cp, err := scanCheckpoint(db.QueryRowContext(ctx, `SELECT `+checkpointColumns+` FROM etl_checkpoints WHERE source_name = ?`, source))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return etl.Checkpoint{}, store.ErrNotFound
		}
		return etl.Checkpoint{}, fmt.Errorf("get checkpoint %s: %w", source, err)
	}
	return cp, nil
}
