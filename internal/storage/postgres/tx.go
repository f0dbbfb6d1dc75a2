package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/coin-ingest/internal/etl"
	"github.com/JakeFAU/coin-ingest/internal/store"
)

type txStore struct {
	tx pgx.Tx
}

const upsertAssetSQL = `
INSERT INTO assets (entity_id, source, name, updated_at)
VALUES ($1, $2, $3, $4)
ON CONFLICT (entity_id, source) DO UPDATE
SET name = EXCLUDED.name, updated_at = EXCLUDED.updated_at
WHERE assets.name IS DISTINCT FROM EXCLUDED.name`

const upsertQuoteSQL = `
INSERT INTO quotes (
    entity_id, ts, source, price_usd, market_cap_usd, volume_24h_usd,
    price_change_24h_pct, record_hash, created_at, updated_at
)
VALUES ($1, $2, $3, $4::text::numeric, $5::text::numeric, $6::text::numeric, $7::text::numeric, $8, $9, $9)
ON CONFLICT (entity_id, ts, source) DO UPDATE
SET price_usd = EXCLUDED.price_usd,
    market_cap_usd = EXCLUDED.market_cap_usd,
    volume_24h_usd = EXCLUDED.volume_24h_usd,
    price_change_24h_pct = EXCLUDED.price_change_24h_pct,
    record_hash = EXCLUDED.record_hash,
    updated_at = EXCLUDED.updated_at
WHERE quotes.record_hash IS DISTINCT FROM EXCLUDED.record_hash`

// UpsertQuotes writes assets and quotes, returning the count of inserted or changed quote rows.
func (t *txStore) UpsertQuotes(ctx context.Context, quotes []etl.Quote, at time.Time) (int64, error) {
	var affected int64
	for _, q := range quotes {
		if _, err := t.tx.Exec(ctx, upsertAssetSQL, q.EntityID, q.Source, q.Name, at); err != nil {
			return affected, fmt.Errorf("upsert asset %s: %w", q.EntityID, err)
		}
		tag, err := t.tx.Exec(ctx, upsertQuoteSQL,
			q.EntityID, q.Timestamp, q.Source,
			q.PriceUSD, q.MarketCapUSD, q.Volume24hUSD, q.PriceChange24hPct,
			q.RecordHash, at,
		)
		if err != nil {
			return affected, fmt.Errorf("upsert quote %s@%s: %w", q.EntityID, q.Timestamp.Format(time.RFC3339), err)
		}
		affected += tag.RowsAffected()
	}
	return affected, nil
}

// CheckpointForUpdate reads and row-locks the source's checkpoint.
func (t *txStore) CheckpointForUpdate(ctx context.Context, source string) (etl.Checkpoint, error) {
	return getCheckpoint(ctx, t.tx,
		`SELECT `+checkpointColumns+` FROM etl_checkpoints WHERE source_name = $1 FOR UPDATE`, source)
}

// SaveCheckpoint upserts the checkpoint row.
func (t *txStore) SaveCheckpoint(ctx context.Context, cp etl.Checkpoint) error {
	data, err := marshalJSON(cp.Data)
	if err != nil {
		return err
	}
	_, err = t.tx.Exec(ctx, `
INSERT INTO etl_checkpoints (
    source_name, last_successful_timestamp, last_run_id, last_ingested_id,
    checkpoint_data, created_at, updated_at
)
VALUES ($1, $2, $3, $4, $5, $6, $6)
ON CONFLICT (source_name) DO UPDATE
SET last_successful_timestamp = EXCLUDED.last_successful_timestamp,
    last_run_id = EXCLUDED.last_run_id,
    last_ingested_id = EXCLUDED.last_ingested_id,
    checkpoint_data = EXCLUDED.checkpoint_data,
    updated_at = EXCLUDED.updated_at`,
		cp.SourceName, cp.LastSuccessfulTimestamp, cp.LastRunID, cp.LastIngestedID, data, cp.UpdatedAt,
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
