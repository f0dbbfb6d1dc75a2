package normalize

import (
	"context"
	"fmt"

	"github.com/JakeFAU/coin-ingest/internal/etl"
	"github.com/JakeFAU/coin-ingest/internal/store"
)

// Writer upserts quotes keyed by (entity_id, timestamp, source).
type Writer struct {
	clock etl.Clock
}

// NewWriter constructs a Writer.
func NewWriter(clock etl.Clock) *Writer {
	return &Writer{clock: clock}
}

// Write upserts quotes inside tx and returns how many rows were inserted
// or changed. Repeated keys within one call collapse to the last one.
func (w *Writer) Write(ctx context.Context, tx store.Tx, quotes []etl.Quote) (int64, error) {
	if len(quotes) == 0 {
		return 0, nil
	}
	n, err := tx.UpsertQuotes(ctx, dedupe(quotes), w.clock.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("write quotes: %w", err)
	}
	return n, nil
}

func dedupe(quotes []etl.Quote) []etl.Quote {
	index := make(map[etl.QuoteKey]int, len(quotes))
	out := make([]etl.Quote, 0, len(quotes))
	for _, q := range quotes {
		key := q.Key()
		if i, ok := index[key]; ok {
			out[i] = q
			continue
		}
		index[key] = len(out)
		out = append(out, q)
	}
	return out
}
