package normalize

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/coin-ingest/internal/clock/system"
	"github.com/JakeFAU/coin-ingest/internal/etl"
	"github.com/JakeFAU/coin-ingest/internal/storage/memory"
	"github.com/JakeFAU/coin-ingest/internal/store"
)

func TestWriterIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	mem := memory.NewStore()
	w := NewWriter(system.New())
	n := mustNormalizer(t, "coinpaprika")

	var quotes []etl.Quote
	for i, sym := range []string{"btc", "eth", "sol"} {
		q, err := n.Normalize(etl.RawRecord{
			SourceID:  sym,
			Timestamp: time.Date(2024, 3, 1, 0, 0, i, 0, time.UTC),
			Payload:   []byte(`{"symbol":"` + sym + `","name":"x","quotes":{"USD":{"price":1}}}`),
		})
		require.NoError(t, err)
		quotes = append(quotes, q)
	}

	write := func(qs []etl.Quote) int64 {
		var changed int64
		require.NoError(t, mem.WithTx(ctx, func(tx store.Tx) error {
			var err error
			changed, err = w.Write(ctx, tx, qs)
			return err
		}))
		return changed
	}

	require.Equal(t, int64(3), write(quotes))
	require.Equal(t, int64(0), write(quotes))
	require.Equal(t, int64(0), write(append(quotes, quotes...)))
	require.Len(t, mem.Quotes(), 3)
	require.Equal(t, int64(0), write(nil))
}

func TestDedupeKeepsLast(t *testing.T) {
	t.Parallel()

	ts := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	out := dedupe([]etl.Quote{
		{EntityID: "BTC", Source: "csv", Timestamp: ts, PriceUSD: "1"},
		{EntityID: "ETH", Source: "csv", Timestamp: ts, PriceUSD: "2"},
		{EntityID: "BTC", Source: "csv", Timestamp: ts, PriceUSD: "3"},
	})
	require.Len(t, out, 2)
	require.Equal(t, "3", out[0].PriceUSD)
	require.Equal(t, "ETH", out[1].EntityID)
}
