package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"

	"go.uber.org/zap"

	"github.com/JakeFAU/coin-ingest/internal/etl"
	"github.com/JakeFAU/coin-ingest/internal/fetcher"
)

type coinPaprika struct {
	name     string
	baseURL  string
	apiKey   string
	maxItems int
	getter   JSONGetter
	logger   *zap.Logger
}

type paprikaCoin struct {
	ID       string `json:"id"`
	Rank     int    `json:"rank"`
	IsActive bool   `json:"is_active"`
}

type paprikaTicker struct {
	ID          string `json:"id"`
	LastUpdated string `json:"last_updated"`
}

func (c *coinPaprika) Name() string { return c.name }
func (c *coinPaprika) Kind() Kind   { return KindCoinPaprika }

// FetchSince lists coins, keeps the top active ones by rank and fetches one
// ticker per coin. The coin list is the whole window.
func (c *coinPaprika) FetchSince(ctx context.Context, wm etl.Watermark) (etl.Batch, error) {
	coinsURL, err := url.JoinPath(c.baseURL, "coins")
	if err != nil {
		return etl.Batch{}, fmt.Errorf("build coins url: %w", err)
	}
	var coins []paprikaCoin
	if err := c.getter.FetchJSON(ctx, c.request(coinsURL), &coins); err != nil {
		return etl.Batch{}, err
	}
	coins = topActive(coins, c.maxItems)

	batch := etl.Batch{Data: map[string]any{"coins_listed": len(coins)}}
	stale := 0
	for _, coin := range coins {
		tickerURL, err := url.JoinPath(c.baseURL, "tickers", coin.ID)
		if err != nil {
			return etl.Batch{}, fmt.Errorf("build ticker url: %w", err)
		}
		var raw json.RawMessage
		if err := c.getter.FetchJSON(ctx, c.request(tickerURL), &raw); err != nil {
			return etl.Batch{}, err
		}
		var ticker paprikaTicker
		if err := json.Unmarshal(raw, &ticker); err != nil {
			return etl.Batch{}, fetcher.Malformed(tickerURL, err)
		}
		ts := parseTimestamp(ticker.LastUpdated)
		if !ts.IsZero() && !wm.Admits(ts) {
			stale++
			continue
		}
		sourceID := ticker.ID
		if sourceID == "" {
			sourceID = coin.ID
		}
		batch.Records = append(batch.Records, etl.RawRecord{
			Source:    c.name,
			SourceID:  sourceID,
			Timestamp: ts,
			Payload:   raw,
		})
	}
	if n := len(batch.Records); n > 0 {
		batch.Cursor = batch.Records[n-1].SourceID
	}
	c.logger.Debug("fetched tickers",
		zap.Int("coins", len(coins)),
		zap.Int("new", len(batch.Records)),
		zap.Int("stale", stale),
	)
	return batch, nil
}

func (c *coinPaprika) request(u string) fetcher.Request {
	return fetcher.Request{URL: u, Header: jsonHeader("X-API-KEY", c.apiKey)}
}

// topActive keeps active coins ordered by rank (unranked last) and caps the
// list at limit.
func topActive(coins []paprikaCoin, limit int) []paprikaCoin {
	active := make([]paprikaCoin, 0, len(coins))
	for _, coin := range coins {
		if coin.IsActive && coin.ID != "" {
			active = append(active, coin)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		ri, rj := active[i].Rank, active[j].Rank
		if (ri == 0) != (rj == 0) {
			return rj == 0
		}
		return ri < rj
	})
	if len(active) > limit {
		active = active[:limit]
	}
	return active
}
