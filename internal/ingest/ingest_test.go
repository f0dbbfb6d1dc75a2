package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/coin-ingest/internal/etl"
	"github.com/JakeFAU/coin-ingest/internal/fetcher"
)

type fakeGetter struct {
	mu        sync.Mutex
	responses map[string]string
	errs      map[string]error
	requests  []fetcher.Request
}

func newFakeGetter() *fakeGetter {
	return &fakeGetter{responses: map[string]string{}, errs: map[string]error{}}
}

func (f *fakeGetter) FetchJSON(_ context.Context, req fetcher.Request, out any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if err, ok := f.errs[req.URL]; ok {
		return err
	}
	body, ok := f.responses[req.URL]
	if !ok {
		return &fetcher.Error{Kind: fetcher.KindClientError, URL: req.URL, StatusCode: 404, Attempts: 1, Err: errors.New("not found")}
	}
	if err := json.Unmarshal([]byte(body), out); err != nil {
		return fetcher.Malformed(req.URL, err)
	}
	return nil
}

func ts(sec int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, sec, 0, time.UTC)
}

func since(sec int) etl.Watermark {
	t := ts(sec)
	return etl.Watermark{Since: &t}
}

func TestNewValidatesOptions(t *testing.T) {
	t.Parallel()

	_, err := New(Options{Kind: KindCSV, Dir: "x"})
	require.Error(t, err)
	_, err = New(Options{Name: "p", Kind: KindCoinPaprika})
	require.Error(t, err)
	_, err = New(Options{Name: "g", Kind: KindCoinGecko})
	require.Error(t, err)
	_, err = New(Options{Name: "c", Kind: KindCSV})
	require.Error(t, err)
	_, err = New(Options{Name: "k", Kind: "kraken"})
	require.Error(t, err)

	ing, err := New(Options{Name: "files", Kind: KindCSV, Dir: t.TempDir()})
	require.NoError(t, err)
	require.Equal(t, "files", ing.Name())
	require.Equal(t, KindCSV, ing.Kind())
}

func TestCoinPaprikaFetchSince(t *testing.T) {
	t.Parallel()

	g := newFakeGetter()
	base := "https://paprika.test/v1"
	g.responses[base+"/coins"] = `[
		{"id":"eth-ethereum","rank":2,"is_active":true},
		{"id":"btc-bitcoin","rank":1,"is_active":true},
		{"id":"dead-coin","rank":3,"is_active":false},
		{"id":"unranked","rank":0,"is_active":true}
	]`
	g.responses[base+"/tickers/btc-bitcoin"] = fmt.Sprintf(`{"id":"btc-bitcoin","symbol":"BTC","last_updated":%q}`, ts(10).Format(time.RFC3339))
	g.responses[base+"/tickers/eth-ethereum"] = fmt.Sprintf(`{"id":"eth-ethereum","symbol":"ETH","last_updated":%q}`, ts(20).Format(time.RFC3339))

	ing, err := New(Options{Name: "coinpaprika", Kind: KindCoinPaprika, BaseURL: base, APIKey: "secret", MaxItems: 2, Getter: g})
	require.NoError(t, err)

	batch, err := ing.FetchSince(context.Background(), etl.Watermark{})
	require.NoError(t, err)
	require.Len(t, batch.Records, 2)
	assert.Equal(t, "btc-bitcoin", batch.Records[0].SourceID)
	assert.True(t, ts(10).Equal(batch.Records[0].Timestamp))
	assert.JSONEq(t, g.responses[base+"/tickers/btc-bitcoin"], string(batch.Records[0].Payload))
	assert.Equal(t, "eth-ethereum", batch.Cursor)
	assert.Equal(t, 2, batch.Data["coins_listed"])
	for _, req := range g.requests {
		assert.Equal(t, "secret", req.Header.Get("X-API-KEY"))
	}

	batch, err = ing.FetchSince(context.Background(), since(10))
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, "eth-ethereum", batch.Records[0].SourceID)

	batch, err = ing.FetchSince(context.Background(), since(20))
	require.NoError(t, err)
	assert.Empty(t, batch.Records)
	assert.Nil(t, batch.MaxTimestamp())
}

func TestCoinPaprikaPropagatesFetchErrors(t *testing.T) {
	t.Parallel()

	g := newFakeGetter()
	base := "https://paprika.test/v1"
	g.responses[base+"/coins"] = `[{"id":"btc-bitcoin","rank":1,"is_active":true}]`
	exhausted := &fetcher.Error{
		Kind: fetcher.KindServerError, URL: base + "/tickers/btc-bitcoin",
		StatusCode: 500, Attempts: 4, Err: fetcher.ErrRetriesExhausted,
	}
	g.errs[base+"/tickers/btc-bitcoin"] = exhausted

	ing, err := New(Options{Name: "coinpaprika", Kind: KindCoinPaprika, BaseURL: base, Getter: g})
	require.NoError(t, err)

	_, err = ing.FetchSince(context.Background(), etl.Watermark{})
	require.ErrorIs(t, err, fetcher.ErrRetriesExhausted)
	require.Same(t, exhausted, err)
}

func TestTopActive(t *testing.T) {
	t.Parallel()

	got := topActive([]paprikaCoin{
		{ID: "c", Rank: 0, IsActive: true},
		{ID: "b", Rank: 2, IsActive: true},
		{ID: "a", Rank: 1, IsActive: true},
		{ID: "x", Rank: 1, IsActive: false},
	}, 10)
	ids := make([]string, 0, len(got))
	for _, c := range got {
		ids = append(ids, c.ID)
	}
	require.Equal(t, []string{"a", "b", "c"}, ids)
}

func marketsURL(t *testing.T, base string, perPage, page int) string {
	t.Helper()
	u, err := url.Parse(base + "/coins/markets")
	require.NoError(t, err)
	q := url.Values{}
	q.Set("vs_currency", "usd")
	q.Set("order", "market_cap_desc")
	q.Set("per_page", fmt.Sprint(perPage))
	q.Set("page", fmt.Sprint(page))
	u.RawQuery = q.Encode()
	return u.String()
}

func TestCoinGeckoPagesUntilShortPage(t *testing.T) {
	t.Parallel()

	g := newFakeGetter()
	base := "https://gecko.test/api/v3"
	g.responses[marketsURL(t, base, 2, 1)] = fmt.Sprintf(`[
		{"id":"bitcoin","symbol":"btc","last_updated":%q},
		{"id":"ethereum","symbol":"eth","last_updated":%q}
	]`, ts(30).Format(time.RFC3339Nano), ts(10).Format(time.RFC3339Nano))
	g.responses[marketsURL(t, base, 2, 2)] = fmt.Sprintf(`[{"id":"solana","symbol":"sol","last_updated":%q}]`, ts(40).Format(time.RFC3339Nano))

	ing, err := New(Options{Name: "coingecko", Kind: KindCoinGecko, BaseURL: base, APIKey: "demo", PageSize: 2, MaxPages: 5, Getter: g})
	require.NoError(t, err)

	batch, err := ing.FetchSince(context.Background(), since(20))
	require.NoError(t, err)
	require.Len(t, g.requests, 2)
	assert.Equal(t, "demo", g.requests[0].Header.Get("x-cg-demo-api-key"))
	require.Len(t, batch.Records, 2)
	assert.Equal(t, "bitcoin", batch.Records[0].SourceID)
	assert.Equal(t, "solana", batch.Records[1].SourceID)
	assert.True(t, ts(40).Equal(*batch.MaxTimestamp()))
	assert.Equal(t, 2, batch.Data["pages_fetched"])
}

func TestCoinGeckoStopsAtMaxPagesAndEmptyPage(t *testing.T) {
	t.Parallel()

	g := newFakeGetter()
	base := "https://gecko.test/api/v3"
	g.responses[marketsURL(t, base, 1, 1)] = `[{"id":"bitcoin","last_updated":"2024-01-01T00:00:05Z"}]`
	g.responses[marketsURL(t, base, 1, 2)] = `[]`

	ing, err := New(Options{Name: "coingecko", Kind: KindCoinGecko, BaseURL: base, PageSize: 1, MaxPages: 1, Getter: g})
	require.NoError(t, err)
	batch, err := ing.FetchSince(context.Background(), etl.Watermark{})
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	require.Len(t, g.requests, 1)

	ing, err = New(Options{Name: "coingecko", Kind: KindCoinGecko, BaseURL: base, PageSize: 1, MaxPages: 3, Getter: g})
	require.NoError(t, err)
	_, err = ing.FetchSince(context.Background(), etl.Watermark{})
	require.NoError(t, err)
	require.Len(t, g.requests, 3)
}

func TestCoinGeckoMalformedItem(t *testing.T) {
	t.Parallel()

	g := newFakeGetter()
	base := "https://gecko.test/api/v3"
	g.responses[marketsURL(t, base, 100, 1)] = `[{"id":42}]`

	ing, err := New(Options{Name: "coingecko", Kind: KindCoinGecko, BaseURL: base, Getter: g})
	require.NoError(t, err)
	_, err = ing.FetchSince(context.Background(), etl.Watermark{})
	require.Equal(t, fetcher.KindMalformed, fetcher.KindOf(err))
}

func writeCSV(t *testing.T, dir, name, body string, mtime time.Time) {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	require.NoError(t, os.Chtimes(path, mtime, mtime))
}

func TestCSVFetchSince(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeCSV(t, dir, "b.csv", "symbol,name,price_usd\nETH,Ethereum,2800\n", ts(20))
	writeCSV(t, dir, "a.csv", "\ufeffsymbol, name ,price_usd,market_cap\nBTC,Bitcoin,45000,850000000000\nBNB,Binance Coin,350,55000000000\n", ts(10))
	writeCSV(t, dir, "notes.txt", "ignored", ts(30))

	ing, err := New(Options{Name: "csv", Kind: KindCSV, Dir: dir})
	require.NoError(t, err)

	batch, err := ing.FetchSince(context.Background(), etl.Watermark{})
	require.NoError(t, err)
	require.Len(t, batch.Records, 3)
	assert.Equal(t, "a.csv:2", batch.Records[0].SourceID)
	assert.Equal(t, "a.csv:3", batch.Records[1].SourceID)
	assert.Equal(t, "b.csv:2", batch.Records[2].SourceID)
	assert.JSONEq(t, `{"symbol":"BTC","name":"Bitcoin","price_usd":"45000","market_cap":"850000000000"}`, string(batch.Records[0].Payload))
	assert.True(t, ts(10).Equal(batch.Records[0].Timestamp))
	assert.True(t, ts(20).Equal(*batch.MaxTimestamp()))
	assert.Equal(t, "b.csv", batch.Cursor)
	assert.Equal(t, []string{"a.csv", "b.csv"}, batch.Data["files"])

	batch, err = ing.FetchSince(context.Background(), since(10))
	require.NoError(t, err)
	require.Len(t, batch.Records, 1)
	assert.Equal(t, "b.csv:2", batch.Records[0].SourceID)

	batch, err = ing.FetchSince(context.Background(), since(20))
	require.NoError(t, err)
	assert.Empty(t, batch.Records)
}

func TestCSVRaggedRowsAreKept(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeCSV(t, dir, "coins.csv", "symbol,name,price_usd\nBTC,Bitcoin,45000\nETH,Ethereum\nBNB,Binance Coin,350,extra\n", ts(5))
	ing, err := New(Options{Name: "csv", Kind: KindCSV, Dir: dir})
	require.NoError(t, err)

	batch, err := ing.FetchSince(context.Background(), etl.Watermark{})
	require.NoError(t, err)
	require.Len(t, batch.Records, 3)
	assert.Equal(t, "coins.csv:3", batch.Records[1].SourceID)
	assert.JSONEq(t, `{"symbol":"ETH","name":"Ethereum"}`, string(batch.Records[1].Payload))
	assert.JSONEq(t, `{"symbol":"BNB","name":"Binance Coin","price_usd":"350"}`, string(batch.Records[2].Payload))
}

func TestCSVMissingDirIsEmpty(t *testing.T) {
	t.Parallel()

	ing, err := New(Options{Name: "csv", Kind: KindCSV, Dir: filepath.Join(t.TempDir(), "missing")})
	require.NoError(t, err)
	batch, err := ing.FetchSince(context.Background(), etl.Watermark{})
	require.NoError(t, err)
	require.Empty(t, batch.Records)
}

func TestCSVHeaderOnlyFile(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	writeCSV(t, dir, "empty.csv", "symbol,name,price_usd\n", ts(5))
	writeCSV(t, dir, "blank.csv", "", ts(6))
	ing, err := New(Options{Name: "csv", Kind: KindCSV, Dir: dir})
	require.NoError(t, err)
	batch, err := ing.FetchSince(context.Background(), etl.Watermark{})
	require.NoError(t, err)
	require.Empty(t, batch.Records)
	require.Equal(t, "blank.csv", batch.Cursor)
}
