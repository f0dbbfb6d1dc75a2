package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/coin-ingest/internal/checkpoint"
	"github.com/JakeFAU/coin-ingest/internal/etl"
	"github.com/JakeFAU/coin-ingest/internal/fetcher"
	"github.com/JakeFAU/coin-ingest/internal/hash/sha256"
	"github.com/JakeFAU/coin-ingest/internal/ingest"
	"github.com/JakeFAU/coin-ingest/internal/lineage"
	"github.com/JakeFAU/coin-ingest/internal/normalize"
	pubmemory "github.com/JakeFAU/coin-ingest/internal/publisher/memory"
	"github.com/JakeFAU/coin-ingest/internal/runs"
	"github.com/JakeFAU/coin-ingest/internal/store"
	"github.com/JakeFAU/coin-ingest/internal/storage/memory"
)

var now = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

type fixedClock struct{ t time.Time }

func (c fixedClock) Now() time.Time { return c.t }

type seqIDs struct{ n atomic.Int64 }

func (s *seqIDs) NewID() (string, error) {
	return fmt.Sprintf("cycle-%d", s.n.Add(1)), nil
}

func sec(n int) time.Time {
	return time.Date(2024, 1, 1, 0, 0, n, 0, time.UTC)
}

func ptime(t time.Time) *time.Time { return &t }

// fakeIngester serves records from a fixed history, filtered by watermark.
type fakeIngester struct {
	name    string
	records []etl.RawRecord
	err     error
	panics  string
	entered chan struct{}
	release chan struct{}
	calls   atomic.Int32
}

func (f *fakeIngester) Name() string      { return f.name }
func (f *fakeIngester) Kind() ingest.Kind { return ingest.KindCSV }

func (f *fakeIngester) FetchSince(_ context.Context, wm etl.Watermark) (etl.Batch, error) {
	f.calls.Add(1)
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.release != nil {
		<-f.release
	}
	if f.panics != "" {
		panic(f.panics)
	}
	if f.err != nil {
		return etl.Batch{}, f.err
	}
	var batch etl.Batch
	for _, rec := range f.records {
		if wm.Admits(rec.Timestamp) {
			batch.Records = append(batch.Records, rec)
		}
	}
	if n := len(batch.Records); n > 0 {
		batch.Cursor = batch.Records[n-1].SourceID
	}
	return batch, nil
}

func record(source, symbol string, at time.Time) etl.RawRecord {
	payload, _ := json.Marshal(map[string]string{"symbol": symbol, "name": symbol + " coin", "price_usd": "100.50"})
	return etl.RawRecord{
		Source:    source,
		SourceID:  fmt.Sprintf("%s@%d", symbol, at.Unix()),
		Timestamp: at,
		Payload:   payload,
	}
}

type harness struct {
	store *memory.Store
	blobs *memory.BlobStore
	pub   *pubmemory.Publisher
	orch  *Orchestrator
}

func csvSource(t *testing.T, ing ingest.Ingester, policy ErrorPolicy) Source {
	t.Helper()
	n, err := normalize.New(string(ingest.KindCSV), ing.Name(), sha256.New())
	require.NoError(t, err)
	return Source{Ingester: ing, Normalizer: n, Policy: policy}
}

func newHarness(t *testing.T, cfg Config, sources ...Source) *harness {
	t.Helper()
	st := memory.NewStore()
	blobs := memory.NewBlobStore()
	pub := pubmemory.New()
	clock := fixedClock{t: now}
	orch, err := New(cfg, sources, Deps{
		Store:       st,
		Checkpoints: checkpoint.New(st, clock),
		Runs:        runs.NewTracker(st, clock, zap.NewNop()),
		Writer:      normalize.NewWriter(clock),
		Archiver:    lineage.New(blobs),
		Publisher:   pub,
		Clock:       clock,
		IDs:         &seqIDs{},
		Logger:      zap.NewNop(),
	})
	require.NoError(t, err)
	return &harness{store: st, blobs: blobs, pub: pub, orch: orch}
}

func (h *harness) checkpoint(t *testing.T, source string) etl.Checkpoint {
	t.Helper()
	cp, err := h.store.GetCheckpoint(context.Background(), source)
	require.NoError(t, err)
	return cp
}

func (h *harness) run(t *testing.T, id int64) etl.Run {
	t.Helper()
	r, err := h.store.GetRun(context.Background(), id)
	require.NoError(t, err)
	return r
}

func TestWatermarkAdvancesToMaxRecordTimestamp(t *testing.T) {
	t.Parallel()

	ing := &fakeIngester{name: "files", records: []etl.RawRecord{
		record("files", "BTC", sec(10)),
		record("files", "ETH", sec(20)),
		record("files", "SOL", sec(30)),
	}}
	h := newHarness(t, Config{Concurrency: 1}, csvSource(t, ing, PolicyFailRun))

	summary, err := h.orch.RunOnce(context.Background())
	require.NoError(t, err)
	require.Equal(t, "cycle-1", summary.CycleID)
	require.Len(t, summary.Sources, 1)
	out := summary.Sources[0]
	require.Equal(t, etl.RunSuccess, out.Status, out.Error)
	assert.Equal(t, 3, out.RecordsIngested)
	assert.Equal(t, 3, out.RecordsNormalized)
	require.NotNil(t, out.Watermark)
	assert.True(t, sec(30).Equal(*out.Watermark))

	cp := h.checkpoint(t, "files")
	assert.True(t, sec(30).Equal(*cp.LastSuccessfulTimestamp))
	assert.Equal(t, out.RunID, *cp.LastRunID)
	assert.Equal(t, "SOL@"+fmt.Sprint(sec(30).Unix()), *cp.LastIngestedID)

	assert.Len(t, h.store.Quotes(), 3)
	assert.Len(t, h.store.Raw("files"), 3)

	run := h.run(t, out.RunID)
	assert.Equal(t, etl.RunSuccess, run.Status)
	assert.Equal(t, 3, run.RecordsNormalized)
	assert.Equal(t, "cycle-1", run.Metadata["cycle_id"])
	assert.EqualValues(t, 3, run.Metadata["rows_changed"])
	assert.Equal(t, "memory://"+lineage.Path("files", out.RunID, now), run.Metadata["archive_uri"])
	assert.Equal(t, []string{lineage.Path("files", out.RunID, now)}, h.blobs.Paths())
}

func TestResumesFromCommittedCheckpoint(t *testing.T) {
	t.Parallel()

	ing := &fakeIngester{name: "files", records: []etl.RawRecord{
		record("files", "BTC", sec(10)),
		record("files", "BTC", sec(20)),
		record("files", "BTC", sec(30)),
		record("files", "BTC", sec(40)),
	}}
	h := newHarness(t, Config{}, csvSource(t, ing, PolicyFailRun))
	h.store.SetCheckpoint(etl.Checkpoint{SourceName: "files", LastSuccessfulTimestamp: ptime(sec(30))})

	summary, err := h.orch.RunOnce(context.Background())
	require.NoError(t, err)
	out := summary.Sources[0]
	require.Equal(t, etl.RunSuccess, out.Status, out.Error)
	assert.Equal(t, 1, out.RecordsIngested)
	assert.True(t, sec(40).Equal(*h.checkpoint(t, "files").LastSuccessfulTimestamp))
	require.Len(t, h.store.Quotes(), 1)
	assert.True(t, sec(40).Equal(h.store.Quotes()[0].Timestamp))
}

type statusTransport struct {
	status int
	calls  atomic.Int32
}

func (s *statusTransport) RoundTrip(_ context.Context, _ fetcher.Request) (fetcher.Response, error) {
	s.calls.Add(1)
	return fetcher.Response{StatusCode: s.status, Body: []byte("upstream down")}, nil
}

func TestExhaustedRetriesFailRunAndKeepCheckpoint(t *testing.T) {
	t.Parallel()

	tr := &statusTransport{status: 500}
	f := fetcher.New("paprika", tr, nil, fetcher.DefaultPolicy(), zap.NewNop(),
		fetcher.WithSleeper(func(context.Context, time.Duration) error { return nil }))
	ing, err := ingest.New(ingest.Options{Name: "paprika", Kind: ingest.KindCoinPaprika, BaseURL: "http://paprika.test/v1", Getter: f})
	require.NoError(t, err)
	n, err := normalize.New(string(ingest.KindCoinPaprika), "paprika", sha256.New())
	require.NoError(t, err)

	h := newHarness(t, Config{}, Source{Ingester: ing, Normalizer: n, Policy: PolicyFailRun})
	h.store.SetCheckpoint(etl.Checkpoint{SourceName: "paprika", LastSuccessfulTimestamp: ptime(sec(30))})

	summary, err := h.orch.RunOnce(context.Background())
	require.NoError(t, err)
	out := summary.Sources[0]
	require.Equal(t, etl.RunFailed, out.Status)
	require.ErrorIs(t, out.Err, fetcher.ErrRetriesExhausted)
	assert.Equal(t, int32(4), tr.calls.Load())
	assert.Equal(t, 1, summary.Failed())

	assert.True(t, sec(30).Equal(*h.checkpoint(t, "paprika").LastSuccessfulTimestamp))
	assert.Empty(t, h.store.Quotes())

	run := h.run(t, out.RunID)
	assert.Equal(t, etl.RunFailed, run.Status)
	require.NotNil(t, run.ErrorMessage)
	assert.Equal(t, out.Error, *run.ErrorMessage)
	assert.NotNil(t, run.CompletedAt)
}

func TestRewoundCheckpointRewritesNothing(t *testing.T) {
	t.Parallel()

	ing := &fakeIngester{name: "files", records: []etl.RawRecord{
		record("files", "BTC", sec(20)),
		record("files", "ETH", sec(30)),
		record("files", "SOL", sec(40)),
	}}
	h := newHarness(t, Config{}, csvSource(t, ing, PolicyFailRun))

	_, err := h.orch.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, h.store.Quotes(), 3)

	h.store.SetCheckpoint(etl.Checkpoint{SourceName: "files", LastSuccessfulTimestamp: ptime(sec(10))})
	summary, err := h.orch.RunOnce(context.Background())
	require.NoError(t, err)
	out := summary.Sources[0]
	require.Equal(t, etl.RunSuccess, out.Status, out.Error)
	assert.Equal(t, 3, out.RecordsIngested)
	assert.Len(t, h.store.Quotes(), 3)
	assert.True(t, sec(40).Equal(*h.checkpoint(t, "files").LastSuccessfulTimestamp))
	assert.EqualValues(t, 0, h.run(t, out.RunID).Metadata["rows_changed"])
}

func TestNormalizationPolicies(t *testing.T) {
	t.Parallel()

	bad := etl.RawRecord{Source: "files", SourceID: "bad", Timestamp: sec(15), Payload: json.RawMessage(`{"symbol":"DOGE"}`)}
	history := []etl.RawRecord{record("files", "BTC", sec(10)), bad}

	t.Run("fail_run", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{}, csvSource(t, &fakeIngester{name: "files", records: history}, PolicyFailRun))
		summary, err := h.orch.RunOnce(context.Background())
		require.NoError(t, err)
		out := summary.Sources[0]
		require.Equal(t, etl.RunFailed, out.Status)
		var nerr *normalize.Error
		require.ErrorAs(t, out.Err, &nerr)
		assert.Equal(t, "bad", nerr.SourceID)
		assert.Equal(t, normalize.ReasonMissingPrice, nerr.Reason)
		assert.Empty(t, h.store.Quotes())
		assert.Len(t, h.store.Raw("files"), 2)
		_, err = h.store.GetCheckpoint(context.Background(), "files")
		require.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("skip", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t, Config{}, csvSource(t, &fakeIngester{name: "files", records: history}, PolicySkip))
		summary, err := h.orch.RunOnce(context.Background())
		require.NoError(t, err)
		out := summary.Sources[0]
		require.Equal(t, etl.RunSuccess, out.Status, out.Error)
		assert.Equal(t, 2, out.RecordsIngested)
		assert.Equal(t, 1, out.RecordsNormalized)
		assert.Equal(t, 1, out.RecordsSkipped)
		run := h.run(t, out.RunID)
		assert.EqualValues(t, 1, run.Metadata["records_skipped"])
		require.Len(t, run.Metadata["normalization_errors"], 1)
		assert.Len(t, h.store.Quotes(), 1)
		assert.True(t, sec(15).Equal(*h.checkpoint(t, "files").LastSuccessfulTimestamp))
	})
}

func TestRaggedCSVRowIsSkipped(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	body := "symbol,name,price_usd\nBTC,Bitcoin,45000\nETH,Ethereum\nBNB,Binance Coin,350\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "coins.csv"), []byte(body), 0o600))
	ing, err := ingest.New(ingest.Options{Name: "drops", Kind: ingest.KindCSV, Dir: dir})
	require.NoError(t, err)
	h := newHarness(t, Config{}, csvSource(t, ing, PolicySkip))

	summary, err := h.orch.RunOnce(context.Background())
	require.NoError(t, err)
	out := summary.Sources[0]
	require.Equal(t, etl.RunSuccess, out.Status, out.Error)
	assert.Equal(t, 3, out.RecordsIngested)
	assert.Equal(t, 2, out.RecordsNormalized)
	assert.Equal(t, 1, out.RecordsSkipped)
	assert.Len(t, h.store.Quotes(), 2)
	assert.NotNil(t, h.checkpoint(t, "drops").LastSuccessfulTimestamp)
}

func TestPersistenceFailureLeavesNothingBehind(t *testing.T) {
	t.Parallel()

	ing := &fakeIngester{name: "files", records: []etl.RawRecord{record("files", "BTC", sec(10))}}
	h := newHarness(t, Config{}, csvSource(t, ing, PolicyFailRun))
	h.store.InjectFault(memory.OpSaveCheckpoint, errors.New("disk full"))

	summary, err := h.orch.RunOnce(context.Background())
	require.NoError(t, err)
	out := summary.Sources[0]
	require.Equal(t, etl.RunFailed, out.Status)
	var perr *PersistenceError
	require.ErrorAs(t, out.Err, &perr)
	assert.Equal(t, out.RunID, perr.RunID)
	assert.Contains(t, out.Error, "disk full")

	assert.Empty(t, h.store.Quotes())
	_, err = h.store.GetCheckpoint(context.Background(), "files")
	require.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, etl.RunFailed, h.run(t, out.RunID).Status)
}

func TestSourcesFailInIsolation(t *testing.T) {
	t.Parallel()

	alpha := &fakeIngester{name: "alpha", err: errors.New("connection refused")}
	bravo := &fakeIngester{name: "bravo", panics: "boom"}
	charlie := &fakeIngester{name: "charlie", records: []etl.RawRecord{record("charlie", "BTC", sec(5))}}
	h := newHarness(t, Config{Concurrency: 3},
		csvSource(t, alpha, PolicyFailRun),
		csvSource(t, bravo, PolicyFailRun),
		csvSource(t, charlie, PolicyFailRun),
	)

	summary, err := h.orch.RunOnce(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Sources, 3)
	assert.Equal(t, "alpha", summary.Sources[0].Source)
	assert.Equal(t, etl.RunFailed, summary.Sources[0].Status)
	assert.Equal(t, "connection refused", summary.Sources[0].Error)
	assert.Equal(t, etl.RunFailed, summary.Sources[1].Status)
	assert.Equal(t, "panic: boom", summary.Sources[1].Error)
	assert.Equal(t, etl.RunSuccess, summary.Sources[2].Status)
	assert.Equal(t, 2, summary.Failed())

	assert.Equal(t, etl.RunFailed, h.run(t, summary.Sources[1].RunID).Status)
	assert.True(t, sec(5).Equal(*h.checkpoint(t, "charlie").LastSuccessfulTimestamp))
}

func TestOverlappingCycleIsRefused(t *testing.T) {
	t.Parallel()

	ing := &fakeIngester{name: "slow", entered: make(chan struct{}), release: make(chan struct{})}
	h := newHarness(t, Config{}, csvSource(t, ing, PolicyFailRun))

	var wg sync.WaitGroup
	wg.Add(1)
	var first etl.CycleSummary
	var firstErr error
	go func() {
		defer wg.Done()
		first, firstErr = h.orch.RunOnce(context.Background())
	}()
	<-ing.entered

	_, err := h.orch.RunOnce(context.Background())
	require.ErrorIs(t, err, ErrCycleInProgress)

	close(ing.release)
	wg.Wait()
	require.NoError(t, firstErr)
	assert.Equal(t, etl.RunSuccess, first.Sources[0].Status)
	assert.Equal(t, int32(1), ing.calls.Load())
}

func TestReconcilesInterruptedRunsOnce(t *testing.T) {
	t.Parallel()

	ing := &fakeIngester{name: "files"}
	h := newHarness(t, Config{}, csvSource(t, ing, PolicyFailRun))
	ctx := context.Background()
	stale, err := h.store.CreateRun(ctx, "files", sec(1))
	require.NoError(t, err)

	summary, err := h.orch.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), summary.Reconciled)
	run := h.run(t, stale)
	assert.Equal(t, etl.RunFailed, run.Status)
	assert.Equal(t, runs.InterruptedReason, *run.ErrorMessage)

	// A zero-record run succeeds without creating a checkpoint.
	assert.Equal(t, etl.RunSuccess, summary.Sources[0].Status)
	_, err = h.store.GetCheckpoint(ctx, "files")
	require.ErrorIs(t, err, store.ErrNotFound)

	other, err := h.store.CreateRun(ctx, "files", sec(2))
	require.NoError(t, err)
	summary, err = h.orch.RunOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Reconciled)
	assert.Equal(t, etl.RunRunning, h.run(t, other).Status)
}

func TestReconcileFailureAbortsCycle(t *testing.T) {
	t.Parallel()

	ing := &fakeIngester{name: "files"}
	h := newHarness(t, Config{}, csvSource(t, ing, PolicyFailRun))
	h.store.InjectFault(memory.OpFailInterrupted, errors.New("db down"))

	_, err := h.orch.RunOnce(context.Background())
	require.ErrorContains(t, err, "db down")
	assert.Zero(t, ing.calls.Load())

	summary, err := h.orch.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Len(t, summary.Sources, 1)
}

func TestSummaryIsPublished(t *testing.T) {
	t.Parallel()

	ing := &fakeIngester{name: "files", records: []etl.RawRecord{record("files", "BTC", sec(10))}}
	h := newHarness(t, Config{SummaryTopic: "cycles"}, csvSource(t, ing, PolicyFailRun))

	summary, err := h.orch.RunOnce(context.Background())
	require.NoError(t, err)
	msgs := h.pub.Messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, "cycles", msgs[0].Topic)
	published, ok := msgs[0].Payload.(etl.CycleSummary)
	require.True(t, ok)
	assert.Equal(t, summary.CycleID, published.CycleID)
}

func TestPublishFailureDoesNotFailCycle(t *testing.T) {
	t.Parallel()

	ing := &fakeIngester{name: "files", records: []etl.RawRecord{record("files", "BTC", sec(10))}}
	h := newHarness(t, Config{SummaryTopic: "cycles"}, csvSource(t, ing, PolicyFailRun))
	h.pub.FailNext(errors.New("topic gone"))

	summary, err := h.orch.RunOnce(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Failed())
	assert.Empty(t, h.pub.Messages())
}

func TestNewValidatesSources(t *testing.T) {
	t.Parallel()

	st := memory.NewStore()
	clock := fixedClock{t: now}
	deps := Deps{
		Store:       st,
		Checkpoints: checkpoint.New(st, clock),
		Runs:        runs.NewTracker(st, clock, nil),
		Writer:      normalize.NewWriter(clock),
		Clock:       clock,
		IDs:         &seqIDs{},
	}
	n, err := normalize.New("csv", "files", sha256.New())
	require.NoError(t, err)

	_, err = New(Config{}, []Source{{Ingester: &fakeIngester{name: "files"}, Normalizer: n}}, deps)
	require.ErrorContains(t, err, "normalization error policy")

	dup := Source{Ingester: &fakeIngester{name: "files"}, Normalizer: n, Policy: PolicySkip}
	_, err = New(Config{}, []Source{dup, dup}, deps)
	require.ErrorContains(t, err, "configured twice")

	_, err = New(Config{}, nil, Deps{})
	require.Error(t, err)

	orch, err := New(Config{}, []Source{dup}, deps)
	require.NoError(t, err)
	assert.Equal(t, []string{"files"}, orch.Sources())
}

func TestParsePolicy(t *testing.T) {
	t.Parallel()

	p, err := ParsePolicy("skip")
	require.NoError(t, err)
	assert.Equal(t, PolicySkip, p)
	_, err = ParsePolicy("")
	require.Error(t, err)
}
