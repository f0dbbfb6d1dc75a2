package ratelimit

import (
	"context"
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type recordingSleeper struct {
	mu     sync.Mutex
	waits  []time.Duration
	result error
}

func (s *recordingSleeper) Sleep(_ context.Context, d time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.waits = append(s.waits, d)
	return s.result
}

func (s *recordingSleeper) Waits() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]time.Duration, len(s.waits))
	copy(out, s.waits)
	return out
}

func fixedClock(ts time.Time) func() time.Time {
	return func() time.Time { return ts }
}

func TestBucketBurstThenRefill(t *testing.T) {
	t.Parallel()

	b, err := NewBucket("src", 3, time.Second)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.Zero(t, b.reserve(t0), "burst unit %d should not wait", i)
	}
	require.Equal(t, time.Second, b.reserve(t0))
	// After a full period the window has rolled and the bucket refilled.
	require.Zero(t, b.reserve(t0.Add(3*time.Second)))
}

func TestBucketSteadyRateAfterIdle(t *testing.T) {
	t.Parallel()

	b, err := NewBucket("src", 2, time.Second)
	require.NoError(t, err)

	now := t0
	for i := 0; i < 10; i++ {
		require.Zero(t, b.reserve(now))
		now = now.Add(500 * time.Millisecond)
	}
}

func TestBucketRollingWindowBound(t *testing.T) {
	t.Parallel()

	const (
		capacity = 4
		per      = time.Second
	)
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 20; trial++ {
		b, err := NewBucket("src", capacity, per)
		require.NoError(t, err)

		now := t0
		grants := make([]time.Time, 0, 200)
		for i := 0; i < 200; i++ {
			// Mix of bursts (no time passing) and gaps up to 1.5 periods.
			if rng.Intn(3) > 0 {
				now = now.Add(time.Duration(rng.Int63n(int64(per + per/2))))
			}
			grants = append(grants, now.Add(b.reserve(now)))
		}

		require.True(t, sort.SliceIsSorted(grants, func(i, j int) bool { return grants[i].Before(grants[j]) }))
		for i := capacity; i < len(grants); i++ {
			gap := grants[i].Sub(grants[i-capacity])
			require.GreaterOrEqual(t, gap, per,
				"trial %d: %d grants inside %s ending at %d", trial, capacity+1, gap, i)
		}
	}
}

func TestBucketAcquireSchedulesConcurrentCallers(t *testing.T) {
	t.Parallel()

	sleeper := &recordingSleeper{}
	b, err := NewBucket("src", 5, time.Second, WithClock(fixedClock(t0)), WithSleeper(sleeper.Sleep))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, b.Acquire(context.Background()))
		}()
	}
	wg.Wait()

	// Five callers go immediately and never reach the sleeper.
	waits := sleeper.Waits()
	sort.Slice(waits, func(i, j int) bool { return waits[i] < waits[j] })
	require.Len(t, waits, 15)
	for i, w := range waits {
		want := time.Duration(i/5+1) * time.Second
		require.Equal(t, want, w, "wait %d", i)
	}
}

func TestBucketAcquireCancelled(t *testing.T) {
	t.Parallel()

	b, err := NewBucket("src", 1, time.Second)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, b.Acquire(ctx), context.Canceled)
}

func TestBucketAcquireSleepError(t *testing.T) {
	t.Parallel()

	sleeper := &recordingSleeper{result: context.DeadlineExceeded}
	b, err := NewBucket("src", 1, time.Minute, WithClock(fixedClock(t0)), WithSleeper(sleeper.Sleep))
	require.NoError(t, err)

	require.NoError(t, b.Acquire(context.Background()))
	require.ErrorIs(t, b.Acquire(context.Background()), context.DeadlineExceeded)
	require.Equal(t, []time.Duration{time.Minute}, sleeper.Waits())
}

func TestBucketRealWait(t *testing.T) {
	t.Parallel()

	b, err := NewBucket("src", 1, 100*time.Millisecond)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, b.Acquire(ctx))
	start := time.Now()
	require.NoError(t, b.Acquire(ctx))
	require.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)
}

func TestRegistryIsolatesSources(t *testing.T) {
	t.Parallel()

	sleeper := &recordingSleeper{}
	reg := NewRegistry(WithClock(fixedClock(t0)), WithSleeper(sleeper.Sleep))

	a, err := reg.For("a", 1, time.Second)
	require.NoError(t, err)
	again, err := reg.For("a", 99, time.Hour)
	require.NoError(t, err)
	require.Same(t, a, again)

	require.NoError(t, a.Acquire(context.Background()))
	require.NoError(t, a.Acquire(context.Background()))
	require.Equal(t, []time.Duration{time.Second}, sleeper.Waits())

	b, err := reg.For("b", 1, time.Second)
	require.NoError(t, err)
	require.NoError(t, b.Acquire(context.Background()))
	require.Len(t, sleeper.Waits(), 1, "source b must not wait on source a")
}

func TestNewBucketValidation(t *testing.T) {
	t.Parallel()

	_, err := NewBucket("src", 0, time.Second)
	require.Error(t, err)
	_, err = NewBucket("src", 1, 0)
	require.Error(t, err)

	_, err = NewRegistry().For("src", -1, time.Second)
	require.ErrorContains(t, err, "bucket for src")
}

func TestSleepContext(t *testing.T) {
	t.Parallel()

	require.NoError(t, SleepContext(context.Background(), 0))
	require.NoError(t, SleepContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, SleepContext(ctx, time.Hour), context.Canceled)
}
