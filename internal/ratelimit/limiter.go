// Package ratelimit bounds outbound request rate with one token bucket per source.
package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/JakeFAU/coin-ingest/internal/telemetry"
)

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Option customizes a Bucket.
type Option func(*Bucket)

// WithClock overrides the wall clock used to refill tokens.
func WithClock(now func() time.Time) Option {
	return func(b *Bucket) { b.now = now }
}

// WithSleeper overrides how Acquire waits.
func WithSleeper(sleep Sleeper) Option {
	return func(b *Bucket) { b.sleep = sleep }
}

// Bucket admits at most rate units per period for a single source.
//
// Refill is continuous at rate/per and computed lazily by the underlying
// x/time/rate limiter on each call. The last rate grant times are also kept so
// a full bucket cannot hand out a second burst inside the same window.
type Bucket struct {
	source string
	per    time.Duration

	mu      sync.Mutex
	limiter *rate.Limiter
	grants  []time.Time
	next    int
	last    time.Time

	now   func() time.Time
	sleep Sleeper
}

// NewBucket creates a full bucket with capacity units refilled every per.
func NewBucket(source string, capacity int, per time.Duration, opts ...Option) (*Bucket, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("rate must be > 0, got %d", capacity)
	}
	if per <= 0 {
		return nil, fmt.Errorf("period must be > 0, got %s", per)
	}
	b := &Bucket{
		source:  source,
		per:     per,
		limiter: rate.NewLimiter(rate.Limit(float64(capacity)/per.Seconds()), capacity),
		grants:  make([]time.Time, capacity),
		now:     time.Now,
		sleep:   SleepContext,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b, nil
}

// Acquire blocks until one more unit fits within the configured rate. It
// only fails when ctx is done.
func (b *Bucket) Acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	b.mu.Lock()
	delay := b.reserve(b.now())
	b.mu.Unlock()

	if delay <= 0 {
		return nil
	}
	if delay > time.Millisecond {
		telemetry.ObserveRateLimitDelay(b.source, delay)
	}
	// A cancelled wait keeps its slot, which only makes later grants later.
	if err := b.sleep(ctx, delay); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}
	return nil
}

// reserve books the next grant at or after now and returns the wait. Callers
// must hold b.mu.
func (b *Bucket) reserve(now time.Time) time.Duration {
	r := b.limiter.ReserveN(now, 1)
	grant := now.Add(r.DelayFrom(now))
	if oldest := b.grants[b.next]; !oldest.IsZero() {
		if floor := oldest.Add(b.per); grant.Before(floor) {
			grant = floor
		}
	}
	if grant.Before(b.last) {
		grant = b.last
	}
	b.grants[b.next] = grant
	b.next = (b.next + 1) % len(b.grants)
	b.last = grant
	return grant.Sub(now)
}

// Registry hands out one independent Bucket per source.
type Registry struct {
	mu      sync.Mutex
	buckets map[string]*Bucket
	opts    []Option
}

// NewRegistry creates an empty Registry; opts apply to every bucket it creates.
func NewRegistry(opts ...Option) *Registry {
	return &Registry{
		buckets: make(map[string]*Bucket),
		opts:    opts,
	}
}

// For returns the bucket for source, creating it on first use. Later calls
// return the existing bucket regardless of the limits passed.
func (r *Registry) For(source string, capacity int, per time.Duration) (*Bucket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.buckets[source]; ok {
		return b, nil
	}
	b, err := NewBucket(source, capacity, per, r.opts...)
	if err != nil {
		return nil, fmt.Errorf("bucket for %s: %w", source, err)
	}
	r.buckets[source] = b
	return b, nil
}

// SleepContext waits for d unless ctx finishes first.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
