// Package fetcher wraps single HTTP GETs with rate limiting, classified
// failures and exponential backoff.
package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/JakeFAU/coin-ingest/internal/ratelimit"
	"github.com/JakeFAU/coin-ingest/internal/telemetry"
)

// maxErrorBody bounds how much of an error response lands in error messages.
const maxErrorBody = 256

// Request describes one GET.
type Request struct {
	URL    string
	Header http.Header
}

// Response is the raw result of one attempt that reached the server.
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Transport performs a single attempt. It returns an error only when no
// HTTP response was received.
type Transport interface {
	RoundTrip(ctx context.Context, req Request) (Response, error)
}

// Acquirer is satisfied by ratelimit.Bucket.
type Acquirer interface {
	Acquire(ctx context.Context) error
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithSleeper overrides the backoff wait, mainly for tests.
func WithSleeper(sleep ratelimit.Sleeper) Option {
	return func(f *Fetcher) { f.sleep = sleep }
}

// Fetcher executes GETs for one source.
type Fetcher struct {
	source    string
	transport Transport
	limiter   Acquirer
	policy    Policy
	sleep     ratelimit.Sleeper
	logger    *zap.Logger
}

// New builds a Fetcher. A nil limiter disables rate limiting.
func New(source string, transport Transport, limiter Acquirer, policy Policy, logger *zap.Logger, opts ...Option) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{
		source:    source,
		transport: transport,
		limiter:   limiter,
		policy:    policy,
		sleep:     ratelimit.SleepContext,
		logger:    logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns the body of a 2xx response, retrying 429 and 5xx per the policy.
func (f *Fetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	for attempt := 0; ; attempt++ {
		if f.limiter != nil {
			if err := f.limiter.Acquire(ctx); err != nil {
				return nil, fmt.Errorf("fetch %s: %w", req.URL, err)
			}
		}

		resp, err := f.transport.RoundTrip(ctx, req)
		kind, cause := classifyAttempt(resp, err)
		telemetry.ObserveFetchAttempt(f.source, outcomeLabel(kind))
		if kind == KindNone {
			return resp.Body, nil
		}

		decision := f.policy.Decide(attempt, kind)
		if !decision.Retry {
			if kind.Retryable() {
				cause = ErrRetriesExhausted
			}
			return nil, &Error{
				Kind:       kind,
				URL:        req.URL,
				StatusCode: resp.StatusCode,
				Attempts:   attempt + 1,
				Err:        cause,
			}
		}

		f.logger.Warn("retrying request",
			zap.Int("attempt", attempt+1),
			zap.Duration("wait", decision.Wait),
			zap.Int("status_code", resp.StatusCode),
			zap.String("kind", string(kind)),
			zap.String("url", req.URL),
		)
		telemetry.ObserveFetchRetry(f.source, string(kind))
		if err := f.sleep(ctx, decision.Wait); err != nil {
			return nil, fmt.Errorf("backoff wait: %w", err)
		}
	}
}

// FetchJSON fetches and decodes a JSON body into out. Undecodable bodies are
// KindMalformed and never retried.
func (f *Fetcher) FetchJSON(ctx context.Context, req Request, out any) error {
	body, err := f.Fetch(ctx, req)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return Malformed(req.URL, fmt.Errorf("decode json: %w", err))
	}
	return nil
}

// errorSnippet returns valid UTF-8 text of at most maxErrorBody bytes, cut
// on a rune boundary. Text columns reject invalid UTF-8.
func errorSnippet(body []byte) string {
	text := strings.ToValidUTF8(strings.TrimSpace(string(body)), "\uFFFD")
	if len(text) <= maxErrorBody {
		return text
	}
	cut := maxErrorBody
	for cut > 0 && !utf8.RuneStart(text[cut]) {
		cut--
	}
	return text[:cut]
}

func classifyAttempt(resp Response, err error) (Kind, error) {
	if err != nil {
		return KindTransport, err
	}
	kind := Classify(resp.StatusCode)
	if kind == KindNone {
		return kind, nil
	}
	body := errorSnippet(resp.Body)
	if body == "" {
		body = http.StatusText(resp.StatusCode)
	}
	return kind, errors.New(body)
}

func outcomeLabel(kind Kind) string {
	if kind == KindNone {
		return "ok"
	}
	return string(kind)
}
