// Package ingest implements the source ingesters. Each ingester returns the
// raw records newer than a watermark, in source order.
package ingest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/coin-ingest/internal/etl"
	"github.com/JakeFAU/coin-ingest/internal/fetcher"
)

// Kind is the closed set of ingester implementations.
type Kind string

// Supported kinds.
const (
	KindCoinPaprika Kind = "coinpaprika"
	KindCoinGecko   Kind = "coingecko"
	KindCSV         Kind = "csv"
)

// Ingester produces raw records newer than a watermark.
type Ingester interface {
	Name() string
	Kind() Kind
	// FetchSince returns records strictly newer than wm. An empty batch
	// with a nil error means nothing is new.
	FetchSince(ctx context.Context, wm etl.Watermark) (etl.Batch, error)
}

// JSONGetter is satisfied by *fetcher.Fetcher.
type JSONGetter interface {
	FetchJSON(ctx context.Context, req fetcher.Request, out any) error
}

// Options configures New.
type Options struct {
	Name     string
	Kind     Kind
	BaseURL  string
	APIKey   string
	PageSize int
	MaxPages int
	MaxItems int
	Dir      string
	Pattern  string
	Getter   JSONGetter
	Logger   *zap.Logger
}

// Defaults applied by New when an option is zero.
const (
	DefaultCoinPaprikaURL = "https://api.coinpaprika.com/v1"
	DefaultCoinGeckoURL   = "https://api.coingecko.com/api/v3"
	DefaultPageSize       = 100
	DefaultMaxPages       = 3
	DefaultMaxItems       = 100
	DefaultPattern        = "*.csv"
)

// New builds the ingester for opts.Kind.
func New(opts Options) (Ingester, error) {
	if opts.Name == "" {
		return nil, fmt.Errorf("ingester name is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ingest").With(zap.String("source", opts.Name))

	switch opts.Kind {
	case KindCoinPaprika:
		if opts.Getter == nil {
			return nil, fmt.Errorf("%s: fetcher is required", opts.Name)
		}
		return &coinPaprika{
			name:     opts.Name,
			baseURL:  orDefault(opts.BaseURL, DefaultCoinPaprikaURL),
			apiKey:   opts.APIKey,
			maxItems: positiveOr(opts.MaxItems, DefaultMaxItems),
			getter:   opts.Getter,
			logger:   logger,
		}, nil
	case KindCoinGecko:
		if opts.Getter == nil {
			return nil, fmt.Errorf("%s: fetcher is required", opts.Name)
		}
		return &coinGecko{
			name:     opts.Name,
			baseURL:  orDefault(opts.BaseURL, DefaultCoinGeckoURL),
			apiKey:   opts.APIKey,
			pageSize: positiveOr(opts.PageSize, DefaultPageSize),
			maxPages: positiveOr(opts.MaxPages, DefaultMaxPages),
			getter:   opts.Getter,
			logger:   logger,
		}, nil
	case KindCSV:
		if opts.Dir == "" {
			return nil, fmt.Errorf("%s: dir is required", opts.Name)
		}
		return &csvFiles{
			name:    opts.Name,
			dir:     opts.Dir,
			pattern: orDefault(opts.Pattern, DefaultPattern),
			logger:  logger,
		}, nil
	default:
		return nil, fmt.Errorf("unknown ingester kind %q", opts.Kind)
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func positiveOr(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// parseTimestamp accepts RFC 3339 with or without fractional seconds.
// Unparseable values yield the zero time; the normalizer reports them.
func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return etl.TruncateTimestamp(ts)
}

func jsonHeader(key, value string) http.Header {
	h := http.Header{}
	if value != "" {
		h.Set(key, value)
	}
	return h
}
