// Package normalize maps raw source payloads onto the unified quote shape
// and writes quotes idempotently.
package normalize

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/text/unicode/norm"

	"github.com/JakeFAU/coin-ingest/internal/etl"
)

// Reasons attached to *Error.
const (
	ReasonUndecodable    = "undecodable payload"
	ReasonMissingTS      = "missing timestamp"
	ReasonMissingSymbol  = "missing symbol"
	ReasonMissingPrice   = "missing price"
	ReasonInvalidPrice   = "unparseable price"
	ReasonUnsupportedSrc = "unsupported source kind"
)

// fieldMap names where each quote field lives in a decoded payload. Paths
// are dot-separated.
type fieldMap struct {
	symbol      string
	name        string
	price       string
	marketCap   string
	volume      string
	priceChange string
}

var fieldMaps = map[string]fieldMap{
	"coinpaprika": {
		symbol:      "symbol",
		name:        "name",
		price:       "quotes.USD.price",
		marketCap:   "quotes.USD.market_cap",
		volume:      "quotes.USD.volume_24h",
		priceChange: "quotes.USD.percent_change_24h",
	},
	"coingecko": {
		symbol:      "symbol",
		name:        "name",
		price:       "current_price",
		marketCap:   "market_cap",
		volume:      "total_volume",
		priceChange: "price_change_percentage_24h",
	},
	"csv": {
		symbol:      "symbol",
		name:        "name",
		price:       "price_usd",
		marketCap:   "market_cap",
		volume:      "volume_24h",
		priceChange: "percent_change_24h",
	},
}

// Normalizer converts one source's raw records. It is pure: the same
// record always yields the same quote and hash.
type Normalizer struct {
	source string
	fields fieldMap
	hasher etl.Hasher
}

// New returns a Normalizer for a source of the given kind.
func New(kind, source string, hasher etl.Hasher) (*Normalizer, error) {
	fields, ok := fieldMaps[kind]
	if !ok {
		return nil, fmt.Errorf("%s: %q", ReasonUnsupportedSrc, kind)
	}
	if hasher == nil {
		return nil, fmt.Errorf("hasher is required")
	}
	return &Normalizer{source: source, fields: fields, hasher: hasher}, nil
}

// Normalize maps rec onto a quote. Failures are *Error.
func (n *Normalizer) Normalize(rec etl.RawRecord) (etl.Quote, error) {
	fail := func(reason string, err error) (etl.Quote, error) {
		return etl.Quote{}, &Error{Source: n.source, SourceID: rec.SourceID, Reason: reason, Err: err}
	}

	var payload map[string]any
	dec := json.NewDecoder(bytes.NewReader(rec.Payload))
	dec.UseNumber()
	if err := dec.Decode(&payload); err != nil {
		return fail(ReasonUndecodable, err)
	}
	if payload == nil {
		return fail(ReasonUndecodable, nil)
	}
	if rec.Timestamp.IsZero() {
		return fail(ReasonMissingTS, nil)
	}

	symbol := strings.ToUpper(cleanText(lookup(payload, n.fields.symbol)))
	if symbol == "" {
		return fail(ReasonMissingSymbol, nil)
	}
	name := cleanText(lookup(payload, n.fields.name))
	if name == "" {
		name = symbol
	}

	price, ok, err := canonicalDecimal(lookup(payload, n.fields.price))
	if err != nil {
		return fail(ReasonInvalidPrice, err)
	}
	if !ok {
		return fail(ReasonMissingPrice, nil)
	}

	q := etl.Quote{
		EntityID:          symbol,
		Source:            n.source,
		Timestamp:         etl.TruncateTimestamp(rec.Timestamp),
		Name:              name,
		PriceUSD:          price,
		MarketCapUSD:      optionalDecimal(lookup(payload, n.fields.marketCap)),
		Volume24hUSD:      optionalDecimal(lookup(payload, n.fields.volume)),
		PriceChange24hPct: optionalDecimal(lookup(payload, n.fields.priceChange)),
	}
	hash, err := RecordHash(q, n.hasher)
	if err != nil {
		return etl.Quote{}, err
	}
	q.RecordHash = hash
	return q, nil
}

// CanonicalJSON is the byte form a quote's hash is computed over.
func CanonicalJSON(q etl.Quote) ([]byte, error) {
	data, err := json.Marshal(q)
	if err != nil {
		return nil, fmt.Errorf("marshal quote: %w", err)
	}
	return data, nil
}

// RecordHash hashes the canonical JSON of q.
func RecordHash(q etl.Quote, hasher etl.Hasher) (string, error) {
	data, err := CanonicalJSON(q)
	if err != nil {
		return "", err
	}
	hash, err := hasher.Hash(data)
	if err != nil {
		return "", fmt.Errorf("hash quote: %w", err)
	}
	return hash, nil
}

// optionalDecimal drops values that are absent or unparseable.
func optionalDecimal(v any) *string {
	s, ok, err := canonicalDecimal(v)
	if err != nil || !ok {
		return nil
	}
	return &s
}

func lookup(payload map[string]any, path string) any {
	var cur any = payload
	for _, key := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil
		}
		cur = m[key]
	}
	return cur
}

func cleanText(v any) string {
	s, ok := v.(string)
	if !ok {
		return ""
	}
	return strings.TrimSpace(norm.NFC.String(s))
}
