// Package etl defines core types shared across the ingestion subsystems.
package etl

import (
	"encoding/json"
	"strconv"
	"time"
)

// RunStatus represents the lifecycle state of an ingestion attempt.
type RunStatus string

// Run status values persisted in etl_runs.status.
const (
	RunRunning RunStatus = "RUNNING"
	RunSuccess RunStatus = "SUCCESS"
	RunFailed  RunStatus = "FAILED"
)

// Terminal reports whether the status can no longer change.
func (s RunStatus) Terminal() bool {
	return s == RunSuccess || s == RunFailed
}

// Valid reports whether s is one of the known statuses.
func (s RunStatus) Valid() bool {
	return s == RunRunning || s.Terminal()
}

// Run models one ingestion attempt for one source.
type Run struct {
	ID                int64          `json:"id"`
	SourceName        string         `json:"source_name"`
	Status            RunStatus      `json:"status"`
	StartedAt         time.Time      `json:"started_at"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	ErrorMessage      *string        `json:"error_message,omitempty"`
	RecordsIngested   int            `json:"records_ingested"`
	RecordsNormalized int            `json:"records_normalized"`
	Metadata          map[string]any `json:"run_metadata,omitempty"`
}

// Checkpoint is the durable progress marker for one source.
type Checkpoint struct {
	SourceName              string         `json:"source_name"`
	LastSuccessfulTimestamp *time.Time     `json:"last_successful_timestamp,omitempty"`
	LastRunID               *int64         `json:"last_run_id,omitempty"`
	LastIngestedID          *string        `json:"last_ingested_id,omitempty"`
	Data                    map[string]any `json:"checkpoint_data,omitempty"`
	UpdatedAt               time.Time      `json:"updated_at"`
}

// Watermark returns the position ingesters resume from.
func (c Checkpoint) Watermark() Watermark {
	return Watermark{Since: c.LastSuccessfulTimestamp, Cursor: c.LastIngestedID}
}

// Watermark bounds the records an ingester returns. A nil Since means
// everything is new.
type Watermark struct {
	Since  *time.Time
	Cursor *string
}

// Admits reports whether a record observed at ts is newer than the watermark.
func (w Watermark) Admits(ts time.Time) bool {
	if w.Since == nil {
		return true
	}
	return ts.After(*w.Since)
}

// RawRecord is a verbatim source payload plus the timestamp used for watermarking.
type RawRecord struct {
	Source    string          `json:"source"`
	SourceID  string          `json:"source_id"`
	Timestamp time.Time       `json:"timestamp"`
	Payload   json.RawMessage `json:"payload"`
}

// Batch is the ordered result of one FetchSince call.
type Batch struct {
	Records []RawRecord
	// Cursor is an optional source-native position stored as last_ingested_id.
	Cursor string
	// Data is merged into checkpoint_data when the batch commits.
	Data map[string]any
}

// MaxTimestamp returns the newest record timestamp in the batch, or nil when
// the batch is empty.
func (b Batch) MaxTimestamp() *time.Time {
	var latest *time.Time
	for i := range b.Records {
		ts := b.Records[i].Timestamp
		if ts.IsZero() {
			continue
		}
		if latest == nil || ts.After(*latest) {
			t := ts
			latest = &t
		}
	}
	return latest
}

// Quote is the normalized record keyed by (EntityID, Timestamp, Source).
type Quote struct {
	EntityID          string    `json:"entity_id"`
	Source            string    `json:"source"`
	Timestamp         time.Time `json:"timestamp"`
	Name              string    `json:"name"`
	PriceUSD          string    `json:"price_usd"`
	MarketCapUSD      *string   `json:"market_cap_usd"`
	Volume24hUSD      *string   `json:"volume_24h_usd"`
	PriceChange24hPct *string   `json:"price_change_24h_pct"`
	RecordHash        string    `json:"-"`
}

// Key identifies the quote row it upserts.
func (q Quote) Key() QuoteKey {
	return QuoteKey{EntityID: q.EntityID, Timestamp: q.Timestamp.UTC(), Source: q.Source}
}

// QuoteKey is the unique key of a normalized record.
type QuoteKey struct {
	EntityID  string
	Timestamp time.Time
	Source    string
}

// SourceOutcome summarizes one source's attempt within a cycle.
type SourceOutcome struct {
	Source            string        `json:"source"`
	RunID             int64         `json:"run_id,omitempty"`
	Status            RunStatus     `json:"status"`
	RecordsIngested   int           `json:"records_ingested"`
	RecordsNormalized int           `json:"records_normalized"`
	RecordsSkipped    int           `json:"records_skipped"`
	Watermark         *time.Time    `json:"watermark,omitempty"`
	Error             string        `json:"error,omitempty"`
	Duration          time.Duration `json:"duration_ns"`
	// Err is the failure behind Error, kept for errors.As.
	Err error `json:"-"`
}

// CycleSummary aggregates the outcome of one RunOnce call.
type CycleSummary struct {
	CycleID     string          `json:"cycle_id"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt time.Time       `json:"completed_at"`
	Reconciled  int64           `json:"reconciled_runs"`
	Sources     []SourceOutcome `json:"sources"`
}

// Failed counts sources whose attempt ended FAILED.
func (s CycleSummary) Failed() int {
	n := 0
	for _, o := range s.Sources {
		if o.Status == RunFailed {
			n++
		}
	}
	return n
}

// Attributes are the message attributes a summary is published with.
func (s CycleSummary) Attributes() map[string]string {
	return map[string]string{
		"cycle_id":       s.CycleID,
		"sources":        strconv.Itoa(len(s.Sources)),
		"failed_sources": strconv.Itoa(s.Failed()),
	}
}

// SourceStats aggregates read-side statistics for one source.
type SourceStats struct {
	SourceName string      `json:"source_name"`
	Quotes     int64       `json:"quotes"`
	Assets     int64       `json:"assets"`
	LastRun    *Run        `json:"last_run,omitempty"`
	Checkpoint *Checkpoint `json:"checkpoint,omitempty"`
}

// TruncateTimestamp converts ts to UTC at the precision the relational
// stores keep.
func TruncateTimestamp(ts time.Time) time.Time {
	return ts.UTC().Truncate(time.Microsecond)
}
