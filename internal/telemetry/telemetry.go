// Package telemetry unifies OpenTelemetry tracing (Google Cloud) and Prometheus metrics.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// --- CUSTOM METRIC DEFINITIONS ---

var (
	ingestRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_runs_total",
			Help: "Total number of ingestion runs, labeled by source and final status.",
		},
		[]string{"source", "status"},
	)

	ingestRecordsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_records_total",
			Help: "Records seen by the pipeline, labeled by source and stage (ingested, normalized, skipped).",
		},
		[]string{"source", "stage"},
	)

	ingestRunDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_run_duration_seconds",
			Help:    "Histogram of per-source run durations.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"source"},
	)

	ingestWatermarkSeconds = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingest_checkpoint_watermark_seconds",
			Help: "Unix time of the last committed watermark per source.",
		},
		[]string{"source"},
	)

	ingestInterruptedRunsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingest_interrupted_runs_total",
			Help: "Runs reconciled to FAILED after a restart.",
		},
	)

	fetchAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetch_attempts_total",
			Help: "HTTP fetch attempts, labeled by source and outcome kind.",
		},
		[]string{"source", "outcome"},
	)

	fetchRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fetch_retries_total",
			Help: "HTTP fetch retries, labeled by source and error kind.",
		},
		[]string{"source", "kind"},
	)

	rateLimitDelaysSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rate_limit_delays_seconds",
			Help:    "Histogram of rate limit wait durations.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10},
		},
		[]string{"source"},
	)

	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests, labeled by method and code.",
		},
		[]string{"method", "code"},
	)

	httpRequestDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "Histogram of HTTP request latencies, labeled by method and route.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"method", "route"},
	)
)

// --- HTTP HANDLER & MIDDLEWARE ---

// Handler returns the standard Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware is a chi middleware that records HTTP request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(ww, r)

		routePattern := "unknown"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			routePattern = rctx.RoutePattern()
		}
		ObserveHTTPRequest(r.Method, routePattern, ww.statusCode, time.Since(start))
	})
}

// statusRecorder wraps http.ResponseWriter to capture the status code.
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (rec *statusRecorder) WriteHeader(code int) {
	rec.statusCode = code
	rec.ResponseWriter.WriteHeader(code)
}

// --- HELPER FUNCTIONS ---

// ObserveHTTPRequest records metrics for an HTTP request.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveRun records the final status and duration of a source run.
func ObserveRun(source, status string, duration time.Duration) {
	ingestRunsTotal.WithLabelValues(source, status).Inc()
	ingestRunDurationSeconds.WithLabelValues(source).Observe(duration.Seconds())
}

// ObserveRecords adds n records at the given stage.
func ObserveRecords(source, stage string, n int) {
	if n <= 0 {
		return
	}
	ingestRecordsTotal.WithLabelValues(source, stage).Add(float64(n))
}

// ObserveWatermark exports the committed watermark for a source.
func ObserveWatermark(source string, ts time.Time) {
	ingestWatermarkSeconds.WithLabelValues(source).Set(float64(ts.Unix()))
}

// ObserveInterruptedRuns counts runs reconciled after a restart.
func ObserveInterruptedRuns(n int64) {
	if n <= 0 {
		return
	}
	ingestInterruptedRunsTotal.Add(float64(n))
}

// ObserveFetchAttempt records one fetch attempt outcome.
func ObserveFetchAttempt(source, outcome string) {
	fetchAttemptsTotal.WithLabelValues(source, outcome).Inc()
}

// ObserveFetchRetry records one scheduled retry.
func ObserveFetchRetry(source, kind string) {
	fetchRetriesTotal.WithLabelValues(source, kind).Inc()
}

// ObserveRateLimitDelay records the duration of a rate limit wait.
func ObserveRateLimitDelay(source string, duration time.Duration) {
	rateLimitDelaysSeconds.WithLabelValues(source).Observe(duration.Seconds())
}
