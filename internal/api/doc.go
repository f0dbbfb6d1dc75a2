// Package api hosts the read-only status server. Notable routes:
//   - GET /healthz and /readyz for probes; readyz pings the store.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs, /v1/runs/{id}, /v1/checkpoints, /v1/checkpoints/{source}
//     and /v1/stats for operator visibility.
//   - POST /v1/cycles to trigger one ingestion cycle on demand.
package api
