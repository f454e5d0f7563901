// Package api hosts the ops HTTP server started alongside ingestion runs.
// Routes:
//   - GET /healthz and /readyz for health checks.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/runs/last for the summary of the most recent run.
package api
