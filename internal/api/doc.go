// Package api hosts the read-only status server for a running scan.
// Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/stats for live run statistics.
//   - GET /v1/failures for the failure tracker contents.
//   - GET /v1/proxies for proxy assignments and usage.
package api
