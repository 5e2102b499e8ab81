// Package api hosts the worker's operator HTTP server. Routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/status for per-loop state and queue depth.
//   - POST /v1/jobs to seed the queue, when an API key is configured.
package api
