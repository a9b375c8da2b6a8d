// Package api hosts the HTTP server, middleware, and REST handlers for the
// extraction service. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes; readyz reports 503
//     while the sandbox circuit is open.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/extract and /v1/validate for synchronous sandboxed calls.
//   - /v1/runtime/... for health, component info and circuit reset.
//   - /v1/jobs/... for asynchronous batch extraction.
package api
