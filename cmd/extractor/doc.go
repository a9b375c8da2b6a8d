// Package main hosts the extractor service entrypoint.
//
// Architecture overview:
//   - Sandbox runtime: internal/sandbox.Runtime serves extractor components (JavaScript, run in goja) from a
//     bounded instance pool. Every call gets a fresh execution context under a resource governor (memory pages,
//     fuel, epoch deadline, table and stack limits), crosses a schema-checked type boundary, and is scored by
//     the health tracker. A circuit breaker sheds load when components keep failing.
//   - HTTP API: internal/api.Server exposes probes, metrics, synchronous extract/validate, runtime
//     health/info/reset and batch job endpoints.
//   - Dispatcher & queue: batch jobs flow through a bounded in-memory queue sized by pipeline.queue_depth and are
//     fanned out to pipeline.workers workers. On SIGTERM the queue closes and workers drain it before exit.
//   - Fetch pipeline: URL-only targets are fetched with the Colly fetcher (robots.txt aware, per-host rate
//     limited), extracted in the sandbox, written as JSON to the configured BlobStore (memory/local/GCS) keyed by
//     SHA-256, optionally indexed in Postgres, and announced on Pub/Sub.
//   - Events: pool, breaker and call events are batched by the event hub into Prometheus, zap, the Postgres call
//     audit table and the alarm topic.
//
// Quick checklist:
//   - Configure env vars: EXTRACTOR_SERVER_PORT, EXTRACTOR_POOL_MAX_CONCURRENCY, EXTRACTOR_SANDBOX_FUEL,
//     EXTRACTOR_SANDBOX_COMPONENT_PATH, storage (EXTRACTOR_STORAGE_*), pubsub, and EXTRACTOR_DATABASE_DSN when
//     persistence beyond memory is required.
//   - Run locally: go run ./cmd/extractor serve --config config.yaml
//   - One-shot: go run ./cmd/extractor extract page.html --url https://example.com/page --mode full
//   - Vet a component: go run ./cmd/extractor check-component ./extractor.js
package main
