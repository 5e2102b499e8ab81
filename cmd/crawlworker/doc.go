// Package main hosts the crawl worker entrypoint.
//
// Architecture overview:
//   - Queue: a Redis list pair (main + processing) shared by the whole fleet. Every process opens one session;
//     leases carry a visibility timeout, and items whose lease key expired are moved back to the main list by the
//     next Lease call from any worker. An in-memory backend with the same contract serves dry runs.
//   - Loops: browser.count worker loops share the session and the engine. Each loop polls IsEmpty, leases one job,
//     parses the "rank,site" payload, runs it through the executor and completes or requeues the lease.
//   - Engine: a pool of Chrome instances driven over CDP by chromedp. Every visit gets a fresh browser context,
//     dwells, and writes a JSON visit record (HTTP, cookies, navigations, console, scripts) to the blob store.
//   - Fanout: each processed job is optionally recorded in Postgres and published to Pub/Sub.
//   - Plumbing: Viper config (CRAWLER_* env), zap logs, Prometheus metrics, OpenTelemetry spans, Sentry reporting,
//     and a chi ops server with /healthz, /readyz, /metrics and /v1/status.
//
// Quick checklist:
//   - Seed: crawlworker enqueue --file top-1m.csv --limit 10000
//   - Consume: crawlworker run (exits 0 once the queue is drained)
//   - Inspect: crawlworker status
package main
