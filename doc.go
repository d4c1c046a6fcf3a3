// Package main hosts the scout-pipeline service entrypoint.
//
// Architecture overview:
//   - Durable queue: jobs live in Postgres (internal/queue/postgres) with an atomic claim that
//     skips rows whose domain is paced out by the admission controller. Enqueue is idempotent on
//     (source, resource, kind); retries reuse the same row with exponential backoff until the
//     quarantine threshold trips.
//   - Workers & dispatcher: a fixed pool of workers (internal/worker) polls for claims, runs the
//     HTTP executor or the intake processor depending on job kind, and reports outcomes back
//     through the queue. The dispatcher fans the pool out and joins it on shutdown.
//   - Intake: files arrive via the upload endpoint or a Pub/Sub object-created subscription
//     (internal/intake). Submissions are size-capped, checksummed for dedup, recorded, and queued
//     for format-specific processing (JSON, CSV, zip) that lands raw events in the lake.
//   - Transform: the promoter (internal/transform) moves unprocessed raw events into the
//     normalized store under derived natural keys, tracking per-file watermarks; the refresher
//     recomputes reporting aggregates under a Redis-held named lock so only one instance runs.
//   - Recrawl & sweep: the recrawl scheduler re-queues resources whose cached results have aged
//     past their TTL; the sweeper reclaims expired leases and prunes terminal jobs past retention.
//   - Configuration & plumbing: Viper populates config from file/env (SCOUT_ prefix); zap provides
//     structured logging; Prometheus metrics are exported via /metrics on the admin API, which
//     also exposes seeding, throttling, quarantine, and emergency-stop controls.
//
// Operational notes:
//   - Concurrency model: fixed worker pool over a shared Postgres queue, safe for multiple
//     replicas; the claim query and the refresh lock are the only cross-replica coordination
//     points. Shutdown is coordinated via context cancellation from main through the dispatcher.
//   - Pacing: per-domain spacing is enforced at claim time, not enqueue time, so a throttled
//     domain backs up in the queue rather than being dropped. Emergency stop raises spacing for
//     every known domain and requeues running work.
//   - Observability: zap logs carry job IDs and resources at key transitions; Prometheus counters
//     and histograms track claims, task outcomes, backoff, intake bytes, and promotion volume.
//
// Quick checklist:
//   - Configure env vars: SCOUT_SERVER_PORT, SCOUT_QUEUE_WORKERS, SCOUT_DATABASE_DSN,
//     SCOUT_REDIS_ADDR, intake limits (SCOUT_INTAKE_*), and pubsub/bucket settings when
//     trigger-based intake is required.
//   - Run locally: go run . serve -config config.yaml (or rely solely on env overrides).
//   - One-shot maintenance: go run . sweep / go run . promote --refresh for cron-style use.
package main
