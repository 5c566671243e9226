// Package api serves the engine's read-only HTTP surface: liveness and
// readiness probes, Prometheus metrics, and a JSON view of the job record
// store for dashboards and the external API layer.
//
// # Routes
//
//	GET /healthz                  process is up
//	GET /readyz                   store reachable, broker not degraded
//	GET /metrics                  Prometheus exposition
//	GET /api/status               engine, broker and job count summary
//	GET /api/assets               most recent assets with per-status counts
//	GET /api/assets/{id}          one asset
//	GET /api/assets/{id}/jobs     the asset's jobs in stage order
//	GET /api/assets/{id}/events   the asset's transition audit trail
//
// # Design Notes
//
// DTOs use camelCase JSON tags. Timestamps use RFC3339 with milliseconds and
// are omitted when unset. Job statuses and stages are exposed as their
// stored lowercase strings.
package api
