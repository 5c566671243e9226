// Package services defines shared utilities consumed by the engine, stage
// workers, and external collaborator clients.
//
// Key responsibilities:
//   - Context helpers that stamp asset IDs, stage names, attempts, and
//     correlation identifiers for logging.
//   - Structured error markers plus the Wrap helper, and Classify which turns
//     a stage error into the permanent/transient/timeout kind reported on the
//     wire.
//
// Use these helpers when wiring new stage logic so failure handling stays
// uniform across workers.
package services
