// Package jobs persists the Job Record Store: one row per (asset, stage) with
// its lifecycle status, attempt counter, and result reference, plus the audit
// trail of transitions and the reconciled stage artifacts.
//
// Every status change is a compare-and-swap on the row's current status and
// attempt, executed in a transaction that also appends a job_events row. The
// loser of a race receives ErrConflict and must treat the operation as a
// no-op. Rows are never deleted.
//
// The schema is owned by goose migrations embedded in the binary; Open applies
// pending migrations before returning.
package jobs
