// Package logging assembles structured slog loggers and formatting helpers used
// across mediaflow processes.
//
// It owns the configurable console/JSON handlers, centralizes level and output
// plumbing, and exposes context-aware helpers so engine and worker code can
// tag log lines with asset IDs, stages, attempts, and correlation tokens. The
// package also provides a no-op logger for tests and wiring code that cannot
// fail.
package logging
