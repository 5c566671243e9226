// Package main hosts the mediaflow CLI entrypoint and command graph.
//
// The Cobra-based command tree starts the long-running processes (the Task
// Engine and single-stage workers), submits and cancels processing requests
// against the shared job store and broker, and renders job state, preflight
// results and configuration. Commands that print data accept --json.
//
// Keep this package lean: behavior lives in internal packages and is only
// surfaced here.
package main
