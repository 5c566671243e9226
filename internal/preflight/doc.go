// Package preflight provides readiness checks for the filesystem paths and
// collaborators mediaflow depends on.
//
// These checks run in two contexts:
//   - The engine and worker commands call RunAll/ForWorker before starting and
//     refuse to start when a required check fails.
//   - The CLI "mediaflow preflight" and "mediaflow status" commands render the
//     individual results.
//
// Checks for collaborators a process does not use are skipped.
package preflight
