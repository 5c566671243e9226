// Package engine implements the Task Engine: it owns the job lifecycle for
// every (asset, stage) pair, dispatches ready work to stage queues, consumes
// started, completion and failure messages, and retries or abandons failed
// attempts.
//
// Every state change goes through a compare-and-swap in the Job Record Store,
// so duplicate and out-of-order deliveries from the at-least-once broker are
// harmless: a message whose attempt no longer matches the job is discarded.
//
// Only the process holding the dispatch authority lock runs the dispatch and
// sweep loops. Any number of engine processes may consume inbound queues.
package engine
