// Package worker hosts one stage processor behind its broker queue.
//
// A Worker consumes dispatch envelopes for a single stage, acknowledges them
// to the engine, runs the processor, stores the result blob and publishes a
// completion or failure. Deliveries are settled only after the outcome has
// been published, so a crash anywhere leads to redelivery rather than loss.
// Result blobs are keyed by (asset, stage, attempt): a redelivered dispatch
// whose blob already exists republishes the completion instead of recomputing.
package worker
