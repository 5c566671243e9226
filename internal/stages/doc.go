// Package stages implements the five stage processors hosted by workers.
//
// Scene detection, flash detection, phrase hinting and glossary generation
// delegate the compute-heavy part to the inference service through the RPC
// bridge and post-process its answer. Crawling fetches source pages itself
// and extracts term/definition pairs from HTML definition lists and tables.
//
// Processors are pure functions of their Task: they never touch the job
// store, and every error they return is classified by services.Classify.
package stages
