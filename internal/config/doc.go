// Package config loads, normalizes, and validates mediaflow configuration.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and applies MEDIAFLOW_* environment overrides
// through envconfig so container deployments can configure the broker URI,
// retry policy, stage queues and timeouts, and the data directory without a
// file. The Config type centralizes every knob the engine, workers, and CLI
// need.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, resolved stage descriptors, and clear validation errors.
package config
