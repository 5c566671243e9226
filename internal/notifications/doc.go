// Package notifications delivers engine events via pluggable notifiers.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and degrades to a no-op when notifications are disabled. The
// engine emits alerts for abandoned jobs and broker degradation; per-event
// switches in the [notifications] section silence either class.
package notifications
