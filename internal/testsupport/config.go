package testsupport

import (
	"path/filepath"
	"testing"

	"mediaflow/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config seeded with unique temp directories per test.
// It defaults common fields and applies any provided options.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths.DataDir = filepath.Join(base, "data")
	cfgVal.Paths.StateDir = filepath.Join(base, "state")
	cfgVal.Paths.LogDir = filepath.Join(base, "logs")
	cfgVal.Paths.APIBind = "127.0.0.1:0"
	cfgVal.Broker.URI = "memory://"
	cfgVal.Engine.LockPath = filepath.Join(base, "state", "engine.lock")
	cfgVal.Artifacts.Dir = filepath.Join(base, "data", "results")
	cfgVal.RPC.RetryDelayMS = 1
	cfgVal.Notifications.NtfyTopic = ""

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithSQLiteBroker points the broker at a durable SQLite queue inside the temp dir.
func WithSQLiteBroker() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Broker.URI = "sqlite://" + filepath.Join(b.baseDir, "state", "broker.db")
	}
}

// WithRPCBaseURL sets the RPC bridge endpoint, typically an httptest server URL.
func WithRPCBaseURL(url string) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.RPC.BaseURL = url
	}
}

// WithMaxAttempts overrides the engine attempt budget.
func WithMaxAttempts(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Engine.MaxAttempts = n
	}
}

// WithDispatchBatch overrides how many due jobs one dispatch pass considers.
func WithDispatchBatch(n int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Engine.DispatchBatch = n
	}
}
