package testsupport

import (
	"testing"

	"mediaflow/internal/config"
	"mediaflow/internal/jobs"
)

// MustOpenStore opens a jobs.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config, opts ...jobs.Option) *jobs.Store {
	t.Helper()

	store, err := jobs.Open(cfg, opts...)
	if err != nil {
		t.Fatalf("jobs.Open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
