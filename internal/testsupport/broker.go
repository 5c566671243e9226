package testsupport

import (
	"testing"

	"mediaflow/internal/broker"
)

// NewMemoryBroker returns a private in-process broker closed at test cleanup.
func NewMemoryBroker(t testing.TB) *broker.MemoryBroker {
	t.Helper()
	b := broker.NewMemory()
	t.Cleanup(func() {
		_ = b.Close()
	})
	return b
}
