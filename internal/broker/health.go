package broker

import (
	"context"
	"log/slog"
	"sync"

	"mediaflow/internal/logging"
)

// HealthListener observes broker health transitions.
type HealthListener func(degraded bool, consecutiveFailures int, lastErr error)

// HealthTracker counts consecutive broker failures. After threshold failures
// the broker is reported degraded until the next success.
type HealthTracker struct {
	threshold int
	logger    *slog.Logger

	mu        sync.Mutex
	failures  int
	degraded  bool
	lastErr   error
	listeners []HealthListener
}

// NewHealthTracker creates a tracker. A threshold below one is treated as one.
func NewHealthTracker(threshold int, logger *slog.Logger) *HealthTracker {
	if threshold < 1 {
		threshold = 1
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &HealthTracker{threshold: threshold, logger: logger}
}

// OnChange registers a listener called on every degraded/recovered transition.
func (h *HealthTracker) OnChange(fn HealthListener) {
	if fn == nil {
		return
	}
	h.mu.Lock()
	h.listeners = append(h.listeners, fn)
	h.mu.Unlock()
}

// Observe records the outcome of one broker operation.
func (h *HealthTracker) Observe(err error) {
	h.mu.Lock()
	var (
		changed   bool
		degraded  bool
		failures  int
		listeners []HealthListener
	)
	if err == nil {
		changed = h.degraded
		h.failures = 0
		h.degraded = false
		h.lastErr = nil
	} else {
		h.failures++
		h.lastErr = err
		if !h.degraded && h.failures >= h.threshold {
			h.degraded = true
			changed = true
		}
	}
	degraded = h.degraded
	failures = h.failures
	if changed {
		listeners = append(listeners, h.listeners...)
	}
	h.mu.Unlock()

	if !changed {
		return
	}
	if degraded {
		h.logger.Error("broker degraded",
			logging.Int("consecutive_failures", failures),
			logging.Error(err),
			logging.Alert("broker_degraded"),
			logging.String(logging.FieldEventType, "broker_degraded"),
			logging.String(logging.FieldErrorHint, "check broker connectivity; dispatches are reverted to pending until it recovers"),
		)
	} else {
		h.logger.Info("broker recovered", logging.String(logging.FieldEventType, "broker_recovered"))
	}
	for _, fn := range listeners {
		fn(degraded, failures, err)
	}
}

// Degraded reports the current health state.
func (h *HealthTracker) Degraded() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.degraded
}

// Snapshot returns the consecutive failure count and last error.
func (h *HealthTracker) Snapshot() (failures int, lastErr error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failures, h.lastErr
}

type trackedBroker struct {
	Broker
	health *HealthTracker
}

// WithHealth returns a Broker that reports Publish and Ping outcomes to health.
func WithHealth(b Broker, health *HealthTracker) Broker {
	if health == nil {
		return b
	}
	return &trackedBroker{Broker: b, health: health}
}

func (t *trackedBroker) Publish(ctx context.Context, queue string, msg Message) error {
	err := t.Broker.Publish(ctx, queue, msg)
	if ctx.Err() == nil {
		t.health.Observe(err)
	}
	return err
}

func (t *trackedBroker) Ping(ctx context.Context) error {
	err := t.Broker.Ping(ctx)
	t.health.Observe(err)
	return err
}
