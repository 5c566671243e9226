package engine

import (
	"errors"
	"log/slog"
	"time"

	"github.com/sethvargo/go-retry"

	"mediaflow/internal/broker"
	"mediaflow/internal/config"
	"mediaflow/internal/jobs"
	"mediaflow/internal/logging"
	"mediaflow/internal/metrics"
	"mediaflow/internal/notifications"
	"mediaflow/internal/reconciler"
	"mediaflow/internal/stage"
)

// Engine coordinates stage jobs through the broker.
type Engine struct {
	cfg        *config.Config
	store      *jobs.Store
	broker     broker.Broker
	registry   *stage.Registry
	reconciler *reconciler.Reconciler
	notifier   notifications.Service
	metrics    *metrics.Engine
	logger     *slog.Logger
	now        func() time.Time

	maxAttempts int
	backoffBase time.Duration
	backoffCap  time.Duration

	state runtimeState
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithNotifier sets the notification service used for operator alerts.
func WithNotifier(n notifications.Service) Option {
	return func(e *Engine) {
		if n != nil {
			e.notifier = n
		}
	}
}

// WithMetrics records engine activity in m.
func WithMetrics(m *metrics.Engine) Option {
	return func(e *Engine) {
		e.metrics = m
	}
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// New constructs an Engine.
func New(cfg *config.Config, store *jobs.Store, b broker.Broker, registry *stage.Registry, rec *reconciler.Reconciler, opts ...Option) (*Engine, error) {
	if cfg == nil || store == nil || b == nil || registry == nil || rec == nil {
		return nil, errors.New("engine requires config, store, broker, registry, and reconciler")
	}
	e := &Engine{
		cfg:         cfg,
		store:       store,
		broker:      b,
		registry:    registry,
		reconciler:  rec,
		notifier:    notifications.NewService(cfg),
		logger:      logging.NewNop(),
		now:         time.Now,
		maxAttempts: cfg.Engine.MaxAttempts,
		backoffBase: cfg.BackoffBase(),
		backoffCap:  cfg.BackoffCap(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.maxAttempts < 1 {
		e.maxAttempts = 1
	}
	e.logger = logging.NewComponentLogger(e.logger, "engine")
	return e, nil
}

// Backoff returns the delay before redispatching after the given number of
// used attempts: base doubling per attempt, capped.
func (e *Engine) Backoff(attempts int) time.Duration {
	if e.backoffBase <= 0 {
		return 0
	}
	b := retry.NewExponential(e.backoffBase)
	if e.backoffCap > 0 {
		b = retry.WithCappedDuration(e.backoffCap, b)
	}
	var delay time.Duration
	for i := 0; i < max(attempts, 1); i++ {
		next, stop := b.Next()
		if stop {
			break
		}
		delay = next
	}
	return delay
}

func (e *Engine) stageLogger(key stage.Key) *slog.Logger {
	return e.logger.With(
		logging.String(logging.FieldAssetID, key.AssetID),
		logging.String(logging.FieldStage, string(key.Stage)),
		logging.Int(logging.FieldAttempt, key.Attempt),
		logging.String(logging.FieldCorrelationID, key.String()),
	)
}
