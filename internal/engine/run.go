package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lthibault/jitterbug/v2"

	"mediaflow/internal/broker"
	"mediaflow/internal/envelope"
	"mediaflow/internal/jobs"
	"mediaflow/internal/logging"
	"mediaflow/internal/notifications"
	"mediaflow/internal/services"
)

// Status is a point-in-time view of the running engine.
type Status struct {
	Running   bool
	Authority bool
	LockPath  string
	LastSweep time.Time
	LastError string
}

// runtimeState is shared between Run and Status readers.
type runtimeState struct {
	running   atomic.Bool
	authority atomic.Bool
	mu        sync.Mutex
	lastSweep time.Time
	lastErr   error
}

// Status reports whether Run is active and holds the dispatch authority.
func (e *Engine) Status() Status {
	st := Status{
		Running:   e.state.running.Load(),
		Authority: e.state.authority.Load(),
		LockPath:  e.cfg.Engine.LockPath,
	}
	e.state.mu.Lock()
	st.LastSweep = e.state.lastSweep
	if e.state.lastErr != nil {
		st.LastError = e.state.lastErr.Error()
	}
	e.state.mu.Unlock()
	return st
}

func (e *Engine) setLastError(err error) {
	e.state.mu.Lock()
	e.state.lastErr = err
	e.state.mu.Unlock()
}

// Run consumes the inbound queues and, while holding the dispatch authority,
// runs the dispatch and sweep loops. It blocks until ctx is cancelled or a
// consumer fails.
func (e *Engine) Run(ctx context.Context) error {
	if !e.state.running.CompareAndSwap(false, true) {
		return errors.New("engine already running")
	}
	defer e.state.running.Store(false)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	queues := []string{e.cfg.Broker.CompletionsQueue, e.cfg.Broker.FailuresQueue, e.cfg.Broker.ProgressQueue}
	errCh := make(chan error, len(queues))
	var wg sync.WaitGroup
	for _, queue := range queues {
		wg.Add(1)
		go func(queue string) {
			defer wg.Done()
			err := e.broker.Consume(ctx, queue, broker.ConsumeOptions{Prefetch: e.cfg.Broker.Prefetch}, e.HandleDelivery)
			if err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("consume %s: %w", queue, err)
				cancel()
			}
		}(queue)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.runAuthority(ctx, NewAuthority(e.cfg.Engine.LockPath))
	}()

	e.logger.Info("engine started",
		logging.Int("queues", len(queues)),
		logging.String("lock_path", e.cfg.Engine.LockPath),
		logging.String(logging.FieldEventType, "engine_started"),
	)
	<-ctx.Done()
	wg.Wait()
	e.logger.Info("engine stopped", logging.String(logging.FieldEventType, "engine_stopped"))

	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

// HandleDelivery processes one inbound message. Malformed envelopes are dead
// lettered; transient handler errors requeue; everything else is acked.
func (e *Engine) HandleDelivery(ctx context.Context, d *broker.Delivery) error {
	env, err := envelope.Decode(d.Body)
	if err != nil {
		logging.WarnWithContext(e.logger, "malformed inbound message dead lettered", "message_malformed",
			logging.String(logging.FieldQueue, d.Queue),
			logging.String("message_id", d.MessageID),
			logging.Error(err),
			logging.String(logging.FieldImpact, "message moved to the dead letter queue"),
		)
		return d.Nack(false)
	}
	ctx = services.WithAssetID(ctx, env.AssetID)
	ctx = services.WithStage(ctx, string(env.Stage))
	ctx = services.WithAttempt(ctx, env.Attempt)
	ctx = services.WithCorrelationID(ctx, env.Correlation)

	switch env.Kind {
	case envelope.KindStarted:
		err = e.OnStarted(ctx, env)
	case envelope.KindCompletion:
		err = e.OnCompletion(ctx, env)
	case envelope.KindFailure:
		err = e.OnFailure(ctx, env)
	default:
		logging.WarnWithContext(logging.WithContext(ctx, e.logger), "unexpected message kind on engine queue", "message_unexpected",
			logging.String("kind", string(env.Kind)),
			logging.String(logging.FieldQueue, d.Queue),
		)
		return d.Nack(false)
	}

	if err == nil || !retryable(ctx, err) {
		if err != nil && !errors.Is(err, ErrStaleMessage) {
			logging.WithContext(ctx, e.logger).Info("inbound message acknowledged without effect",
				logging.String("kind", string(env.Kind)),
				logging.Error(err),
				logging.String(logging.FieldEventType, "message_rejected"),
			)
		}
		return d.Ack()
	}
	e.setLastError(err)
	logging.WarnWithContext(logging.WithContext(ctx, e.logger), "inbound message requeued", "message_requeued",
		logging.String("kind", string(env.Kind)),
		logging.Error(err),
		logging.String(logging.FieldImpact, "message will be redelivered"),
	)
	return d.Nack(true)
}

func retryable(ctx context.Context, err error) bool {
	switch {
	case ctx.Err() != nil:
		return true
	case jobs.IsBusy(err):
		return true
	case errors.Is(err, services.ErrTransient), errors.Is(err, services.ErrUnavailable),
		errors.Is(err, services.ErrBrokerUnavailable):
		return true
	default:
		return false
	}
}

// runAuthority alternates between passive (retrying the lock) and active
// (dispatching and sweeping) until ctx is done.
func (e *Engine) runAuthority(ctx context.Context, authority *Authority) {
	retry := jitterbug.New(e.cfg.DispatchInterval(), &jitterbug.Norm{Stdev: jitter(e.cfg.DispatchInterval()), Mean: 0})
	defer retry.Stop()
	announcedPassive := false
	for {
		ok, err := authority.TryAcquire()
		if err != nil {
			e.setLastError(err)
			logging.WarnWithContext(e.logger, "dispatch authority check failed", "authority_error",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check engine.lock_path permissions"),
			)
		}
		if ok {
			e.state.authority.Store(true)
			e.logger.Info("dispatch authority acquired",
				logging.String("lock_path", authority.Path()),
				logging.String(logging.FieldEventType, "authority_acquired"),
			)
			e.runLoops(ctx)
			e.state.authority.Store(false)
			if err := authority.Release(); err != nil {
				e.logger.Warn("failed to release dispatch authority", logging.Error(err))
			}
			return
		}
		if !announcedPassive && err == nil {
			e.logger.Info("another engine holds dispatch authority; running passive",
				logging.String("lock_path", authority.Path()),
				logging.String(logging.FieldEventType, "authority_passive"),
			)
			announcedPassive = true
		}
		select {
		case <-ctx.Done():
			return
		case <-retry.C:
		}
	}
}

func (e *Engine) runLoops(ctx context.Context) {
	e.sweepOnce(ctx)
	e.dispatchOnce(ctx)

	dispatchTicker := jitterbug.New(e.cfg.DispatchInterval(), &jitterbug.Norm{Stdev: jitter(e.cfg.DispatchInterval()), Mean: 0})
	defer dispatchTicker.Stop()
	sweepTicker := jitterbug.New(e.cfg.SweepInterval(), &jitterbug.Norm{Stdev: jitter(e.cfg.SweepInterval()), Mean: 0})
	defer sweepTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-dispatchTicker.C:
			e.dispatchOnce(ctx)
		case <-sweepTicker.C:
			e.sweepOnce(ctx)
		}
	}
}

func (e *Engine) dispatchOnce(ctx context.Context) {
	count, err := e.DispatchDue(ctx)
	if err != nil && ctx.Err() == nil {
		e.setLastError(err)
		logging.WarnWithContext(e.logger, "dispatch loop pass failed", "dispatch_loop_failed",
			logging.Error(err),
			logging.Int("dispatched", count),
			logging.String(logging.FieldImpact, "remaining jobs wait for the next pass"),
		)
		return
	}
	if count > 0 {
		e.logger.Debug("dispatch loop pass", logging.Int("dispatched", count))
	}
}

func (e *Engine) sweepOnce(ctx context.Context) {
	swept, err := e.Sweep(ctx)
	e.state.mu.Lock()
	e.state.lastSweep = e.now()
	e.state.mu.Unlock()
	if err != nil && ctx.Err() == nil {
		e.setLastError(err)
		logging.WarnWithContext(e.logger, "sweep pass failed", "sweep_failed",
			logging.Error(err),
			logging.String(logging.FieldErrorHint, "check job store access"),
		)
		return
	}
	if swept > 0 {
		e.logger.Info("swept timed out jobs",
			logging.Int("count", swept),
			logging.String(logging.FieldEventType, "sweep_timeouts"),
		)
	}
}

// WatchBrokerHealth mirrors broker health transitions into metrics and
// operator notifications.
func (e *Engine) WatchBrokerHealth(tracker *broker.HealthTracker) {
	if tracker == nil {
		return
	}
	tracker.OnChange(func(degraded bool, failures int, lastErr error) {
		e.metrics.SetBrokerHealthy(!degraded)
		event := notifications.EventBrokerRecovered
		payload := notifications.Payload{"failures": failures}
		if degraded {
			event = notifications.EventBrokerDegraded
			payload["error"] = lastErr
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.notifier.Publish(ctx, event, payload); err != nil {
			e.logger.Debug("broker health notification failed", logging.Error(err))
		}
	})
}

func jitter(interval time.Duration) time.Duration {
	return interval / 10
}
