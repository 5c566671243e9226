package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"mediaflow/internal/envelope"
	"mediaflow/internal/jobs"
	"mediaflow/internal/logging"
	"mediaflow/internal/notifications"
	"mediaflow/internal/services"
)

// OnStarted records a worker acknowledgement. Acknowledgements for other
// attempts are ignored.
func (e *Engine) OnStarted(ctx context.Context, env envelope.Envelope) error {
	key := env.Key()
	if _, err := e.store.MarkRunning(ctx, key); err != nil {
		if errors.Is(err, jobs.ErrConflict) || errors.Is(err, jobs.ErrNotFound) {
			e.metrics.Discarded("stale_started")
			e.stageLogger(key).Debug("ignoring started message for another attempt", logging.Error(err))
			return nil
		}
		return err
	}
	return nil
}

// OnCompletion reconciles a completed attempt and dispatches dependents that
// became ready. Completions for attempts the job has moved past return
// ErrStaleMessage and change nothing.
func (e *Engine) OnCompletion(ctx context.Context, env envelope.Envelope) error {
	key := env.Key()
	logger := e.stageLogger(key)

	job, err := e.store.GetJob(ctx, key.AssetID, key.Stage)
	if errors.Is(err, jobs.ErrNotFound) {
		return e.discardStale(logger, "completion for unknown job")
	}
	if err != nil {
		return err
	}

	switch {
	case job.Status == jobs.StatusSucceeded && job.Attempt == key.Attempt && job.ResultRef == env.ResultRef:
		// Duplicate delivery of the completion that already succeeded; make
		// sure dependents were dispatched before acking it.
		e.dispatchDependents(ctx, key.AssetID, key.Stage)
		return nil
	case job.Status == jobs.StatusAbandoned && job.Attempt == key.Attempt:
		// Cancel or a final sweep timeout won the race against the worker.
		return e.discardStale(logger, "completion for abandoned attempt")
	case job.Status == jobs.StatusSucceeded && job.Attempt == key.Attempt:
		e.metrics.Discarded("inconsistent")
		logger.Error("completion contradicts recorded result; state preserved",
			logging.String("job_status", string(job.Status)),
			logging.String("result_ref", env.ResultRef),
			logging.String("recorded_result_ref", job.ResultRef),
			logging.Alert("data_inconsistency"),
			logging.String(logging.FieldEventType, "completion_inconsistent"),
			logging.String(logging.FieldErrorHint, "inspect the worker that produced this result"),
		)
		return fmt.Errorf("completion %s against %s job: %w", key, job.Status, ErrDataInconsistency)
	}

	if _, err := e.prerequisiteResults(ctx, key.AssetID, key.Stage); err != nil {
		if errors.Is(err, ErrPrerequisiteUnmet) {
			e.metrics.Discarded("prerequisite_unmet")
			logging.WarnWithContext(logger, "completion rejected; prerequisites not succeeded", "completion_rejected",
				logging.Error(err),
				logging.String(logging.FieldImpact, "result not applied"),
			)
		}
		return err
	}
	if job.Attempt != key.Attempt || !job.Status.IsInflight() {
		return e.discardStale(logger, fmt.Sprintf("job is %s#%d", job.Status, job.Attempt))
	}

	outcome, err := e.reconciler.Apply(ctx, env)
	if err != nil {
		if errors.Is(err, jobs.ErrConflict) {
			return e.discardStale(logger, "job changed during reconcile")
		}
		if services.Classify(err) == services.FailurePermanent {
			logging.ErrorWithContext(logger, "result rejected by reconciler", "reconcile_rejected",
				logging.Error(err),
				logging.String(logging.FieldErrorHint, "check the stage worker output schema"),
			)
			if _, failErr := e.failAttempt(ctx, job, services.FailurePermanent, err.Error()); failErr != nil &&
				!errors.Is(failErr, jobs.ErrConflict) {
				return failErr
			}
			return nil
		}
		return err
	}

	e.metrics.Completed(string(key.Stage))
	logger.Info("stage succeeded",
		logging.String("result_ref", env.ResultRef),
		logging.Bool("replayed", outcome.Replayed),
		logging.String(logging.FieldEventType, "stage_succeeded"),
	)
	e.dispatchDependents(ctx, key.AssetID, key.Stage)
	e.checkAssetComplete(ctx, key.AssetID)
	return nil
}

// OnFailure applies the retry policy to a failed attempt.
func (e *Engine) OnFailure(ctx context.Context, env envelope.Envelope) error {
	key := env.Key()
	logger := e.stageLogger(key)
	job, err := e.store.GetJob(ctx, key.AssetID, key.Stage)
	if errors.Is(err, jobs.ErrNotFound) {
		return e.discardStale(logger, "failure for unknown job")
	}
	if err != nil {
		return err
	}
	if job.Attempt != key.Attempt || !job.Status.IsInflight() {
		return e.discardStale(logger, fmt.Sprintf("job is %s#%d", job.Status, job.Attempt))
	}

	kind := services.FailureTransient
	message := "worker reported failure"
	if env.Error != nil {
		kind = services.ParseFailureKind(string(env.Error.Kind))
		if env.Error.Message != "" {
			message = env.Error.Message
		}
	}
	if _, err := e.failAttempt(ctx, job, kind, message); err != nil {
		if errors.Is(err, jobs.ErrConflict) {
			return e.discardStale(logger, "job changed during failure handling")
		}
		return err
	}
	return nil
}

// failAttempt abandons permanent failures and exhausted jobs, and reschedules
// everything else after a backoff.
func (e *Engine) failAttempt(ctx context.Context, job jobs.Job, kind services.FailureKind, message string) (jobs.Job, error) {
	e.metrics.Failed(string(job.Stage), string(kind))
	logger := e.stageLogger(job.Key())

	if !kind.Retryable() {
		return e.abandon(ctx, job, kind, message)
	}
	if job.AttemptsUsed() >= e.maxAttempts {
		return e.abandon(ctx, job, kind,
			fmt.Sprintf("attempts exhausted (%d of %d): %s", job.AttemptsUsed(), e.maxAttempts, message))
	}

	delay := e.Backoff(job.AttemptsUsed())
	notBefore := e.now().Add(delay)
	updated, err := e.store.Reschedule(ctx, job.Key(), notBefore, string(kind), message)
	if err != nil {
		return job, err
	}
	attrs := logging.DecisionAttrs("failure_policy", "retry", string(kind))
	attrs = append(attrs,
		logging.String("error_message", message),
		logging.Duration("backoff", delay),
		logging.Time("not_before", notBefore),
		logging.String(logging.FieldImpact, "stage will be redispatched after backoff"),
	)
	logging.WarnWithContext(logger, "stage attempt failed; retry scheduled", "stage_retry_scheduled", attrs...)
	return updated, nil
}

func (e *Engine) abandon(ctx context.Context, job jobs.Job, kind services.FailureKind, message string) (jobs.Job, error) {
	logger := e.stageLogger(job.Key())
	updated, err := e.store.Abandon(ctx, job.Key(), string(kind), message)
	if err != nil {
		if !errors.Is(err, jobs.ErrConflict) {
			logger.Error("failed to persist abandoned job", logging.Error(err))
		}
		return job, err
	}
	e.metrics.Abandoned(string(job.Stage))
	attrs := logging.DecisionAttrs("failure_policy", "abandon", string(kind))
	attrs = append(attrs,
		logging.String("error_message", message),
		logging.Int("attempts_used", updated.AttemptsUsed()),
		logging.Alert("job_abandoned"),
		logging.String(logging.FieldErrorHint, "inspect the stage worker logs, then request with --force to retry"),
	)
	logging.ErrorWithContext(logger, "stage abandoned", "stage_abandoned", attrs...)
	if err := e.notifier.Publish(ctx, notifications.EventJobAbandoned, notifications.Payload{
		"asset":    job.AssetID,
		"stage":    job.Stage.DisplayName(),
		"attempts": updated.AttemptsUsed(),
		"reason":   message,
	}); err != nil && !errors.Is(err, context.Canceled) {
		logger.Debug("abandoned notification failed", logging.Error(err))
	}
	return updated, nil
}

func (e *Engine) discardStale(logger *slog.Logger, reason string) error {
	e.metrics.Discarded("stale")
	logger.Debug("discarding stale message",
		logging.String("reason", reason),
		logging.String(logging.FieldEventType, "message_stale"),
	)
	return ErrStaleMessage
}

func (e *Engine) checkAssetComplete(ctx context.Context, assetID string) {
	all, err := e.store.ListJobs(ctx, assetID)
	if err != nil || len(all) == 0 {
		return
	}
	for _, job := range all {
		if job.Status != jobs.StatusSucceeded {
			return
		}
	}
	e.logger.Info("asset processing complete",
		logging.String(logging.FieldAssetID, assetID),
		logging.Int("stages", len(all)),
		logging.String(logging.FieldEventType, "asset_completed"),
	)
	if err := e.notifier.Publish(ctx, notifications.EventAssetCompleted, notifications.Payload{"asset": assetID}); err != nil &&
		!errors.Is(err, context.Canceled) {
		e.logger.Debug("completion notification failed", logging.Error(err))
	}
}

// Sweep fails inflight attempts that have outlived their stage timeout with
// the timeout failure kind. It returns the number of jobs swept.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	inflight, err := e.store.ListInflight(ctx)
	if err != nil {
		return 0, err
	}
	now := e.now()
	swept := 0
	for _, job := range inflight {
		desc, ok := e.registry.Lookup(job.Stage)
		if !ok || desc.Timeout <= 0 || job.LastDispatchedAt.IsZero() {
			continue
		}
		deadline := job.LastDispatchedAt.Add(desc.Timeout)
		if now.Before(deadline) {
			continue
		}
		message := fmt.Sprintf("no completion within %s of dispatch", desc.Timeout.Round(time.Second))
		if _, err := e.failAttempt(ctx, job, services.FailureTimeout, message); err != nil {
			if errors.Is(err, jobs.ErrConflict) {
				continue
			}
			return swept, err
		}
		e.metrics.SweepTimeout(string(job.Stage))
		swept++
	}
	e.refreshJobGauge(ctx)
	return swept, nil
}

func (e *Engine) refreshJobGauge(ctx context.Context) {
	if e.metrics == nil {
		return
	}
	stats, err := e.store.Stats(ctx)
	if err != nil {
		return
	}
	counts := make(map[string]int, len(stats))
	for status, n := range stats {
		counts[string(status)] = n
	}
	e.metrics.SetJobCounts(counts)
}
