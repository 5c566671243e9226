package engine

import (
	"context"
	"errors"
	"fmt"

	"mediaflow/internal/broker"
	"mediaflow/internal/envelope"
	"mediaflow/internal/jobs"
	"mediaflow/internal/logging"
	"mediaflow/internal/services"
	"mediaflow/internal/stage"
)

// Dispatch moves a pending job to dispatched with the next attempt number and
// publishes its dispatch envelope. When the publish fails the transition is
// reverted and the error carries services.ErrBrokerUnavailable.
func (e *Engine) Dispatch(ctx context.Context, job jobs.Job) (jobs.Job, error) {
	return e.dispatch(ctx, job, false)
}

func (e *Engine) dispatch(ctx context.Context, job jobs.Job, force bool) (jobs.Job, error) {
	desc, ok := e.registry.Lookup(job.Stage)
	if !ok {
		return job, services.Wrap(services.ErrConfiguration, string(job.Stage), "dispatch", "stage not registered", nil)
	}
	asset, err := e.store.GetAsset(ctx, job.AssetID)
	if err != nil {
		return job, err
	}
	if asset.Cancelled() {
		return job, fmt.Errorf("dispatch %s/%s: %w", job.AssetID, job.Stage, ErrAssetCancelled)
	}
	inputs, err := e.prerequisiteResults(ctx, job.AssetID, job.Stage)
	if err != nil {
		return job, err
	}
	if job.AttemptsUsed() >= e.maxAttempts {
		e.abandon(ctx, job, services.FailureTransient,
			fmt.Sprintf("attempts exhausted (%d of %d)", job.AttemptsUsed(), e.maxAttempts))
		return job, fmt.Errorf("dispatch %s: %w", job.Key(), ErrAttemptsExhausted)
	}

	dispatched, err := e.store.MarkDispatched(ctx, job.AssetID, job.Stage, job.Attempt)
	if err != nil {
		return job, err
	}
	key := dispatched.Key()
	logger := e.stageLogger(key)

	env, err := envelope.NewDispatch(key, stage.DispatchPayload{
		Profile:    asset.Profile,
		SourcePath: asset.SourcePath,
		SourceURL:  asset.SourceURL,
		Force:      force,
		ReadOnly:   asset.ReadOnly,
		Inputs:     inputs,
		Metadata:   asset.Metadata,
	})
	if err == nil {
		err = e.publish(ctx, desc.Queue, env)
	}
	if err != nil {
		e.metrics.PublishFailed()
		if _, revertErr := e.store.RevertDispatch(context.WithoutCancel(ctx), key, err.Error()); revertErr != nil {
			logging.ErrorWithContext(logger, "dispatch revert failed; sweep will recover the job", "dispatch_revert_failed",
				logging.Error(revertErr),
				logging.String(logging.FieldErrorHint, "check job store access"),
			)
		}
		logging.WarnWithContext(logger, "dispatch publish failed; job returned to pending", "dispatch_publish_failed",
			logging.Error(err),
			logging.String(logging.FieldQueue, desc.Queue),
			logging.String(logging.FieldErrorHint, "check broker connectivity"),
			logging.String(logging.FieldImpact, "stage will be redispatched by the dispatch loop"),
		)
		if errors.Is(err, services.ErrBrokerUnavailable) {
			return job, err
		}
		return job, services.Wrap(services.ErrBrokerUnavailable, string(job.Stage), "dispatch", key.String(), err)
	}

	e.metrics.Dispatched(string(job.Stage))
	logger.Info("stage dispatched",
		logging.String(logging.FieldQueue, desc.Queue),
		logging.String(logging.FieldEventType, "stage_dispatched"),
	)
	return dispatched, nil
}

func (e *Engine) publish(ctx context.Context, queue string, env envelope.Envelope) error {
	body, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	return e.broker.Publish(ctx, queue, broker.Message{
		ID:          env.ID,
		ContentType: "application/json",
		Body:        body,
	})
}

// prerequisiteResults returns the result refs of s's prerequisites, or
// ErrPrerequisiteUnmet when any of them has not succeeded.
func (e *Engine) prerequisiteResults(ctx context.Context, assetID string, s stage.Stage) (map[stage.Stage]string, error) {
	prereqs := e.registry.Prerequisites(s)
	if len(prereqs) == 0 {
		return nil, nil
	}
	refs := make(map[stage.Stage]string, len(prereqs))
	for _, dep := range prereqs {
		job, err := e.store.GetJob(ctx, assetID, dep)
		if errors.Is(err, jobs.ErrNotFound) {
			return nil, fmt.Errorf("%s/%s needs %s (missing): %w", assetID, s, dep, ErrPrerequisiteUnmet)
		}
		if err != nil {
			return nil, err
		}
		if job.Status != jobs.StatusSucceeded {
			return nil, fmt.Errorf("%s/%s needs %s (%s): %w", assetID, s, dep, job.Status, ErrPrerequisiteUnmet)
		}
		refs[dep] = job.ResultRef
	}
	return refs, nil
}

// DispatchDue dispatches pending jobs whose backoff has elapsed and whose
// prerequisites have succeeded. It stops at the first broker failure.
func (e *Engine) DispatchDue(ctx context.Context) (int, error) {
	due, err := e.store.DuePending(ctx, e.now(), e.cfg.Engine.DispatchBatch, e.dependencies()...)
	if err != nil {
		return 0, err
	}
	count := 0
	for _, job := range due {
		if ctx.Err() != nil {
			return count, ctx.Err()
		}
		_, err := e.dispatch(ctx, job, false)
		switch {
		case err == nil:
			count++
		case errors.Is(err, ErrPrerequisiteUnmet), errors.Is(err, jobs.ErrConflict),
			errors.Is(err, ErrAttemptsExhausted), errors.Is(err, ErrAssetCancelled):
		default:
			return count, err
		}
	}
	return count, nil
}

// dependencies flattens the registry's prerequisite graph for DuePending.
func (e *Engine) dependencies() []jobs.Dependency {
	var deps []jobs.Dependency
	for _, s := range e.registry.Stages() {
		for _, pre := range e.registry.Prerequisites(s) {
			deps = append(deps, jobs.Dependency{Stage: s, Prerequisite: pre})
		}
	}
	return deps
}

// dispatchDependents dispatches the pending dependents of a stage that just
// succeeded, where all of their prerequisites are now satisfied.
func (e *Engine) dispatchDependents(ctx context.Context, assetID string, s stage.Stage) {
	now := e.now()
	for _, dep := range e.registry.Dependents(s) {
		job, err := e.store.GetJob(ctx, assetID, dep)
		if errors.Is(err, jobs.ErrNotFound) {
			continue
		}
		if err != nil {
			e.logger.Warn("dependent lookup failed; dispatch loop will retry",
				logging.String(logging.FieldAssetID, assetID),
				logging.String(logging.FieldStage, string(dep)),
				logging.Error(err),
			)
			continue
		}
		if job.Status != jobs.StatusPending || (!job.NotBefore.IsZero() && job.NotBefore.After(now)) {
			continue
		}
		if _, err := e.dispatch(ctx, job, false); err != nil &&
			!errors.Is(err, ErrPrerequisiteUnmet) && !errors.Is(err, jobs.ErrConflict) {
			e.logger.Debug("dependent dispatch deferred",
				logging.String(logging.FieldAssetID, assetID),
				logging.String(logging.FieldStage, string(dep)),
				logging.Error(err),
			)
		}
	}
}
