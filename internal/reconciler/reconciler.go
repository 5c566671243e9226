// Package reconciler applies completed stage results to the Job Record Store.
//
// Apply writes the artifact row and the stage rows in one transaction, and
// only afterwards moves the job to succeeded. A crash between the two steps
// leaves an inflight job whose artifact already exists; replaying the same
// completion finds the artifact, skips the writes, and finishes the status
// update.
package reconciler

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"mediaflow/internal/artifacts"
	"mediaflow/internal/envelope"
	"mediaflow/internal/jobs"
	"mediaflow/internal/logging"
	"mediaflow/internal/services"
	"mediaflow/internal/stage"
)

// Hook runs between the artifact transaction and the status update.
type Hook func(ctx context.Context, key stage.Key) error

// Reconciler persists completed results.
type Reconciler struct {
	store    *jobs.Store
	blobs    artifacts.Store
	registry *stage.Registry
	logger   *slog.Logger

	afterArtifact Hook
}

// Option customizes a Reconciler.
type Option func(*Reconciler)

// WithAfterArtifact installs a hook run after the artifact commit. Returning
// an error aborts Apply before the status update.
func WithAfterArtifact(h Hook) Option {
	return func(r *Reconciler) {
		r.afterArtifact = h
	}
}

// New constructs a Reconciler. Every registered stage must have an apply
// function bound.
func New(store *jobs.Store, blobs artifacts.Store, registry *stage.Registry, logger *slog.Logger, opts ...Option) (*Reconciler, error) {
	for _, s := range registry.Stages() {
		desc, _ := registry.Lookup(s)
		if desc.Apply == nil {
			return nil, fmt.Errorf("reconciler: stage %s has no apply function", s)
		}
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Reconciler{
		store:    store,
		blobs:    blobs,
		registry: registry,
		logger:   logging.NewComponentLogger(logger, "reconciler"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Outcome describes what Apply did.
type Outcome struct {
	Job jobs.Job
	// Replayed is true when the artifact already existed.
	Replayed bool
	Digest   string
}

// Apply reconciles a completion envelope. Validation failures carry
// services.ErrValidation; a lost status race returns jobs.ErrConflict.
func (r *Reconciler) Apply(ctx context.Context, env envelope.Envelope) (Outcome, error) {
	key := env.Key()
	desc, ok := r.registry.Lookup(key.Stage)
	if !ok {
		return Outcome{}, services.Wrap(services.ErrConfiguration, string(key.Stage), "reconcile", "stage not registered", nil)
	}

	data := []byte(env.Payload)
	if len(data) == 0 {
		var err error
		data, err = r.blobs.Get(ctx, env.ResultRef)
		if err != nil {
			return Outcome{}, fmt.Errorf("load result %s: %w", env.ResultRef, err)
		}
	}
	result, err := r.registry.DecodeResult(key.Stage, data)
	if err != nil {
		return Outcome{}, err
	}

	asset, err := r.store.GetAsset(ctx, key.AssetID)
	if err != nil {
		return Outcome{}, err
	}

	digest := artifacts.Digest(data)
	var inserted bool
	err = r.store.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		inserted, err = r.store.InsertArtifact(ctx, tx, jobs.Artifact{
			AssetID:   key.AssetID,
			Stage:     key.Stage,
			Attempt:   key.Attempt,
			ResultRef: env.ResultRef,
			Digest:    digest,
			ReadOnly:  asset.ReadOnly,
		})
		if err != nil || !inserted || asset.ReadOnly {
			return err
		}
		return desc.Apply(ctx, tx, key, result)
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("persist artifact %s: %w", key, err)
	}
	if !inserted {
		r.logger.Info("artifact already recorded; resuming status update",
			logging.String(logging.FieldAssetID, key.AssetID),
			logging.String(logging.FieldStage, string(key.Stage)),
			logging.Int(logging.FieldAttempt, key.Attempt),
			logging.String(logging.FieldEventType, "reconcile_replay"),
		)
	}

	if r.afterArtifact != nil {
		if err := r.afterArtifact(ctx, key); err != nil {
			return Outcome{}, err
		}
	}

	job, err := r.store.MarkSucceeded(ctx, key, env.ResultRef)
	if err != nil {
		if errors.Is(err, jobs.ErrConflict) {
			current, getErr := r.store.GetJob(ctx, key.AssetID, key.Stage)
			if getErr == nil && current.Status == jobs.StatusSucceeded &&
				current.Attempt == key.Attempt && current.ResultRef == env.ResultRef {
				return Outcome{Job: current, Replayed: true, Digest: digest}, nil
			}
		}
		return Outcome{}, err
	}
	return Outcome{Job: job, Replayed: !inserted, Digest: digest}, nil
}
