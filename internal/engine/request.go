package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"mediaflow/internal/jobs"
	"mediaflow/internal/logging"
	"mediaflow/internal/services"
	"mediaflow/internal/stage"
)

// RequestOptions parameterize RequestProcessing.
type RequestOptions struct {
	// Profile selects the stage set from the policy table; empty uses the default.
	Profile string
	// Stages, when set, overrides the profile's stage set.
	Stages     []stage.Stage
	SourcePath string
	SourceURL  string
	// Force resets succeeded and abandoned jobs so they run again.
	Force    bool
	ReadOnly bool
	// Metadata is stored on a new asset and forwarded to every stage.
	Metadata map[string]string
}

// RequestResult reports what RequestProcessing did.
type RequestResult struct {
	Asset       jobs.Asset
	Jobs        []jobs.Job
	CreatedJobs int
	Reset       []stage.Stage
	Dispatched  []stage.Key
	// Deferred lists ready jobs left pending because the broker refused the
	// dispatch. The dispatch loop retries them.
	Deferred []stage.Stage
}

// RequestProcessing ensures one job per (asset, stage) for the requested
// stages and dispatches those that are ready. Repeating a request is safe:
// existing jobs are reused and nothing is dispatched twice.
func (e *Engine) RequestProcessing(ctx context.Context, assetID string, opts RequestOptions) (RequestResult, error) {
	assetID = strings.TrimSpace(assetID)
	if err := validateAssetID(assetID); err != nil {
		return RequestResult{}, err
	}
	stages, err := e.resolveStages(opts)
	if err != nil {
		return RequestResult{}, err
	}

	existing, err := e.store.GetAsset(ctx, assetID)
	switch {
	case err == nil && existing.Cancelled():
		return RequestResult{}, fmt.Errorf("request %s: %w", assetID, ErrAssetCancelled)
	case err != nil && !errors.Is(err, jobs.ErrNotFound):
		return RequestResult{}, err
	}

	ensured, err := e.store.EnsureAssetJobs(ctx, jobs.Asset{
		AssetID:    assetID,
		Profile:    e.profileName(opts),
		SourcePath: strings.TrimSpace(opts.SourcePath),
		SourceURL:  strings.TrimSpace(opts.SourceURL),
		ReadOnly:   opts.ReadOnly,
		Metadata:   cleanMetadata(opts.Metadata),
	}, stages)
	if err != nil {
		return RequestResult{}, err
	}
	if ensured.Asset.Cancelled() {
		return RequestResult{}, fmt.Errorf("request %s: %w", assetID, ErrAssetCancelled)
	}

	result := RequestResult{Asset: ensured.Asset, CreatedJobs: ensured.CreatedJobs}
	requested := make(map[stage.Stage]struct{}, len(stages))
	for _, s := range stages {
		requested[s] = struct{}{}
	}

	if opts.Force {
		for _, job := range ensured.Jobs {
			if _, ok := requested[job.Stage]; !ok {
				continue
			}
			if job.Status != jobs.StatusSucceeded && job.Status != jobs.StatusAbandoned && job.Status != jobs.StatusFailed {
				continue
			}
			if _, err := e.store.ResetForForce(ctx, assetID, job.Stage); err != nil {
				if errors.Is(err, jobs.ErrConflict) {
					continue
				}
				return RequestResult{}, err
			}
			result.Reset = append(result.Reset, job.Stage)
		}
	}

	all, err := e.store.ListJobs(ctx, assetID)
	if err != nil {
		return RequestResult{}, err
	}
	now := e.now()
	for _, job := range all {
		if _, ok := requested[job.Stage]; !ok || job.Status != jobs.StatusPending {
			continue
		}
		if !job.NotBefore.IsZero() && job.NotBefore.After(now) {
			continue
		}
		dispatched, err := e.dispatch(ctx, job, opts.Force)
		switch {
		case err == nil:
			result.Dispatched = append(result.Dispatched, dispatched.Key())
		case errors.Is(err, ErrPrerequisiteUnmet), errors.Is(err, jobs.ErrConflict):
		case errors.Is(err, services.ErrBrokerUnavailable):
			result.Deferred = append(result.Deferred, job.Stage)
		case errors.Is(err, ErrAttemptsExhausted):
		default:
			return result, err
		}
	}

	result.Jobs, err = e.store.ListJobs(ctx, assetID)
	if err != nil {
		return result, err
	}
	e.logger.Info("processing requested",
		logging.String(logging.FieldAssetID, assetID),
		logging.Int("stages", len(stages)),
		logging.Int("created_jobs", result.CreatedJobs),
		logging.Int("dispatched", len(result.Dispatched)),
		logging.Int("deferred", len(result.Deferred)),
		logging.Bool("force", opts.Force),
		logging.String(logging.FieldEventType, "processing_requested"),
	)
	return result, nil
}

// validateAssetID rejects IDs that cannot serve as a single path segment of a
// result reference or asset path.
func validateAssetID(id string) error {
	reason := ""
	switch {
	case id == "":
		reason = "asset id required"
	case id == "." || id == "..":
		reason = fmt.Sprintf("asset id %q is reserved", id)
	case strings.ContainsAny(id, `/\`):
		reason = fmt.Sprintf("asset id %q must not contain path separators", id)
	case strings.IndexFunc(id, unicode.IsControl) >= 0:
		reason = fmt.Sprintf("asset id %q contains control characters", id)
	default:
		return nil
	}
	return services.Wrap(services.ErrValidation, "", "request processing", reason, nil)
}

func cleanMetadata(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		if k = strings.TrimSpace(k); k != "" {
			out[k] = strings.TrimSpace(v)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func (e *Engine) profileName(opts RequestOptions) string {
	name := strings.ToLower(strings.TrimSpace(opts.Profile))
	if name == "" && len(opts.Stages) == 0 {
		name = e.cfg.Engine.DefaultProfile
	}
	return name
}

// resolveStages expands the requested stage set with every transitive
// prerequisite so that dependents can become ready.
func (e *Engine) resolveStages(opts RequestOptions) ([]stage.Stage, error) {
	base := opts.Stages
	if len(base) == 0 {
		var err error
		base, err = e.cfg.ProfileStages(opts.Profile)
		if err != nil {
			return nil, services.Wrap(services.ErrValidation, "", "request processing", err.Error(), nil)
		}
	}
	seen := make(map[stage.Stage]struct{})
	var out []stage.Stage
	var visit func(s stage.Stage) error
	visit = func(s stage.Stage) error {
		if _, ok := seen[s]; ok {
			return nil
		}
		if _, ok := e.registry.Lookup(s); !ok {
			return services.Wrap(services.ErrValidation, string(s), "request processing", "stage not enabled", nil)
		}
		seen[s] = struct{}{}
		for _, dep := range e.registry.Prerequisites(s) {
			if err := visit(dep); err != nil {
				return err
			}
		}
		out = append(out, s)
		return nil
	}
	for _, s := range base {
		if err := visit(s); err != nil {
			return nil, err
		}
	}
	if len(out) == 0 {
		return nil, services.Wrap(services.ErrValidation, "", "request processing", "no stages selected", nil)
	}
	return out, nil
}

// Cancel abandons every open job of the asset and marks it cancelled. It is
// one-way: later requests for the asset fail with ErrAssetCancelled.
func (e *Engine) Cancel(ctx context.Context, assetID string) ([]jobs.Job, error) {
	if _, err := e.store.GetAsset(ctx, assetID); err != nil {
		return nil, err
	}
	abandoned, err := e.store.CancelJobs(ctx, assetID, "cancelled by request")
	if err != nil {
		return nil, err
	}
	for _, job := range abandoned {
		e.metrics.Abandoned(string(job.Stage))
	}
	e.logger.Info("asset cancelled",
		logging.String(logging.FieldAssetID, assetID),
		logging.Int("abandoned", len(abandoned)),
		logging.String(logging.FieldEventType, "asset_cancelled"),
	)
	return abandoned, nil
}
