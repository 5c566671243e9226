package engine

import "errors"

var (
	// ErrStaleMessage marks an inbound message for an attempt the job has moved past.
	ErrStaleMessage = errors.New("stale message")
	// ErrPrerequisiteUnmet is returned when a stage's prerequisites have not all succeeded.
	ErrPrerequisiteUnmet = errors.New("prerequisite not succeeded")
	// ErrDataInconsistency marks a message that contradicts a terminal job.
	ErrDataInconsistency = errors.New("data inconsistency")
	// ErrAssetCancelled is returned for requests against a cancelled asset.
	ErrAssetCancelled = errors.New("asset cancelled")
	// ErrAttemptsExhausted is returned when a dispatch would exceed max attempts.
	ErrAttemptsExhausted = errors.New("attempts exhausted")
)
