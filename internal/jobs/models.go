package jobs

import (
	"time"

	"mediaflow/internal/stage"
)

// Status represents the lifecycle of a job.
type Status string

const (
	StatusPending    Status = "pending"
	StatusDispatched Status = "dispatched"
	StatusRunning    Status = "running"
	StatusSucceeded  Status = "succeeded"
	// StatusFailed is a recognised value for records written by external
	// tooling; the engine itself moves failed attempts to pending or abandoned.
	StatusFailed    Status = "failed"
	StatusAbandoned Status = "abandoned"
)

var allStatuses = []Status{
	StatusPending,
	StatusDispatched,
	StatusRunning,
	StatusSucceeded,
	StatusFailed,
	StatusAbandoned,
}

// AllStatuses lists every status in lifecycle order.
func AllStatuses() []Status {
	out := make([]Status, len(allStatuses))
	copy(out, allStatuses)
	return out
}

// IsTerminal reports whether no further engine transition leaves this status.
func (s Status) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusAbandoned
}

// IsInflight reports whether a worker may currently hold the job.
func (s Status) IsInflight() bool {
	return s == StatusDispatched || s == StatusRunning
}

// Asset is one media item under processing.
type Asset struct {
	AssetID     string
	Profile     string
	SourcePath  string
	SourceURL   string
	ReadOnly    bool
	// Metadata is forwarded verbatim to every stage of the asset.
	Metadata    map[string]string
	CreatedAt   time.Time
	CancelledAt time.Time
}

// Cancelled reports whether the asset was cancelled.
func (a Asset) Cancelled() bool {
	return !a.CancelledAt.IsZero()
}

// Job is the tracked instance of a stage applied to an asset.
type Job struct {
	AssetID string
	Stage   stage.Stage
	Status  Status
	Attempt int
	// AttemptBase is the attempt counter value when the job was last reset by a
	// forced reprocess. Attempts used by the current run are Attempt-AttemptBase.
	AttemptBase      int
	LastDispatchedAt time.Time
	RunningAt        time.Time
	NotBefore        time.Time
	LastError        string
	ErrorKind        string
	ResultRef        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Key returns the idempotency key of the job's current attempt.
func (j Job) Key() stage.Key {
	return stage.Key{AssetID: j.AssetID, Stage: j.Stage, Attempt: j.Attempt}
}

// AttemptsUsed is the number of dispatches since creation or the last forced reset.
func (j Job) AttemptsUsed() int {
	return j.Attempt - j.AttemptBase
}

// Artifact records a reconciled stage result for one attempt.
type Artifact struct {
	AssetID   string
	Stage     stage.Stage
	Attempt   int
	ResultRef string
	Digest    string
	ReadOnly  bool
	CreatedAt time.Time
}

// Event is one audit trail entry.
type Event struct {
	ID         int64
	AssetID    string
	Stage      stage.Stage
	Attempt    int
	FromStatus Status
	ToStatus   Status
	Reason     string
	CreatedAt  time.Time
}

// HealthSummary describes aggregated job counts per lifecycle state.
type HealthSummary struct {
	Total     int
	Pending   int
	Inflight  int
	Succeeded int
	Abandoned int
	Failed    int
}
