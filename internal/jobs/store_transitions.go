package jobs

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"

	"mediaflow/internal/stage"
)

// Transition describes a compare-and-swap on one job row. The update applies
// only when the row's status is one of From and, unless AnyAttempt is set,
// its attempt equals Attempt.
type Transition struct {
	AssetID    string
	Stage      stage.Stage
	From       []Status
	Attempt    int
	AnyAttempt bool
	To         Status

	// AttemptDelta is added to the attempt counter.
	AttemptDelta int
	// ResetBase records the current attempt as the new attempt base and clears
	// the previous result and error.
	ResetBase bool
	NotBefore time.Time
	Error     string
	ErrorKind string
	ResultRef string
	Reason    string
}

// Transition applies t in its own transaction and returns the updated row.
// It returns ErrNotFound when the job does not exist and ErrConflict when the
// row's status or attempt no longer match.
func (s *Store) Transition(ctx context.Context, t Transition) (Job, error) {
	var job Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		job, err = s.TransitionTx(ctx, tx, t)
		return err
	})
	return job, err
}

// TransitionTx applies t inside an existing transaction.
func (s *Store) TransitionTx(ctx context.Context, tx *sql.Tx, t Transition) (Job, error) {
	ctx = ensureContext(ctx)
	if len(t.From) == 0 {
		return Job{}, fmt.Errorf("transition %s/%s: no source status", t.AssetID, t.Stage)
	}
	current, err := getJob(ctx, tx, t.AssetID, t.Stage)
	if err != nil {
		return Job{}, err
	}
	if !slices.Contains(t.From, current.Status) || (!t.AnyAttempt && current.Attempt != t.Attempt) {
		return current, fmt.Errorf("job %s/%s is %s#%d, expected %s#%d: %w",
			t.AssetID, t.Stage, current.Status, current.Attempt, joinStatuses(t.From), t.Attempt, ErrConflict)
	}

	now := s.timestamp()
	nextAttempt := current.Attempt + t.AttemptDelta
	sets := []string{"status = ?", "attempt = ?", "updated_at = ?", "not_before = ?"}
	args := []any{string(t.To), nextAttempt, now, nullableTime(t.NotBefore)}

	switch t.To {
	case StatusDispatched:
		sets = append(sets, "last_dispatched_at = ?", "running_at = NULL")
		args = append(args, now)
	case StatusRunning:
		sets = append(sets, "running_at = ?")
		args = append(args, now)
	case StatusSucceeded:
		sets = append(sets, "result_ref = ?", "last_error = NULL", "error_kind = NULL")
		args = append(args, nullableString(t.ResultRef))
	}
	if t.ResetBase {
		sets = append(sets, "attempt_base = ?", "result_ref = NULL", "last_error = NULL", "error_kind = NULL",
			"last_dispatched_at = NULL", "running_at = NULL")
		args = append(args, nextAttempt)
	}
	if t.Error != "" {
		sets = append(sets, "last_error = ?", "error_kind = ?")
		args = append(args, t.Error, nullableString(t.ErrorKind))
	}

	query := `UPDATE jobs SET ` + strings.Join(sets, ", ") + ` WHERE asset_id = ? AND stage = ? AND status = ? AND attempt = ?`
	args = append(args, t.AssetID, string(t.Stage), string(current.Status), current.Attempt)
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return Job{}, fmt.Errorf("update job: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return current, fmt.Errorf("job %s/%s: %w", t.AssetID, t.Stage, ErrConflict)
	}

	reason := t.Reason
	if reason == "" {
		reason = t.Error
	}
	if err := insertEvent(ctx, tx, t.AssetID, t.Stage, nextAttempt, current.Status, t.To, reason, now); err != nil {
		return Job{}, err
	}
	return getJob(ctx, tx, t.AssetID, t.Stage)
}

// MarkDispatched moves pending(attempt) to dispatched(attempt+1).
func (s *Store) MarkDispatched(ctx context.Context, assetID string, st stage.Stage, attempt int) (Job, error) {
	return s.Transition(ctx, Transition{
		AssetID:      assetID,
		Stage:        st,
		From:         []Status{StatusPending},
		Attempt:      attempt,
		To:           StatusDispatched,
		AttemptDelta: 1,
		Reason:       "dispatched",
	})
}

// RevertDispatch undoes MarkDispatched after the dispatch message could not
// be published: dispatched(n) becomes pending(n-1).
func (s *Store) RevertDispatch(ctx context.Context, key stage.Key, cause string) (Job, error) {
	return s.Transition(ctx, Transition{
		AssetID:      key.AssetID,
		Stage:        key.Stage,
		From:         []Status{StatusDispatched},
		Attempt:      key.Attempt,
		To:           StatusPending,
		AttemptDelta: -1,
		Error:        cause,
		ErrorKind:    "broker",
		Reason:       "publish failed",
	})
}

// MarkRunning records the worker acknowledgement for the attempt.
func (s *Store) MarkRunning(ctx context.Context, key stage.Key) (Job, error) {
	return s.Transition(ctx, Transition{
		AssetID: key.AssetID,
		Stage:   key.Stage,
		From:    []Status{StatusDispatched},
		Attempt: key.Attempt,
		To:      StatusRunning,
		Reason:  "started",
	})
}

// Reschedule returns an inflight attempt to pending, eligible for dispatch at notBefore.
func (s *Store) Reschedule(ctx context.Context, key stage.Key, notBefore time.Time, kind, message string) (Job, error) {
	return s.Transition(ctx, Transition{
		AssetID:   key.AssetID,
		Stage:     key.Stage,
		From:      []Status{StatusDispatched, StatusRunning},
		Attempt:   key.Attempt,
		To:        StatusPending,
		NotBefore: notBefore,
		Error:     message,
		ErrorKind: kind,
		Reason:    "retry scheduled",
	})
}

// Abandon gives up on the attempt. Pending jobs can be abandoned as well, for
// example when their attempts are exhausted before redispatch.
func (s *Store) Abandon(ctx context.Context, key stage.Key, kind, message string) (Job, error) {
	return s.Transition(ctx, Transition{
		AssetID:   key.AssetID,
		Stage:     key.Stage,
		From:      []Status{StatusPending, StatusDispatched, StatusRunning},
		Attempt:   key.Attempt,
		To:        StatusAbandoned,
		Error:     message,
		ErrorKind: kind,
		Reason:    "abandoned",
	})
}

// MarkSucceeded records the reconciled result of an inflight attempt.
func (s *Store) MarkSucceeded(ctx context.Context, key stage.Key, resultRef string) (Job, error) {
	return s.Transition(ctx, Transition{
		AssetID:   key.AssetID,
		Stage:     key.Stage,
		From:      []Status{StatusDispatched, StatusRunning},
		Attempt:   key.Attempt,
		To:        StatusSucceeded,
		ResultRef: resultRef,
		Reason:    "succeeded",
	})
}

// ResetForForce returns a finished job to pending for a forced reprocess.
// The attempt counter is kept so that messages from earlier attempts remain
// stale; the attempt budget restarts from the current value.
func (s *Store) ResetForForce(ctx context.Context, assetID string, st stage.Stage) (Job, error) {
	return s.Transition(ctx, Transition{
		AssetID:    assetID,
		Stage:      st,
		From:       []Status{StatusSucceeded, StatusFailed, StatusAbandoned},
		AnyAttempt: true,
		To:         StatusPending,
		ResetBase:  true,
		Reason:     "forced reprocess",
	})
}

// CancelJobs abandons every non-terminal job of the asset and marks the asset
// cancelled, all in one transaction. It returns the abandoned jobs.
func (s *Store) CancelJobs(ctx context.Context, assetID, reason string) ([]Job, error) {
	var abandoned []Job
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		abandoned = nil
		if _, err := s.cancelAssetTx(ctx, tx, assetID); err != nil {
			return err
		}
		open, err := queryJobs(ctx, tx, `WHERE asset_id = ? AND status IN (?, ?, ?, ?) ORDER BY stage`,
			assetID, string(StatusPending), string(StatusDispatched), string(StatusRunning), string(StatusFailed))
		if err != nil {
			return err
		}
		for _, job := range open {
			updated, err := s.TransitionTx(ctx, tx, Transition{
				AssetID:   job.AssetID,
				Stage:     job.Stage,
				From:      []Status{job.Status},
				Attempt:   job.Attempt,
				To:        StatusAbandoned,
				Error:     reason,
				ErrorKind: "cancelled",
				Reason:    "cancelled",
			})
			if err != nil {
				return err
			}
			abandoned = append(abandoned, updated)
		}
		return nil
	})
	return abandoned, err
}

func insertEvent(ctx context.Context, tx *sql.Tx, assetID string, st stage.Stage, attempt int, from, to Status, reason, at string) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO job_events (asset_id, stage, attempt, from_status, to_status, reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		assetID, string(st), attempt, nullableString(string(from)), string(to), nullableString(reason), at,
	)
	if err != nil {
		return fmt.Errorf("record job event: %w", err)
	}
	return nil
}

// ListEvents returns the audit trail of an asset in insertion order.
func (s *Store) ListEvents(ctx context.Context, assetID string) ([]Event, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, asset_id, stage, attempt, from_status, to_status, reason, created_at
		 FROM job_events WHERE asset_id = ? ORDER BY id`, assetID)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev      Event
			st      string
			from    sql.NullString
			to      string
			reason  sql.NullString
			created sql.NullString
		)
		if err := rows.Scan(&ev.ID, &ev.AssetID, &st, &ev.Attempt, &from, &to, &reason, &created); err != nil {
			return nil, err
		}
		ev.Stage = stage.Stage(st)
		ev.FromStatus = Status(from.String)
		ev.ToStatus = Status(to)
		ev.Reason = reason.String
		ev.CreatedAt = parseTime(created)
		events = append(events, ev)
	}
	return events, rows.Err()
}

func joinStatuses(statuses []Status) string {
	parts := make([]string, len(statuses))
	for i, s := range statuses {
		parts[i] = string(s)
	}
	return strings.Join(parts, "|")
}
