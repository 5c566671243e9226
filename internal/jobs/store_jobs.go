package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"mediaflow/internal/stage"
)

const jobColumns = `asset_id, stage, status, attempt, attempt_base, last_dispatched_at, running_at,
	not_before, last_error, error_kind, result_ref, created_at, updated_at`

type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func scanJob(row rowScanner) (Job, error) {
	var (
		job        Job
		stageName  string
		status     string
		dispatched sql.NullString
		running    sql.NullString
		notBefore  sql.NullString
		lastError  sql.NullString
		errorKind  sql.NullString
		resultRef  sql.NullString
		created    sql.NullString
		updated    sql.NullString
	)
	if err := row.Scan(
		&job.AssetID, &stageName, &status, &job.Attempt, &job.AttemptBase,
		&dispatched, &running, &notBefore, &lastError, &errorKind, &resultRef,
		&created, &updated,
	); err != nil {
		return Job{}, err
	}
	job.Stage = stage.Stage(stageName)
	job.Status = Status(status)
	job.LastDispatchedAt = parseTime(dispatched)
	job.RunningAt = parseTime(running)
	job.NotBefore = parseTime(notBefore)
	job.LastError = lastError.String
	job.ErrorKind = errorKind.String
	job.ResultRef = resultRef.String
	job.CreatedAt = parseTime(created)
	job.UpdatedAt = parseTime(updated)
	return job, nil
}

func queryJobs(ctx context.Context, q querier, clause string, args ...any) ([]Job, error) {
	rows, err := q.QueryContext(ctx, `SELECT `+jobColumns+` FROM jobs `+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func getJob(ctx context.Context, q querier, assetID string, st stage.Stage) (Job, error) {
	job, err := scanJob(q.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE asset_id = ? AND stage = ?`, assetID, string(st)))
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %s/%s: %w", assetID, st, ErrNotFound)
	}
	if err != nil {
		return Job{}, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// EnsureJob inserts a pending job for (asset, stage) if none exists. It
// reports whether a row was created.
func (s *Store) EnsureJob(ctx context.Context, assetID string, st stage.Stage) (bool, error) {
	var created bool
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		created, err = s.ensureJobTx(ctx, tx, assetID, st)
		return err
	})
	return created, err
}

func (s *Store) ensureJobTx(ctx context.Context, tx *sql.Tx, assetID string, st stage.Stage) (bool, error) {
	if !st.Valid() {
		return false, fmt.Errorf("unknown stage %q", st)
	}
	now := s.timestamp()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO jobs (asset_id, stage, status, attempt, attempt_base, created_at, updated_at)
		 VALUES (?, ?, ?, 0, 0, ?, ?)
		 ON CONFLICT(asset_id, stage) DO NOTHING`,
		assetID, string(st), string(StatusPending), now, now,
	)
	if err != nil {
		return false, fmt.Errorf("insert job: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return false, nil
	}
	if err := insertEvent(ctx, tx, assetID, st, 0, "", StatusPending, "created", now); err != nil {
		return false, err
	}
	return true, nil
}

// GetJob fetches the job for (asset, stage).
func (s *Store) GetJob(ctx context.Context, assetID string, st stage.Stage) (Job, error) {
	return getJob(ensureContext(ctx), s.db, assetID, st)
}

// ListJobs returns every job of an asset in stage creation order.
func (s *Store) ListJobs(ctx context.Context, assetID string) ([]Job, error) {
	return queryJobs(ensureContext(ctx), s.db, `WHERE asset_id = ? ORDER BY created_at, stage`, assetID)
}

// ListByStatus returns jobs in any of the given statuses.
func (s *Store) ListByStatus(ctx context.Context, statuses ...Status) ([]Job, error) {
	if len(statuses) == 0 {
		return queryJobs(ensureContext(ctx), s.db, `ORDER BY updated_at, asset_id, stage`)
	}
	clause, args := statusClause(statuses)
	return queryJobs(ensureContext(ctx), s.db, `WHERE `+clause+` ORDER BY updated_at, asset_id, stage`, args...)
}

// Dependency states that Stage may only run once Prerequisite succeeded.
type Dependency struct {
	Stage        stage.Stage
	Prerequisite stage.Stage
}

// DuePending returns pending jobs of non-cancelled assets whose not_before is
// unset or has passed, oldest first. Jobs with a prerequisite in deps that has
// not succeeded are left out so they never crowd ready jobs out of the batch.
func (s *Store) DuePending(ctx context.Context, now time.Time, limit int, deps ...Dependency) ([]Job, error) {
	var b strings.Builder
	b.WriteString(`WHERE status = ? AND (not_before IS NULL OR not_before <= ?)
		AND asset_id IN (SELECT asset_id FROM assets WHERE cancelled_at IS NULL)`)
	args := []any{string(StatusPending), formatTime(now)}
	for _, dep := range deps {
		b.WriteString(`
		AND NOT (stage = ? AND NOT EXISTS (
			SELECT 1 FROM jobs AS pre
			WHERE pre.asset_id = jobs.asset_id AND pre.stage = ? AND pre.status = ?))`)
		args = append(args, string(dep.Stage), string(dep.Prerequisite), string(StatusSucceeded))
	}
	b.WriteString(`
		ORDER BY updated_at, asset_id, stage`)
	if limit > 0 {
		b.WriteString(` LIMIT ?`)
		args = append(args, limit)
	}
	return queryJobs(ensureContext(ctx), s.db, b.String(), args...)
}

// ListInflight returns dispatched and running jobs ordered by dispatch time.
func (s *Store) ListInflight(ctx context.Context) ([]Job, error) {
	return queryJobs(ensureContext(ctx), s.db,
		`WHERE status IN (?, ?) ORDER BY last_dispatched_at, asset_id, stage`,
		string(StatusDispatched), string(StatusRunning))
}

func statusClause(statuses []Status) (string, []any) {
	placeholders := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, status := range statuses {
		placeholders[i] = "?"
		args[i] = string(status)
	}
	return "status IN (" + strings.Join(placeholders, ", ") + ")", args
}
