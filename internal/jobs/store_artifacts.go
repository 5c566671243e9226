package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"mediaflow/internal/stage"
)

// InsertArtifact records the reconciled artifact for (asset, stage, attempt)
// inside tx. It reports false when the row already existed, which callers
// treat as a replay.
func (s *Store) InsertArtifact(ctx context.Context, tx *sql.Tx, artifact Artifact) (bool, error) {
	if artifact.AssetID == "" || !artifact.Stage.Valid() || artifact.Attempt < 1 {
		return false, fmt.Errorf("invalid artifact key %s/%s/%d", artifact.AssetID, artifact.Stage, artifact.Attempt)
	}
	res, err := tx.ExecContext(ensureContext(ctx),
		`INSERT INTO artifacts (asset_id, stage, attempt, result_ref, digest, read_only, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(asset_id, stage, attempt) DO NOTHING`,
		artifact.AssetID, string(artifact.Stage), artifact.Attempt, artifact.ResultRef,
		artifact.Digest, boolToInt(artifact.ReadOnly), s.timestamp(),
	)
	if err != nil {
		return false, fmt.Errorf("insert artifact: %w", err)
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// GetArtifact returns the artifact row for a key.
func (s *Store) GetArtifact(ctx context.Context, key stage.Key) (Artifact, error) {
	row := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT asset_id, stage, attempt, result_ref, digest, read_only, created_at
		 FROM artifacts WHERE asset_id = ? AND stage = ? AND attempt = ?`,
		key.AssetID, string(key.Stage), key.Attempt)
	var (
		artifact Artifact
		st       string
		readOnly int
		created  sql.NullString
	)
	err := row.Scan(&artifact.AssetID, &st, &artifact.Attempt, &artifact.ResultRef, &artifact.Digest, &readOnly, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, fmt.Errorf("artifact %s: %w", key, ErrNotFound)
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("get artifact: %w", err)
	}
	artifact.Stage = stage.Stage(st)
	artifact.ReadOnly = readOnly != 0
	artifact.CreatedAt = parseTime(created)
	return artifact, nil
}

// CountArtifacts returns how many attempts of (asset, stage) were reconciled.
func (s *Store) CountArtifacts(ctx context.Context, assetID string, st stage.Stage) (int, error) {
	var count int
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT COUNT(1) FROM artifacts WHERE asset_id = ? AND stage = ?`, assetID, string(st)).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count artifacts: %w", err)
	}
	return count, nil
}

// CountRows returns the number of rows for an asset in one of the per-stage
// artifact tables.
func (s *Store) CountRows(ctx context.Context, table, assetID string) (int, error) {
	if !artifactTables[table] {
		return 0, fmt.Errorf("unknown artifact table %q", table)
	}
	var count int
	err := s.db.QueryRowContext(ensureContext(ctx),
		`SELECT COUNT(1) FROM `+table+` WHERE asset_id = ?`, assetID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count %s: %w", table, err)
	}
	return count, nil
}

var artifactTables = map[string]bool{
	"scenes":           true,
	"flashes":          true,
	"phrase_hints":     true,
	"glossary_entries": true,
	"crawl_pages":      true,
}
