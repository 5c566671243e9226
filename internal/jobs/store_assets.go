package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"mediaflow/internal/stage"
)

const assetColumns = `asset_id, profile, source_path, source_url, read_only, metadata, created_at, cancelled_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAsset(row rowScanner) (Asset, error) {
	var (
		asset      Asset
		sourcePath sql.NullString
		sourceURL  sql.NullString
		readOnly   int
		metadata   sql.NullString
		created    sql.NullString
		cancelled  sql.NullString
	)
	if err := row.Scan(&asset.AssetID, &asset.Profile, &sourcePath, &sourceURL, &readOnly, &metadata, &created, &cancelled); err != nil {
		return Asset{}, err
	}
	if metadata.String != "" {
		if err := json.Unmarshal([]byte(metadata.String), &asset.Metadata); err != nil {
			return Asset{}, fmt.Errorf("decode asset metadata: %w", err)
		}
	}
	asset.SourcePath = sourcePath.String
	asset.SourceURL = sourceURL.String
	asset.ReadOnly = readOnly != 0
	asset.CreatedAt = parseTime(created)
	asset.CancelledAt = parseTime(cancelled)
	return asset, nil
}

// EnsureResult reports what EnsureAssetJobs created.
type EnsureResult struct {
	Asset        Asset
	Jobs         []Job
	CreatedAsset bool
	CreatedJobs  int
}

// EnsureAsset inserts the asset if absent and returns the stored row. An
// existing asset keeps its original profile, source and metadata.
func (s *Store) EnsureAsset(ctx context.Context, asset Asset) (Asset, bool, error) {
	var (
		stored  Asset
		created bool
	)
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		stored, created, err = s.ensureAssetTx(ctx, tx, asset)
		return err
	})
	return stored, created, err
}

func (s *Store) ensureAssetTx(ctx context.Context, tx *sql.Tx, asset Asset) (Asset, bool, error) {
	id := strings.TrimSpace(asset.AssetID)
	if id == "" {
		return Asset{}, false, errors.New("asset id is required")
	}
	metadata, err := encodeMetadata(asset.Metadata)
	if err != nil {
		return Asset{}, false, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO assets (asset_id, profile, source_path, source_url, read_only, metadata, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(asset_id) DO NOTHING`,
		id, asset.Profile, nullableString(asset.SourcePath), nullableString(asset.SourceURL),
		boolToInt(asset.ReadOnly), metadata, s.timestamp(),
	)
	if err != nil {
		return Asset{}, false, fmt.Errorf("insert asset: %w", err)
	}
	affected, _ := res.RowsAffected()
	stored, err := scanAsset(tx.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE asset_id = ?`, id))
	if err != nil {
		return Asset{}, false, fmt.Errorf("load asset: %w", err)
	}
	return stored, affected > 0, nil
}

// EnsureAssetJobs creates the asset and one pending job per stage in a single
// transaction. Existing rows are left untouched, so repeating the call with
// the same input is a no-op.
func (s *Store) EnsureAssetJobs(ctx context.Context, asset Asset, stages []stage.Stage) (EnsureResult, error) {
	var result EnsureResult
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		result = EnsureResult{}
		stored, created, err := s.ensureAssetTx(ctx, tx, asset)
		if err != nil {
			return err
		}
		result.Asset = stored
		result.CreatedAsset = created
		for _, st := range stages {
			ok, err := s.ensureJobTx(ctx, tx, stored.AssetID, st)
			if err != nil {
				return err
			}
			if ok {
				result.CreatedJobs++
			}
		}
		jobs, err := queryJobs(ctx, tx, `WHERE asset_id = ? ORDER BY created_at, stage`, stored.AssetID)
		if err != nil {
			return err
		}
		result.Jobs = jobs
		return nil
	})
	return result, err
}

// GetAsset fetches an asset by ID.
func (s *Store) GetAsset(ctx context.Context, assetID string) (Asset, error) {
	ctx = ensureContext(ctx)
	asset, err := scanAsset(s.db.QueryRowContext(ctx, `SELECT `+assetColumns+` FROM assets WHERE asset_id = ?`, assetID))
	if errors.Is(err, sql.ErrNoRows) {
		return Asset{}, fmt.Errorf("asset %s: %w", assetID, ErrNotFound)
	}
	if err != nil {
		return Asset{}, fmt.Errorf("get asset: %w", err)
	}
	return asset, nil
}

// ListAssets returns assets ordered by creation time, newest first.
func (s *Store) ListAssets(ctx context.Context, limit int) ([]Asset, error) {
	ctx = ensureContext(ctx)
	query := `SELECT ` + assetColumns + ` FROM assets ORDER BY created_at DESC, asset_id`
	var args []any
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list assets: %w", err)
	}
	defer rows.Close()

	var assets []Asset
	for rows.Next() {
		asset, err := scanAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, rows.Err()
}

// CancelAsset marks the asset cancelled. It returns false when the asset was
// already cancelled.
func (s *Store) CancelAsset(ctx context.Context, assetID string) (bool, error) {
	var changed bool
	err := s.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		changed, err = s.cancelAssetTx(ctx, tx, assetID)
		return err
	})
	return changed, err
}

func (s *Store) cancelAssetTx(ctx context.Context, tx *sql.Tx, assetID string) (bool, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE assets SET cancelled_at = ? WHERE asset_id = ? AND cancelled_at IS NULL`,
		s.timestamp(), assetID,
	)
	if err != nil {
		return false, fmt.Errorf("cancel asset: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected > 0 {
		return true, nil
	}
	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM assets WHERE asset_id = ?`, assetID).Scan(&exists); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("asset %s: %w", assetID, ErrNotFound)
		}
		return false, err
	}
	return false, nil
}

func encodeMetadata(metadata map[string]string) (any, error) {
	if len(metadata) == 0 {
		return nil, nil
	}
	raw, err := json.Marshal(metadata)
	if err != nil {
		return nil, fmt.Errorf("encode asset metadata: %w", err)
	}
	return string(raw), nil
}
