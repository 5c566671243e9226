package api

import (
	"context"
	"errors"

	"mediaflow/internal/jobs"
)

// JobReader abstracts the job store queries the API needs.
type JobReader interface {
	ListAssets(ctx context.Context, limit int) ([]jobs.Asset, error)
	GetAsset(ctx context.Context, assetID string) (jobs.Asset, error)
	ListJobs(ctx context.Context, assetID string) ([]jobs.Job, error)
	ListEvents(ctx context.Context, assetID string) ([]jobs.Event, error)
	Stats(ctx context.Context) (map[jobs.Status]int, error)
}

// ErrAssetNotFound is returned when the addressed asset has no record.
var ErrAssetNotFound = errors.New("asset not found")

// JobService exposes read-only job store operations returning API DTOs.
type JobService struct {
	store JobReader
}

// NewJobService constructs a JobService around the provided reader.
func NewJobService(store JobReader) *JobService {
	if store == nil {
		return nil
	}
	return &JobService{store: store}
}

// Assets lists the most recent assets with their per-status job counts.
func (s *JobService) Assets(ctx context.Context, limit int) ([]Asset, error) {
	if s == nil {
		return nil, nil
	}
	assets, err := s.store.ListAssets(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]Asset, 0, len(assets))
	for _, asset := range assets {
		assetJobs, err := s.store.ListJobs(ctx, asset.AssetID)
		if err != nil {
			return nil, err
		}
		out = append(out, FromAsset(asset, assetJobs))
	}
	return out, nil
}

// Asset describes a single asset.
func (s *JobService) Asset(ctx context.Context, assetID string) (Asset, error) {
	if s == nil {
		return Asset{}, ErrAssetNotFound
	}
	asset, err := s.lookup(ctx, assetID)
	if err != nil {
		return Asset{}, err
	}
	assetJobs, err := s.store.ListJobs(ctx, assetID)
	if err != nil {
		return Asset{}, err
	}
	return FromAsset(asset, assetJobs), nil
}

// Jobs returns the asset's jobs in stage order.
func (s *JobService) Jobs(ctx context.Context, assetID string) ([]Job, error) {
	if s == nil {
		return nil, ErrAssetNotFound
	}
	if _, err := s.lookup(ctx, assetID); err != nil {
		return nil, err
	}
	list, err := s.store.ListJobs(ctx, assetID)
	if err != nil {
		return nil, err
	}
	return FromJobs(list), nil
}

// Events returns the asset's transition audit trail.
func (s *JobService) Events(ctx context.Context, assetID string) ([]Event, error) {
	if s == nil {
		return nil, ErrAssetNotFound
	}
	if _, err := s.lookup(ctx, assetID); err != nil {
		return nil, err
	}
	events, err := s.store.ListEvents(ctx, assetID)
	if err != nil {
		return nil, err
	}
	return FromEvents(events), nil
}

// Stats returns job counts keyed by status string.
func (s *JobService) Stats(ctx context.Context) (map[string]int, error) {
	if s == nil {
		return MergeJobStats(nil), nil
	}
	stats, err := s.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	return MergeJobStats(stats), nil
}

func (s *JobService) lookup(ctx context.Context, assetID string) (jobs.Asset, error) {
	asset, err := s.store.GetAsset(ctx, assetID)
	if errors.Is(err, jobs.ErrNotFound) {
		return jobs.Asset{}, ErrAssetNotFound
	}
	return asset, err
}
