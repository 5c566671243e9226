// Package artifacts stores stage result blobs keyed by (asset, stage,
// attempt). Workers write a result before publishing its completion; the
// reconciler reads it back by reference.
package artifacts

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"mediaflow/internal/config"
	"mediaflow/internal/services"
	"mediaflow/internal/stage"
)

// ErrNotFound is returned when no blob exists for a reference.
var ErrNotFound = fmt.Errorf("artifact %w", services.ErrNotFound)

// Store persists result blobs.
type Store interface {
	// Put writes data for key and returns its reference. Writing the same key
	// again replaces the blob.
	Put(ctx context.Context, key stage.Key, data []byte) (string, error)
	// Get reads the blob behind ref.
	Get(ctx context.Context, ref string) ([]byte, error)
	// Exists reports whether a blob for key is present and returns its reference.
	Exists(ctx context.Context, key stage.Key) (string, bool, error)
}

// Ref returns the reference of key: "<asset>/<stage>/<attempt>.json".
func Ref(key stage.Key) string {
	return fmt.Sprintf("%s/%s/%d.json", key.AssetID, key.Stage, key.Attempt)
}

// ParseRef reverses Ref.
func ParseRef(ref string) (stage.Key, error) {
	parts := strings.Split(strings.TrimSpace(ref), "/")
	if len(parts) != 3 || !strings.HasSuffix(parts[2], ".json") {
		return stage.Key{}, fmt.Errorf("invalid artifact ref %q: %w", ref, services.ErrValidation)
	}
	st, err := stage.Parse(parts[1])
	if err != nil {
		return stage.Key{}, fmt.Errorf("invalid artifact ref %q: %w", ref, err)
	}
	attempt, err := strconv.Atoi(strings.TrimSuffix(parts[2], ".json"))
	if err != nil || attempt < 1 || parts[0] == "" || parts[0] == "." || parts[0] == ".." {
		return stage.Key{}, fmt.Errorf("invalid artifact ref %q: %w", ref, services.ErrValidation)
	}
	return stage.Key{AssetID: parts[0], Stage: st, Attempt: attempt}, nil
}

// Digest returns the hex SHA-256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Open builds the store selected by cfg.Artifacts.Backend.
func Open(ctx context.Context, cfg *config.Config) (Store, error) {
	switch cfg.Artifacts.Backend {
	case config.ArtifactsS3:
		return NewS3(ctx, S3Options{
			Endpoint:  cfg.Artifacts.Endpoint,
			Bucket:    cfg.Artifacts.Bucket,
			Region:    cfg.Artifacts.Region,
			AccessKey: cfg.Artifacts.AccessKey,
			SecretKey: cfg.Artifacts.SecretKey,
			UseSSL:    cfg.Artifacts.UseSSL,
		})
	default:
		return NewFS(cfg.Artifacts.Dir)
	}
}
