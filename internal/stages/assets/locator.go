// Package assets resolves the media file behind an asset id inside the data
// directory, optionally downloading it when it is missing.
package assets

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"mediaflow/internal/config"
	"mediaflow/internal/fileutil"
	"mediaflow/internal/logging"
	"mediaflow/internal/services"
	"mediaflow/internal/textutil"
)

// MediaSubdir is where assets without an explicit source path are looked up.
const MediaSubdir = "media"

// Locator finds asset files under the data directory.
type Locator struct {
	dataDir     string
	download    bool
	downloadURL string
	client      *http.Client
	logger      *slog.Logger
}

// NewLocator builds a locator from the assets section of cfg.
func NewLocator(cfg *config.Config, logger *slog.Logger) *Locator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Locator{
		dataDir:     cfg.Paths.DataDir,
		download:    cfg.Assets.DownloadMissing && cfg.Assets.DownloadBaseURL != "",
		downloadURL: cfg.Assets.DownloadBaseURL,
		client:      &http.Client{Timeout: time.Duration(cfg.Assets.DownloadTimeout) * time.Second},
		logger:      logging.NewComponentLogger(logger, "assets"),
	}
}

// Locate returns the absolute path of the asset's media file. A relative
// sourcePath is resolved under the data directory and may not escape it;
// an empty one looks for media/<asset>.* there. Missing files are
// downloaded when enabled, and otherwise reported as services.ErrNotFound.
func (l *Locator) Locate(ctx context.Context, assetID, sourcePath string) (string, error) {
	sourcePath = strings.TrimSpace(sourcePath)
	if sourcePath != "" {
		target, err := l.resolve(sourcePath)
		if err != nil {
			return "", err
		}
		if fileutil.IsRegular(target) {
			return target, nil
		}
		return l.fetch(ctx, assetID, target)
	}

	if strings.ContainsAny(assetID, `/\`) || strings.Contains(assetID, "..") {
		return "", services.Wrap(services.ErrValidation, "assets", "locate",
			fmt.Sprintf("asset id %q is not a plain name", assetID), nil)
	}
	mediaDir := filepath.Join(l.dataDir, MediaSubdir)
	matches, err := filepath.Glob(filepath.Join(mediaDir, globEscape(assetID)+".*"))
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "assets", "locate", "invalid asset id", err)
	}
	for _, match := range matches {
		if fileutil.IsRegular(match) {
			return match, nil
		}
	}
	return l.fetch(ctx, assetID, filepath.Join(mediaDir, textutil.SanitizeToken(assetID)))
}

func (l *Locator) resolve(sourcePath string) (string, error) {
	if filepath.IsAbs(sourcePath) {
		return filepath.Clean(sourcePath), nil
	}
	target := filepath.Join(l.dataDir, sourcePath)
	rel, err := filepath.Rel(l.dataDir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", services.Wrap(services.ErrValidation, "assets", "locate",
			fmt.Sprintf("source path %q escapes the data directory", sourcePath), nil)
	}
	return target, nil
}

func (l *Locator) fetch(ctx context.Context, assetID, target string) (string, error) {
	if !l.download {
		return "", services.Wrap(services.ErrNotFound, "assets", "locate",
			fmt.Sprintf("media for asset %s not found at %s", assetID, target), nil)
	}
	endpoint, err := url.JoinPath(l.downloadURL, url.PathEscape(assetID))
	if err != nil {
		return "", services.Wrap(services.ErrConfiguration, "assets", "download", "build url", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", services.Wrap(services.ErrConfiguration, "assets", "download", "new request", err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return "", services.Wrap(services.ErrUnavailable, "assets", "download", endpoint, err)
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return "", services.Wrap(services.ErrNotFound, "assets", "download",
			fmt.Sprintf("asset %s not available upstream", assetID), nil)
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return "", services.Wrap(services.ErrUnavailable, "assets", "download", fmt.Sprintf("http %d", resp.StatusCode), nil)
	case resp.StatusCode != http.StatusOK:
		return "", services.Wrap(services.ErrInvalidRequest, "assets", "download", fmt.Sprintf("http %d", resp.StatusCode), nil)
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return "", services.Wrap(services.ErrConfiguration, "assets", "download", "create media dir", err)
	}
	written, err := fileutil.WriteAtomic(target, resp.Body)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, fs.ErrClosed) {
			return "", services.Wrap(services.ErrUnavailable, "assets", "download", "truncated body", err)
		}
		return "", services.Wrap(services.ErrTransient, "assets", "download", "write media file", err)
	}
	l.logger.Info("asset downloaded",
		logging.String(logging.FieldAssetID, assetID),
		logging.String("path", target),
		logging.Int64("bytes", written),
		logging.String(logging.FieldEventType, "asset_downloaded"),
	)
	return target, nil
}

func globEscape(value string) string {
	return strings.NewReplacer(`*`, `\*`, `?`, `\?`, `[`, `\[`, `\`, `\\`).Replace(value)
}
