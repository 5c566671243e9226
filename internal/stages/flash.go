package stages

import (
	"context"
	"log/slog"
	"sort"

	"mediaflow/internal/logging"
	"mediaflow/internal/rpcbridge"
	"mediaflow/internal/stage"
	"mediaflow/internal/stages/assets"
)

// Danger ratings for flash windows.
const (
	DangerLow    = "low"
	DangerMedium = "medium"
	DangerHigh   = "high"
)

// Thresholds on the relative luminance change of a flash window.
const (
	mediumLuminance = 0.5
	highLuminance   = 0.8
	// More than three flashes per second is the photosensitivity guideline.
	highFlashRate = 3.0
)

// FlashDetector finds photosensitivity hazards in an asset's video.
type FlashDetector struct {
	rpc    rpcbridge.Invoker
	assets *assets.Locator
	logger *slog.Logger
}

// NewFlashDetector constructs the flash detection processor.
func NewFlashDetector(rpc rpcbridge.Invoker, locator *assets.Locator, logger *slog.Logger) *FlashDetector {
	return &FlashDetector{rpc: rpc, assets: locator, logger: logging.NewComponentLogger(logger, "flash-detection")}
}

func (d *FlashDetector) Stage() stage.Stage { return stage.FlashDetection }

type rawFlash struct {
	Start         float64 `json:"start"`
	End           float64 `json:"end"`
	Luminance     float64 `json:"luminance"`
	RedTransition bool    `json:"red_transition"`
	// Count is the number of flashes inside the window.
	Count  int    `json:"count"`
	Danger string `json:"danger"`
}

// Process asks the inference service for flash windows and rates each one.
func (d *FlashDetector) Process(ctx context.Context, task stage.Task) (any, error) {
	path, err := d.assets.Locate(ctx, task.Key.AssetID, task.Payload.SourcePath)
	if err != nil {
		return nil, err
	}
	resp, err := d.rpc.Invoke(ctx, rpcbridge.Request{
		Method:  MethodDetectFlashes,
		Payload: mediaRequest{AssetID: task.Key.AssetID, Path: path, Metadata: task.Payload.Metadata},
	})
	if err != nil {
		return nil, err
	}
	var raw struct {
		Flashes []rawFlash `json:"flashes"`
	}
	if err := resp.Decode(&raw); err != nil {
		return nil, err
	}

	result := stage.FlashResult{Flashes: make([]stage.Flash, 0, len(raw.Flashes))}
	high := 0
	for _, f := range raw.Flashes {
		if f.Start < 0 || f.End < f.Start {
			continue
		}
		flash := stage.Flash{
			Start:         f.Start,
			End:           f.End,
			Luminance:     max(f.Luminance, 0),
			RedTransition: f.RedTransition,
			Danger:        ClassifyDanger(f.Luminance, f.RedTransition, f.Count, f.End-f.Start),
		}
		if reported := f.Danger; dangerRank(reported) > dangerRank(flash.Danger) {
			flash.Danger = reported
		}
		if flash.Danger == DangerHigh {
			high++
		}
		result.Flashes = append(result.Flashes, flash)
	}
	sort.SliceStable(result.Flashes, func(i, j int) bool { return result.Flashes[i].Start < result.Flashes[j].Start })

	logging.WithContext(ctx, d.logger).Info("flashes detected",
		logging.Int("flashes", len(result.Flashes)),
		logging.Int("high_danger", high),
		logging.String(logging.FieldEventType, "flashes_detected"),
	)
	return result, nil
}

func (d *FlashDetector) HealthCheck(ctx context.Context) stage.Health {
	return rpcHealth(ctx, d.Stage(), d.rpc)
}

// ClassifyDanger rates a flash window. Saturated red transitions and windows
// flashing faster than three times per second are always high.
func ClassifyDanger(luminance float64, redTransition bool, count int, duration float64) string {
	rate := 0.0
	if duration > 0 {
		rate = float64(count) / duration
	}
	switch {
	case redTransition, luminance >= highLuminance, rate > highFlashRate:
		return DangerHigh
	case luminance >= mediumLuminance:
		return DangerMedium
	default:
		return DangerLow
	}
}

func dangerRank(danger string) int {
	switch danger {
	case DangerHigh:
		return 3
	case DangerMedium:
		return 2
	case DangerLow:
		return 1
	default:
		return 0
	}
}
