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

// SceneDetector splits an asset's video into shots.
type SceneDetector struct {
	rpc    rpcbridge.Invoker
	assets *assets.Locator
	logger *slog.Logger
}

// NewSceneDetector constructs the scene detection processor.
func NewSceneDetector(rpc rpcbridge.Invoker, locator *assets.Locator, logger *slog.Logger) *SceneDetector {
	return &SceneDetector{rpc: rpc, assets: locator, logger: logging.NewComponentLogger(logger, "scene-detection")}
}

func (d *SceneDetector) Stage() stage.Stage { return stage.SceneDetection }

type mediaRequest struct {
	AssetID  string            `json:"asset_id"`
	Path     string            `json:"path"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Process asks the inference service for shot boundaries and returns them
// ordered by start time and reindexed from zero. Zero-length shots are dropped.
func (d *SceneDetector) Process(ctx context.Context, task stage.Task) (any, error) {
	path, err := d.assets.Locate(ctx, task.Key.AssetID, task.Payload.SourcePath)
	if err != nil {
		return nil, err
	}
	resp, err := d.rpc.Invoke(ctx, rpcbridge.Request{
		Method:  MethodDetectScenes,
		Payload: mediaRequest{AssetID: task.Key.AssetID, Path: path, Metadata: task.Payload.Metadata},
	})
	if err != nil {
		return nil, err
	}
	var result stage.SceneResult
	if err := resp.Decode(&result); err != nil {
		return nil, err
	}

	scenes := result.Scenes[:0]
	for _, sc := range result.Scenes {
		if sc.End > sc.Start && sc.Start >= 0 {
			scenes = append(scenes, sc)
		}
	}
	sort.SliceStable(scenes, func(i, j int) bool { return scenes[i].Start < scenes[j].Start })
	for i := range scenes {
		scenes[i].Index = i
	}
	result.Scenes = scenes

	logging.WithContext(ctx, d.logger).Info("scenes detected",
		logging.Int("scenes", len(scenes)),
		logging.String(logging.FieldEventType, "scenes_detected"),
	)
	return result, nil
}

func (d *SceneDetector) HealthCheck(ctx context.Context) stage.Health {
	return rpcHealth(ctx, d.Stage(), d.rpc)
}
