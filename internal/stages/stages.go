package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"mediaflow/internal/config"
	"mediaflow/internal/logging"
	"mediaflow/internal/rpcbridge"
	"mediaflow/internal/services"
	"mediaflow/internal/stage"
	"mediaflow/internal/stages/assets"
)

// RPC methods exposed by the inference service.
const (
	MethodDetectScenes   = "scenes.detect"
	MethodDetectFlashes  = "flashes.detect"
	MethodExtractPhrases = "phrases.extract"
	MethodDefineTerms    = "glossary.define"
)

// Deps carries the collaborators processors are built from.
type Deps struct {
	RPC        rpcbridge.Invoker
	Assets     *assets.Locator
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// DepsFromConfig builds the default collaborators for cfg.
func DepsFromConfig(cfg *config.Config, logger *slog.Logger) Deps {
	return Deps{
		RPC:        rpcbridge.NewClient(rpcbridge.ConfigFrom(cfg)),
		Assets:     assets.NewLocator(cfg, logger),
		HTTPClient: &http.Client{Timeout: cfg.CrawlerTimeout()},
		Logger:     logger,
	}
}

// New returns the processor for s.
func New(cfg *config.Config, s stage.Stage, deps Deps) (stage.Processor, error) {
	if deps.Logger == nil {
		deps.Logger = logging.NewNop()
	}
	needsRPC := s != stage.Crawling
	if needsRPC && deps.RPC == nil {
		return nil, services.Wrap(services.ErrConfiguration, string(s), "init", "rpc bridge required", nil)
	}
	switch s {
	case stage.SceneDetection:
		if deps.Assets == nil {
			return nil, services.Wrap(services.ErrConfiguration, string(s), "init", "asset locator required", nil)
		}
		return NewSceneDetector(deps.RPC, deps.Assets, deps.Logger), nil
	case stage.FlashDetection:
		if deps.Assets == nil {
			return nil, services.Wrap(services.ErrConfiguration, string(s), "init", "asset locator required", nil)
		}
		return NewFlashDetector(deps.RPC, deps.Assets, deps.Logger), nil
	case stage.PhraseHinting:
		return NewPhraseHinter(deps.RPC, deps.Logger), nil
	case stage.GlossaryGeneration:
		return NewGlossaryGenerator(deps.RPC, deps.Logger), nil
	case stage.Crawling:
		return NewCrawler(CrawlerConfigFrom(cfg), deps.HTTPClient, deps.Logger), nil
	default:
		return nil, services.Wrap(services.ErrConfiguration, string(s), "init", "unknown stage", nil)
	}
}

// rpcHealth maps an RPC bridge health check onto a stage health record.
func rpcHealth(ctx context.Context, s stage.Stage, rpc rpcbridge.Invoker) stage.Health {
	checker, ok := rpc.(interface{ HealthCheck(context.Context) error })
	if !ok {
		return stage.Healthy(s)
	}
	if err := checker.HealthCheck(ctx); err != nil {
		return stage.Unhealthy(s, err.Error())
	}
	return stage.Healthy(s)
}

// decodeInput unmarshals a prerequisite's stored result.
func decodeInput(task stage.Task, dep stage.Stage, v any) error {
	raw, ok := task.Inputs[dep]
	if !ok || len(raw) == 0 {
		return services.Wrap(services.ErrValidation, string(task.Key.Stage), "load input",
			fmt.Sprintf("%s result missing from dispatch", dep), nil)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return services.Wrap(services.ErrValidation, string(task.Key.Stage), "load input",
			fmt.Sprintf("decode %s result", dep), err)
	}
	return nil
}
