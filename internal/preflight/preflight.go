package preflight

import (
	"context"
	"strings"

	"mediaflow/internal/config"
	"mediaflow/internal/stage"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
	// Optional results are reported but never fail the run.
	Optional bool `json:"optional,omitempty"`
}

// Failed returns the required checks that did not pass.
func Failed(results []Result) []Result {
	var out []Result
	for _, r := range results {
		if !r.Passed && !r.Optional {
			out = append(out, r)
		}
	}
	return out
}

// RunAll executes the checks relevant to the engine process: data and state
// directories, job store, broker, artifact store, and the RPC bridge when one
// is configured.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckDirectoryAccess("State directory", cfg.Paths.StateDir),
		CheckJobStore(ctx, cfg),
		CheckBroker(ctx, cfg),
		CheckArtifacts(ctx, cfg),
	}
	if strings.TrimSpace(cfg.RPC.BaseURL) != "" {
		rpc := CheckRPC(ctx, cfg)
		rpc.Optional = true
		results = append(results, rpc)
	}
	return results
}

// ForWorker executes the checks a worker for s needs before consuming.
func ForWorker(ctx context.Context, cfg *config.Config, s stage.Stage) []Result {
	if cfg == nil {
		return nil
	}
	results := []Result{
		CheckDirectoryAccess("Data directory", cfg.Paths.DataDir),
		CheckBroker(ctx, cfg),
		CheckArtifacts(ctx, cfg),
	}
	if s != stage.Crawling {
		results = append(results, CheckRPC(ctx, cfg))
	}
	return results
}
