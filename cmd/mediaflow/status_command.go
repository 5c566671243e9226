package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"mediaflow/internal/api"
	"mediaflow/internal/config"
	"mediaflow/internal/jobs"
)

const statusProbeTimeout = 2 * time.Second

type statusOutput struct {
	EngineReachable bool                `json:"engineReachable"`
	Runtime         *api.StatusResponse `json:"runtime,omitempty"`
	JobCounts       map[string]int      `json:"jobCounts"`
}

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show engine, broker and job status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := statusOutput{}
			if err := ctx.withJobService(func(svc *api.JobService) error {
				out.JobCounts, err = svc.Stats(cmd.Context())
				return err
			}); err != nil {
				return err
			}
			if runtime, err := fetchRuntimeStatus(cmd.Context(), cfg); err == nil {
				out.EngineReachable = true
				out.Runtime = runtime
			}
			if ctx.json() {
				return writeJSON(cmd, out)
			}
			printStatus(cmd, out)
			return nil
		},
	}
}

// fetchRuntimeStatus asks a running engine for its live state over the
// status API.
func fetchRuntimeStatus(ctx context.Context, cfg *config.Config) (*api.StatusResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, statusProbeTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+cfg.Paths.APIBind+"/api/status", nil)
	if err != nil {
		return nil, err
	}
	if cfg.Paths.APIToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.Paths.APIToken)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status api: http %d", resp.StatusCode)
	}
	var status api.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return &status, nil
}

func printStatus(cmd *cobra.Command, out statusOutput) {
	w := cmd.OutOrStdout()
	colorize := shouldColorize(w)

	fmt.Fprintln(w, "System")
	switch {
	case !out.EngineReachable:
		fmt.Fprintln(w, renderStatusLine("Engine", statusWarn, "not reachable", colorize))
	case out.Runtime.Engine.Authority:
		fmt.Fprintln(w, renderStatusLine("Engine", statusOK, "running (dispatch authority)", colorize))
	case out.Runtime.Engine.Running:
		fmt.Fprintln(w, renderStatusLine("Engine", statusWarn, "running without dispatch authority", colorize))
	default:
		fmt.Fprintln(w, renderStatusLine("Engine", statusError, "stopped", colorize))
	}
	if out.Runtime != nil {
		if msg := out.Runtime.Engine.LastError; msg != "" {
			fmt.Fprintln(w, renderStatusLine("Last error", statusWarn, msg, colorize))
		}
		b := out.Runtime.Broker
		if b.Degraded {
			fmt.Fprintln(w, renderStatusLine("Broker", statusError,
				fmt.Sprintf("degraded after %d failures: %s", b.ConsecutiveFailures, b.LastError), colorize))
		} else {
			fmt.Fprintln(w, renderStatusLine("Broker", statusOK, "healthy", colorize))
		}
	}

	fmt.Fprintln(w)
	rows := make([][]string, 0, len(out.JobCounts))
	for _, st := range jobs.AllStatuses() {
		rows = append(rows, []string{string(st), strconv.Itoa(out.JobCounts[string(st)])})
	}
	fmt.Fprintln(w, renderTable([]string{"Status", "Jobs"}, rows, []columnAlignment{alignLeft, alignRight}))
}
