package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"mediaflow/internal/api"
	"mediaflow/internal/daemonrun"
	"mediaflow/internal/engine"
	"mediaflow/internal/stage"
)

type requestOutput struct {
	Asset       api.Asset `json:"asset"`
	Jobs        []api.Job `json:"jobs"`
	CreatedJobs int       `json:"createdJobs"`
	Reset       []string  `json:"reset,omitempty"`
	Dispatched  []string  `json:"dispatched,omitempty"`
	Deferred    []string  `json:"deferred,omitempty"`
}

type cancelOutput struct {
	AssetID   string    `json:"assetId"`
	Cancelled []api.Job `json:"cancelled"`
}

func newRequestCommand(ctx *commandContext) *cobra.Command {
	var opts engine.RequestOptions
	var stageNames []string
	var metaPairs []string

	cmd := &cobra.Command{
		Use:   "request <asset-id>",
		Short: "Request processing for an asset",
		Long: "Create one job per requested stage and dispatch the ready ones.\n" +
			"Repeating a request is safe; existing jobs are reused.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			stages, err := parseStages(stageNames)
			if err != nil {
				return err
			}
			opts.Stages = stages
			if opts.Metadata, err = parseMetadata(metaPairs); err != nil {
				return err
			}
			return ctx.withRuntime(cmd.Context(), func(rt *daemonrun.Runtime) error {
				result, err := rt.Engine.RequestProcessing(cmd.Context(), args[0], opts)
				if err != nil {
					return err
				}
				out := newRequestOutput(result)
				if ctx.json() {
					return writeJSON(cmd, out)
				}
				printRequest(cmd, out)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&opts.Profile, "profile", "", "Stage profile to run (default from engine.default_profile)")
	cmd.Flags().StringSliceVar(&stageNames, "stages", nil, "Explicit stages to run, comma separated")
	cmd.Flags().StringVar(&opts.SourcePath, "source-path", "", "Media path relative to the data directory")
	cmd.Flags().StringVar(&opts.SourceURL, "source-url", "", "Source page URL for crawling")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "Re-run stages that already finished")
	cmd.Flags().BoolVar(&opts.ReadOnly, "read-only", false, "Ask workers not to persist derived rows")
	cmd.Flags().StringArrayVar(&metaPairs, "meta", nil, "Metadata forwarded to every stage as key=value (repeatable)")
	return cmd
}

func newCancelCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <asset-id>",
		Short: "Cancel all outstanding work for an asset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withRuntime(cmd.Context(), func(rt *daemonrun.Runtime) error {
				cancelled, err := rt.Engine.Cancel(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				out := cancelOutput{AssetID: args[0], Cancelled: api.FromJobs(cancelled)}
				if ctx.json() {
					return writeJSON(cmd, out)
				}
				w := cmd.OutOrStdout()
				if len(out.Cancelled) == 0 {
					fmt.Fprintf(w, "Asset %s cancelled; no outstanding jobs\n", args[0])
					return nil
				}
				fmt.Fprintf(w, "Asset %s cancelled; %d job(s) abandoned\n", args[0], len(out.Cancelled))
				for _, job := range out.Cancelled {
					fmt.Fprintf(w, "  %s\n", job.StageName)
				}
				return nil
			})
		},
	}
}

func parseStages(names []string) ([]stage.Stage, error) {
	var out []stage.Stage
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		s, err := stage.Parse(name)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}

func newRequestOutput(result engine.RequestResult) requestOutput {
	out := requestOutput{
		Asset:       api.FromAsset(result.Asset, result.Jobs),
		Jobs:        api.FromJobs(result.Jobs),
		CreatedJobs: result.CreatedJobs,
	}
	for _, s := range result.Reset {
		out.Reset = append(out.Reset, string(s))
	}
	for _, key := range result.Dispatched {
		out.Dispatched = append(out.Dispatched, key.String())
	}
	for _, s := range result.Deferred {
		out.Deferred = append(out.Deferred, string(s))
	}
	return out
}

func printRequest(cmd *cobra.Command, out requestOutput) {
	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Asset %s (profile %s): %d job(s) created, %d dispatched\n",
		out.Asset.AssetID, out.Asset.Profile, out.CreatedJobs, len(out.Dispatched))
	if len(out.Reset) > 0 {
		fmt.Fprintf(w, "Reset: %s\n", strings.Join(out.Reset, ", "))
	}
	if len(out.Deferred) > 0 {
		fmt.Fprintf(w, "Broker unavailable; deferred: %s\n", strings.Join(out.Deferred, ", "))
	}
	fmt.Fprintln(w, renderJobsTable(out.Jobs))
}

// parseMetadata splits each pair on its first "=" so values may contain
// commas and further "=" signs, as URLs often do.
func parseMetadata(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --meta %q: expected key=value", pair)
		}
		out[key] = value
	}
	return out, nil
}
