package main

import (
	"strings"

	"github.com/spf13/cobra"

	"mediaflow/internal/daemonrun"
)

func newEngineCommand(ctx *commandContext) *cobra.Command {
	var opts daemonrun.Options

	cmd := &cobra.Command{
		Use:   "engine",
		Short: "Run the task engine and status API in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			return daemonrun.RunEngine(cmd.Context(), cfg, opts)
		},
	}
	bindProcessFlags(cmd, &opts)
	return cmd
}

func newWorkerCommand(ctx *commandContext) *cobra.Command {
	var opts daemonrun.Options
	var stageName string

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run a single-stage worker in the foreground",
		Long: "Run a worker that consumes one stage queue. The stage comes from --stage\n" +
			"or worker.stage in the configuration file.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			name := strings.TrimSpace(stageName)
			if name == "" {
				name = cfg.Worker.Stage
			}
			return daemonrun.RunWorker(cmd.Context(), cfg, name, opts)
		},
	}
	cmd.Flags().StringVar(&stageName, "stage", "", "Stage to serve (scene_detection, flash_detection, phrase_hinting, glossary_generation, crawling)")
	bindProcessFlags(cmd, &opts)
	return cmd
}

func bindProcessFlags(cmd *cobra.Command, opts *daemonrun.Options) {
	cmd.Flags().StringVar(&opts.LogLevel, "log-level", "", "Override logging.level (debug, info, warn, error)")
	cmd.Flags().BoolVar(&opts.SkipPreflight, "skip-preflight", false, "Start even when required preflight checks fail")
}
