package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"mediaflow/internal/preflight"
	"mediaflow/internal/stage"
)

func newPreflightCommand(ctx *commandContext) *cobra.Command {
	var stageName string

	cmd := &cobra.Command{
		Use:   "preflight",
		Short: "Check that configured dependencies are reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			var results []preflight.Result
			if stageName != "" {
				s, err := stage.Parse(stageName)
				if err != nil {
					return err
				}
				results = preflight.ForWorker(cmd.Context(), cfg, s)
			} else {
				results = preflight.RunAll(cmd.Context(), cfg)
			}

			if ctx.json() {
				if err := writeJSON(cmd, results); err != nil {
					return err
				}
			} else {
				w := cmd.OutOrStdout()
				colorize := shouldColorize(w)
				for _, r := range results {
					fmt.Fprintln(w, renderStatusLine(r.Name, preflightKind(r), r.Detail, colorize))
				}
			}
			if failed := preflight.Failed(results); len(failed) > 0 {
				return fmt.Errorf("%d preflight check(s) failed", len(failed))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&stageName, "stage", "", "Run the checks a worker for this stage would run")
	return cmd
}
