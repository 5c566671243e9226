package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"mediaflow/internal/api"
	"mediaflow/internal/jobs"
)

type assetDetail struct {
	Asset  api.Asset   `json:"asset"`
	Jobs   []api.Job   `json:"jobs"`
	Events []api.Event `json:"events,omitempty"`
}

func newJobsCommand(ctx *commandContext) *cobra.Command {
	jobsCmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect assets and their stage jobs",
	}
	jobsCmd.AddCommand(newJobsListCommand(ctx))
	jobsCmd.AddCommand(newJobsShowCommand(ctx))
	return jobsCmd
}

func newJobsListCommand(ctx *commandContext) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recent assets with job counts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withJobService(func(svc *api.JobService) error {
				assets, err := svc.Assets(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if ctx.json() {
					return writeJSON(cmd, api.AssetListResponse{Assets: assets})
				}
				if len(assets) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No assets")
					return nil
				}
				fmt.Fprintln(cmd.OutOrStdout(), renderAssetsTable(assets))
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 50, "Maximum number of assets to list")
	return cmd
}

func newJobsShowCommand(ctx *commandContext) *cobra.Command {
	var withEvents bool

	cmd := &cobra.Command{
		Use:   "show <asset-id>",
		Short: "Show an asset's jobs",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withJobService(func(svc *api.JobService) error {
				asset, err := svc.Asset(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				detail := assetDetail{Asset: asset}
				if detail.Jobs, err = svc.Jobs(cmd.Context(), args[0]); err != nil {
					return err
				}
				if withEvents {
					if detail.Events, err = svc.Events(cmd.Context(), args[0]); err != nil {
						return err
					}
				}
				if ctx.json() {
					return writeJSON(cmd, detail)
				}
				printAssetDetail(cmd, detail)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&withEvents, "events", false, "Include the status transition history")
	return cmd
}

func printAssetDetail(cmd *cobra.Command, detail assetDetail) {
	w := cmd.OutOrStdout()
	a := detail.Asset
	fmt.Fprintf(w, "Asset:    %s\n", a.AssetID)
	fmt.Fprintf(w, "Profile:  %s\n", a.Profile)
	if a.SourcePath != "" {
		fmt.Fprintf(w, "Source:   %s\n", a.SourcePath)
	}
	if a.SourceURL != "" {
		fmt.Fprintf(w, "URL:      %s\n", a.SourceURL)
	}
	fmt.Fprintf(w, "ReadOnly: %s\n", yesNo(a.ReadOnly))
	if a.Cancelled {
		fmt.Fprintf(w, "Cancelled at %s\n", a.CancelledAt)
	}
	fmt.Fprintln(w, renderJobsTable(detail.Jobs))
	if len(detail.Events) == 0 {
		return
	}
	rows := make([][]string, 0, len(detail.Events))
	for _, ev := range detail.Events {
		rows = append(rows, []string{ev.CreatedAt, ev.Stage, strconv.Itoa(ev.Attempt), ev.From, ev.To, ev.Reason})
	}
	fmt.Fprintln(w, renderTable(
		[]string{"Time", "Stage", "Attempt", "From", "To", "Reason"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft, alignLeft},
	))
}

func renderJobsTable(list []api.Job) string {
	rows := make([][]string, 0, len(list))
	for _, job := range list {
		detail := job.LastError
		if job.Status == string(jobs.StatusSucceeded) {
			detail = job.ResultRef
		}
		rows = append(rows, []string{
			job.StageName,
			job.Status,
			strconv.Itoa(job.AttemptsUsed),
			job.NotBefore,
			detail,
		})
	}
	return renderTable(
		[]string{"Stage", "Status", "Attempts", "Not Before", "Detail"},
		rows,
		[]columnAlignment{alignLeft, alignLeft, alignRight, alignLeft, alignLeft},
	)
}

func renderAssetsTable(assets []api.Asset) string {
	statuses := jobs.AllStatuses()
	headers := []string{"Asset", "Profile"}
	aligns := []columnAlignment{alignLeft, alignLeft}
	for _, st := range statuses {
		headers = append(headers, string(st))
		aligns = append(aligns, alignRight)
	}
	rows := make([][]string, 0, len(assets))
	for _, a := range assets {
		profile := a.Profile
		if a.Cancelled {
			profile += " (cancelled)"
		}
		row := []string{a.AssetID, profile}
		for _, st := range statuses {
			row = append(row, strconv.Itoa(a.JobCounts[string(st)]))
		}
		rows = append(rows, row)
	}
	return renderTable(headers, rows, aligns)
}
