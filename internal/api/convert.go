package api

import (
	"sort"
	"time"

	"mediaflow/internal/jobs"
	"mediaflow/internal/stage"
)

// FromJob converts a job record into its transport form.
func FromJob(job jobs.Job) Job {
	return Job{
		AssetID:        job.AssetID,
		Stage:          string(job.Stage),
		StageName:      job.Stage.DisplayName(),
		Status:         string(job.Status),
		Attempt:        job.Attempt,
		AttemptsUsed:   job.AttemptsUsed(),
		LastDispatched: formatTime(job.LastDispatchedAt),
		RunningAt:      formatTime(job.RunningAt),
		NotBefore:      formatTime(job.NotBefore),
		LastError:      job.LastError,
		ErrorKind:      job.ErrorKind,
		ResultRef:      job.ResultRef,
		CreatedAt:      formatTime(job.CreatedAt),
		UpdatedAt:      formatTime(job.UpdatedAt),
	}
}

// FromJobs converts jobs and orders them by stage.
func FromJobs(list []jobs.Job) []Job {
	out := make([]Job, 0, len(list))
	for _, job := range list {
		out = append(out, FromJob(job))
	}
	sort.SliceStable(out, func(i, j int) bool {
		return stage.Stage(out[i].Stage).Order() < stage.Stage(out[j].Stage).Order()
	})
	return out
}

// FromAsset converts an asset; jobs, when given, fill JobCounts.
func FromAsset(asset jobs.Asset, assetJobs []jobs.Job) Asset {
	dto := Asset{
		AssetID:     asset.AssetID,
		Profile:     asset.Profile,
		SourcePath:  asset.SourcePath,
		SourceURL:   asset.SourceURL,
		ReadOnly:    asset.ReadOnly,
		Metadata:    asset.Metadata,
		Cancelled:   asset.Cancelled(),
		CreatedAt:   formatTime(asset.CreatedAt),
		CancelledAt: formatTime(asset.CancelledAt),
	}
	if len(assetJobs) > 0 {
		dto.JobCounts = make(map[string]int)
		for _, job := range assetJobs {
			dto.JobCounts[string(job.Status)]++
		}
	}
	return dto
}

// FromEvents converts the audit trail.
func FromEvents(events []jobs.Event) []Event {
	out := make([]Event, 0, len(events))
	for _, evt := range events {
		out = append(out, Event{
			Stage:     string(evt.Stage),
			Attempt:   evt.Attempt,
			From:      string(evt.FromStatus),
			To:        string(evt.ToStatus),
			Reason:    evt.Reason,
			CreatedAt: formatTime(evt.CreatedAt),
		})
	}
	return out
}

// MergeJobStats returns counts for every status, including zeroes.
func MergeJobStats(stats map[jobs.Status]int) map[string]int {
	out := make(map[string]int, len(stats))
	for _, status := range jobs.AllStatuses() {
		out[string(status)] = stats[status]
	}
	return out
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(dateTimeFormat)
}
