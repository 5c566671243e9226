package jobs_test

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"testing"
	"time"

	"mediaflow/internal/jobs"
	"mediaflow/internal/stage"
	"mediaflow/internal/testsupport"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func openStore(t *testing.T) (*jobs.Store, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	cfg := testsupport.NewConfig(t)
	return testsupport.MustOpenStore(t, cfg, jobs.WithClock(clock.Now)), clock
}

func ensureVideo(t *testing.T, store *jobs.Store, assetID string) jobs.EnsureResult {
	t.Helper()
	result, err := store.EnsureAssetJobs(context.Background(), jobs.Asset{
		AssetID:    assetID,
		Profile:    "video",
		SourcePath: "/media/" + assetID + ".mkv",
	}, []stage.Stage{stage.SceneDetection, stage.FlashDetection})
	if err != nil {
		t.Fatalf("EnsureAssetJobs: %v", err)
	}
	return result
}

func TestOpenAppliesMigrations(t *testing.T) {
	store, _ := openStore(t)

	ctx := context.Background()
	version, err := store.SchemaVersion(ctx)
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if version < 3 {
		t.Fatalf("expected schema version >= 3, got %d", version)
	}
	health, err := store.CheckHealth(ctx)
	if err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if !health.DatabaseExists || !health.DatabaseReadable || !health.IntegrityCheck {
		t.Fatalf("unexpected health: %+v", health)
	}
	if len(health.MissingTables) != 0 {
		t.Fatalf("missing tables: %v", health.MissingTables)
	}
}

func TestEnsureAssetJobsIsIdempotent(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()

	first := ensureVideo(t, store, "a1")
	if !first.CreatedAsset || first.CreatedJobs != 2 {
		t.Fatalf("first ensure: created asset=%v jobs=%d", first.CreatedAsset, first.CreatedJobs)
	}
	second := ensureVideo(t, store, "a1")
	if second.CreatedAsset || second.CreatedJobs != 0 {
		t.Fatalf("second ensure should create nothing, got asset=%v jobs=%d", second.CreatedAsset, second.CreatedJobs)
	}

	list, err := store.ListJobs(ctx, "a1")
	if err != nil {
		t.Fatalf("ListJobs: %v", err)
	}
	if len(list) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(list))
	}
	for _, job := range list {
		if job.Status != jobs.StatusPending || job.Attempt != 0 {
			t.Fatalf("unexpected job %+v", job)
		}
	}
}

func TestEnsureJobAndListByStatus(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()
	ensureVideo(t, store, "a1")

	created, err := store.EnsureJob(ctx, "a1", stage.PhraseHinting)
	if err != nil || !created {
		t.Fatalf("EnsureJob = %v, %v; want created", created, err)
	}
	if created, err := store.EnsureJob(ctx, "a1", stage.PhraseHinting); err != nil || created {
		t.Fatalf("second EnsureJob = %v, %v; want existing", created, err)
	}
	if _, err := store.EnsureJob(ctx, "a1", stage.Stage("transcode")); err == nil {
		t.Fatal("expected unknown stage error")
	}
	if _, err := store.MarkDispatched(ctx, "a1", stage.SceneDetection, 0); err != nil {
		t.Fatalf("MarkDispatched: %v", err)
	}

	counts := map[string]int{}
	for name, statuses := range map[string][]jobs.Status{
		"dispatched": {jobs.StatusDispatched},
		"pending":    {jobs.StatusPending},
		"open":       {jobs.StatusPending, jobs.StatusDispatched, jobs.StatusRunning},
		"all":        nil,
	} {
		list, err := store.ListByStatus(ctx, statuses...)
		if err != nil {
			t.Fatalf("ListByStatus(%s): %v", name, err)
		}
		counts[name] = len(list)
	}
	want := map[string]int{"dispatched": 1, "pending": 2, "open": 3, "all": 3}
	for name, n := range want {
		if counts[name] != n {
			t.Fatalf("ListByStatus(%s) = %d jobs, want %d", name, counts[name], n)
		}
	}
}

func TestEnsureAssetKeepsOriginalProfile(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()

	if _, _, err := store.EnsureAsset(ctx, jobs.Asset{AssetID: "a1", Profile: "video"}); err != nil {
		t.Fatalf("EnsureAsset: %v", err)
	}
	stored, created, err := store.EnsureAsset(ctx, jobs.Asset{AssetID: "a1", Profile: "source"})
	if err != nil {
		t.Fatalf("EnsureAsset: %v", err)
	}
	if created {
		t.Fatal("expected existing asset")
	}
	if stored.Profile != "video" {
		t.Fatalf("expected original profile, got %q", stored.Profile)
	}
	if _, _, err := store.EnsureAsset(ctx, jobs.Asset{AssetID: "  "}); err == nil {
		t.Fatal("expected error for empty asset id")
	}
}

func TestGetMissingRowsReturnNotFound(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()

	if _, err := store.GetAsset(ctx, "missing"); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("GetAsset: expected ErrNotFound, got %v", err)
	}
	if _, err := store.GetJob(ctx, "missing", stage.SceneDetection); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("GetJob: expected ErrNotFound, got %v", err)
	}
	if _, err := store.MarkDispatched(ctx, "missing", stage.SceneDetection, 0); !errors.Is(err, jobs.ErrNotFound) {
		t.Fatalf("MarkDispatched: expected ErrNotFound, got %v", err)
	}
}

func TestDispatchLifecycle(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()
	ensureVideo(t, store, "a1")

	job, err := store.MarkDispatched(ctx, "a1", stage.SceneDetection, 0)
	if err != nil {
		t.Fatalf("MarkDispatched: %v", err)
	}
	if job.Status != jobs.StatusDispatched || job.Attempt != 1 || job.LastDispatchedAt.IsZero() {
		t.Fatalf("unexpected dispatched job %+v", job)
	}

	if _, err := store.MarkDispatched(ctx, "a1", stage.SceneDetection, 0); !errors.Is(err, jobs.ErrConflict) {
		t.Fatalf("second dispatch: expected ErrConflict, got %v", err)
	}

	key := job.Key()
	if job, err = store.MarkRunning(ctx, key); err != nil {
		t.Fatalf("MarkRunning: %v", err)
	}
	if job.Status != jobs.StatusRunning || job.RunningAt.IsZero() {
		t.Fatalf("unexpected running job %+v", job)
	}

	if job, err = store.MarkSucceeded(ctx, key, "a1/scene_detection/1.json"); err != nil {
		t.Fatalf("MarkSucceeded: %v", err)
	}
	if job.Status != jobs.StatusSucceeded || job.ResultRef != "a1/scene_detection/1.json" || job.Attempt != 1 {
		t.Fatalf("unexpected succeeded job %+v", job)
	}

	if _, err := store.MarkSucceeded(ctx, key, "other"); !errors.Is(err, jobs.ErrConflict) {
		t.Fatalf("repeat success: expected ErrConflict, got %v", err)
	}

	events, err := store.ListEvents(ctx, "a1")
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	var trail []jobs.Status
	for _, ev := range events {
		if ev.Stage == stage.SceneDetection {
			trail = append(trail, ev.ToStatus)
		}
	}
	want := []jobs.Status{jobs.StatusPending, jobs.StatusDispatched, jobs.StatusRunning, jobs.StatusSucceeded}
	if len(trail) != len(want) {
		t.Fatalf("unexpected event trail %v", trail)
	}
	for i := range want {
		if trail[i] != want[i] {
			t.Fatalf("event %d: want %s got %s", i, want[i], trail[i])
		}
	}
}

func TestStaleAttemptConflicts(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()
	ensureVideo(t, store, "a1")

	job, err := store.MarkDispatched(ctx, "a1", stage.SceneDetection, 0)
	if err != nil {
		t.Fatalf("MarkDispatched: %v", err)
	}
	stale := job.Key()
	if _, err := store.Reschedule(ctx, stale, time.Time{}, "transient", "boom"); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if _, err := store.MarkDispatched(ctx, "a1", stage.SceneDetection, 1); err != nil {
		t.Fatalf("redispatch: %v", err)
	}

	if _, err := store.MarkSucceeded(ctx, stale, "ref"); !errors.Is(err, jobs.ErrConflict) {
		t.Fatalf("stale success: expected ErrConflict, got %v", err)
	}
	current, err := store.GetJob(ctx, "a1", stage.SceneDetection)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if current.Status != jobs.StatusDispatched || current.Attempt != 2 {
		t.Fatalf("stale message changed the row: %+v", current)
	}
}

func TestRevertDispatchRestoresAttempt(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()
	ensureVideo(t, store, "a1")

	job, err := store.MarkDispatched(ctx, "a1", stage.FlashDetection, 0)
	if err != nil {
		t.Fatalf("MarkDispatched: %v", err)
	}
	reverted, err := store.RevertDispatch(ctx, job.Key(), "broker down")
	if err != nil {
		t.Fatalf("RevertDispatch: %v", err)
	}
	if reverted.Status != jobs.StatusPending || reverted.Attempt != 0 {
		t.Fatalf("unexpected reverted job %+v", reverted)
	}
	if reverted.ErrorKind != "broker" || reverted.LastError != "broker down" {
		t.Fatalf("expected broker error recorded, got %+v", reverted)
	}
}

func TestDuePendingHonoursNotBeforeAndCancellation(t *testing.T) {
	store, clock := openStore(t)
	ctx := context.Background()
	ensureVideo(t, store, "a1")
	ensureVideo(t, store, "a2")

	job, err := store.MarkDispatched(ctx, "a1", stage.SceneDetection, 0)
	if err != nil {
		t.Fatalf("MarkDispatched: %v", err)
	}
	retryAt := clock.Now().Add(30 * time.Second)
	if _, err := store.Reschedule(ctx, job.Key(), retryAt, "transient", "busy"); err != nil {
		t.Fatalf("Reschedule: %v", err)
	}
	if _, err := store.CancelAsset(ctx, "a2"); err != nil {
		t.Fatalf("CancelAsset: %v", err)
	}

	due, err := store.DuePending(ctx, clock.Now(), 0)
	if err != nil {
		t.Fatalf("DuePending: %v", err)
	}
	if len(due) != 1 || due[0].AssetID != "a1" || due[0].Stage != stage.FlashDetection {
		t.Fatalf("unexpected due jobs %+v", due)
	}

	due, err = store.DuePending(ctx, retryAt.Add(time.Second), 0)
	if err != nil {
		t.Fatalf("DuePending: %v", err)
	}
	if len(due) != 2 {
		t.Fatalf("expected both a1 jobs due after backoff, got %d", len(due))
	}
}

func TestDuePendingSkipsJobsWithUnmetPrerequisites(t *testing.T) {
	store, clock := openStore(t)
	ctx := context.Background()
	chain := []stage.Stage{stage.SceneDetection, stage.PhraseHinting, stage.GlossaryGeneration}
	deps := []jobs.Dependency{
		{Stage: stage.PhraseHinting, Prerequisite: stage.SceneDetection},
		{Stage: stage.GlossaryGeneration, Prerequisite: stage.PhraseHinting},
	}
	for _, id := range []string{"a1", "a2"} {
		if _, err := store.EnsureAssetJobs(ctx, jobs.Asset{AssetID: id, Profile: "video"}, chain); err != nil {
			t.Fatalf("EnsureAssetJobs: %v", err)
		}
	}

	due, err := store.DuePending(ctx, clock.Now(), 1, deps...)
	if err != nil {
		t.Fatalf("DuePending: %v", err)
	}
	if len(due) != 1 || due[0].Stage != stage.SceneDetection {
		t.Fatalf("expected a ready scene job first, got %+v", due)
	}

	job, err := store.MarkDispatched(ctx, "a1", stage.SceneDetection, 0)
	if err != nil {
		t.Fatalf("MarkDispatched: %v", err)
	}
	if _, err := store.MarkSucceeded(ctx, job.Key(), "a1/scene_detection/1.json"); err != nil {
		t.Fatalf("MarkSucceeded: %v", err)
	}
	due, err = store.DuePending(ctx, clock.Now(), 0, deps...)
	if err != nil {
		t.Fatalf("DuePending: %v", err)
	}
	got := map[string]stage.Stage{}
	for _, j := range due {
		got[j.AssetID+"/"+string(j.Stage)] = j.Stage
	}
	if len(due) != 2 || got["a1/phrase_hinting"] == "" || got["a2/scene_detection"] == "" {
		t.Fatalf("unexpected due jobs %+v", due)
	}

	all, err := store.DuePending(ctx, clock.Now(), 0)
	if err != nil {
		t.Fatalf("DuePending: %v", err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 pending jobs without dependency filter, got %d", len(all))
	}
}

func TestAssetMetadataRoundTrip(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()
	meta := map[string]string{"urls": "https://example.com/a,https://example.com/b", "lang": "en"}
	if _, _, err := store.EnsureAsset(ctx, jobs.Asset{AssetID: "site-1", Profile: "source", Metadata: meta}); err != nil {
		t.Fatalf("EnsureAsset: %v", err)
	}
	stored, created, err := store.EnsureAsset(ctx, jobs.Asset{AssetID: "site-1", Profile: "source", Metadata: map[string]string{"urls": "x"}})
	if err != nil {
		t.Fatalf("EnsureAsset: %v", err)
	}
	if created || len(stored.Metadata) != 2 || stored.Metadata["urls"] != meta["urls"] {
		t.Fatalf("existing asset metadata changed: %+v", stored)
	}
	if _, _, err := store.EnsureAsset(ctx, jobs.Asset{AssetID: "plain", Profile: "video"}); err != nil {
		t.Fatalf("EnsureAsset: %v", err)
	}
	plain, err := store.GetAsset(ctx, "plain")
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if plain.Metadata != nil {
		t.Fatalf("expected nil metadata, got %v", plain.Metadata)
	}
}

func TestResetForForceKeepsAttemptMonotonic(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()
	ensureVideo(t, store, "a1")

	job, err := store.MarkDispatched(ctx, "a1", stage.SceneDetection, 0)
	if err != nil {
		t.Fatalf("MarkDispatched: %v", err)
	}
	if _, err := store.MarkSucceeded(ctx, job.Key(), "ref-1"); err != nil {
		t.Fatalf("MarkSucceeded: %v", err)
	}

	reset, err := store.ResetForForce(ctx, "a1", stage.SceneDetection)
	if err != nil {
		t.Fatalf("ResetForForce: %v", err)
	}
	if reset.Status != jobs.StatusPending || reset.Attempt != 1 || reset.AttemptBase != 1 {
		t.Fatalf("unexpected reset job %+v", reset)
	}
	if reset.ResultRef != "" || reset.AttemptsUsed() != 0 {
		t.Fatalf("reset should clear result and budget, got %+v", reset)
	}

	if _, err := store.ResetForForce(ctx, "a1", stage.FlashDetection); !errors.Is(err, jobs.ErrConflict) {
		t.Fatalf("pending job force: expected ErrConflict, got %v", err)
	}
}

func TestCancelJobsAbandonsOpenJobs(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()
	ensureVideo(t, store, "a1")

	job, err := store.MarkDispatched(ctx, "a1", stage.SceneDetection, 0)
	if err != nil {
		t.Fatalf("MarkDispatched: %v", err)
	}
	if _, err := store.MarkSucceeded(ctx, job.Key(), "ref"); err != nil {
		t.Fatalf("MarkSucceeded: %v", err)
	}

	abandoned, err := store.CancelJobs(ctx, "a1", "operator request")
	if err != nil {
		t.Fatalf("CancelJobs: %v", err)
	}
	if len(abandoned) != 1 || abandoned[0].Stage != stage.FlashDetection {
		t.Fatalf("unexpected abandoned jobs %+v", abandoned)
	}

	asset, err := store.GetAsset(ctx, "a1")
	if err != nil {
		t.Fatalf("GetAsset: %v", err)
	}
	if !asset.Cancelled() {
		t.Fatal("expected asset to be cancelled")
	}
	scene, err := store.GetJob(ctx, "a1", stage.SceneDetection)
	if err != nil {
		t.Fatalf("GetJob: %v", err)
	}
	if scene.Status != jobs.StatusSucceeded {
		t.Fatalf("cancel must not touch succeeded jobs, got %s", scene.Status)
	}

	again, err := store.CancelJobs(ctx, "a1", "again")
	if err != nil {
		t.Fatalf("second CancelJobs: %v", err)
	}
	if len(again) != 0 {
		t.Fatalf("second cancel should abandon nothing, got %d", len(again))
	}
}

func TestInsertArtifactOnce(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()
	ensureVideo(t, store, "a1")

	artifact := jobs.Artifact{
		AssetID:   "a1",
		Stage:     stage.SceneDetection,
		Attempt:   1,
		ResultRef: "a1/scene_detection/1.json",
		Digest:    "abc",
	}
	insert := func() bool {
		var inserted bool
		err := store.WithTx(ctx, func(tx *sql.Tx) error {
			var err error
			inserted, err = store.InsertArtifact(ctx, tx, artifact)
			return err
		})
		if err != nil {
			t.Fatalf("InsertArtifact: %v", err)
		}
		return inserted
	}
	if !insert() {
		t.Fatal("expected first insert to write a row")
	}
	if insert() {
		t.Fatal("expected replayed insert to be a no-op")
	}
	count, err := store.CountArtifacts(ctx, "a1", stage.SceneDetection)
	if err != nil {
		t.Fatalf("CountArtifacts: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one artifact, got %d", count)
	}
	stored, err := store.GetArtifact(ctx, stage.Key{AssetID: "a1", Stage: stage.SceneDetection, Attempt: 1})
	if err != nil {
		t.Fatalf("GetArtifact: %v", err)
	}
	if stored.Digest != "abc" {
		t.Fatalf("unexpected artifact %+v", stored)
	}
}

func TestConcurrentDispatchHasSingleWinner(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()
	ensureVideo(t, store, "a1")

	const racers = 8
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   int
		conflicts int
	)
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.MarkDispatched(ctx, "a1", stage.SceneDetection, 0)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners++
			case errors.Is(err, jobs.ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()
	if winners != 1 || conflicts != racers-1 {
		t.Fatalf("expected one winner, got winners=%d conflicts=%d", winners, conflicts)
	}
}

func TestHealthSummary(t *testing.T) {
	store, _ := openStore(t)
	ctx := context.Background()
	ensureVideo(t, store, "a1")

	if _, err := store.MarkDispatched(ctx, "a1", stage.SceneDetection, 0); err != nil {
		t.Fatalf("MarkDispatched: %v", err)
	}
	health, err := store.Health(ctx)
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if health.Total != 2 || health.Pending != 1 || health.Inflight != 1 {
		t.Fatalf("unexpected health %+v", health)
	}
}
