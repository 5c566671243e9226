package api_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"mediaflow/internal/api"
	"mediaflow/internal/broker"
	"mediaflow/internal/engine"
	"mediaflow/internal/jobs"
	"mediaflow/internal/metrics"
	"mediaflow/internal/stage"
	"mediaflow/internal/testsupport"
)

type engineStub struct{ status engine.Status }

func (e engineStub) Status() engine.Status { return e.status }

func seedStore(t *testing.T) *jobs.Store {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	ctx := context.Background()
	stages := []stage.Stage{stage.GlossaryGeneration, stage.SceneDetection, stage.PhraseHinting}
	if _, err := store.EnsureAssetJobs(ctx, jobs.Asset{AssetID: "movie-1", Profile: "video"}, stages); err != nil {
		t.Fatalf("EnsureAssetJobs: %v", err)
	}
	if _, err := store.MarkDispatched(ctx, "movie-1", stage.SceneDetection, 0); err != nil {
		t.Fatalf("MarkDispatched: %v", err)
	}
	return store
}

func get(t *testing.T, h http.Handler, path string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", w.Body.String(), err)
	}
	return out
}

func TestAssetRoutes(t *testing.T) {
	srv := api.NewServer(api.Options{Store: seedStore(t)})
	h := srv.Handler()

	w := get(t, h, "/api/assets")
	if w.Code != http.StatusOK {
		t.Fatalf("assets: %d %s", w.Code, w.Body.String())
	}
	list := decode[api.AssetListResponse](t, w)
	if len(list.Assets) != 1 || list.Assets[0].AssetID != "movie-1" {
		t.Fatalf("unexpected assets: %+v", list.Assets)
	}
	if got := list.Assets[0].JobCounts; got["pending"] != 2 || got["dispatched"] != 1 {
		t.Fatalf("unexpected job counts: %v", got)
	}

	w = get(t, h, "/api/assets/movie-1")
	if w.Code != http.StatusOK {
		t.Fatalf("asset: %d", w.Code)
	}
	if asset := decode[api.AssetResponse](t, w).Asset; asset.Profile != "video" || asset.Cancelled {
		t.Fatalf("unexpected asset: %+v", asset)
	}

	w = get(t, h, "/api/assets/movie-1/jobs")
	jobsResp := decode[api.JobListResponse](t, w)
	var order []string
	for _, job := range jobsResp.Jobs {
		order = append(order, job.Stage)
	}
	if strings.Join(order, ",") != "scene_detection,phrase_hinting,glossary_generation" {
		t.Fatalf("jobs not in stage order: %v", order)
	}
	scene := jobsResp.Jobs[0]
	if scene.Status != "dispatched" || scene.Attempt != 1 || scene.StageName != "Scene Detection" || scene.LastDispatched == "" {
		t.Fatalf("unexpected scene job: %+v", scene)
	}

	w = get(t, h, "/api/assets/movie-1/events")
	events := decode[api.EventListResponse](t, w).Events
	if len(events) != 4 {
		t.Fatalf("expected three creations and one dispatch, got %+v", events)
	}
	last := events[len(events)-1]
	if last.Stage != "scene_detection" || last.From != "pending" || last.To != "dispatched" || last.Attempt != 1 {
		t.Fatalf("unexpected dispatch event: %+v", last)
	}
}

func TestUnknownAssetIsNotFound(t *testing.T) {
	h := api.NewServer(api.Options{Store: seedStore(t)}).Handler()
	for _, path := range []string{"/api/assets/nope", "/api/assets/nope/jobs", "/api/assets/nope/events"} {
		w := get(t, h, path)
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: expected 404, got %d", path, w.Code)
		}
	}
	if w := get(t, h, "/api/assets?limit=zero"); w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad limit, got %d", w.Code)
	}
}

func TestBearerTokenGuardsAPIRoutes(t *testing.T) {
	h := api.NewServer(api.Options{Store: seedStore(t), Token: "secret"}).Handler()

	if w := get(t, h, "/api/status"); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", w.Code)
	}
	if w := get(t, h, "/api/status", "Authorization", "Bearer wrong"); w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", w.Code)
	}
	if w := get(t, h, "/api/status", "Authorization", "Bearer secret"); w.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d", w.Code)
	}
	if w := get(t, h, "/healthz"); w.Code != http.StatusOK {
		t.Fatalf("probes must not require a token, got %d", w.Code)
	}
}

func TestReadinessReflectsBrokerAndEngine(t *testing.T) {
	health := broker.NewHealthTracker(1, nil)
	eng := &engineStub{status: engine.Status{Running: true, Authority: true, LockPath: "/tmp/engine.lock"}}
	h := api.NewServer(api.Options{Store: seedStore(t), Health: health, Engine: eng}).Handler()

	if w := get(t, h, "/readyz"); w.Code != http.StatusOK {
		t.Fatalf("expected ready, got %d %s", w.Code, w.Body.String())
	}

	health.Observe(errors.New("connection refused"))
	w := get(t, h, "/readyz")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while broker degraded, got %d", w.Code)
	}
	if probe := decode[api.ProbeResponse](t, w); !strings.Contains(probe.Checks["broker"], "connection refused") {
		t.Fatalf("unexpected broker check: %+v", probe.Checks)
	}

	status := decode[api.StatusResponse](t, get(t, h, "/api/status"))
	if !status.Broker.Degraded || status.Broker.ConsecutiveFailures != 1 {
		t.Fatalf("unexpected broker status: %+v", status.Broker)
	}
	if !status.Engine.Authority || status.JobCounts["pending"] != 2 || status.JobCounts["abandoned"] != 0 {
		t.Fatalf("unexpected status: %+v", status)
	}

	health.Observe(nil)
	eng.status.Running = false
	if w := get(t, h, "/readyz"); w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 while engine stopped, got %d", w.Code)
	}
}

func TestMetricsRouteIsInstrumented(t *testing.T) {
	m := metrics.New()
	h := api.NewServer(api.Options{Store: seedStore(t), Metrics: m}).Handler()
	get(t, h, "/api/assets/movie-1/jobs")

	w := get(t, h, "/metrics")
	body, _ := io.ReadAll(w.Body)
	want := `mediaflow_http_requests_total{code="200",method="GET",path="/api/assets/{assetID}/jobs"} 1`
	if !strings.Contains(string(body), want) {
		t.Fatalf("metrics missing %q", want)
	}
}

func TestStartServesOnBind(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := api.NewServer(api.Options{Store: seedStore(t), Bind: "127.0.0.1:0"})
	if err := srv.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop()

	resp, err := http.Get("http://" + srv.Addr() + "/healthz")
	if err != nil {
		t.Fatalf("GET healthz: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
}
