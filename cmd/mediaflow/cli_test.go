package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"mediaflow/internal/engine"
	"mediaflow/internal/preflight"
)

func runCLI(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func requireContains(t *testing.T, output, want string) {
	t.Helper()
	if !strings.Contains(output, want) {
		t.Fatalf("expected output to contain %q, got:\n%s", want, output)
	}
}

// writeTestConfig writes a config with temp directories and a SQLite broker
// and returns its path.
func writeTestConfig(t *testing.T, extra string) string {
	t.Helper()
	base := t.TempDir()
	t.Setenv("HOME", filepath.Join(base, "home"))
	path := filepath.Join(base, "config.toml")
	contents := fmt.Sprintf(`[paths]
data_dir = %q
state_dir = %q
log_dir = %q
api_bind = "127.0.0.1:1"
api_token = "s3cret-token"

[broker]
uri = %q
%s`,
		filepath.Join(base, "data"),
		filepath.Join(base, "state"),
		filepath.Join(base, "logs"),
		"sqlite://"+filepath.Join(base, "state", "broker.db"),
		extra,
	)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	target := filepath.Join(t.TempDir(), "nested", "config.toml")

	out, _, err := runCLI(t, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	requireContains(t, out, "Wrote sample configuration")
	if _, err := os.Stat(target); err != nil {
		t.Fatalf("sample config missing: %v", err)
	}

	if _, _, err := runCLI(t, "config", "init", "--path", target); err == nil {
		t.Fatal("expected error when config already exists")
	}
	if _, _, err := runCLI(t, "config", "init", "--path", target, "--overwrite"); err != nil {
		t.Fatalf("config init --overwrite: %v", err)
	}
}

func TestConfigValidateAndShow(t *testing.T) {
	path := writeTestConfig(t, "")

	out, _, err := runCLI(t, "--config", path, "config", "validate")
	if err != nil {
		t.Fatalf("config validate: %v", err)
	}
	requireContains(t, out, "Configuration valid")
	requireContains(t, out, path)

	out, _, err = runCLI(t, "--config", path, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	requireContains(t, out, "[broker]")
	if strings.Contains(out, "s3cret-token") {
		t.Fatalf("api token should be redacted:\n%s", out)
	}
}

func TestConfigValidateRejectsBadFile(t *testing.T) {
	path := writeTestConfig(t, "\n[engine]\nmax_attempts = -1\n")
	if _, _, err := runCLI(t, "--config", path, "config", "validate"); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestRequestMetadataAndAssetValidation(t *testing.T) {
	path := writeTestConfig(t, "")
	urls := "https://example.com/b?page=1,https://example.com/c"

	out, _, err := runCLI(t, "--config", path, "--json", "request", "site-1", "--profile", "source",
		"--source-url", "https://example.com/a", "--meta", "urls="+urls, "--meta", "lang=en")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var req requestOutput
	if err := json.Unmarshal([]byte(out), &req); err != nil {
		t.Fatalf("decode request output: %v\n%s", err, out)
	}
	if req.Asset.Metadata["urls"] != urls || req.Asset.Metadata["lang"] != "en" {
		t.Fatalf("metadata not stored: %v", req.Asset.Metadata)
	}

	if _, _, err := runCLI(t, "--config", path, "request", "site-2", "--meta", "novalue"); err == nil ||
		!strings.Contains(err.Error(), "expected key=value") {
		t.Fatalf("expected --meta parse error, got %v", err)
	}
	if _, _, err := runCLI(t, "--config", path, "request", "show/ep1"); err == nil ||
		!strings.Contains(err.Error(), "path separators") {
		t.Fatalf("expected asset id rejection, got %v", err)
	}
}

func TestRequestShowAndCancel(t *testing.T) {
	path := writeTestConfig(t, "")

	out, _, err := runCLI(t, "--config", path, "--json", "request", "movie-1", "--profile", "video", "--source-path", "movies/movie-1.mkv")
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var req requestOutput
	if err := json.Unmarshal([]byte(out), &req); err != nil {
		t.Fatalf("decode request output: %v\n%s", err, out)
	}
	if req.CreatedJobs != 4 {
		t.Fatalf("created jobs = %d, want 4", req.CreatedJobs)
	}
	slices.Sort(req.Dispatched)
	want := []string{"movie-1/flash_detection/1", "movie-1/scene_detection/1"}
	if !slices.Equal(req.Dispatched, want) {
		t.Fatalf("dispatched = %v, want %v", req.Dispatched, want)
	}

	// A repeated request reuses the jobs and dispatches nothing new.
	out, _, err = runCLI(t, "--config", path, "--json", "request", "movie-1")
	if err != nil {
		t.Fatalf("repeat request: %v", err)
	}
	req = requestOutput{}
	if err := json.Unmarshal([]byte(out), &req); err != nil {
		t.Fatalf("decode repeat output: %v", err)
	}
	if req.CreatedJobs != 0 || len(req.Dispatched) != 0 {
		t.Fatalf("repeat request created %d and dispatched %v", req.CreatedJobs, req.Dispatched)
	}

	out, _, err = runCLI(t, "--config", path, "jobs", "list")
	if err != nil {
		t.Fatalf("jobs list: %v", err)
	}
	requireContains(t, out, "movie-1")
	requireContains(t, out, "dispatched")

	out, _, err = runCLI(t, "--config", path, "--json", "jobs", "show", "movie-1", "--events")
	if err != nil {
		t.Fatalf("jobs show: %v", err)
	}
	var detail assetDetail
	if err := json.Unmarshal([]byte(out), &detail); err != nil {
		t.Fatalf("decode detail: %v", err)
	}
	if len(detail.Jobs) != 4 || detail.Jobs[0].Stage != "scene_detection" {
		t.Fatalf("unexpected jobs: %+v", detail.Jobs)
	}
	if detail.Asset.SourcePath != "movies/movie-1.mkv" || len(detail.Events) == 0 {
		t.Fatalf("unexpected detail: %+v", detail)
	}

	out, _, err = runCLI(t, "--config", path, "cancel", "movie-1")
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	requireContains(t, out, "4 job(s) abandoned")

	_, _, err = runCLI(t, "--config", path, "request", "movie-1")
	if !errors.Is(err, engine.ErrAssetCancelled) {
		t.Fatalf("expected cancelled asset error, got %v", err)
	}
}

func TestRequestRejectsUnknownStage(t *testing.T) {
	path := writeTestConfig(t, "")
	if _, _, err := runCLI(t, "--config", path, "request", "movie-1", "--stages", "scene_detection,transcode"); err == nil {
		t.Fatal("expected unknown stage error")
	}
}

func TestJobsShowMissingAsset(t *testing.T) {
	path := writeTestConfig(t, "")
	if _, _, err := runCLI(t, "--config", path, "jobs", "show", "nope"); err == nil {
		t.Fatal("expected not found error")
	}
	out, _, err := runCLI(t, "--config", path, "jobs", "list")
	if err != nil {
		t.Fatalf("jobs list: %v", err)
	}
	requireContains(t, out, "No assets")
}

func TestStatusWithoutEngine(t *testing.T) {
	path := writeTestConfig(t, "")
	if _, _, err := runCLI(t, "--config", path, "request", "clip-9", "--stages", "flash_detection"); err != nil {
		t.Fatalf("request: %v", err)
	}

	out, _, err := runCLI(t, "--config", path, "--json", "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	var status statusOutput
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.EngineReachable {
		t.Fatal("engine should not be reachable")
	}
	if status.JobCounts["dispatched"] != 1 || status.JobCounts["pending"] != 0 {
		t.Fatalf("unexpected counts: %v", status.JobCounts)
	}

	out, _, err = runCLI(t, "--config", path, "status")
	if err != nil {
		t.Fatalf("status text: %v", err)
	}
	requireContains(t, out, "not reachable")
	requireContains(t, out, "dispatched")
}

func TestPreflightCommand(t *testing.T) {
	path := writeTestConfig(t, "")

	out, _, err := runCLI(t, "--config", path, "--json", "preflight")
	if err != nil {
		t.Fatalf("preflight: %v\n%s", err, out)
	}
	var results []preflight.Result
	if err := json.Unmarshal([]byte(out), &results); err != nil {
		t.Fatalf("decode results: %v", err)
	}
	if len(results) == 0 || len(preflight.Failed(results)) != 0 {
		t.Fatalf("unexpected results: %+v", results)
	}

	// Scene workers need the inference service, which is not configured.
	out, _, err = runCLI(t, "--config", path, "preflight", "--stage", "scene_detection")
	if err == nil {
		t.Fatal("expected scene worker preflight to fail")
	}
	requireContains(t, out, "[ERROR]")
}

func TestTestNotifyDisabled(t *testing.T) {
	path := writeTestConfig(t, "")
	out, _, err := runCLI(t, "--config", path, "test-notify")
	if err != nil {
		t.Fatalf("test-notify: %v", err)
	}
	requireContains(t, out, "Notifications disabled")
}

func TestRenderStatusLine(t *testing.T) {
	line := renderStatusLine("Broker", statusOK, "healthy", false)
	if line != "  Broker:              [OK] healthy" {
		t.Fatalf("unexpected line %q", line)
	}
	colored := renderStatusLine("Broker", statusError, "", true)
	if !strings.HasPrefix(colored, ansiRed) || !strings.HasSuffix(colored, ansiReset) {
		t.Fatalf("expected red line, got %q", colored)
	}
	if preflightKind(preflight.Result{Optional: true}) != statusWarn {
		t.Fatal("failed optional check should warn")
	}
}

func TestLogsCommand(t *testing.T) {
	path := writeTestConfig(t, "")
	logDir := filepath.Join(filepath.Dir(path), "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		t.Fatalf("mkdir logs: %v", err)
	}
	if err := os.WriteFile(filepath.Join(logDir, "engine.log"), []byte("first\nsecond\nthird\n"), 0o644); err != nil {
		t.Fatalf("write log: %v", err)
	}

	out, _, err := runCLI(t, "--config", path, "logs", "engine", "-n", "2")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if out != "second\nthird\n" {
		t.Fatalf("unexpected output %q", out)
	}
}
