package stages_test

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"

	"mediaflow/internal/config"
	"mediaflow/internal/services"
	"mediaflow/internal/stage"
	"mediaflow/internal/stages"
	"mediaflow/internal/stages/assets"
	"mediaflow/internal/testsupport"
)

type fixture struct {
	cfg   *config.Config
	rpc   *testsupport.RPCServer
	deps  stages.Deps
	media string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	rpc := testsupport.NewRPCServer(t)
	cfg := testsupport.NewConfig(t, testsupport.WithRPCBaseURL(rpc.URL))
	media := filepath.Join(cfg.Paths.DataDir, assets.MediaSubdir, "movie-1.mkv")
	testsupport.WriteFile(t, media, 64)
	return &fixture{
		cfg:   cfg,
		rpc:   rpc,
		deps:  stages.DepsFromConfig(cfg, nil),
		media: media,
	}
}

func (f *fixture) processor(t *testing.T, s stage.Stage) stage.Processor {
	t.Helper()
	p, err := stages.New(f.cfg, s, f.deps)
	if err != nil {
		t.Fatalf("stages.New(%s): %v", s, err)
	}
	if p.Stage() != s {
		t.Fatalf("processor serves %s, want %s", p.Stage(), s)
	}
	return p
}

func task(s stage.Stage, payload stage.DispatchPayload, inputs map[stage.Stage]any) stage.Task {
	t := stage.Task{Key: stage.Key{AssetID: "movie-1", Stage: s, Attempt: 1}, Payload: payload}
	if len(inputs) > 0 {
		t.Inputs = make(map[stage.Stage]json.RawMessage, len(inputs))
		for dep, v := range inputs {
			raw, _ := json.Marshal(v)
			t.Inputs[dep] = raw
		}
	}
	return t
}

func TestSceneDetectionOrdersAndReindexes(t *testing.T) {
	f := newFixture(t)
	f.rpc.Respond(stages.MethodDetectScenes, map[string]any{"scenes": []map[string]any{
		{"index": 7, "start": 20.0, "end": 31.5},
		{"index": 3, "start": 0.0, "end": 20.0},
		{"index": 9, "start": 31.5, "end": 31.5},
	}})

	out, err := f.processor(t, stage.SceneDetection).Process(context.Background(), task(stage.SceneDetection, stage.DispatchPayload{}, nil))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	result := out.(stage.SceneResult)
	if len(result.Scenes) != 2 {
		t.Fatalf("expected zero-length scene dropped, got %+v", result.Scenes)
	}
	if result.Scenes[0].Start != 0 || result.Scenes[0].Index != 0 || result.Scenes[1].Index != 1 {
		t.Fatalf("scenes not ordered and reindexed: %+v", result.Scenes)
	}
	if err := stage.Validate(result); err != nil {
		t.Fatalf("result invalid: %v", err)
	}

	var params struct {
		AssetID string `json:"asset_id"`
		Path    string `json:"path"`
	}
	f.rpc.LastParams(t, stages.MethodDetectScenes, &params)
	if params.AssetID != "movie-1" || params.Path != f.media {
		t.Fatalf("unexpected rpc params %+v", params)
	}
}

func TestSceneDetectionMissingMediaIsPermanent(t *testing.T) {
	f := newFixture(t)
	payload := stage.DispatchPayload{SourcePath: "elsewhere/missing.mkv"}
	_, err := f.processor(t, stage.SceneDetection).Process(context.Background(), task(stage.SceneDetection, payload, nil))
	if services.Classify(err) != services.FailurePermanent {
		t.Fatalf("expected permanent failure, got %v", err)
	}
	if f.rpc.Calls(stages.MethodDetectScenes) != 0 {
		t.Fatal("rpc called without media")
	}
}

func TestSceneDetectionServiceOutageIsTransient(t *testing.T) {
	f := newFixture(t)
	f.rpc.Handle(stages.MethodDetectScenes, func(json.RawMessage) (any, int) { return nil, 503 })
	_, err := f.processor(t, stage.SceneDetection).Process(context.Background(), task(stage.SceneDetection, stage.DispatchPayload{}, nil))
	if !errors.Is(err, services.ErrUnavailable) || services.Classify(err) != services.FailureTransient {
		t.Fatalf("expected transient unavailable error, got %v", err)
	}
	if calls := f.rpc.Calls(stages.MethodDetectScenes); calls != 2 {
		t.Fatalf("expected one bounded retry, got %d calls", calls)
	}
}

func TestFlashDetectionRatesDanger(t *testing.T) {
	f := newFixture(t)
	f.rpc.Respond(stages.MethodDetectFlashes, map[string]any{"flashes": []map[string]any{
		{"start": 5.0, "end": 6.0, "luminance": 0.2, "count": 1},
		{"start": 1.0, "end": 2.0, "luminance": 0.3, "red_transition": true},
		{"start": 3.0, "end": 3.5, "luminance": 0.6, "count": 1},
		{"start": 8.0, "end": 8.2, "luminance": 0.1, "danger": "medium"},
		{"start": 9.0, "end": 7.0, "luminance": 0.9},
	}})

	out, err := f.processor(t, stage.FlashDetection).Process(context.Background(), task(stage.FlashDetection, stage.DispatchPayload{}, nil))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	flashes := out.(stage.FlashResult).Flashes
	want := []string{stages.DangerHigh, stages.DangerMedium, stages.DangerLow, stages.DangerMedium}
	if len(flashes) != len(want) {
		t.Fatalf("expected %d flashes, got %+v", len(want), flashes)
	}
	for i, danger := range want {
		if flashes[i].Danger != danger {
			t.Errorf("flash %d at %.1fs rated %s, want %s", i, flashes[i].Start, flashes[i].Danger, danger)
		}
	}
}

func TestClassifyDanger(t *testing.T) {
	tests := []struct {
		name      string
		luminance float64
		red       bool
		count     int
		duration  float64
		want      string
	}{
		{"dim", 0.1, false, 1, 1, stages.DangerLow},
		{"bright", 0.55, false, 1, 1, stages.DangerMedium},
		{"very bright", 0.85, false, 1, 1, stages.DangerHigh},
		{"saturated red", 0.1, true, 1, 1, stages.DangerHigh},
		{"rapid", 0.1, false, 7, 2, stages.DangerHigh},
		{"three per second", 0.1, false, 3, 1, stages.DangerLow},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := stages.ClassifyDanger(tt.luminance, tt.red, tt.count, tt.duration); got != tt.want {
				t.Fatalf("ClassifyDanger = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestRankPhrasesMergesAndOrders(t *testing.T) {
	hints := stages.RankPhrases([]stage.PhraseHint{
		{Phrase: "warp drive", Count: 2, SceneIndex: 4, Score: 0.5},
		{Phrase: "Tricorder", Count: 1, SceneIndex: 1, Score: 0.9},
		{Phrase: "Warp  Drive.", Count: 1, SceneIndex: 2, Score: 0.7},
		{Phrase: "  ", Count: 3, Score: 1},
		{Phrase: "dilithium", Count: 5, SceneIndex: 0, Score: 0.7},
	})
	if len(hints) != 3 {
		t.Fatalf("expected 3 distinct phrases, got %+v", hints)
	}
	if hints[0].Phrase != "Tricorder" {
		t.Fatalf("expected highest score first, got %+v", hints)
	}
	// Equal scores fall back to count.
	if hints[1].Phrase != "dilithium" || hints[2].Phrase != "warp drive" {
		t.Fatalf("unexpected order %+v", hints)
	}
	warp := hints[2]
	if warp.Count != 3 || warp.SceneIndex != 2 || warp.Score != 0.7 {
		t.Fatalf("merge kept wrong fields: %+v", warp)
	}
}

func TestPhraseHintingUsesSceneInput(t *testing.T) {
	f := newFixture(t)
	f.rpc.Respond(stages.MethodExtractPhrases, map[string]any{"phrases": []map[string]any{
		{"phrase": "warp drive", "count": 1, "scene_index": 0, "score": 0.4},
		{"phrase": "WARP DRIVE", "count": 2, "scene_index": 1, "score": 0.6},
	}})
	scenes := stage.SceneResult{Scenes: []stage.Scene{{Index: 0, Start: 0, End: 3}, {Index: 1, Start: 3, End: 9}}}
	out, err := f.processor(t, stage.PhraseHinting).Process(context.Background(),
		task(stage.PhraseHinting, stage.DispatchPayload{}, map[stage.Stage]any{stage.SceneDetection: scenes}))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	phrases := out.(stage.PhraseResult).Phrases
	if len(phrases) != 1 || phrases[0].Count != 3 {
		t.Fatalf("expected one merged phrase, got %+v", phrases)
	}
	var params struct {
		Scenes []stage.Scene `json:"scenes"`
	}
	f.rpc.LastParams(t, stages.MethodExtractPhrases, &params)
	if len(params.Scenes) != 2 {
		t.Fatalf("scenes not forwarded: %+v", params)
	}
}

func TestPhraseHintingWithoutSceneInputIsPermanent(t *testing.T) {
	f := newFixture(t)
	_, err := f.processor(t, stage.PhraseHinting).Process(context.Background(), task(stage.PhraseHinting, stage.DispatchPayload{}, nil))
	if services.Classify(err) != services.FailurePermanent {
		t.Fatalf("expected permanent failure, got %v", err)
	}
}

func TestPhraseHintingSkipsServiceForEmptyScenes(t *testing.T) {
	f := newFixture(t)
	out, err := f.processor(t, stage.PhraseHinting).Process(context.Background(),
		task(stage.PhraseHinting, stage.DispatchPayload{}, map[stage.Stage]any{stage.SceneDetection: stage.SceneResult{}}))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if got := out.(stage.PhraseResult).Phrases; len(got) != 0 {
		t.Fatalf("expected no phrases, got %+v", got)
	}
	if f.rpc.Calls(stages.MethodExtractPhrases) != 0 {
		t.Fatal("rpc called for empty scene list")
	}
}

func TestGlossaryGenerationNormalizesEntries(t *testing.T) {
	f := newFixture(t)
	f.rpc.Respond(stages.MethodDefineTerms, map[string]any{"entries": []map[string]any{
		{"term": "warp drive", "definition": "faster than  light travel", "confidence": 0.6},
		{"term": "Warp Drive", "definition": "a propulsion system", "confidence": 1.4},
		{"term": "tricorder", "definition": "", "confidence": 0.9},
		{"term": "NASA", "definition": "space agency", "confidence": -1, "source": "wiki"},
	}})
	phrases := stage.PhraseResult{Phrases: []stage.PhraseHint{
		{Phrase: "warp drive", Count: 3, Score: 1},
		{Phrase: "Warp Drive", Count: 1, Score: 0.5},
		{Phrase: "tricorder", Count: 1, Score: 0.2},
	}}
	out, err := f.processor(t, stage.GlossaryGeneration).Process(context.Background(),
		task(stage.GlossaryGeneration, stage.DispatchPayload{}, map[stage.Stage]any{stage.PhraseHinting: phrases}))
	if err != nil {
		t.Fatalf("Process: %v", err)
	}

	var params struct {
		Terms []string `json:"terms"`
	}
	f.rpc.LastParams(t, stages.MethodDefineTerms, &params)
	if len(params.Terms) != 2 {
		t.Fatalf("expected deduplicated terms, got %v", params.Terms)
	}

	entries := out.(stage.GlossaryResult).Entries
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", entries)
	}
	if entries[0].Term != "Warp Drive" || entries[0].Definition != "a propulsion system" || entries[0].Confidence != 1 {
		t.Fatalf("unexpected warp entry %+v", entries[0])
	}
	if entries[1].Term != "NASA" || entries[1].Confidence != 0 || entries[1].Source != "wiki" {
		t.Fatalf("unexpected NASA entry %+v", entries[1])
	}
	if err := stage.Validate(out); err != nil {
		t.Fatalf("result invalid: %v", err)
	}
}

func TestNewRequiresRPCForInferenceStages(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if _, err := stages.New(cfg, stage.SceneDetection, stages.Deps{}); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if _, err := stages.New(cfg, stage.Crawling, stages.Deps{}); err != nil {
		t.Fatalf("crawler should not need rpc: %v", err)
	}
}
