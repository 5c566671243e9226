package stage_test

import (
	"errors"
	"testing"
	"time"

	"mediaflow/internal/services"
	"mediaflow/internal/stage"
)

func TestParseAcceptsCanonicalAndLegacyNames(t *testing.T) {
	tests := []struct {
		in   string
		want stage.Stage
	}{
		{"scene_detection", stage.SceneDetection},
		{"SceneDetection", stage.SceneDetection},
		{"PhraseHinter", stage.PhraseHinting},
		{"glossary-generation", stage.GlossaryGeneration},
		{"PythonCrawler", stage.Crawling},
		{" flash_detection ", stage.FlashDetection},
	}
	for _, tt := range tests {
		got, err := stage.Parse(tt.in)
		if err != nil {
			t.Fatalf("Parse(%q) error: %v", tt.in, err)
		}
		if got != tt.want {
			t.Fatalf("Parse(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
	if _, err := stage.Parse("transcription"); err == nil {
		t.Fatal("expected error for unknown stage")
	}
}

func TestDisplayName(t *testing.T) {
	if got := stage.GlossaryGeneration.DisplayName(); got != "Glossary Generation" {
		t.Fatalf("unexpected display name %q", got)
	}
}

func TestKeyRoundTrip(t *testing.T) {
	key := stage.Key{AssetID: "videos/2024/a1", Stage: stage.PhraseHinting, Attempt: 3}
	parsed, err := stage.ParseKey(key.String())
	if err != nil {
		t.Fatalf("ParseKey: %v", err)
	}
	if parsed != key {
		t.Fatalf("got %+v want %+v", parsed, key)
	}
	for _, bad := range []string{"", "a1", "a1/scene_detection", "a1/scene_detection/0", "a1/bogus/1", "/scene_detection/1"} {
		if _, err := stage.ParseKey(bad); err == nil {
			t.Fatalf("expected error for %q", bad)
		}
	}
}

func defaultDescriptors() []stage.Descriptor {
	return []stage.Descriptor{
		{Stage: stage.SceneDetection, Queue: "q.scene", Timeout: time.Minute},
		{Stage: stage.FlashDetection, Queue: "q.flash", Timeout: time.Minute},
		{Stage: stage.PhraseHinting, Queue: "q.phrase", DependsOn: []stage.Stage{stage.SceneDetection}},
		{Stage: stage.GlossaryGeneration, Queue: "q.glossary", DependsOn: []stage.Stage{stage.PhraseHinting}},
	}
}

func TestRegistryGraph(t *testing.T) {
	reg, err := stage.NewRegistry(defaultDescriptors()...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	if got := reg.Dependents(stage.SceneDetection); len(got) != 1 || got[0] != stage.PhraseHinting {
		t.Fatalf("unexpected dependents %v", got)
	}
	if got := reg.Prerequisites(stage.GlossaryGeneration); len(got) != 1 || got[0] != stage.PhraseHinting {
		t.Fatalf("unexpected prerequisites %v", got)
	}
	if s, ok := reg.StageForQueue("q.flash"); !ok || s != stage.FlashDetection {
		t.Fatalf("unexpected queue lookup %v %v", s, ok)
	}
	if _, ok := reg.Lookup(stage.Crawling); ok {
		t.Fatal("crawling was not registered")
	}
	stages := reg.Stages()
	if len(stages) != 4 || stages[0] != stage.SceneDetection || stages[3] != stage.GlossaryGeneration {
		t.Fatalf("unexpected order %v", stages)
	}
}

func TestRegistryRejectsBadGraphs(t *testing.T) {
	cyclic := []stage.Descriptor{
		{Stage: stage.SceneDetection, Queue: "a", DependsOn: []stage.Stage{stage.GlossaryGeneration}},
		{Stage: stage.GlossaryGeneration, Queue: "b", DependsOn: []stage.Stage{stage.SceneDetection}},
	}
	if _, err := stage.NewRegistry(cyclic...); !errors.Is(err, stage.ErrDependencyCycle) {
		t.Fatalf("expected cycle error, got %v", err)
	}
	dupQueue := []stage.Descriptor{
		{Stage: stage.SceneDetection, Queue: "a"},
		{Stage: stage.FlashDetection, Queue: "a"},
	}
	if _, err := stage.NewRegistry(dupQueue...); err == nil {
		t.Fatal("expected duplicate queue error")
	}
	missingDep := []stage.Descriptor{
		{Stage: stage.GlossaryGeneration, Queue: "a", DependsOn: []stage.Stage{stage.PhraseHinting}},
	}
	if _, err := stage.NewRegistry(missingDep...); err == nil {
		t.Fatal("expected unknown dependency error")
	}
}

func TestDecodeResultValidatesSchema(t *testing.T) {
	reg, err := stage.NewRegistry(defaultDescriptors()...)
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	got, err := reg.DecodeResult(stage.SceneDetection, []byte(`{"scenes":[{"index":0,"start":0,"end":4.5}]}`))
	if err != nil {
		t.Fatalf("DecodeResult: %v", err)
	}
	scenes, ok := got.(*stage.SceneResult)
	if !ok || len(scenes.Scenes) != 1 {
		t.Fatalf("unexpected decoded value %#v", got)
	}

	_, err = reg.DecodeResult(stage.SceneDetection, []byte(`{"scenes":[{"index":0,"start":5,"end":1}]}`))
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	_, err = reg.DecodeResult(stage.FlashDetection, []byte(`{"flashes":[{"start":1,"end":2,"danger":"extreme"}]}`))
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for danger level, got %v", err)
	}
	_, err = reg.DecodeResult(stage.PhraseHinting, []byte(`not json`))
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error for malformed json, got %v", err)
	}
}
