package envelope_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"mediaflow/internal/envelope"
	"mediaflow/internal/services"
	"mediaflow/internal/stage"
)

func TestDispatchRoundTrip(t *testing.T) {
	key := stage.Key{AssetID: "a1", Stage: stage.SceneDetection, Attempt: 1}
	env, err := envelope.NewDispatch(key, stage.DispatchPayload{SourcePath: "videos/a1.mp4", Force: true})
	if err != nil {
		t.Fatalf("NewDispatch: %v", err)
	}
	data, err := envelope.Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	for _, field := range []string{`"kind":"dispatch"`, `"asset_id":"a1"`, `"correlation":"a1/scene_detection/1"`} {
		if !strings.Contains(string(data), field) {
			t.Fatalf("expected %s in %s", field, data)
		}
	}

	decoded, err := envelope.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Key() != key {
		t.Fatalf("unexpected key %v", decoded.Key())
	}
	payload, err := decoded.DispatchPayload()
	if err != nil {
		t.Fatalf("DispatchPayload: %v", err)
	}
	if payload.SourcePath != "videos/a1.mp4" || !payload.Force {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestFailureCarriesClassification(t *testing.T) {
	key := stage.Key{AssetID: "a1", Stage: stage.FlashDetection, Attempt: 2}
	env := envelope.NewFailure(key, services.FailurePermanent, errors.New("corrupt input"), "worker-1")
	data, err := envelope.Encode(env)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	decoded, err := envelope.Decode(data)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.Error == nil || decoded.Error.Kind != services.FailurePermanent || decoded.Error.Message != "corrupt input" {
		t.Fatalf("unexpected failure %+v", decoded.Error)
	}
}

func TestDecodeRejectsMalformed(t *testing.T) {
	valid := envelope.NewCompletion(stage.Key{AssetID: "a1", Stage: stage.Crawling, Attempt: 1}, "a1/crawling/1.json", "")
	mutate := func(fn func(m map[string]any)) []byte {
		raw, _ := json.Marshal(valid)
		var m map[string]any
		_ = json.Unmarshal(raw, &m)
		fn(m)
		out, _ := json.Marshal(m)
		return out
	}

	tests := map[string][]byte{
		"not json":             []byte("{"),
		"unknown kind":         mutate(func(m map[string]any) { m["kind"] = "heartbeat" }),
		"missing asset":        mutate(func(m map[string]any) { m["asset_id"] = "" }),
		"unknown stage":        mutate(func(m map[string]any) { m["stage"] = "transcode" }),
		"zero attempt":         mutate(func(m map[string]any) { m["attempt"] = 0 }),
		"correlation mismatch": mutate(func(m map[string]any) { m["attempt"] = 2 }),
		"future version":       mutate(func(m map[string]any) { m["version"] = 99 }),
		"completion no result": mutate(func(m map[string]any) { delete(m, "result_ref") }),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := envelope.Decode(data); !errors.Is(err, envelope.ErrMalformed) {
				t.Fatalf("expected ErrMalformed, got %v", err)
			}
		})
	}
}

func TestDispatchPayloadValidation(t *testing.T) {
	key := stage.Key{AssetID: "src-1", Stage: stage.Crawling, Attempt: 1}
	env, err := envelope.NewDispatch(key, stage.DispatchPayload{SourceURL: "not a url"})
	if err != nil {
		t.Fatalf("NewDispatch: %v", err)
	}
	if _, err := env.DispatchPayload(); !errors.Is(err, envelope.ErrMalformed) {
		t.Fatalf("expected ErrMalformed for invalid url, got %v", err)
	}
}
