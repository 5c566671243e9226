package stages

import (
	"context"
	"log/slog"
	"sort"

	"mediaflow/internal/logging"
	"mediaflow/internal/rpcbridge"
	"mediaflow/internal/stage"
	"mediaflow/internal/textutil"
)

const (
	// Phrases whose token fingerprints are at least this similar are merged.
	phraseMergeThreshold = 0.85
	maxPhraseHints       = 200
)

// PhraseHinter extracts recurring phrases from the detected scenes.
type PhraseHinter struct {
	rpc    rpcbridge.Invoker
	logger *slog.Logger
}

// NewPhraseHinter constructs the phrase hinting processor.
func NewPhraseHinter(rpc rpcbridge.Invoker, logger *slog.Logger) *PhraseHinter {
	return &PhraseHinter{rpc: rpc, logger: logging.NewComponentLogger(logger, "phrase-hinting")}
}

func (h *PhraseHinter) Stage() stage.Stage { return stage.PhraseHinting }

type phraseRequest struct {
	AssetID  string            `json:"asset_id"`
	Scenes   []stage.Scene     `json:"scenes"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Process sends the scene list to the inference service and returns its
// phrase hints deduplicated and ranked.
func (h *PhraseHinter) Process(ctx context.Context, task stage.Task) (any, error) {
	var scenes stage.SceneResult
	if err := decodeInput(task, stage.SceneDetection, &scenes); err != nil {
		return nil, err
	}
	if len(scenes.Scenes) == 0 {
		return stage.PhraseResult{Phrases: []stage.PhraseHint{}}, nil
	}
	resp, err := h.rpc.Invoke(ctx, rpcbridge.Request{
		Method:  MethodExtractPhrases,
		Payload: phraseRequest{AssetID: task.Key.AssetID, Scenes: scenes.Scenes, Metadata: task.Payload.Metadata},
	})
	if err != nil {
		return nil, err
	}
	var raw stage.PhraseResult
	if err := resp.Decode(&raw); err != nil {
		return nil, err
	}
	hints := RankPhrases(raw.Phrases)

	logging.WithContext(ctx, h.logger).Info("phrases extracted",
		logging.Int("raw_phrases", len(raw.Phrases)),
		logging.Int("phrases", len(hints)),
		logging.String(logging.FieldEventType, "phrases_extracted"),
	)
	return stage.PhraseResult{Phrases: hints}, nil
}

func (h *PhraseHinter) HealthCheck(ctx context.Context) stage.Health {
	return rpcHealth(ctx, h.Stage(), h.rpc)
}

// RankPhrases merges near-duplicate phrases and orders them by score, then
// occurrence count, then text. A merged hint keeps the first spelling seen,
// the earliest scene, the best score and the summed count.
func RankPhrases(raw []stage.PhraseHint) []stage.PhraseHint {
	merged := make([]stage.PhraseHint, 0, len(raw))
	for _, hint := range raw {
		phrase := textutil.NormalizeTerm(hint.Phrase)
		if phrase == "" {
			continue
		}
		count := max(hint.Count, 1)
		idx := -1
		for i := range merged {
			if textutil.NearDuplicate(merged[i].Phrase, phrase, phraseMergeThreshold) {
				idx = i
				break
			}
		}
		if idx < 0 {
			merged = append(merged, stage.PhraseHint{
				Phrase:     phrase,
				Count:      count,
				SceneIndex: max(hint.SceneIndex, 0),
				Score:      max(hint.Score, 0),
			})
			continue
		}
		m := &merged[idx]
		m.Count += count
		m.SceneIndex = min(m.SceneIndex, max(hint.SceneIndex, 0))
		m.Score = max(m.Score, hint.Score)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		a, b := merged[i], merged[j]
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		if a.Count != b.Count {
			return a.Count > b.Count
		}
		return textutil.FoldKey(a.Phrase) < textutil.FoldKey(b.Phrase)
	})
	if len(merged) > maxPhraseHints {
		merged = merged[:maxPhraseHints]
	}
	return merged
}
