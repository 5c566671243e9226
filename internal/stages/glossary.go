package stages

import (
	"context"
	"log/slog"
	"strings"

	"mediaflow/internal/logging"
	"mediaflow/internal/rpcbridge"
	"mediaflow/internal/stage"
	"mediaflow/internal/textutil"
)

const (
	maxGlossaryTerms = 100
	sourceInference  = "inference"
)

// GlossaryGenerator defines the top phrase hints of an asset.
type GlossaryGenerator struct {
	rpc    rpcbridge.Invoker
	logger *slog.Logger
}

// NewGlossaryGenerator constructs the glossary generation processor.
func NewGlossaryGenerator(rpc rpcbridge.Invoker, logger *slog.Logger) *GlossaryGenerator {
	return &GlossaryGenerator{rpc: rpc, logger: logging.NewComponentLogger(logger, "glossary-generation")}
}

func (g *GlossaryGenerator) Stage() stage.Stage { return stage.GlossaryGeneration }

type defineRequest struct {
	AssetID  string            `json:"asset_id"`
	Terms    []string          `json:"terms"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Process asks the inference service to define the ranked phrase hints and
// returns one normalized entry per distinct term.
func (g *GlossaryGenerator) Process(ctx context.Context, task stage.Task) (any, error) {
	var phrases stage.PhraseResult
	if err := decodeInput(task, stage.PhraseHinting, &phrases); err != nil {
		return nil, err
	}
	terms := make([]string, 0, min(len(phrases.Phrases), maxGlossaryTerms))
	seen := make(map[string]struct{}, len(phrases.Phrases))
	for _, hint := range phrases.Phrases {
		key := textutil.FoldKey(hint.Phrase)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		terms = append(terms, textutil.NormalizeTerm(hint.Phrase))
		if len(terms) == maxGlossaryTerms {
			break
		}
	}
	if len(terms) == 0 {
		return stage.GlossaryResult{Entries: []stage.GlossaryEntry{}}, nil
	}

	resp, err := g.rpc.Invoke(ctx, rpcbridge.Request{
		Method:  MethodDefineTerms,
		Payload: defineRequest{AssetID: task.Key.AssetID, Terms: terms, Metadata: task.Payload.Metadata},
	})
	if err != nil {
		return nil, err
	}
	var raw stage.GlossaryResult
	if err := resp.Decode(&raw); err != nil {
		return nil, err
	}
	entries := NormalizeGlossary(raw.Entries, sourceInference)

	logging.WithContext(ctx, g.logger).Info("glossary generated",
		logging.Int("terms", len(terms)),
		logging.Int("entries", len(entries)),
		logging.String(logging.FieldEventType, "glossary_generated"),
	)
	return stage.GlossaryResult{Entries: entries}, nil
}

func (g *GlossaryGenerator) HealthCheck(ctx context.Context) stage.Health {
	return rpcHealth(ctx, g.Stage(), g.rpc)
}

// NormalizeGlossary drops entries without a term or definition, clamps
// confidence into [0, 1], fills the source and keeps the most confident
// entry per case-folded term in first-seen order.
func NormalizeGlossary(entries []stage.GlossaryEntry, defaultSource string) []stage.GlossaryEntry {
	out := make([]stage.GlossaryEntry, 0, len(entries))
	index := make(map[string]int, len(entries))
	for _, e := range entries {
		term := textutil.DisplayTerm(e.Term)
		definition := strings.Join(strings.Fields(e.Definition), " ")
		if term == "" || definition == "" {
			continue
		}
		entry := stage.GlossaryEntry{
			Term:       term,
			Definition: definition,
			Source:     strings.TrimSpace(e.Source),
			Confidence: min(max(e.Confidence, 0), 1),
		}
		if entry.Source == "" {
			entry.Source = defaultSource
		}
		key := textutil.FoldKey(term)
		if i, ok := index[key]; ok {
			if entry.Confidence > out[i].Confidence {
				out[i] = entry
			}
			continue
		}
		index[key] = len(out)
		out = append(out, entry)
	}
	return out
}
