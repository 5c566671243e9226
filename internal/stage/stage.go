package stage

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Stage names one unit-of-work type applied to an asset.
type Stage string

const (
	SceneDetection     Stage = "scene_detection"
	FlashDetection     Stage = "flash_detection"
	PhraseHinting      Stage = "phrase_hinting"
	GlossaryGeneration Stage = "glossary_generation"
	Crawling           Stage = "crawling"
)

var allStages = []Stage{
	SceneDetection,
	FlashDetection,
	PhraseHinting,
	GlossaryGeneration,
	Crawling,
}

// legacyNames maps queue names used by older agents onto stages.
var legacyNames = map[string]Stage{
	"scenedetection":  SceneDetection,
	"flashdetection":  FlashDetection,
	"phrasehinter":    PhraseHinting,
	"phrasehinting":   PhraseHinting,
	"glossarygen":     GlossaryGeneration,
	"glossary":        GlossaryGeneration,
	"pythoncrawler":   Crawling,
	"crawler":         Crawling,
	"accessiblecrawl": Crawling,
}

// All returns every known stage in canonical order.
func All() []Stage {
	out := make([]Stage, len(allStages))
	copy(out, allStages)
	return out
}

// Parse resolves a canonical or legacy stage name.
func Parse(value string) (Stage, error) {
	normalized := strings.ToLower(strings.TrimSpace(value))
	normalized = strings.ReplaceAll(normalized, "-", "_")
	for _, s := range allStages {
		if string(s) == normalized {
			return s, nil
		}
	}
	if s, ok := legacyNames[strings.ReplaceAll(normalized, "_", "")]; ok {
		return s, nil
	}
	return "", fmt.Errorf("unknown stage %q", value)
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	for _, known := range allStages {
		if s == known {
			return true
		}
	}
	return false
}

func (s Stage) String() string { return string(s) }

// Order is the stage's position in canonical order; unknown stages sort last.
func (s Stage) Order() int {
	for i, known := range allStages {
		if s == known {
			return i
		}
	}
	return len(allStages)
}

// DisplayName renders the stage for tables and notifications ("Scene Detection").
func (s Stage) DisplayName() string {
	words := strings.ReplaceAll(string(s), "_", " ")
	return cases.Title(language.English).String(words)
}

// Key identifies one attempt of one stage for one asset. It doubles as the
// idempotency key checked by workers and the reconciler.
type Key struct {
	AssetID string
	Stage   Stage
	Attempt int
}

func (k Key) String() string {
	return k.AssetID + "/" + string(k.Stage) + "/" + strconv.Itoa(k.Attempt)
}

// ParseKey reverses Key.String. The stage and attempt are always the final
// two segments.
func ParseKey(value string) (Key, error) {
	idx := strings.LastIndex(value, "/")
	if idx <= 0 {
		return Key{}, fmt.Errorf("malformed correlation %q", value)
	}
	attempt, err := strconv.Atoi(value[idx+1:])
	if err != nil || attempt < 1 {
		return Key{}, fmt.Errorf("malformed correlation attempt %q", value)
	}
	rest := value[:idx]
	idx = strings.LastIndex(rest, "/")
	if idx <= 0 {
		return Key{}, fmt.Errorf("malformed correlation %q", value)
	}
	s, err := Parse(rest[idx+1:])
	if err != nil {
		return Key{}, err
	}
	return Key{AssetID: rest[:idx], Stage: s, Attempt: attempt}, nil
}
