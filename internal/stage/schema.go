package stage

import (
	"errors"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"mediaflow/internal/services"
)

// DispatchPayload is the stage-independent body of a dispatch envelope.
type DispatchPayload struct {
	Profile    string            `json:"profile,omitempty"`
	SourcePath string            `json:"source_path,omitempty"`
	SourceURL  string            `json:"source_url,omitempty" validate:"omitempty,url"`
	Force      bool              `json:"force,omitempty"`
	ReadOnly   bool              `json:"read_only,omitempty"`
	Inputs     map[Stage]string  `json:"inputs,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Scene is one detected shot boundary interval, in seconds.
type Scene struct {
	Index    int     `json:"index" validate:"gte=0"`
	Start    float64 `json:"start" validate:"gte=0"`
	End      float64 `json:"end" validate:"gtfield=Start"`
	Keyframe string  `json:"keyframe,omitempty"`
}

type SceneResult struct {
	Scenes   []Scene           `json:"scenes" validate:"dive"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

// Flash is a photosensitivity hazard window.
type Flash struct {
	Start         float64 `json:"start" validate:"gte=0"`
	End           float64 `json:"end" validate:"gtefield=Start"`
	Danger        string  `json:"danger" validate:"oneof=low medium high"`
	Luminance     float64 `json:"luminance" validate:"gte=0"`
	RedTransition bool    `json:"red_transition,omitempty"`
}

type FlashResult struct {
	Flashes []Flash `json:"flashes" validate:"dive"`
}

type PhraseHint struct {
	Phrase     string  `json:"phrase" validate:"required"`
	Count      int     `json:"count" validate:"gte=1"`
	SceneIndex int     `json:"scene_index" validate:"gte=0"`
	Score      float64 `json:"score" validate:"gte=0"`
}

type PhraseResult struct {
	Phrases []PhraseHint `json:"phrases" validate:"dive"`
}

type GlossaryEntry struct {
	Term       string  `json:"term" validate:"required"`
	Definition string  `json:"definition" validate:"required"`
	Source     string  `json:"source,omitempty"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
}

type GlossaryResult struct {
	Entries []GlossaryEntry `json:"entries" validate:"dive"`
}

type CrawlPage struct {
	URL   string          `json:"url" validate:"required,url"`
	Title string          `json:"title,omitempty"`
	Terms []GlossaryEntry `json:"terms" validate:"dive"`
}

type CrawlResult struct {
	Pages []CrawlPage `json:"pages" validate:"dive"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

// Validate checks v against its struct tags. Failures carry services.ErrValidation.
func Validate(v any) error {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
	})
	if err := validate.Struct(v); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) {
			parts := make([]string, 0, len(fieldErrs))
			for _, fe := range fieldErrs {
				parts = append(parts, fe.Namespace()+" failed "+fe.Tag())
			}
			return services.Wrap(services.ErrValidation, "", "validate payload", strings.Join(parts, "; "), nil)
		}
		return services.Wrap(services.ErrValidation, "", "validate payload", "", err)
	}
	return nil
}
