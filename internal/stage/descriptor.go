package stage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"mediaflow/internal/services"
)

// ErrDependencyCycle is returned when declared stage dependencies loop.
var ErrDependencyCycle = errors.New("stage dependency cycle")

// Execer is the subset of *sql.Tx an apply function writes through.
type Execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// ApplyFunc persists a validated stage result for key. Implementations must be
// idempotent for a given key.
type ApplyFunc func(ctx context.Context, tx Execer, key Key, result any) error

// Descriptor is the static capability record for one stage.
type Descriptor struct {
	Stage     Stage
	Queue     string
	DependsOn []Stage
	Timeout   time.Duration
	// NewResult returns a pointer to the zero value of the stage's result schema.
	NewResult func() any
	Apply     ApplyFunc
}

// Registry maps stages to their descriptors. It is built once at startup.
type Registry struct {
	byStage map[Stage]*Descriptor
	byQueue map[string]Stage
	order   []Stage
}

// NewRegistry validates descriptors and their dependency graph.
func NewRegistry(descs ...Descriptor) (*Registry, error) {
	r := &Registry{
		byStage: make(map[Stage]*Descriptor, len(descs)),
		byQueue: make(map[string]Stage, len(descs)),
	}
	for i := range descs {
		d := descs[i]
		if !d.Stage.Valid() {
			return nil, fmt.Errorf("register stage: unknown stage %q", d.Stage)
		}
		if _, dup := r.byStage[d.Stage]; dup {
			return nil, fmt.Errorf("register stage %s: duplicate descriptor", d.Stage)
		}
		if d.Queue == "" {
			return nil, fmt.Errorf("register stage %s: queue name required", d.Stage)
		}
		if other, dup := r.byQueue[d.Queue]; dup {
			return nil, fmt.Errorf("register stage %s: queue %q already used by %s", d.Stage, d.Queue, other)
		}
		if d.NewResult == nil {
			d.NewResult = defaultSchema(d.Stage)
		}
		r.byStage[d.Stage] = &d
		r.byQueue[d.Queue] = d.Stage
		r.order = append(r.order, d.Stage)
	}
	for _, d := range r.byStage {
		for _, dep := range d.DependsOn {
			if _, ok := r.byStage[dep]; !ok {
				return nil, fmt.Errorf("register stage %s: unknown dependency %q", d.Stage, dep)
			}
		}
	}
	if err := r.checkCycles(); err != nil {
		return nil, err
	}
	sort.SliceStable(r.order, func(i, j int) bool {
		return canonicalIndex(r.order[i]) < canonicalIndex(r.order[j])
	})
	return r, nil
}

// Bind attaches the reconciler apply function for a stage.
func (r *Registry) Bind(s Stage, fn ApplyFunc) error {
	d, ok := r.byStage[s]
	if !ok {
		return fmt.Errorf("bind %s: stage not registered", s)
	}
	d.Apply = fn
	return nil
}

// Lookup returns the descriptor for s.
func (r *Registry) Lookup(s Stage) (Descriptor, bool) {
	if r == nil {
		return Descriptor{}, false
	}
	d, ok := r.byStage[s]
	if !ok {
		return Descriptor{}, false
	}
	return *d, true
}

// StageForQueue resolves the stage consuming a queue.
func (r *Registry) StageForQueue(queue string) (Stage, bool) {
	s, ok := r.byQueue[queue]
	return s, ok
}

// Stages lists registered stages in canonical order.
func (r *Registry) Stages() []Stage {
	out := make([]Stage, len(r.order))
	copy(out, r.order)
	return out
}

// Prerequisites returns the stages s directly depends on.
func (r *Registry) Prerequisites(s Stage) []Stage {
	d, ok := r.byStage[s]
	if !ok {
		return nil
	}
	out := make([]Stage, len(d.DependsOn))
	copy(out, d.DependsOn)
	return out
}

// Dependents returns the stages that directly depend on s.
func (r *Registry) Dependents(s Stage) []Stage {
	var out []Stage
	for _, candidate := range r.order {
		for _, dep := range r.byStage[candidate].DependsOn {
			if dep == s {
				out = append(out, candidate)
				break
			}
		}
	}
	return out
}

// DecodeResult unmarshals and validates a result payload against the stage schema.
func (r *Registry) DecodeResult(s Stage, raw []byte) (any, error) {
	d, ok := r.byStage[s]
	if !ok {
		return nil, services.Wrap(services.ErrConfiguration, string(s), "decode result", "stage not registered", nil)
	}
	target := d.NewResult()
	if err := json.Unmarshal(raw, target); err != nil {
		return nil, services.Wrap(services.ErrValidation, string(s), "decode result", "malformed result payload", err)
	}
	if err := Validate(target); err != nil {
		return nil, err
	}
	return target, nil
}

func (r *Registry) checkCycles() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[Stage]int, len(r.byStage))
	var visit func(Stage, []Stage) error
	visit = func(s Stage, path []Stage) error {
		switch state[s] {
		case visiting:
			return fmt.Errorf("%w: %v", ErrDependencyCycle, append(path, s))
		case done:
			return nil
		}
		state[s] = visiting
		for _, dep := range r.byStage[s].DependsOn {
			if err := visit(dep, append(path, s)); err != nil {
				return err
			}
		}
		state[s] = done
		return nil
	}
	for _, s := range r.order {
		if err := visit(s, nil); err != nil {
			return err
		}
	}
	return nil
}

func canonicalIndex(s Stage) int {
	for i, known := range allStages {
		if known == s {
			return i
		}
	}
	return len(allStages)
}

func defaultSchema(s Stage) func() any {
	switch s {
	case SceneDetection:
		return func() any { return &SceneResult{} }
	case FlashDetection:
		return func() any { return &FlashResult{} }
	case PhraseHinting:
		return func() any { return &PhraseResult{} }
	case GlossaryGeneration:
		return func() any { return &GlossaryResult{} }
	case Crawling:
		return func() any { return &CrawlResult{} }
	default:
		return func() any { return &map[string]any{} }
	}
}
