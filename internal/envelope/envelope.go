// Package envelope defines the message unit exchanged over the broker between
// the engine and stage workers.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"mediaflow/internal/services"
	"mediaflow/internal/stage"
)

// Version is the current wire format version. Decoders accept any version up
// to and including it; field names are stable across versions.
const Version = 1

// Kind distinguishes the message types carried on the broker.
type Kind string

const (
	KindDispatch   Kind = "dispatch"
	KindStarted    Kind = "started"
	KindCompletion Kind = "completion"
	KindFailure    Kind = "failure"
)

func (k Kind) valid() bool {
	switch k {
	case KindDispatch, KindStarted, KindCompletion, KindFailure:
		return true
	default:
		return false
	}
}

// ErrMalformed marks envelopes that cannot be decoded or fail structural checks.
var ErrMalformed = errors.New("malformed envelope")

// Failure carries the worker's classification of a failed attempt.
type Failure struct {
	Kind    services.FailureKind `json:"kind"`
	Message string               `json:"message"`
}

// Envelope is the wire unit. Correlation always equals Key().String().
type Envelope struct {
	Version     int             `json:"version"`
	ID          string          `json:"id"`
	Kind        Kind            `json:"kind"`
	AssetID     string          `json:"asset_id"`
	Stage       stage.Stage     `json:"stage"`
	Attempt     int             `json:"attempt"`
	Correlation string          `json:"correlation"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ResultRef   string          `json:"result_ref,omitempty"`
	Error       *Failure        `json:"error,omitempty"`
	Worker      string          `json:"worker,omitempty"`
	SentAt      time.Time       `json:"sent_at"`
}

// Key returns the (asset, stage, attempt) idempotency key.
func (e Envelope) Key() stage.Key {
	return stage.Key{AssetID: e.AssetID, Stage: e.Stage, Attempt: e.Attempt}
}

func newEnvelope(kind Kind, key stage.Key) Envelope {
	return Envelope{
		Version:     Version,
		ID:          uuid.NewString(),
		Kind:        kind,
		AssetID:     key.AssetID,
		Stage:       key.Stage,
		Attempt:     key.Attempt,
		Correlation: key.String(),
		SentAt:      time.Now().UTC(),
	}
}

// NewDispatch builds a dispatch envelope carrying the stage payload.
func NewDispatch(key stage.Key, payload stage.DispatchPayload) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode dispatch payload: %w", err)
	}
	env := newEnvelope(KindDispatch, key)
	env.Payload = raw
	return env, nil
}

// NewStarted builds the optional worker acknowledgement.
func NewStarted(key stage.Key, worker string) Envelope {
	env := newEnvelope(KindStarted, key)
	env.Worker = worker
	return env
}

// NewCompletion builds a completion envelope referencing the stored result.
func NewCompletion(key stage.Key, resultRef string, worker string) Envelope {
	env := newEnvelope(KindCompletion, key)
	env.ResultRef = resultRef
	env.Worker = worker
	return env
}

// NewFailure builds a failure envelope classifying err.
func NewFailure(key stage.Key, kind services.FailureKind, err error, worker string) Envelope {
	env := newEnvelope(KindFailure, key)
	msg := "unknown failure"
	if err != nil {
		msg = err.Error()
	}
	env.Error = &Failure{Kind: kind, Message: msg}
	env.Worker = worker
	return env
}

// DispatchPayload decodes the payload of a dispatch envelope.
func (e Envelope) DispatchPayload() (stage.DispatchPayload, error) {
	var payload stage.DispatchPayload
	if len(e.Payload) == 0 {
		return payload, nil
	}
	if err := json.Unmarshal(e.Payload, &payload); err != nil {
		return payload, fmt.Errorf("%w: dispatch payload: %w", ErrMalformed, err)
	}
	if err := stage.Validate(&payload); err != nil {
		return payload, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return payload, nil
}

// Encode serializes the envelope.
func Encode(e Envelope) ([]byte, error) {
	if err := e.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode parses and validates an envelope.
func Decode(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := e.Validate(); err != nil {
		return Envelope{}, err
	}
	return e, nil
}

// Validate performs the structural checks shared by Encode and Decode.
func (e Envelope) Validate() error {
	switch {
	case e.Version < 1 || e.Version > Version:
		return fmt.Errorf("%w: unsupported version %d", ErrMalformed, e.Version)
	case !e.Kind.valid():
		return fmt.Errorf("%w: unknown kind %q", ErrMalformed, e.Kind)
	case strings.TrimSpace(e.AssetID) == "":
		return fmt.Errorf("%w: missing asset_id", ErrMalformed)
	case !e.Stage.Valid():
		return fmt.Errorf("%w: unknown stage %q", ErrMalformed, e.Stage)
	case e.Attempt < 1:
		return fmt.Errorf("%w: attempt must be >= 1", ErrMalformed)
	case e.Correlation != e.Key().String():
		return fmt.Errorf("%w: correlation %q does not match %s", ErrMalformed, e.Correlation, e.Key())
	case e.Kind == KindCompletion && e.ResultRef == "":
		return fmt.Errorf("%w: completion without result_ref", ErrMalformed)
	case e.Kind == KindFailure && e.Error == nil:
		return fmt.Errorf("%w: failure without error", ErrMalformed)
	}
	return nil
}
