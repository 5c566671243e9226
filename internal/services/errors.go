package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation        = errors.New("validation error")
	ErrConfiguration     = errors.New("configuration error")
	ErrNotFound          = errors.New("not found")
	ErrTimeout           = errors.New("timeout")
	ErrTransient         = errors.New("transient failure")
	ErrPermanent         = errors.New("permanent failure")
	ErrUnavailable       = errors.New("collaborator unavailable")
	ErrInvalidRequest    = errors.New("invalid request")
	ErrBrokerUnavailable = errors.New("broker unavailable")
)

// FailureKind is the wire classification of a stage failure.
type FailureKind string

const (
	FailurePermanent FailureKind = "permanent"
	FailureTransient FailureKind = "transient"
	FailureTimeout   FailureKind = "timeout"
)

// Retryable reports whether the engine may redispatch after this kind of failure.
func (k FailureKind) Retryable() bool {
	return k != FailurePermanent
}

// ParseFailureKind maps a stored or wire value back to a FailureKind.
// Unknown values are treated as transient.
func ParseFailureKind(value string) FailureKind {
	switch FailureKind(strings.ToLower(strings.TrimSpace(value))) {
	case FailurePermanent:
		return FailurePermanent
	case FailureTimeout:
		return FailureTimeout
	default:
		return FailureTransient
	}
}

// Wrap builds an error message that includes stage context while tagging it with
// the provided marker for later failure classification. The marker should be one
// of the exported sentinel errors above.
func Wrap(marker error, stage, operation, message string, err error) error {
	detail := buildDetail(stage, operation, message)
	if marker == nil {
		marker = ErrTransient
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %w", marker, detail, err)
	}
	return fmt.Errorf("%w: %s", marker, detail)
}

// Classify maps a stage error to the failure kind a worker reports to the
// engine. Errors without a recognised marker are transient.
func Classify(err error) FailureKind {
	switch {
	case err == nil:
		return FailureTransient
	case errors.Is(err, ErrValidation),
		errors.Is(err, ErrConfiguration),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidRequest),
		errors.Is(err, ErrPermanent):
		return FailurePermanent
	case errors.Is(err, ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return FailureTimeout
	default:
		return FailureTransient
	}
}

func buildDetail(stage, operation, message string) string {
	parts := make([]string, 0, 3)
	if stage = strings.TrimSpace(stage); stage != "" {
		parts = append(parts, stage)
	}
	if operation = strings.TrimSpace(operation); operation != "" {
		parts = append(parts, operation)
	}
	if message = strings.TrimSpace(message); message != "" {
		parts = append(parts, message)
	}
	if len(parts) == 0 {
		return "service failure"
	}
	return strings.Join(parts, ": ")
}
