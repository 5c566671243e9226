package jobs

import "errors"

var (
	// ErrNotFound is returned when the addressed asset or job does not exist.
	ErrNotFound = errors.New("job record not found")
	// ErrConflict is returned when a compare-and-swap lost: the row's status or
	// attempt no longer matches the caller's expectation.
	ErrConflict = errors.New("job record changed concurrently")
)
