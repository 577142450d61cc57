package bonsai

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by the scheduler, its workers and the HTTP layer.
var (
	// ErrVersionMismatch is returned when a request declares a runtime
	// version that differs from the installed engine in major.minor.
	ErrVersionMismatch = errors.New("version mismatch")

	// ErrOverloaded is returned when a stage queue is at capacity.
	ErrOverloaded = errors.New("overloaded")

	// ErrNotFound is returned for unknown session, snark or blob ids.
	ErrNotFound = errors.New("not found")

	// ErrInvalidState is returned when an operation needs a session in a
	// different state, e.g. conversion before proving succeeded.
	ErrInvalidState = errors.New("invalid state")

	// ErrEngine marks a proving engine failure recorded on one session.
	ErrEngine = errors.New("engine error")

	// ErrConversion marks a SNARK conversion failure recorded on one
	// snark session.
	ErrConversion = errors.New("conversion failure")

	// ErrConflict is returned when mutating an entry that is terminal or
	// has already been evicted.
	ErrConflict = errors.New("conflict")
)

// JobError is the failure recorded on a terminal Failed session.
// Kind is one of the sentinel errors above.
type JobError struct {
	Kind    error  `json:"-"`
	Message string `json:"message"`
}

// NewJobError builds a JobError of the given kind from err.
func NewJobError(kind error, err error) *JobError {
	var msg string
	if err != nil {
		msg = err.Error()
	}
	return &JobError{Kind: kind, Message: msg}
}

// Error implements error.
func (e *JobError) Error() string {
	if e.Message == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes Kind to errors.Is.
func (e *JobError) Unwrap() error {
	return e.Kind
}

// Stats reports the cost of one proving run.
type Stats struct {
	Segments    uint64 `json:"segments"`
	TotalCycles uint64 `json:"total_cycles"`
	UserCycles  uint64 `json:"cycles"`
}
