package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrStoreUnavailable wraps any failure to reach the job store.
	ErrStoreUnavailable = errors.New("job store unavailable")
	// ErrPublishFailed is returned when the record was written but the
	// dispatch could not be broadcast.
	ErrPublishFailed = errors.New("dispatch publish failed")
	// ErrUnknownJob is returned when a result arrives for a job the store
	// has never seen or has already expired.
	ErrUnknownJob = errors.New("unknown job")
	// ErrExternalTimeout is returned when a long-running external
	// submission does not finish within its overall timeout.
	ErrExternalTimeout = errors.New("external submission timed out")
)

// ValidationError lists everything wrong with a submitted request.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid request: " + strings.Join(e.Problems, "; ")
}

// WorkerError is a failure inside a module, surfaced as an error-flagged
// partial result rather than propagated.
type WorkerError struct {
	Module string
	Err    error
}

func (e *WorkerError) Error() string {
	return fmt.Sprintf("module %s: %v", e.Module, e.Err)
}

func (e *WorkerError) Unwrap() error {
	return e.Err
}
