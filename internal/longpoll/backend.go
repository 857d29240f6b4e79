package longpoll

import (
	"context"
	"errors"
)

// ExternalState is what the backing service reports about a submission.
type ExternalState string

const (
	// StateNotFound means the service has not registered the submission yet.
	StateNotFound ExternalState = "not_found"
	StateQueued   ExternalState = "queued"
	StateRunning  ExternalState = "running"
	StateFinished ExternalState = "finished"
	StateFailed   ExternalState = "failed"
)

// Status is one status observation.
type Status struct {
	State  ExternalState `json:"state"`
	Detail string        `json:"detail,omitempty"`
}

// Backend is a slow external analysis service.
type Backend interface {
	Submit(ctx context.Context, artifact []byte) (externalID string, err error)
	Status(ctx context.Context, externalID string) (Status, error)
	Fetch(ctx context.Context, externalID string) ([]byte, error)
}

// TransientError marks a backend failure worth retrying, such as a network
// timeout or a 5xx response.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }

func (e *TransientError) Unwrap() error { return e.Err }

// Transient wraps err so the adapter retries it.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// IsTransient reports whether err is worth retrying.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
