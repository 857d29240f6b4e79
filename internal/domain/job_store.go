package domain

import (
	"context"
	"errors"
)

// ErrJobNotFound is a sentinel error returned when a job is not found.
var ErrJobNotFound = errors.New("job not found")

// ErrJobExists is returned by Create when the job id is already taken.
var ErrJobExists = errors.New("job already exists")

// JobStore persists job records with a fixed retention horizon.
type JobStore interface {
	// Create writes a new record. It fails with ErrJobExists on id collision.
	Create(ctx context.Context, rec *JobRecord) error
	// Get returns the record or ErrJobNotFound.
	Get(ctx context.Context, jobID string) (*JobRecord, error)
	// Merge atomically sets one module slot without touching the others or
	// the record's expiry. It fails with ErrUnknownJob if the record is gone.
	Merge(ctx context.Context, jobID string, res ModuleResult) error
	// List returns live job ids ordered by expiry, newest first.
	List(ctx context.Context) ([]string, error)
}
