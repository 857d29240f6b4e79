// internal/infra/memory/job_store.go
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"threat-api/internal/domain"
)

// JobStore is an in-process domain.JobStore. Records past their expiry are
// invisible immediately and physically removed by Purge.
type JobStore struct {
	mu     sync.RWMutex
	jobs   map[string]*domain.JobRecord
	now    func() time.Time
	logger *slog.Logger
}

// NewJobStore creates an empty store. A nil clock means time.Now.
func NewJobStore(logger *slog.Logger, now func() time.Time) *JobStore {
	if now == nil {
		now = time.Now
	}
	return &JobStore{
		jobs:   make(map[string]*domain.JobRecord),
		now:    now,
		logger: logger.With("component", "memory-job-store"),
	}
}

func (s *JobStore) Create(ctx context.Context, rec *domain.JobRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.jobs[rec.JobID]; ok && !existing.Expired(s.now()) {
		return fmt.Errorf("failed to create job %s: %w", rec.JobID, domain.ErrJobExists)
	}
	s.jobs[rec.JobID] = rec.Clone()
	return nil
}

func (s *JobStore) Get(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.jobs[jobID]
	if !ok || rec.Expired(s.now()) {
		return nil, domain.ErrJobNotFound
	}
	return rec.Clone(), nil
}

func (s *JobStore) Merge(ctx context.Context, jobID string, res domain.ModuleResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.jobs[jobID]
	if !ok || rec.Expired(s.now()) {
		return fmt.Errorf("failed to merge %s into job %s: %w", res.ModuleName, jobID, domain.ErrUnknownJob)
	}
	rec.Merge(res)
	return nil
}

func (s *JobStore) List(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	now := s.now()
	entries := make([]domain.JobIndexEntry, 0, len(s.jobs))
	for _, rec := range s.jobs {
		if rec.Expired(now) {
			continue
		}
		entries = append(entries, domain.JobIndexEntry{JobID: rec.JobID, ExpiresAt: rec.ExpiresAt})
	}
	return domain.OrderJobIDs(entries), nil
}

// Purge drops expired records and returns how many were removed.
func (s *JobStore) Purge(ctx context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, rec := range s.jobs {
		if rec.Expired(now) {
			delete(s.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		s.logger.Info("purged expired jobs", "count", removed)
	}
	return removed, nil
}
