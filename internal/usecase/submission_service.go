package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"threat-api/internal/domain"
	"threat-api/internal/metrics"
	"threat-api/internal/validation"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lthibault/jitterbug/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// idAttempts bounds retries on the astronomically unlikely id collision.
const idAttempts = 3

// SubmissionConfig holds job lifetime and sync-wait settings.
type SubmissionConfig struct {
	Retention        time.Duration
	SyncPollInterval time.Duration
	SyncMaxWait      time.Duration
	PollJitter       time.Duration
}

// SubmissionService creates job records and broadcasts them to workers.
type SubmissionService struct {
	store     domain.JobStore
	publisher domain.DispatchPublisher
	validate  *validator.Validate
	cfg       SubmissionConfig
	logger    *slog.Logger
	tracer    trace.Tracer
	newID     func() string
	now       func() time.Time
}

func NewSubmissionService(store domain.JobStore, publisher domain.DispatchPublisher, cfg SubmissionConfig, logger *slog.Logger) *SubmissionService {
	return &SubmissionService{
		store:     store,
		publisher: publisher,
		validate:  validation.New(),
		cfg:       cfg,
		logger:    logger.With("component", "submission-service"),
		tracer:    otel.Tracer("threat-api-usecase"),
		newID:     uuid.NewString,
		now:       time.Now,
	}
}

// SubmitAsync stores a new job and publishes its dispatch, returning as soon
// as the dispatch is handed to the channel.
//
// If the store write fails nothing is published. If publishing fails the
// job id is still returned alongside an error wrapping
// domain.ErrPublishFailed; the record stays and simply never fills.
func (s *SubmissionService) SubmitAsync(ctx context.Context, req domain.JobRequest) (string, error) {
	ctx, span := s.tracer.Start(ctx, "service.SubmitAsync")
	defer span.End()

	jobID, err := s.submit(ctx, span, req)
	metrics.JobsSubmittedTotal.WithLabelValues("async", outcome(err)).Inc()
	return jobID, err
}

// SubmitSync submits like SubmitAsync and then polls the store until every
// requested module has answered or wait elapses, returning the latest
// record either way. wait is capped at the configured maximum.
func (s *SubmissionService) SubmitSync(ctx context.Context, req domain.JobRequest, wait time.Duration) (*domain.JobRecord, error) {
	ctx, span := s.tracer.Start(ctx, "service.SubmitSync")
	defer span.End()

	jobID, err := s.submit(ctx, span, req)
	metrics.JobsSubmittedTotal.WithLabelValues("sync", outcome(err)).Inc()
	if err != nil {
		if jobID == "" {
			return nil, err
		}
		rec, getErr := s.store.Get(ctx, jobID)
		if getErr != nil {
			s.logger.Warn("failed to read back unpublished job", "job_id", jobID, "error", getErr)
			return &domain.JobRecord{JobID: jobID}, err
		}
		return rec, err
	}

	if wait <= 0 || wait > s.cfg.SyncMaxWait {
		wait = s.cfg.SyncMaxWait
	}
	span.SetAttributes(attribute.String("job.id", jobID), attribute.String("sync.wait", wait.String()))
	return s.awaitCompletion(ctx, jobID, wait)
}

func (s *SubmissionService) submit(ctx context.Context, span trace.Span, req domain.JobRequest) (string, error) {
	if len(req.Payload) == 0 {
		req.Payload = nil
	}
	if err := s.validate.Struct(req); err != nil {
		span.SetStatus(codes.Error, "validation failed")
		return "", &domain.ValidationError{Problems: validation.Problems(err)}
	}

	var rec *domain.JobRecord
	for attempt := 1; ; attempt++ {
		rec = domain.NewJobRecord(s.newID(), req, s.now(), s.cfg.Retention)
		err := s.store.Create(ctx, rec)
		if err == nil {
			break
		}
		if errors.Is(err, domain.ErrJobExists) && attempt < idAttempts {
			s.logger.Warn("job id collision, regenerating", "job_id", rec.JobID)
			continue
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create job record")
		s.logger.Error("failed to create job record", "error", err)
		if !errors.Is(err, domain.ErrStoreUnavailable) {
			err = fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
		}
		return "", err
	}
	span.SetAttributes(attribute.String("job.id", rec.JobID))
	logger := s.logger.With("job_id", rec.JobID)

	if err := s.publisher.PublishDispatch(ctx, domain.NewDispatch(rec)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish dispatch")
		logger.Error("job stored but dispatch not published", "error", err)
		return rec.JobID, fmt.Errorf("job %s: %w: %w", rec.JobID, domain.ErrPublishFailed, err)
	}

	logger.Info("job submitted", "modules", rec.Request.RequestedModules)
	return rec.JobID, nil
}

func (s *SubmissionService) awaitCompletion(ctx context.Context, jobID string, wait time.Duration) (*domain.JobRecord, error) {
	deadline := time.NewTimer(wait)
	defer deadline.Stop()
	ticker := jitterbug.New(s.cfg.SyncPollInterval, &jitterbug.Norm{Stdev: s.cfg.PollJitter, Mean: 0})
	defer ticker.Stop()

	var latest *domain.JobRecord
	for {
		select {
		case <-ctx.Done():
			if latest != nil {
				return latest, nil
			}
			return nil, ctx.Err()
		case <-deadline.C:
			return s.latest(ctx, jobID, latest)
		case <-ticker.C:
			rec, err := s.store.Get(ctx, jobID)
			if err != nil {
				s.logger.Warn("failed to poll job during sync wait", "job_id", jobID, "error", err)
				continue
			}
			latest = rec
			if rec.Status() == domain.JobStatusComplete {
				return rec, nil
			}
		}
	}
}

// latest makes a final read so late results landing just before the
// deadline are included.
func (s *SubmissionService) latest(ctx context.Context, jobID string, fallback *domain.JobRecord) (*domain.JobRecord, error) {
	rec, err := s.store.Get(ctx, jobID)
	if err == nil {
		return rec, nil
	}
	if fallback != nil {
		return fallback, nil
	}
	return nil, err
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, domain.ErrPublishFailed):
		return "publish_failed"
	case errors.As(err, new(*domain.ValidationError)):
		return "invalid"
	default:
		return "store_failed"
	}
}
