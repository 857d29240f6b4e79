package usecase

import (
	"context"
	"log/slog"

	"threat-api/internal/classify"
	"threat-api/internal/domain"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// QueryService is the read side of the job store.
type QueryService struct {
	store     domain.JobStore
	directory domain.ModuleDirectory
	logger    *slog.Logger
	tracer    trace.Tracer
}

// NewQueryService creates a QueryService. directory may be nil when no
// module registry is deployed.
func NewQueryService(store domain.JobStore, directory domain.ModuleDirectory, logger *slog.Logger) *QueryService {
	return &QueryService{
		store:     store,
		directory: directory,
		logger:    logger.With("component", "query-service"),
		tracer:    otel.Tracer("threat-api-usecase"),
	}
}

// Get returns the record or domain.ErrJobNotFound.
func (s *QueryService) Get(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	ctx, span := s.tracer.Start(ctx, "service.Get")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	rec, err := s.store.Get(ctx, jobID)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get job from store")
	}
	return rec, err
}

// List returns live job ids ordered by expiry, newest first.
func (s *QueryService) List(ctx context.Context) ([]string, error) {
	ctx, span := s.tracer.Start(ctx, "service.List")
	defer span.End()

	ids, err := s.store.List(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list jobs from store")
	}
	return ids, err
}

// Modules lists the modules live workers currently host with the metadata
// they advertise.
func (s *QueryService) Modules(ctx context.Context) (map[string]domain.ModuleInfo, error) {
	ctx, span := s.tracer.Start(ctx, "service.Modules")
	defer span.End()

	if s.directory == nil {
		return map[string]domain.ModuleInfo{}, nil
	}
	modules, err := s.directory.Modules(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list modules")
		return nil, err
	}
	if modules == nil {
		modules = map[string]domain.ModuleInfo{}
	}
	return modules, nil
}

// Classify groups iocs by detected indicator type.
func (s *QueryService) Classify(ctx context.Context, iocs []string) map[classify.IOCType][]string {
	_, span := s.tracer.Start(ctx, "service.Classify")
	defer span.End()

	out := classify.Classify(iocs)
	span.SetAttributes(attribute.Int("iocs.count", len(iocs)), attribute.Int("iocs.types", len(out)))
	return out
}
