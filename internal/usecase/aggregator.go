package usecase

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"threat-api/internal/domain"
	"threat-api/internal/metrics"

	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// AggregatorConfig tunes the grace given to results that arrive before
// their job record is visible.
type AggregatorConfig struct {
	UnknownJobRetries uint64
	UnknownJobBackoff time.Duration
}

// Aggregator folds partial results into job records.
type Aggregator struct {
	store  domain.JobStore
	cfg    AggregatorConfig
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewAggregator(store domain.JobStore, cfg AggregatorConfig, logger *slog.Logger) *Aggregator {
	if cfg.UnknownJobBackoff <= 0 {
		cfg.UnknownJobBackoff = 200 * time.Millisecond
	}
	return &Aggregator{
		store:  store,
		cfg:    cfg,
		logger: logger.With("component", "aggregator"),
		tracer: otel.Tracer("threat-api-aggregator"),
		now:    time.Now,
	}
}

// Run consumes the return channel until ctx ends.
func (a *Aggregator) Run(ctx context.Context, consumer domain.ResultConsumer, name string) error {
	a.logger.Info("aggregator started", "consumer", name)
	return consumer.ConsumeResults(ctx, name, a.Handle)
}

// Handle merges one partial result into its module slot, replacing any
// earlier result from that module. Results for unknown jobs are retried a
// few times and then dropped; store failures and malformed results are
// logged and dropped. Only context cancellation is returned, so shutdown
// leaves the message for the next aggregator.
func (a *Aggregator) Handle(ctx context.Context, r *domain.PartialResult) error {
	ctx, span := a.tracer.Start(ctx, "aggregator.Handle", trace.WithAttributes(
		attribute.String("job.id", r.JobID),
		attribute.String("module.name", r.ModuleName),
	))
	defer span.End()

	logger := a.logger.With("job_id", r.JobID, "module", r.ModuleName)

	if err := r.Validate(); err != nil {
		metrics.ResultsMergedTotal.WithLabelValues("malformed").Inc()
		span.SetStatus(codes.Error, "malformed result")
		logger.Warn("dropping malformed partial result", "error", err)
		return nil
	}

	res := r.ModuleResult(a.now())
	backoff := retry.WithMaxRetries(a.cfg.UnknownJobRetries, retry.NewExponential(a.cfg.UnknownJobBackoff))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := a.store.Merge(ctx, r.JobID, res)
		if errors.Is(err, domain.ErrUnknownJob) {
			return retry.RetryableError(err)
		}
		return err
	})

	switch {
	case err == nil:
		metrics.ResultsMergedTotal.WithLabelValues("merged").Inc()
		logger.Info("merged partial result", "failed", res.Failed())
		return nil
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, domain.ErrUnknownJob):
		metrics.ResultsMergedTotal.WithLabelValues("unknown_job").Inc()
		span.SetStatus(codes.Error, "unknown job")
		logger.Warn("dropping partial result for unknown job")
		return nil
	default:
		metrics.ResultsMergedTotal.WithLabelValues("store_error").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to merge partial result")
		logger.Error("dropping partial result after store failure", "error", err)
		return nil
	}
}
