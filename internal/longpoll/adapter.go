// Package longpoll drives a submission through a slow external service and
// turns it into a single synchronous answer.
package longpoll

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"threat-api/internal/domain"

	"github.com/lthibault/jitterbug/v2"
	"github.com/sethvargo/go-retry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Phase is the adapter's own view of a submission.
type Phase string

const (
	PhaseSubmitted Phase = "submitted"
	PhaseFound     Phase = "found"
	PhaseFinished  Phase = "finished"
	PhaseDone      Phase = "done"
	PhaseExpired   Phase = "expired"
	PhaseFailed    Phase = "failed"
)

// Config controls polling cadence and retry of transient failures.
type Config struct {
	SubmissionCheckInterval time.Duration `mapstructure:"submission_check_interval" validate:"gt=0"`
	CompletionCheckInterval time.Duration `mapstructure:"completion_check_interval" validate:"gt=0"`
	OverallTimeout          time.Duration `mapstructure:"overall_timeout" validate:"gt=0"`
	// Jitter is the standard deviation applied to every poll interval.
	Jitter time.Duration `mapstructure:"jitter" validate:"gte=0"`
	// MaxRetries bounds retries of one transient backend call.
	MaxRetries uint64 `mapstructure:"max_retries"`
	// RetryBase is the first backoff between retries; it doubles each time.
	RetryBase time.Duration `mapstructure:"retry_base" validate:"gt=0"`
}

// DefaultConfig matches the cadence the sandbox vendor recommends.
func DefaultConfig() Config {
	return Config{
		SubmissionCheckInterval: 2 * time.Minute,
		CompletionCheckInterval: 5 * time.Minute,
		OverallTimeout:          time.Hour,
		Jitter:                  5 * time.Second,
		MaxRetries:              3,
		RetryBase:               time.Second,
	}
}

// Adapter runs one submission at a time per call to Run; it holds no state
// between calls and is safe for concurrent use.
type Adapter struct {
	backend Backend
	cfg     Config
	logger  *slog.Logger
	tracer  trace.Tracer
}

func NewAdapter(backend Backend, cfg Config, logger *slog.Logger) *Adapter {
	return &Adapter{
		backend: backend,
		cfg:     cfg,
		logger:  logger.With("component", "longpoll-adapter"),
		tracer:  otel.Tracer("threat-api-longpoll"),
	}
}

// Run submits artifact, waits for the service to accept and finish it and
// returns the fetched report. It returns domain.ErrExternalTimeout once
// OverallTimeout has elapsed and stops polling at that point.
func (a *Adapter) Run(ctx context.Context, artifact []byte) ([]byte, error) {
	ctx, span := a.tracer.Start(ctx, "longpoll.Run")
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, a.cfg.OverallTimeout)
	defer cancel()

	phase := PhaseSubmitted
	report, err := a.run(ctx, &phase, artifact)
	span.SetAttributes(attribute.String("longpoll.phase", string(phase)))
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			phase = PhaseExpired
			err = fmt.Errorf("%w after %s: %w", domain.ErrExternalTimeout, a.cfg.OverallTimeout, err)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, string(phase))
		a.logger.Warn("external submission did not complete", "phase", phase, "error", err)
		return nil, err
	}
	return report, nil
}

func (a *Adapter) run(ctx context.Context, phase *Phase, artifact []byte) ([]byte, error) {
	var externalID string
	err := a.retry(ctx, "submit", func(ctx context.Context) error {
		id, err := a.backend.Submit(ctx, artifact)
		externalID = id
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to submit artifact: %w", err)
	}
	logger := a.logger.With("external_id", externalID)
	logger.Info("artifact submitted")

	// submitted: wait until the service knows about it
	status, err := a.pollUntil(ctx, externalID, a.cfg.SubmissionCheckInterval, func(s Status) bool {
		return s.State != StateNotFound
	})
	if err != nil {
		return nil, err
	}
	*phase = PhaseFound
	logger.Info("submission found", "state", status.State)

	// found: wait until it stops running
	if status.State != StateFinished && status.State != StateFailed {
		status, err = a.pollUntil(ctx, externalID, a.cfg.CompletionCheckInterval, func(s Status) bool {
			return s.State == StateFinished || s.State == StateFailed
		})
		if err != nil {
			return nil, err
		}
	}
	if status.State == StateFailed {
		*phase = PhaseFailed
		return nil, fmt.Errorf("external analysis %s failed: %s", externalID, status.Detail)
	}
	*phase = PhaseFinished

	var report []byte
	err = a.retry(ctx, "fetch", func(ctx context.Context) error {
		r, err := a.backend.Fetch(ctx, externalID)
		report = r
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch report %s: %w", externalID, err)
	}
	*phase = PhaseDone
	logger.Info("report fetched", "bytes", len(report))
	return report, nil
}

// pollUntil checks status on a jittered interval until done accepts it.
func (a *Adapter) pollUntil(ctx context.Context, externalID string, interval time.Duration, done func(Status) bool) (Status, error) {
	ticker := jitterbug.New(interval, &jitterbug.Norm{Stdev: a.cfg.Jitter, Mean: 0})
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return Status{}, ctx.Err()
		case <-ticker.C:
		}

		var status Status
		err := a.retry(ctx, "status", func(ctx context.Context) error {
			s, err := a.backend.Status(ctx, externalID)
			status = s
			return err
		})
		if err != nil {
			return Status{}, fmt.Errorf("failed to check status of %s: %w", externalID, err)
		}
		if done(status) {
			return status, nil
		}
	}
}

// retry runs f, retrying transient failures with exponential backoff.
func (a *Adapter) retry(ctx context.Context, op string, f func(ctx context.Context) error) error {
	backoff := retry.WithMaxRetries(a.cfg.MaxRetries, retry.NewExponential(a.cfg.RetryBase))
	attempt := 0
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		attempt++
		err := f(ctx)
		if err == nil {
			return nil
		}
		if IsTransient(err) {
			a.logger.Debug("transient backend failure", "op", op, "attempt", attempt, "error", err)
			return retry.RetryableError(err)
		}
		return err
	})
}

// IsExpired reports whether err came from the overall timeout.
func IsExpired(err error) bool {
	return errors.Is(err, domain.ErrExternalTimeout)
}
