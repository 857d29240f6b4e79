// internal/worker/runtime.go
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"threat-api/internal/domain"
	"threat-api/internal/metrics"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// DefaultModuleTimeout bounds a module that does not declare its own limit.
const DefaultModuleTimeout = 5 * time.Minute

// RuntimeConfig tunes dispatch handling.
type RuntimeConfig struct {
	ModuleTimeout time.Duration
	// MaxConcurrent caps modules running at once for one dispatch; zero
	// means no cap.
	MaxConcurrent int
}

// Runtime hands each dispatch to every module that wants it and guarantees
// that an acting module produces exactly one partial result, whatever
// happens inside it.
type Runtime struct {
	modules *ModuleSet
	results domain.ResultPublisher
	locker  domain.Locker
	cfg     RuntimeConfig
	logger  *slog.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewRuntime creates a runtime. locker may be nil, in which case a
// redelivered dispatch can run a module twice concurrently; the aggregator
// tolerates the duplicate result.
func NewRuntime(modules *ModuleSet, results domain.ResultPublisher, locker domain.Locker, cfg RuntimeConfig, logger *slog.Logger) *Runtime {
	if cfg.ModuleTimeout <= 0 {
		cfg.ModuleTimeout = DefaultModuleTimeout
	}
	return &Runtime{
		modules: modules,
		results: results,
		locker:  locker,
		cfg:     cfg,
		logger:  logger.With("component", "worker-runtime"),
		tracer:  otel.Tracer("threat-api-worker"),
		now:     time.Now,
	}
}

// Run consumes dispatches for group until ctx ends.
func (r *Runtime) Run(ctx context.Context, consumer domain.DispatchConsumer, group, name string) error {
	r.logger.Info("worker runtime started", "group", group, "consumer", name, "modules", r.modules.Names())
	return consumer.ConsumeDispatches(ctx, group, name, r.HandleDispatch)
}

// HandleDispatch runs every deciding module concurrently. It returns an
// error only when some result could not be handed to the return channel,
// so the dispatch stays unacknowledged and is delivered again.
func (r *Runtime) HandleDispatch(ctx context.Context, d *domain.Dispatch) error {
	ctx, span := r.tracer.Start(ctx, "worker.HandleDispatch",
		trace.WithAttributes(attribute.String("job.id", d.JobID)))
	defer span.End()

	logger := r.logger.With("job_id", d.JobID)

	var acting []domain.Module
	for _, m := range r.modules.All() {
		if r.decide(ctx, logger, m, d) {
			acting = append(acting, m)
		}
	}
	span.SetAttributes(attribute.Int("worker.acting_modules", len(acting)))
	if len(acting) == 0 {
		logger.Debug("no module accepted dispatch")
		return nil
	}

	var g errgroup.Group
	if r.cfg.MaxConcurrent > 0 {
		g.SetLimit(r.cfg.MaxConcurrent)
	}
	for _, m := range acting {
		g.Go(func() error {
			return r.runModule(ctx, logger.With("module", m.Name()), m, d)
		})
	}
	if err := g.Wait(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "dispatch not fully handled")
		return err
	}
	return nil
}

// decide treats a panicking Decide as a decline.
func (r *Runtime) decide(ctx context.Context, logger *slog.Logger, m domain.Module, d *domain.Dispatch) (ok bool) {
	defer func() {
		if p := recover(); p != nil {
			logger.Error("module decide panicked", "module", m.Name(), "panic", p)
			ok = false
		}
	}()
	return m.Decide(ctx, d)
}

func (r *Runtime) runModule(ctx context.Context, logger *slog.Logger, m domain.Module, d *domain.Dispatch) error {
	if r.locker != nil {
		lock, err := r.locker.Lock(ctx, d.JobID+"/"+m.Name())
		switch {
		case errors.Is(err, domain.ErrLockNotAcquired):
			logger.Info("module already running for this job elsewhere, deferring")
			return fmt.Errorf("module %s busy on job %s: %w", m.Name(), d.JobID, err)
		case err != nil:
			logger.Warn("failed to take execution lock, running unguarded", "error", err)
		default:
			defer func() {
				unlockCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := lock.Unlock(unlockCtx); err != nil {
					logger.Error("failed to release execution lock", "error", err)
				}
			}()
		}
	}

	result := r.execute(ctx, logger, m, d)

	if err := r.results.PublishResult(ctx, result); err != nil {
		metrics.ResultPublishFailuresTotal.WithLabelValues(m.Name()).Inc()
		logger.Error("failed to publish partial result", "error", err)
		return fmt.Errorf("failed to publish result of %s for job %s: %w", m.Name(), d.JobID, err)
	}
	return nil
}

type outcome struct {
	payload json.RawMessage
	err     error
}

// execute always returns a result. Errors, panics and timeouts become an
// error-flagged result.
func (r *Runtime) execute(ctx context.Context, logger *slog.Logger, m domain.Module, d *domain.Dispatch) *domain.PartialResult {
	ctx, span := r.tracer.Start(ctx, "worker.ExecuteModule",
		trace.WithAttributes(attribute.String("job.id", d.JobID), attribute.String("module.name", m.Name())))
	defer span.End()

	timeout := r.cfg.ModuleTimeout
	if tm, ok := m.(domain.TimeoutModule); ok && tm.Timeout() > 0 {
		timeout = tm.Timeout()
	}
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan outcome, 1)
	go func() {
		defer func() {
			if p := recover(); p != nil {
				done <- outcome{err: fmt.Errorf("panic: %v", p)}
			}
		}()
		payload, err := m.Execute(execCtx, d)
		done <- outcome{payload: payload, err: err}
	}()

	var out outcome
	select {
	case out = <-done:
	case <-execCtx.Done():
		out = outcome{err: fmt.Errorf("execution exceeded %s: %w", timeout, execCtx.Err())}
	}
	if out.err == nil && len(out.payload) > 0 && !json.Valid(out.payload) {
		out = outcome{err: errors.New("module returned invalid JSON")}
	}

	completed := r.now().UTC()
	result := &domain.PartialResult{
		JobID:       d.JobID,
		ModuleName:  m.Name(),
		CompletedAt: &completed,
	}
	metrics.ModuleExecutionDuration.WithLabelValues(m.Name()).Observe(time.Since(start).Seconds())

	if out.err != nil {
		werr := &domain.WorkerError{Module: m.Name(), Err: out.err}
		result.Error = werr.Error()
		metrics.ModuleExecutionsTotal.WithLabelValues(m.Name(), "failed").Inc()
		span.RecordError(werr)
		span.SetStatus(codes.Error, "module execution failed")
		logger.Warn("module execution failed", "error", out.err, "duration", time.Since(start))
		return result
	}

	result.Payload = out.payload
	metrics.ModuleExecutionsTotal.WithLabelValues(m.Name(), "success").Inc()
	span.SetStatus(codes.Ok, "module execution successful")
	logger.Info("module execution finished", "duration", time.Since(start))
	return result
}
