// internal/scheduler/cron_scheduler.go
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"threat-api/internal/domain"
	"threat-api/internal/metrics"

	"github.com/robfig/cron/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// cronScheduler runs maintenance tasks on cron specs with seconds
// precision. A task still running when its next tick fires is skipped.
type cronScheduler struct {
	cron   *cron.Cron
	mu     sync.Mutex
	tasks  map[string]cron.EntryID
	ctx    context.Context
	logger *slog.Logger
	tracer trace.Tracer
}

func NewCronScheduler(logger *slog.Logger) domain.Scheduler {
	logger = logger.With("component", "cron-scheduler")
	c := cron.New(
		cron.WithSeconds(),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	return &cronScheduler{
		cron:   c,
		tasks:  make(map[string]cron.EntryID),
		ctx:    context.Background(),
		logger: logger,
		tracer: otel.Tracer("threat-api-scheduler"),
	}
}

func (s *cronScheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	s.ctx = ctx
	s.mu.Unlock()

	s.logger.Info("cron scheduler started")
	s.cron.Start()
	<-ctx.Done()
	s.logger.Info("cron scheduler stopping...")
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	s.logger.Info("cron scheduler stopped")
	return ctx.Err()
}

// AddTask schedules task, replacing any task with the same name.
func (s *cronScheduler) AddTask(task domain.MaintenanceTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entryID, ok := s.tasks[task.Name]; ok {
		s.cron.Remove(entryID)
	}

	wrapper := &taskWrapper{
		task:      task,
		scheduler: s,
		logger:    s.logger.With("task", task.Name),
	}
	entryID, err := s.cron.AddJob(task.Spec, wrapper)
	if err != nil {
		return fmt.Errorf("failed to schedule task %s with spec %q: %w", task.Name, task.Spec, err)
	}

	s.tasks[task.Name] = entryID
	s.logger.Info("added task to scheduler", "task", task.Name, "schedule", task.Spec)
	return nil
}

func (s *cronScheduler) RemoveTask(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if entryID, ok := s.tasks[name]; ok {
		s.cron.Remove(entryID)
		delete(s.tasks, name)
		s.logger.Info("removed task from scheduler", "task", name)
	}
	return nil
}

func (s *cronScheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ctx
}

type taskWrapper struct {
	task      domain.MaintenanceTask
	scheduler *cronScheduler
	logger    *slog.Logger
}

// Run is called by the cron library.
func (w *taskWrapper) Run() {
	ctx, span := w.scheduler.tracer.Start(w.scheduler.context(), "scheduler.RunTask",
		trace.WithAttributes(attribute.String("task.name", w.task.Name)))
	defer span.End()

	if err := w.task.Run(ctx); err != nil {
		metrics.MaintenanceRunsTotal.WithLabelValues(w.task.Name, "failed").Inc()
		w.logger.Error("maintenance task failed", "error", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "maintenance task failed")
		return
	}
	metrics.MaintenanceRunsTotal.WithLabelValues(w.task.Name, "success").Inc()
}
