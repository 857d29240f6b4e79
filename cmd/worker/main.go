// cmd/worker/main.go
package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"threat-api/internal/bootstrap"
	"threat-api/internal/config"
	"threat-api/internal/domain"
	"threat-api/internal/infra/etcd"
	"threat-api/internal/ingest"
	"threat-api/internal/scheduler"
	"threat-api/internal/tracing"
	"threat-api/internal/worker"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootstrap.NewLogger("info", os.Stderr).Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	workerID := uuid.NewString()
	logger := bootstrap.NewLogger(cfg.Log.Level, os.Stdout).With("worker_id", workerID, "group", cfg.Worker.Group)

	tracerShutdown, err := tracing.InitTracer("threat-worker", os.Stderr, logger)
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := tracerShutdown(context.Background()); err != nil {
			logger.Error("failed to shutdown tracer", "error", err)
		}
	}()

	rootCtx, cancel := bootstrap.SignalContext(logger)
	defer cancel()

	if err := run(rootCtx, cfg, workerID, logger); err != nil && rootCtx.Err() == nil {
		logger.Error("worker stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("worker node shut down")
}

func run(ctx context.Context, cfg *config.Config, workerID string, logger *slog.Logger) error {
	set, err := bootstrap.BuildModules(cfg.Worker, logger)
	if err != nil {
		return err
	}

	infra, err := bootstrap.Open(ctx, cfg, logger, cfg.Worker.Group)
	if err != nil {
		return err
	}
	defer infra.Close()

	var results domain.ResultPublisher = infra.Channel
	if cfg.Worker.IngestTarget != "" {
		publisher, err := ingest.Dial(cfg.Worker.IngestTarget)
		if err != nil {
			return err
		}
		defer publisher.Close()
		results = publisher
		logger.Info("reporting results over gRPC", "target", cfg.Worker.IngestTarget)
	}

	var locker domain.Locker
	if infra.Etcd != nil {
		locker = etcd.NewEtcdLocker(infra.Etcd)

		registry := worker.NewRegistry(infra.Etcd, logger)
		regCtx, regCancel := context.WithTimeout(ctx, 5*time.Second)
		err := registry.Register(regCtx, workerID, cfg.Worker.Group, set.Infos(), int64(cfg.Worker.RegistryTTL.Seconds()))
		regCancel()
		if err != nil {
			return err
		}
		defer func() {
			deregCtx, deregCancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer deregCancel()
			if err := registry.Deregister(deregCtx); err != nil {
				logger.Error("failed to deregister modules", "error", err)
			}
		}()
	}

	runtime := worker.NewRuntime(set, results, locker, worker.RuntimeConfig{
		ModuleTimeout: cfg.Worker.ModuleTimeout,
		MaxConcurrent: cfg.Worker.MaxConcurrent,
	}, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return runtime.Run(ctx, infra.Channel, cfg.Worker.Group, workerID)
	})
	g.Go(func() error {
		return bootstrap.ServeHTTP(ctx, cfg.HTTP.ListenAddr, bootstrap.NewOpsMux(), logger)
	})

	// Every replica reclaims; XAUTOCLAIM hands each stale entry to one of them.
	if streams := infra.Streams(); streams != nil {
		cron := scheduler.NewCronScheduler(logger)
		err := cron.AddTask(domain.MaintenanceTask{
			Name: "reclaim-dispatches",
			Spec: cfg.Maintenance.ReclaimSpec,
			Run: func(ctx context.Context) error {
				return streams.ReclaimDispatches(ctx, cfg.Worker.Group, workerID, runtime.HandleDispatch)
			},
		})
		if err != nil {
			return err
		}
		g.Go(func() error { return cron.Start(ctx) })
	}

	return g.Wait()
}
