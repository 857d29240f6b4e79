// cmd/standalone/main.go runs the API, one worker pool and the aggregator in
// one process on the in-memory store and broker, for local development.
package main

import (
	"context"
	"net/http"
	"os"

	http_api "threat-api/internal/api/http"
	"threat-api/internal/bootstrap"
	"threat-api/internal/config"
	"threat-api/internal/infra/memory"
	"threat-api/internal/scheduler"
	"threat-api/internal/tracing"
	"threat-api/internal/usecase"
	"threat-api/internal/worker"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootstrap.NewLogger("info", os.Stderr).Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	cfg.Store.Backend = "memory"
	cfg.Broker.Backend = "memory"
	cfg.Worker.IngestTarget = ""
	logger := bootstrap.NewLogger(cfg.Log.Level, os.Stdout)

	tracerShutdown, err := tracing.InitTracer("threat-standalone", os.Stderr, logger)
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

	set, err := bootstrap.BuildModules(cfg.Worker, logger)
	if err != nil {
		logger.Error("failed to build modules", "error", err)
		os.Exit(1)
	}
	infra, err := bootstrap.Open(rootCtx, cfg, logger, cfg.Worker.Group)
	if err != nil {
		logger.Error("failed to open backends", "error", err)
		os.Exit(1)
	}
	defer infra.Close()

	runtime := worker.NewRuntime(set, infra.Channel, memory.NewLocker(), worker.RuntimeConfig{
		ModuleTimeout: cfg.Worker.ModuleTimeout,
		MaxConcurrent: cfg.Worker.MaxConcurrent,
	}, logger)
	aggregator := usecase.NewAggregator(infra.Store, usecase.AggregatorConfig{
		UnknownJobRetries: cfg.Aggregator.UnknownJobRetries,
		UnknownJobBackoff: cfg.Aggregator.UnknownJobBackoff,
	}, logger)
	submissions := usecase.NewSubmissionService(infra.Store, infra.Channel, usecase.SubmissionConfig{
		Retention:        cfg.Jobs.Retention,
		SyncPollInterval: cfg.Jobs.SyncPollInterval,
		SyncMaxWait:      cfg.Jobs.SyncMaxWait,
		PollJitter:       cfg.Jobs.PollJitter,
	}, logger)
	queries := usecase.NewQueryService(infra.Store, set, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	http_api.NewJobHandler(submissions, queries, logger).RegisterRoutes(mux)

	cron := scheduler.NewCronScheduler(logger)
	for _, task := range infra.StoreTasks(cfg.Maintenance.PruneSpec) {
		if err := cron.AddTask(task); err != nil {
			logger.Error("failed to schedule maintenance task", "task", task.Name, "error", err)
			os.Exit(1)
		}
	}

	g, ctx := errgroup.WithContext(rootCtx)
	g.Go(func() error { return runtime.Run(ctx, infra.Channel, cfg.Worker.Group, "standalone") })
	g.Go(func() error { return aggregator.Run(ctx, infra.Channel, "standalone") })
	g.Go(func() error { return cron.Start(ctx) })
	g.Go(func() error { return bootstrap.ServeHTTP(ctx, cfg.HTTP.ListenAddr, mux, logger) })

	if err := g.Wait(); err != nil && rootCtx.Err() == nil {
		logger.Error("standalone node stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("standalone node shut down")
}
