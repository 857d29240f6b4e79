// cmd/api/main.go
package main

import (
	"context"
	"net/http"
	"os"

	http_api "threat-api/internal/api/http"
	"threat-api/internal/bootstrap"
	"threat-api/internal/config"
	"threat-api/internal/discovery"
	"threat-api/internal/domain"
	"threat-api/internal/tracing"
	"threat-api/internal/usecase"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// corsMiddleware wraps an http.Handler with CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootstrap.NewLogger("info", os.Stderr).Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := bootstrap.NewLogger(cfg.Log.Level, os.Stdout)

	tracerShutdown, err := tracing.InitTracer("threat-api", os.Stderr, logger)
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

	infra, err := bootstrap.Open(rootCtx, cfg, logger)
	if err != nil {
		logger.Error("failed to open backends", "error", err)
		os.Exit(1)
	}
	defer infra.Close()

	var directory domain.ModuleDirectory
	if infra.Etcd != nil {
		d := discovery.NewModuleDiscovery(infra.Etcd, logger)
		go d.WatchModules(rootCtx)
		directory = d
	}

	submissions := usecase.NewSubmissionService(infra.Store, infra.Channel, usecase.SubmissionConfig{
		Retention:        cfg.Jobs.Retention,
		SyncPollInterval: cfg.Jobs.SyncPollInterval,
		SyncMaxWait:      cfg.Jobs.SyncMaxWait,
		PollJitter:       cfg.Jobs.PollJitter,
	}, logger)
	queries := usecase.NewQueryService(infra.Store, directory, logger)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	http_api.NewJobHandler(submissions, queries, logger).RegisterRoutes(mux)

	if err := bootstrap.ServeHTTP(rootCtx, cfg.HTTP.ListenAddr, corsMiddleware(mux), logger); err != nil {
		logger.Error("HTTP server failed", "error", err)
		os.Exit(1)
	}
	logger.Info("api shut down")
}
