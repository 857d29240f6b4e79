// cmd/aggregator/main.go
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"

	"threat-api/internal/bootstrap"
	"threat-api/internal/config"
	"threat-api/internal/domain"
	"threat-api/internal/infra/etcd"
	"threat-api/internal/ingest"
	"threat-api/internal/scheduler"
	"threat-api/internal/tracing"
	"threat-api/internal/usecase"

	"github.com/google/uuid"
	otelgrpc "go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		bootstrap.NewLogger("info", os.Stderr).Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	nodeID := uuid.NewString()
	logger := bootstrap.NewLogger(cfg.Log.Level, os.Stdout).With("node_id", nodeID)

	tracerShutdown, err := tracing.InitTracer("threat-aggregator", os.Stderr, logger)
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

	if err := run(rootCtx, cfg, nodeID, logger); err != nil && rootCtx.Err() == nil {
		logger.Error("aggregator stopped with error", "error", err)
		os.Exit(1)
	}
	logger.Info("aggregator node shut down")
}

func run(ctx context.Context, cfg *config.Config, nodeID string, logger *slog.Logger) error {
	infra, err := bootstrap.Open(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer infra.Close()

	aggregator := usecase.NewAggregator(infra.Store, usecase.AggregatorConfig{
		UnknownJobRetries: cfg.Aggregator.UnknownJobRetries,
		UnknownJobBackoff: cfg.Aggregator.UnknownJobBackoff,
	}, logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return aggregator.Run(ctx, infra.Channel, nodeID)
	})
	g.Go(func() error {
		return bootstrap.ServeHTTP(ctx, cfg.HTTP.ListenAddr, bootstrap.NewOpsMux(), logger)
	})

	if addr := cfg.Aggregator.GRPCListenAddr; addr != "" {
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen for gRPC on %s: %w", addr, err)
		}
		grpcServer := grpc.NewServer(
			grpc.StatsHandler(otelgrpc.NewServerHandler()),
		)
		ingest.RegisterResultIngestServer(grpcServer, ingest.NewServer(aggregator.Handle, logger))

		g.Go(func() error {
			logger.Info("gRPC ingest server listening", "addr", addr)
			return grpcServer.Serve(lis)
		})
		g.Go(func() error {
			<-ctx.Done()
			grpcServer.GracefulStop()
			return nil
		})
	}

	tasks := infra.StoreTasks(cfg.Maintenance.PruneSpec)
	if streams := infra.Streams(); streams != nil {
		tasks = append(tasks, domain.MaintenanceTask{
			Name: "reclaim-results",
			Spec: cfg.Maintenance.ReclaimSpec,
			Run: func(ctx context.Context) error {
				return streams.ReclaimResults(ctx, nodeID, aggregator.Handle)
			},
		})
	}
	if len(tasks) > 0 && infra.Etcd != nil {
		leaderManager := etcd.NewEtcdLeaderElectionManager(infra.Etcd, nodeID, cfg.Maintenance.LeaderTTL, logger)
		maintenance := usecase.NewMaintenanceService(leaderManager, func() domain.Scheduler {
			return scheduler.NewCronScheduler(logger)
		}, tasks, nodeID, logger)
		g.Go(func() error { return maintenance.Start(ctx) })
	}

	return g.Wait()
}
