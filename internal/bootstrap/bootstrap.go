// Package bootstrap builds the logger, clients, store and channels the
// binaries share from a loaded config.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"threat-api/internal/config"
	"threat-api/internal/domain"
	"threat-api/internal/infra/etcd"
	"threat-api/internal/infra/memory"
	redisinfra "threat-api/internal/infra/redis"

	goredis "github.com/redis/go-redis/v9"
	clientv3 "go.etcd.io/etcd/client/v3"
)

// Channel is both directions of both channels. The Redis streams and the
// memory broker each implement all of it.
type Channel interface {
	domain.DispatchPublisher
	domain.DispatchConsumer
	domain.ResultPublisher
	domain.ResultConsumer
}

// NewLogger returns a JSON logger on w at the named level.
func NewLogger(level string, w io.Writer) *slog.Logger {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: l}))
}

// Infra holds the connections and backends selected by config. Fields for
// backends that are not configured are nil.
type Infra struct {
	Etcd    *clientv3.Client
	Redis   goredis.UniversalClient
	Store   domain.JobStore
	Channel Channel

	memStore   *memory.JobStore
	redisStore *redisinfra.JobStore
	streams    *redisinfra.Streams
	logger     *slog.Logger
}

// Open connects to etcd unless everything runs in memory, to Redis when a
// Redis backend is selected, and builds the store and channel. groups are
// the dispatch groups the memory broker should buffer for.
func Open(ctx context.Context, cfg *config.Config, logger *slog.Logger, groups ...string) (*Infra, error) {
	in := &Infra{logger: logger.With("component", "bootstrap")}

	standalone := cfg.Store.Backend == "memory" && cfg.Broker.Backend == "memory"
	if !standalone {
		client, err := etcd.NewClient(cfg.Etcd.Endpoints, cfg.Etcd.Timeout)
		if err != nil {
			return nil, fmt.Errorf("failed to create etcd client: %w", err)
		}
		in.Etcd = client
		in.logger.Info("connected to etcd", "endpoints", cfg.Etcd.Endpoints)
	}

	if cfg.Store.Backend == "redis" || cfg.Broker.Backend == "redis" {
		client, err := redisinfra.NewClient(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, cfg.Redis.Timeout)
		if err != nil {
			in.Close()
			return nil, err
		}
		in.Redis = client
		in.logger.Info("connected to redis", "addr", cfg.Redis.Addr)
	}

	switch cfg.Store.Backend {
	case "etcd":
		in.Store = etcd.NewEtcdJobStore(in.Etcd, logger)
	case "redis":
		in.redisStore = redisinfra.NewJobStore(in.Redis, logger)
		in.Store = in.redisStore
	case "memory":
		in.memStore = memory.NewJobStore(logger, nil)
		in.Store = in.memStore
	default:
		in.Close()
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}

	switch cfg.Broker.Backend {
	case "redis":
		in.streams = redisinfra.NewStreams(in.Redis, redisinfra.StreamsConfig{
			DispatchStream: cfg.Streams.DispatchStream,
			ResultStream:   cfg.Streams.ResultStream,
			ResultGroup:    cfg.Streams.ResultGroup,
			MaxLen:         cfg.Streams.MaxLen,
			Block:          cfg.Streams.Block,
			Batch:          cfg.Streams.Batch,
			ClaimMinIdle:   cfg.Streams.ClaimMinIdle,
			Concurrency:    cfg.Broker.Concurrency,
			Heartbeat:      cfg.Streams.Heartbeat,
		}, logger)
		in.Channel = in.streams
	case "memory":
		in.Channel = memory.NewBroker(logger, groups...).WithConcurrency(cfg.Broker.Concurrency)
	default:
		in.Close()
		return nil, fmt.Errorf("unknown broker backend %q", cfg.Broker.Backend)
	}

	return in, nil
}

// Streams returns the Redis streams, or nil with the memory broker.
func (in *Infra) Streams() *redisinfra.Streams {
	return in.streams
}

// StoreTasks returns the housekeeping the selected store needs. etcd
// expires records through leases and needs none.
func (in *Infra) StoreTasks(spec string) []domain.MaintenanceTask {
	switch {
	case in.memStore != nil:
		return []domain.MaintenanceTask{{
			Name: "purge-expired-jobs",
			Spec: spec,
			Run: func(ctx context.Context) error {
				_, err := in.memStore.Purge(ctx)
				return err
			},
		}}
	case in.redisStore != nil:
		return []domain.MaintenanceTask{{
			Name: "prune-job-index",
			Spec: spec,
			Run:  in.redisStore.PruneIndex,
		}}
	}
	return nil
}

// Close releases every open connection.
func (in *Infra) Close() {
	var errs []error
	if in.Redis != nil {
		errs = append(errs, in.Redis.Close())
	}
	if in.Etcd != nil {
		errs = append(errs, in.Etcd.Close())
	}
	if err := errors.Join(errs...); err != nil {
		in.logger.Warn("error closing connections", "error", err)
	}
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM.
func SignalContext(logger *slog.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, initiating graceful shutdown", "signal", sig.String())
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(sigChan)
	}()
	return ctx, cancel
}
