package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"threat-api/internal/domain"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
)

const (
	bodyField = "body"

	// DefaultConcurrency is how many entries one consumer handles at once
	// when the config leaves it unset.
	DefaultConcurrency = 16
)

// StreamsConfig names the streams and tunes delivery.
type StreamsConfig struct {
	DispatchStream string
	ResultStream   string
	// ResultGroup is the single consumer group the aggregators share.
	ResultGroup string
	// MaxLen caps each stream approximately.
	MaxLen int64
	// Block is how long one XREADGROUP waits for new entries.
	Block time.Duration
	// Batch is the maximum number of entries read or claimed at once.
	Batch int64
	// ClaimMinIdle is how long an entry must sit unacknowledged before
	// another consumer may claim it.
	ClaimMinIdle time.Duration
	// Concurrency caps entries one consumer handles at once.
	Concurrency int
	// Heartbeat is how often a consumer resets the idle time of entries it
	// still holds so they are not claimed while being handled. Zero means a
	// third of ClaimMinIdle.
	Heartbeat time.Duration
}

// Streams carries dispatches and partial results over Redis Streams. Each
// worker pool reads the dispatch stream through its own consumer group,
// which is what fans a dispatch out to every pool; replicas of a pool share
// the group. Entries are acknowledged only after their handler succeeds.
type Streams struct {
	client goredis.UniversalClient
	cfg    StreamsConfig
	logger *slog.Logger
	tracer trace.Tracer
}

func NewStreams(client goredis.UniversalClient, cfg StreamsConfig, logger *slog.Logger) *Streams {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = cfg.ClaimMinIdle / 3
	}
	return &Streams{
		client: client,
		cfg:    cfg,
		logger: logger.With("component", "redis-streams"),
		tracer: otel.Tracer("threat-api-redis-streams"),
	}
}

func (s *Streams) publish(ctx context.Context, spanName, stream string, msg any, attrs ...attribute.KeyValue) error {
	ctx, span := s.tracer.Start(ctx, spanName, trace.WithAttributes(attrs...))
	defer span.End()

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	id, err := s.client.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream,
		MaxLen: s.cfg.MaxLen,
		Approx: true,
		Values: map[string]any{bodyField: body},
	}).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to add to stream")
		return fmt.Errorf("failed to add message to stream %s: %w", stream, err)
	}
	span.SetAttributes(attribute.String("redis.stream_id", id))
	return nil
}

func (s *Streams) PublishDispatch(ctx context.Context, d *domain.Dispatch) error {
	return s.publish(ctx, "streams.redis.PublishDispatch", s.cfg.DispatchStream, d,
		attribute.String("job.id", d.JobID))
}

func (s *Streams) PublishResult(ctx context.Context, r *domain.PartialResult) error {
	return s.publish(ctx, "streams.redis.PublishResult", s.cfg.ResultStream, r,
		attribute.String("job.id", r.JobID), attribute.String("module.name", r.ModuleName))
}

// ConsumeDispatches blocks until ctx ends. A group created here starts at
// the tail of the stream: pools only see dispatches published after they
// first joined.
func (s *Streams) ConsumeDispatches(ctx context.Context, group, consumer string, h domain.DispatchHandler) error {
	if err := s.ensureGroup(ctx, s.cfg.DispatchStream, group, "$"); err != nil {
		return err
	}
	return s.consume(ctx, s.cfg.DispatchStream, group, consumer, dispatchHandler(h))
}

// ConsumeResults blocks until ctx ends. The result group starts at the head
// of the stream so results written before the first aggregator are kept.
func (s *Streams) ConsumeResults(ctx context.Context, consumer string, h domain.ResultHandler) error {
	if err := s.ensureGroup(ctx, s.cfg.ResultStream, s.cfg.ResultGroup, "0"); err != nil {
		return err
	}
	return s.consume(ctx, s.cfg.ResultStream, s.cfg.ResultGroup, consumer, resultHandler(h))
}

// ReclaimDispatches takes over dispatch entries left pending by a consumer
// that died and runs them through h.
func (s *Streams) ReclaimDispatches(ctx context.Context, group, consumer string, h domain.DispatchHandler) error {
	return s.reclaim(ctx, s.cfg.DispatchStream, group, consumer, dispatchHandler(h))
}

// ReclaimResults is ReclaimDispatches for the result stream.
func (s *Streams) ReclaimResults(ctx context.Context, consumer string, h domain.ResultHandler) error {
	return s.reclaim(ctx, s.cfg.ResultStream, s.cfg.ResultGroup, consumer, resultHandler(h))
}

type entryHandler func(ctx context.Context, body []byte) error

// errMalformed marks entries that can never be handled; they are
// acknowledged so they do not cycle forever.
var errMalformed = errors.New("malformed stream entry")

func dispatchHandler(h domain.DispatchHandler) entryHandler {
	return func(ctx context.Context, body []byte) error {
		var d domain.Dispatch
		if err := json.Unmarshal(body, &d); err != nil {
			return fmt.Errorf("%w: %w", errMalformed, err)
		}
		return h(ctx, &d)
	}
}

func resultHandler(h domain.ResultHandler) entryHandler {
	return func(ctx context.Context, body []byte) error {
		var r domain.PartialResult
		if err := json.Unmarshal(body, &r); err != nil {
			return fmt.Errorf("%w: %w", errMalformed, err)
		}
		return h(ctx, &r)
	}
}

func (s *Streams) ensureGroup(ctx context.Context, stream, group, start string) error {
	err := s.client.XGroupCreateMkStream(ctx, stream, group, start).Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group %s on %s: %w", group, stream, err)
	}
	return nil
}

func (s *Streams) consume(ctx context.Context, stream, group, consumer string, h entryHandler) error {
	logger := s.logger.With("stream", stream, "group", group, "consumer", consumer)
	logger.Info("consuming stream")

	p := s.newPool(stream, group, consumer, logger, h)
	defer p.stop()
	go p.heartbeat(ctx)

	for {
		if ctx.Err() != nil {
			logger.Info("stopped consuming stream")
			return ctx.Err()
		}

		streams, err := s.client.XReadGroup(ctx, &goredis.XReadGroupArgs{
			Group:    group,
			Consumer: consumer,
			Streams:  []string{stream, ">"},
			Count:    s.cfg.Batch,
			Block:    s.cfg.Block,
		}).Result()
		if err != nil {
			if errors.Is(err, goredis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				logger.Info("stopped consuming stream")
				return ctx.Err()
			}
			logger.Error("failed to read from stream", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(time.Second):
			}
			continue
		}

		for _, st := range streams {
			if err := p.run(ctx, st.Messages); err != nil {
				logger.Info("stopped consuming stream")
				return err
			}
		}
	}
}

func (s *Streams) reclaim(ctx context.Context, stream, group, consumer string, h entryHandler) error {
	logger := s.logger.With("stream", stream, "group", group, "consumer", consumer)

	p := s.newPool(stream, group, consumer, logger, h)
	defer p.stop()
	go p.heartbeat(ctx)

	start := "0-0"
	for {
		msgs, next, err := s.client.XAutoClaim(ctx, &goredis.XAutoClaimArgs{
			Stream:   stream,
			Group:    group,
			Consumer: consumer,
			MinIdle:  s.cfg.ClaimMinIdle,
			Start:    start,
			Count:    s.cfg.Batch,
		}).Result()
		if err != nil {
			if strings.Contains(err.Error(), "NOGROUP") {
				return nil
			}
			return fmt.Errorf("failed to auto-claim from %s: %w", stream, err)
		}
		if len(msgs) > 0 {
			logger.Info("reclaimed idle stream entries", "count", len(msgs))
		}
		if err := p.run(ctx, msgs); err != nil {
			return err
		}
		if next == "0-0" || next == "" {
			return nil
		}
		start = next
	}
}

func (s *Streams) handle(ctx context.Context, logger *slog.Logger, stream, group string, msg goredis.XMessage, h entryHandler) {
	body, ok := msg.Values[bodyField].(string)
	var err error
	if !ok {
		err = fmt.Errorf("%w: missing %q field", errMalformed, bodyField)
	} else {
		err = h(ctx, []byte(body))
	}

	if err != nil && !errors.Is(err, errMalformed) {
		// left pending; picked up again by reclaim
		logger.Warn("stream entry handler failed", "id", msg.ID, "error", err)
		return
	}
	if err != nil {
		logger.Warn("dropping malformed stream entry", "id", msg.ID, "error", err)
	}
	if err := s.client.XAck(ctx, stream, group, msg.ID).Err(); err != nil {
		logger.Error("failed to acknowledge stream entry", "id", msg.ID, "error", err)
	}
}

// pool runs one consumer's handlers, at most Concurrency at a time, and
// keeps every entry it holds looking fresh to XAUTOCLAIM until the entry's
// own handler returns.
type pool struct {
	s        *Streams
	stream   string
	group    string
	consumer string
	logger   *slog.Logger
	h        entryHandler
	sem      *semaphore.Weighted
	wg       sync.WaitGroup
	done     chan struct{}

	mu   sync.Mutex
	held map[string]struct{}
}

func (s *Streams) newPool(stream, group, consumer string, logger *slog.Logger, h entryHandler) *pool {
	return &pool{
		s:        s,
		stream:   stream,
		group:    group,
		consumer: consumer,
		logger:   logger,
		h:        h,
		sem:      semaphore.NewWeighted(int64(s.cfg.Concurrency)),
		done:     make(chan struct{}),
		held:     make(map[string]struct{}),
	}
}

// run starts a handler per message, blocking while every slot is busy.
// Messages not yet started are already held and kept fresh.
func (p *pool) run(ctx context.Context, msgs []goredis.XMessage) error {
	p.mu.Lock()
	for _, msg := range msgs {
		p.held[msg.ID] = struct{}{}
	}
	p.mu.Unlock()

	for i, msg := range msgs {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			p.release(msgs[i:]...)
			return err
		}
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer p.sem.Release(1)
			defer p.release(msg)
			p.s.handle(ctx, p.logger, p.stream, p.group, msg, p.h)
		}()
	}
	return nil
}

func (p *pool) release(msgs ...goredis.XMessage) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, msg := range msgs {
		delete(p.held, msg.ID)
	}
}

func (p *pool) heldIDs() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ids := make([]string, 0, len(p.held))
	for id := range p.held {
		ids = append(ids, id)
	}
	return ids
}

// heartbeat re-claims held entries for this same consumer with JUSTID,
// which resets their idle time without counting a delivery.
func (p *pool) heartbeat(ctx context.Context) {
	if p.s.cfg.Heartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(p.s.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case <-ticker.C:
			p.touch(ctx)
		}
	}
}

func (p *pool) touch(ctx context.Context) {
	ids := p.heldIDs()
	if len(ids) == 0 {
		return
	}
	err := p.s.client.XClaimJustID(ctx, &goredis.XClaimArgs{
		Stream:   p.stream,
		Group:    p.group,
		Consumer: p.consumer,
		MinIdle:  0,
		Messages: ids,
	}).Err()
	if err != nil && ctx.Err() == nil {
		p.logger.Warn("failed to refresh in-flight stream entries", "count", len(ids), "error", err)
	}
}

// stop waits for running handlers, then ends the heartbeat.
func (p *pool) stop() {
	p.wg.Wait()
	close(p.done)
}
