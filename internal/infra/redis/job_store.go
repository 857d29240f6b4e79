package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"threat-api/internal/domain"

	goredis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	jobKeyPrefix = "threat:job:"
	jobIndexKey  = "threat:jobs:index"
	recordField  = "record"
	moduleField  = "module:"
)

// createScript writes the record hash only if the key is free, pins its
// absolute expiry and indexes it by expiry.
var createScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
redis.call('PEXPIREAT', KEYS[1], ARGV[3])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return 1
`)

// mergeScript sets one module field of an existing hash. HSET leaves the
// key's expiry alone.
var mergeScript = goredis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
  return 0
end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[2])
return 1
`)

type storedJob struct {
	JobID     string            `json:"job_id"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	Request   domain.JobRequest `json:"request"`
}

// JobStore keeps each job in one hash whose fields are the record and one
// entry per module response. Expiry is Redis key expiry; a sorted set
// indexes ids by expiry for listing.
type JobStore struct {
	client goredis.UniversalClient
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

func NewJobStore(client goredis.UniversalClient, logger *slog.Logger) *JobStore {
	return &JobStore{
		client: client,
		logger: logger.With("component", "redis-job-store"),
		tracer: otel.Tracer("threat-api-redis-store"),
		now:    time.Now,
	}
}

func jobKey(jobID string) string {
	return jobKeyPrefix + jobID
}

func unavailable(op, jobID string, err error) error {
	return fmt.Errorf("failed to %s job %s in redis: %w: %w", op, jobID, domain.ErrStoreUnavailable, err)
}

func (s *JobStore) Create(ctx context.Context, rec *domain.JobRecord) error {
	ctx, span := s.tracer.Start(ctx, "store.redis.Create")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", rec.JobID))

	value, err := json.Marshal(storedJob{
		JobID:     rec.JobID,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
		Request:   rec.Request,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal job to JSON: %w", err)
	}

	created, err := createScript.Run(ctx, s.client,
		[]string{jobKey(rec.JobID), jobIndexKey},
		recordField, string(value), rec.ExpiresAt.UnixMilli(), rec.JobID,
	).Int()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create job in redis")
		return unavailable("create", rec.JobID, err)
	}
	if created == 0 {
		return fmt.Errorf("failed to create job %s: %w", rec.JobID, domain.ErrJobExists)
	}
	return nil
}

func (s *JobStore) Get(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	ctx, span := s.tracer.Start(ctx, "store.redis.Get")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	fields, err := s.client.HGetAll(ctx, jobKey(jobID)).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get job from redis")
		return nil, unavailable("get", jobID, err)
	}
	raw, ok := fields[recordField]
	if !ok {
		return nil, domain.ErrJobNotFound
	}

	var stored storedJob
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s from JSON: %w", jobID, err)
	}
	rec := &domain.JobRecord{
		JobID:     stored.JobID,
		CreatedAt: stored.CreatedAt,
		ExpiresAt: stored.ExpiresAt,
		Request:   stored.Request,
		Responses: make(map[string]domain.ModuleResult),
	}
	for field, value := range fields {
		if !strings.HasPrefix(field, moduleField) {
			continue
		}
		var res domain.ModuleResult
		if err := json.Unmarshal([]byte(value), &res); err != nil {
			s.logger.Warn("failed to unmarshal module result from redis", "job_id", jobID, "field", field, "error", err)
			continue
		}
		rec.Merge(res)
	}
	return rec, nil
}

func (s *JobStore) Merge(ctx context.Context, jobID string, res domain.ModuleResult) error {
	ctx, span := s.tracer.Start(ctx, "store.redis.Merge")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", jobID),
		attribute.String("module.name", res.ModuleName),
	)

	value, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal module result to JSON: %w", err)
	}

	merged, err := mergeScript.Run(ctx, s.client,
		[]string{jobKey(jobID)},
		moduleField+res.ModuleName, string(value),
	).Int()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to merge module result in redis")
		return unavailable("merge into", jobID, err)
	}
	if merged == 0 {
		return fmt.Errorf("failed to merge %s into job %s: %w", res.ModuleName, jobID, domain.ErrUnknownJob)
	}
	return nil
}

// List reads the expiry index, highest score first. Entries past their
// expiry are skipped; PruneIndex removes them for good.
func (s *JobStore) List(ctx context.Context) ([]string, error) {
	ctx, span := s.tracer.Start(ctx, "store.redis.List")
	defer span.End()

	ids, err := s.client.ZRevRangeByScore(ctx, jobIndexKey, &goredis.ZRangeBy{
		Min: "(" + strconv.FormatInt(s.now().UnixMilli(), 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list jobs from redis")
		return nil, fmt.Errorf("failed to list jobs from redis: %w: %w", domain.ErrStoreUnavailable, err)
	}
	span.SetAttributes(attribute.Int("redis.index_count", len(ids)))
	return ids, nil
}

// PruneIndex drops index entries whose hash has already expired.
func (s *JobStore) PruneIndex(ctx context.Context) error {
	removed, err := s.client.ZRemRangeByScore(ctx, jobIndexKey, "-inf", strconv.FormatInt(s.now().UnixMilli(), 10)).Result()
	if err != nil {
		return fmt.Errorf("failed to prune job index: %w", err)
	}
	if removed > 0 {
		s.logger.Info("pruned expired jobs from index", "count", removed)
	}
	return nil
}
