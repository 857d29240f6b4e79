// internal/infra/etcd/etcd_job_store.go
package etcd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path"
	"time"

	"threat-api/internal/domain"

	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	// JobMetaDir holds one key per job with the record minus its responses.
	JobMetaDir = "/threat/jobs/meta/"
	// JobResponseDir holds one key per (job, module) response slot.
	JobResponseDir = "/threat/jobs/responses/"
)

// storedJob is the meta key value. Responses live under their own keys so
// concurrent merges from different modules never touch the same key.
type storedJob struct {
	JobID     string            `json:"job_id"`
	CreatedAt time.Time         `json:"created_at"`
	ExpiresAt time.Time         `json:"expires_at"`
	Request   domain.JobRequest `json:"request"`
}

type etcdJobStore struct {
	client *clientv3.Client
	logger *slog.Logger
	tracer trace.Tracer
	now    func() time.Time
}

// NewEtcdJobStore creates a job store backed by etcd. Every key of a job is
// attached to a single lease granted for the retention period and never
// kept alive, so the whole record disappears at its expiry.
func NewEtcdJobStore(client *clientv3.Client, logger *slog.Logger) domain.JobStore {
	return &etcdJobStore{
		client: client,
		logger: logger.With("component", "etcd-job-store"),
		tracer: otel.Tracer("threat-api-etcd-store"),
		now:    time.Now,
	}
}

func metaKey(jobID string) string {
	return path.Join(JobMetaDir, jobID)
}

func responsePrefix(jobID string) string {
	return path.Join(JobResponseDir, jobID) + "/"
}

func responseKey(jobID, module string) string {
	return path.Join(JobResponseDir, jobID, module)
}

// leaseTTL rounds the remaining lifetime up to whole seconds.
func leaseTTL(expiresAt, now time.Time) int64 {
	secs := int64(math.Ceil(expiresAt.Sub(now).Seconds()))
	if secs < 1 {
		secs = 1
	}
	return secs
}

func unavailable(op, jobID string, err error) error {
	return fmt.Errorf("failed to %s job %s in etcd: %w: %w", op, jobID, domain.ErrStoreUnavailable, err)
}

// Create persists a new job record under a fresh lease.
func (s *etcdJobStore) Create(ctx context.Context, rec *domain.JobRecord) error {
	ctx, span := s.tracer.Start(ctx, "store.etcd.Create")
	defer span.End()

	key := metaKey(rec.JobID)
	span.SetAttributes(
		attribute.String("job.id", rec.JobID),
		attribute.String("etcd.key", key),
	)

	value, err := json.Marshal(storedJob{
		JobID:     rec.JobID,
		CreatedAt: rec.CreatedAt,
		ExpiresAt: rec.ExpiresAt,
		Request:   rec.Request,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal job to JSON: %w", err)
	}

	lease, err := s.client.Grant(ctx, leaseTTL(rec.ExpiresAt, s.now()))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to grant job lease")
		return unavailable("create", rec.JobID, err)
	}

	resp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", 0)).
		Then(clientv3.OpPut(key, string(value), clientv3.WithLease(lease.ID))).
		Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put job to etcd")
		return unavailable("create", rec.JobID, err)
	}
	if !resp.Succeeded {
		if _, err := s.client.Revoke(ctx, lease.ID); err != nil {
			s.logger.Warn("failed to revoke unused lease", "job_id", rec.JobID, "lease_id", lease.ID, "error", err)
		}
		span.SetStatus(codes.Error, "job id collision")
		return fmt.Errorf("failed to create job %s: %w", rec.JobID, domain.ErrJobExists)
	}
	return nil
}

// Get reads the meta key and every response slot in one transaction.
func (s *etcdJobStore) Get(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	ctx, span := s.tracer.Start(ctx, "store.etcd.Get")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", jobID))

	resp, err := s.client.Txn(ctx).
		Then(
			clientv3.OpGet(metaKey(jobID)),
			clientv3.OpGet(responsePrefix(jobID), clientv3.WithPrefix()),
		).
		Commit()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to get job from etcd")
		return nil, unavailable("get", jobID, err)
	}

	metaKvs := resp.Responses[0].GetResponseRange().GetKvs()
	if len(metaKvs) == 0 {
		return nil, domain.ErrJobNotFound
	}

	var stored storedJob
	if err := json.Unmarshal(metaKvs[0].Value, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s from JSON: %w", jobID, err)
	}

	rec := &domain.JobRecord{
		JobID:     stored.JobID,
		CreatedAt: stored.CreatedAt,
		ExpiresAt: stored.ExpiresAt,
		Request:   stored.Request,
		Responses: make(map[string]domain.ModuleResult),
	}
	for _, kv := range resp.Responses[1].GetResponseRange().GetKvs() {
		var res domain.ModuleResult
		if err := json.Unmarshal(kv.Value, &res); err != nil {
			s.logger.Warn("failed to unmarshal module result from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		rec.Merge(res)
	}
	span.SetAttributes(attribute.Int("job.responses", len(rec.Responses)))
	return rec, nil
}

// Merge writes one response slot. The write is guarded by the meta key's
// create revision and bound to its lease, so a result for an expired or
// unknown job is rejected instead of resurrecting it.
func (s *etcdJobStore) Merge(ctx context.Context, jobID string, res domain.ModuleResult) error {
	ctx, span := s.tracer.Start(ctx, "store.etcd.Merge")
	defer span.End()
	span.SetAttributes(
		attribute.String("job.id", jobID),
		attribute.String("module.name", res.ModuleName),
	)

	value, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("failed to marshal module result to JSON: %w", err)
	}

	key := metaKey(jobID)
	getResp, err := s.client.Get(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read job before merge")
		return unavailable("merge into", jobID, err)
	}
	if len(getResp.Kvs) == 0 {
		return fmt.Errorf("failed to merge %s into job %s: %w", res.ModuleName, jobID, domain.ErrUnknownJob)
	}
	meta := getResp.Kvs[0]

	txnResp, err := s.client.Txn(ctx).
		If(clientv3.Compare(clientv3.CreateRevision(key), "=", meta.CreateRevision)).
		Then(clientv3.OpPut(responseKey(jobID, res.ModuleName), string(value), clientv3.WithLease(clientv3.LeaseID(meta.Lease)))).
		Commit()
	if err != nil {
		if errors.Is(err, rpctypes.ErrLeaseNotFound) {
			return fmt.Errorf("failed to merge %s into job %s: %w", res.ModuleName, jobID, domain.ErrUnknownJob)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to put module result to etcd")
		return unavailable("merge into", jobID, err)
	}
	if !txnResp.Succeeded {
		return fmt.Errorf("failed to merge %s into job %s: %w", res.ModuleName, jobID, domain.ErrUnknownJob)
	}
	return nil
}

// List returns every live job id, newest expiry first.
func (s *etcdJobStore) List(ctx context.Context) ([]string, error) {
	ctx, span := s.tracer.Start(ctx, "store.etcd.List")
	defer span.End()

	resp, err := s.client.Get(ctx, JobMetaDir, clientv3.WithPrefix())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to list jobs from etcd")
		return nil, fmt.Errorf("failed to list jobs from etcd: %w: %w", domain.ErrStoreUnavailable, err)
	}
	span.SetAttributes(attribute.Int("etcd.kv_count", len(resp.Kvs)))

	entries := make([]domain.JobIndexEntry, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var stored storedJob
		if err := json.Unmarshal(kv.Value, &stored); err != nil {
			s.logger.Warn("failed to unmarshal job from etcd", "key", string(kv.Key), "error", err)
			continue
		}
		entries = append(entries, domain.JobIndexEntry{JobID: stored.JobID, ExpiresAt: stored.ExpiresAt})
	}
	return domain.OrderJobIDs(entries), nil
}
