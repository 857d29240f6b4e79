// internal/worker/registry.go
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path"
	"slices"
	"time"

	"threat-api/internal/domain"

	clientv3 "go.etcd.io/etcd/client/v3"
)

const (
	// ModuleRegistryPrefix is where workers announce the modules they host,
	// one key per (module, worker).
	ModuleRegistryPrefix = "/threat/modules/"
)

// Announcement is the value stored under each registry key.
type Announcement struct {
	Module            string    `json:"module"`
	WorkerID          string    `json:"worker_id"`
	Group             string    `json:"group"`
	SupportedIOCTypes []string  `json:"supported_ioc_types"`
	RegisteredAt      time.Time `json:"registered_at"`
}

// Registry announces this worker's modules in etcd under a kept-alive lease
// so they vanish when the worker dies.
type Registry struct {
	client  *clientv3.Client
	logger  *slog.Logger
	leaseID clientv3.LeaseID
	keys    []string
}

// NewRegistry creates a new module registry.
func NewRegistry(client *clientv3.Client, logger *slog.Logger) *Registry {
	return &Registry{
		client: client,
		logger: logger.With("component", "module-registry"),
	}
}

// RegistryKey is the etcd key announcing module on workerID.
func RegistryKey(module, workerID string) string {
	return path.Join(ModuleRegistryPrefix, module, workerID)
}

// Register announces modules with their metadata and keeps the lease alive
// until Deregister or process death.
func (r *Registry) Register(ctx context.Context, workerID, group string, modules map[string]domain.ModuleInfo, ttl int64) error {
	leaseResp, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return fmt.Errorf("failed to grant lease: %w", err)
	}
	r.leaseID = leaseResp.ID

	names := make([]string, 0, len(modules))
	for name := range modules {
		names = append(names, name)
	}
	slices.Sort(names)

	ops := make([]clientv3.Op, 0, len(names))
	now := time.Now().UTC()
	for _, m := range names {
		value, err := json.Marshal(Announcement{
			Module:            m,
			WorkerID:          workerID,
			Group:             group,
			SupportedIOCTypes: modules[m].SupportedIOCTypes,
			RegisteredAt:      now,
		})
		if err != nil {
			return fmt.Errorf("failed to marshal announcement: %w", err)
		}
		key := RegistryKey(m, workerID)
		r.keys = append(r.keys, key)
		ops = append(ops, clientv3.OpPut(key, string(value), clientv3.WithLease(r.leaseID)))
	}
	if _, err := r.client.Txn(ctx).Then(ops...).Commit(); err != nil {
		return fmt.Errorf("failed to put module registrations: %w", err)
	}

	keepAliveCh, err := r.client.KeepAlive(context.Background(), r.leaseID)
	if err != nil {
		return fmt.Errorf("failed to start keep-alive: %w", err)
	}

	go func() {
		for {
			ka, ok := <-keepAliveCh
			if !ok {
				r.logger.Warn("keep-alive channel closed, module registration may have expired")
				return
			}
			r.logger.Debug("lease keep-alive refreshed", "lease_id", ka.ID, "ttl", ka.TTL)
		}
	}()

	r.logger.Info("modules registered", "worker_id", workerID, "modules", names)
	return nil
}

// Deregister revokes the lease, deleting every announcement at once.
func (r *Registry) Deregister(ctx context.Context) error {
	r.logger.Info("deregistering modules", "keys", r.keys)
	if _, err := r.client.Revoke(ctx, r.leaseID); err != nil {
		return fmt.Errorf("failed to revoke lease: %w", err)
	}
	return nil
}
