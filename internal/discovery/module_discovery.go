// internal/discovery/module_discovery.go
package discovery

import (
	"context"
	"encoding/json"
	"log/slog"
	"slices"
	"sync"
	"time"

	"threat-api/internal/domain"
	"threat-api/internal/worker"

	clientv3 "go.etcd.io/etcd/client/v3"
)

// ModuleDiscovery tracks which modules live workers host by watching the
// registry prefix workers announce themselves under.
type ModuleDiscovery struct {
	client  *clientv3.Client
	logger  *slog.Logger
	entries map[string]worker.Announcement // registry key -> announcement
	mu      sync.RWMutex
	ready   chan struct{}
	once    sync.Once
}

// NewModuleDiscovery creates a new discovery service.
func NewModuleDiscovery(client *clientv3.Client, logger *slog.Logger) *ModuleDiscovery {
	return &ModuleDiscovery{
		client:  client,
		logger:  logger.With("component", "module-discovery"),
		entries: make(map[string]worker.Announcement),
		ready:   make(chan struct{}),
	}
}

// WatchModules loads the current registry and then follows changes until
// ctx ends. This is a blocking call and should be run in a goroutine.
func (d *ModuleDiscovery) WatchModules(ctx context.Context) {
	d.logger.Info("starting to watch module registry")

	rev, err := d.loadInitial(ctx)
	if err != nil {
		d.logger.Error("failed to perform initial registry load", "error", err)
	}
	d.once.Do(func() { close(d.ready) })

	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if rev > 0 {
		opts = append(opts, clientv3.WithRev(rev+1))
	}
	watchChan := d.client.Watch(ctx, worker.ModuleRegistryPrefix, opts...)

	for watchResp := range watchChan {
		if err := watchResp.Err(); err != nil {
			d.logger.Warn("module registry watch error", "error", err)
			continue
		}
		for _, event := range watchResp.Events {
			key := string(event.Kv.Key)

			d.mu.Lock()
			switch event.Type {
			case clientv3.EventTypePut:
				var a worker.Announcement
				if err := json.Unmarshal(event.Kv.Value, &a); err != nil {
					d.logger.Warn("ignoring malformed announcement", "key", key, "error", err)
					d.mu.Unlock()
					continue
				}
				if _, ok := d.entries[key]; !ok {
					d.logger.Info("module announced", "module", a.Module, "worker_id", a.WorkerID)
				}
				d.entries[key] = a
			case clientv3.EventTypeDelete:
				d.logger.Info("module withdrawn", "key", key)
				delete(d.entries, key)
			}
			d.mu.Unlock()
		}
	}
	d.logger.Info("stopped watching module registry")
}

func (d *ModuleDiscovery) loadInitial(ctx context.Context) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	resp, err := d.client.Get(ctx, worker.ModuleRegistryPrefix, clientv3.WithPrefix())
	if err != nil {
		return 0, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	for _, kv := range resp.Kvs {
		var a worker.Announcement
		if err := json.Unmarshal(kv.Value, &a); err != nil {
			d.logger.Warn("ignoring malformed announcement", "key", string(kv.Key), "error", err)
			continue
		}
		d.entries[string(kv.Key)] = a
	}
	d.logger.Info("loaded module registry", "entries", len(d.entries))
	return resp.Header.Revision, nil
}

// Modules returns the announced modules keyed by name. When workers disagree
// on a module's metadata the union of their IOC types is reported. It waits
// for the initial load so the first request after startup is not empty.
func (d *ModuleDiscovery) Modules(ctx context.Context) (map[string]domain.ModuleInfo, error) {
	select {
	case <-d.ready:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	out := make(map[string]domain.ModuleInfo, len(d.entries))
	for _, a := range d.entries {
		info, ok := out[a.Module]
		if !ok {
			info = domain.ModuleInfo{SupportedIOCTypes: []string{}}
		}
		for _, t := range a.SupportedIOCTypes {
			if !slices.Contains(info.SupportedIOCTypes, t) {
				info.SupportedIOCTypes = append(info.SupportedIOCTypes, t)
			}
		}
		slices.Sort(info.SupportedIOCTypes)
		out[a.Module] = info
	}
	return out, nil
}
