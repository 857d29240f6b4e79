package redis

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"threat-api/internal/domain"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis connects to THREAT_TEST_REDIS (default localhost:6379) and
// flushes the test DB. Tests are skipped if Redis is not available.
func setupTestRedis(t *testing.T) goredis.UniversalClient {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	addr := os.Getenv("THREAT_TEST_REDIS")
	if addr == "" {
		addr = "localhost:6379"
	}

	client, err := NewClient(context.Background(), addr, "", 9, 2*time.Second)
	if err != nil {
		t.Skipf("redis not available: %v", err)
	}
	require.NoError(t, client.FlushDB(context.Background()).Err())
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newRecord(ttl time.Duration, modules ...string) *domain.JobRecord {
	return domain.NewJobRecord(uuid.NewString(), domain.JobRequest{
		RequestedModules: modules,
		Payload:          json.RawMessage(`{"ioc":"d41d8cd98f00b204e9800998ecf8427e"}`),
	}, time.Now(), ttl)
}

func TestJobStore(t *testing.T) {
	client := setupTestRedis(t)
	store := NewJobStore(client, discardLogger())
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		rec := newRecord(time.Hour, "a", "b")
		require.NoError(t, store.Create(ctx, rec))
		assert.ErrorIs(t, store.Create(ctx, rec), domain.ErrJobExists)

		got, err := store.Get(ctx, rec.JobID)
		require.NoError(t, err)
		assert.Equal(t, rec.Request.RequestedModules, got.Request.RequestedModules)
		assert.Equal(t, domain.JobStatusPending, got.Status())

		ttl := client.PTTL(ctx, jobKey(rec.JobID)).Val()
		assert.True(t, ttl > 59*time.Minute && ttl <= time.Hour)
	})

	t.Run("merge keeps ttl and is last-write-wins", func(t *testing.T) {
		rec := newRecord(time.Hour, "a", "b")
		require.NoError(t, store.Create(ctx, rec))
		before := client.PExpireTime(ctx, jobKey(rec.JobID)).Val()

		require.NoError(t, store.Merge(ctx, rec.JobID, domain.ModuleResult{ModuleName: "a", Payload: json.RawMessage(`1`)}))
		require.NoError(t, store.Merge(ctx, rec.JobID, domain.ModuleResult{ModuleName: "a", Payload: json.RawMessage(`2`)}))
		require.NoError(t, store.Merge(ctx, rec.JobID, domain.ModuleResult{ModuleName: "b", Error: "boom"}))

		assert.Equal(t, before, client.PExpireTime(ctx, jobKey(rec.JobID)).Val())

		got, err := store.Get(ctx, rec.JobID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusComplete, got.Status())
		assert.JSONEq(t, `2`, string(got.Responses["a"].Payload))
		assert.True(t, got.Responses["b"].Failed())
	})

	t.Run("concurrent merges", func(t *testing.T) {
		modules := []string{"m1", "m2", "m3", "m4", "m5", "m6"}
		rec := newRecord(time.Hour, modules...)
		require.NoError(t, store.Create(ctx, rec))

		var wg sync.WaitGroup
		for _, m := range modules {
			wg.Add(1)
			go func(m string) {
				defer wg.Done()
				assert.NoError(t, store.Merge(ctx, rec.JobID, domain.ModuleResult{ModuleName: m}))
			}(m)
		}
		wg.Wait()

		got, err := store.Get(ctx, rec.JobID)
		require.NoError(t, err)
		assert.Len(t, got.Responses, len(modules))
	})

	t.Run("unknown job", func(t *testing.T) {
		err := store.Merge(ctx, "missing", domain.ModuleResult{ModuleName: "a"})
		assert.ErrorIs(t, err, domain.ErrUnknownJob)
		assert.False(t, client.Exists(ctx, jobKey("missing")).Val() == 1)

		_, err = store.Get(ctx, "missing")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("list ordered by expiry and pruned", func(t *testing.T) {
		require.NoError(t, client.FlushDB(ctx).Err())
		short := newRecord(time.Hour, "a")
		long := newRecord(2*time.Hour, "a")
		require.NoError(t, store.Create(ctx, short))
		require.NoError(t, store.Create(ctx, long))
		require.NoError(t, client.ZAdd(ctx, jobIndexKey, goredis.Z{Score: 1, Member: "ancient"}).Err())

		ids, err := store.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{long.JobID, short.JobID}, ids)

		require.NoError(t, store.PruneIndex(ctx))
		assert.Equal(t, int64(2), client.ZCard(ctx, jobIndexKey).Val())
	})
}

func TestStreams(t *testing.T) {
	client := setupTestRedis(t)
	streams := NewStreams(client, StreamsConfig{
		DispatchStream: "test:dispatch",
		ResultStream:   "test:results",
		ResultGroup:    "aggregators",
		MaxLen:         1000,
		Block:          100 * time.Millisecond,
		Batch:          10,
		ClaimMinIdle:   10 * time.Millisecond,
	}, discardLogger())

	t.Run("dispatch reaches every group", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var mu sync.Mutex
		seen := map[string]int{}
		for _, g := range []string{"intel", "sandbox"} {
			require.NoError(t, streams.ensureGroup(ctx, "test:dispatch", g, "$"))
			go func(g string) {
				_ = streams.ConsumeDispatches(ctx, g, "c1", func(ctx context.Context, d *domain.Dispatch) error {
					mu.Lock()
					seen[g]++
					mu.Unlock()
					return nil
				})
			}(g)
		}

		require.NoError(t, streams.PublishDispatch(ctx, &domain.Dispatch{JobID: "job-1", RequestedModules: []string{"a"}}))
		assert.Eventually(t, func() bool {
			mu.Lock()
			defer mu.Unlock()
			return seen["intel"] == 1 && seen["sandbox"] == 1
		}, 3*time.Second, 20*time.Millisecond)
	})

	t.Run("failed result is reclaimed", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		failing := make(chan struct{}, 1)
		go func() {
			_ = streams.ConsumeResults(ctx, "dead", func(ctx context.Context, r *domain.PartialResult) error {
				failing <- struct{}{}
				return assert.AnError
			})
		}()

		require.NoError(t, streams.PublishResult(ctx, &domain.PartialResult{JobID: "job-1", ModuleName: "a"}))
		select {
		case <-failing:
		case <-time.After(3 * time.Second):
			t.Fatal("result never delivered")
		}
		cancel()

		time.Sleep(50 * time.Millisecond)
		var got *domain.PartialResult
		err := streams.ReclaimResults(context.Background(), "alive", func(ctx context.Context, r *domain.PartialResult) error {
			got = r
			return nil
		})
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "a", got.ModuleName)

		pending := client.XPending(context.Background(), "test:results", "aggregators").Val()
		assert.Equal(t, int64(0), pending.Count)
	})
}

func TestStreams_InFlightEntries(t *testing.T) {
	client := setupTestRedis(t)
	streams := NewStreams(client, StreamsConfig{
		DispatchStream: "test:inflight:dispatch",
		ResultStream:   "test:inflight:results",
		ResultGroup:    "aggregators",
		MaxLen:         1000,
		Block:          50 * time.Millisecond,
		Batch:          10,
		ClaimMinIdle:   150 * time.Millisecond,
		Concurrency:    4,
		Heartbeat:      30 * time.Millisecond,
	}, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, streams.ensureGroup(ctx, "test:inflight:dispatch", "intel", "$"))

	release := make(chan struct{})
	fast := make(chan string, 1)
	go func() {
		_ = streams.ConsumeDispatches(ctx, "intel", "c1", func(ctx context.Context, d *domain.Dispatch) error {
			if d.JobID == "slow" {
				select {
				case <-release:
				case <-ctx.Done():
				}
				return nil
			}
			fast <- d.JobID
			return nil
		})
	}()

	require.NoError(t, streams.PublishDispatch(ctx, &domain.Dispatch{JobID: "slow", RequestedModules: []string{"sandbox"}}))
	require.NoError(t, streams.PublishDispatch(ctx, &domain.Dispatch{JobID: "fast", RequestedModules: []string{"echo"}}))

	t.Run("slow entry does not hold up the next", func(t *testing.T) {
		select {
		case id := <-fast:
			assert.Equal(t, "fast", id)
		case <-time.After(3 * time.Second):
			t.Fatal("fast dispatch waited behind the slow one")
		}
	})

	t.Run("held entry is not reclaimed", func(t *testing.T) {
		deadline := time.Now().Add(600 * time.Millisecond)
		for time.Now().Before(deadline) {
			err := streams.ReclaimDispatches(ctx, "intel", "c2", func(ctx context.Context, d *domain.Dispatch) error {
				t.Errorf("dispatch %s reclaimed while still being handled", d.JobID)
				return nil
			})
			require.NoError(t, err)
			time.Sleep(50 * time.Millisecond)
		}
	})

	close(release)
	assert.Eventually(t, func() bool {
		pending, err := client.XPending(context.Background(), "test:inflight:dispatch", "intel").Result()
		return err == nil && pending.Count == 0
	}, 3*time.Second, 20*time.Millisecond)
}

