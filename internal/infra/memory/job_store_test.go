package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"threat-api/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newRecord(id string, now time.Time, ttl time.Duration, modules ...string) *domain.JobRecord {
	return domain.NewJobRecord(id, domain.JobRequest{
		RequestedModules: modules,
		Payload:          json.RawMessage(`{"ioc":"1.2.3.4"}`),
	}, now, ttl)
}

func TestJobStore_CreateGet(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := NewJobStore(discardLogger(), clock.Now)
	ctx := context.Background()

	rec := newRecord("job-1", clock.Now(), time.Hour, "echo")
	require.NoError(t, store.Create(ctx, rec))

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ExpiresAt, got.ExpiresAt)
	assert.Empty(t, got.Responses)
	assert.Equal(t, domain.JobStatusPending, got.Status())

	t.Run("duplicate id", func(t *testing.T) {
		err := store.Create(ctx, rec)
		assert.ErrorIs(t, err, domain.ErrJobExists)
	})

	t.Run("missing id", func(t *testing.T) {
		_, err := store.Get(ctx, "nope")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("returned record is a copy", func(t *testing.T) {
		got.Responses["echo"] = domain.ModuleResult{ModuleName: "echo"}
		again, err := store.Get(ctx, "job-1")
		require.NoError(t, err)
		assert.Empty(t, again.Responses)
	})
}

func TestJobStore_MergeIsIdempotentAndLastWriteWins(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := NewJobStore(discardLogger(), clock.Now)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newRecord("job-1", clock.Now(), time.Hour, "a", "b")))

	first := domain.ModuleResult{ModuleName: "a", CompletionTime: clock.Now(), Payload: json.RawMessage(`1`)}
	require.NoError(t, store.Merge(ctx, "job-1", first))
	require.NoError(t, store.Merge(ctx, "job-1", first))

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, got.Responses, 1)
	assert.Equal(t, domain.JobStatusPartial, got.Status())

	second := domain.ModuleResult{ModuleName: "a", CompletionTime: clock.Now(), Payload: json.RawMessage(`2`)}
	require.NoError(t, store.Merge(ctx, "job-1", second))
	got, err = store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.JSONEq(t, `2`, string(got.Responses["a"].Payload))
}

func TestJobStore_MergeKeepsExpiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := NewJobStore(discardLogger(), clock.Now)
	ctx := context.Background()
	rec := newRecord("job-1", clock.Now(), time.Hour, "a")
	require.NoError(t, store.Create(ctx, rec))

	clock.Advance(30 * time.Minute)
	require.NoError(t, store.Merge(ctx, "job-1", domain.ModuleResult{ModuleName: "a", CompletionTime: clock.Now()}))

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Equal(t, rec.ExpiresAt, got.ExpiresAt)
}

func TestJobStore_ConcurrentMergesOfDistinctModules(t *testing.T) {
	store := NewJobStore(discardLogger(), nil)
	ctx := context.Background()

	modules := make([]string, 32)
	for i := range modules {
		modules[i] = fmt.Sprintf("m%02d", i)
	}
	require.NoError(t, store.Create(ctx, newRecord("job-1", time.Now(), time.Hour, modules...)))

	var wg sync.WaitGroup
	for _, m := range modules {
		wg.Add(1)
		go func(m string) {
			defer wg.Done()
			assert.NoError(t, store.Merge(ctx, "job-1", domain.ModuleResult{ModuleName: m, CompletionTime: time.Now()}))
		}(m)
	}
	wg.Wait()

	got, err := store.Get(ctx, "job-1")
	require.NoError(t, err)
	assert.Len(t, got.Responses, len(modules))
	assert.Equal(t, domain.JobStatusComplete, got.Status())
}

func TestJobStore_Expiry(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := NewJobStore(discardLogger(), clock.Now)
	ctx := context.Background()
	require.NoError(t, store.Create(ctx, newRecord("job-1", clock.Now(), time.Hour, "a")))

	clock.Advance(time.Hour)

	_, err := store.Get(ctx, "job-1")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	err = store.Merge(ctx, "job-1", domain.ModuleResult{ModuleName: "a"})
	assert.ErrorIs(t, err, domain.ErrUnknownJob)

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	removed, err := store.Purge(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestJobStore_ListOrdersByExpiryDescending(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)}
	store := NewJobStore(discardLogger(), clock.Now)
	ctx := context.Background()

	ids, err := store.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, ids)

	require.NoError(t, store.Create(ctx, newRecord("old", clock.Now(), time.Hour, "a")))
	clock.Advance(time.Minute)
	require.NoError(t, store.Create(ctx, newRecord("new", clock.Now(), time.Hour, "a")))
	require.NoError(t, store.Create(ctx, newRecord("long", clock.Now().Add(-time.Hour), 3*time.Hour, "a")))

	ids, err = store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"long", "new", "old"}, ids)
}
