package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"threat-api/internal/domain"
	"threat-api/internal/infra/memory"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testSubmissionConfig() SubmissionConfig {
	return SubmissionConfig{
		Retention:        time.Hour,
		SyncPollInterval: 5 * time.Millisecond,
		SyncMaxWait:      2 * time.Second,
	}
}

// faultyStore lets tests fail individual store operations.
type faultyStore struct {
	domain.JobStore
	createErr error
	getErr    error
	mergeErr  error
	merges    atomic.Int32
}

func (s *faultyStore) Get(ctx context.Context, jobID string) (*domain.JobRecord, error) {
	if s.getErr != nil {
		return nil, s.getErr
	}
	return s.JobStore.Get(ctx, jobID)
}

func (s *faultyStore) Create(ctx context.Context, rec *domain.JobRecord) error {
	if s.createErr != nil {
		return s.createErr
	}
	return s.JobStore.Create(ctx, rec)
}

func (s *faultyStore) Merge(ctx context.Context, jobID string, res domain.ModuleResult) error {
	s.merges.Add(1)
	if s.mergeErr != nil {
		return s.mergeErr
	}
	return s.JobStore.Merge(ctx, jobID, res)
}

type recordingPublisher struct {
	mu         sync.Mutex
	dispatches []*domain.Dispatch
	err        error
}

func (p *recordingPublisher) PublishDispatch(ctx context.Context, d *domain.Dispatch) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.dispatches = append(p.dispatches, d)
	return nil
}

func (p *recordingPublisher) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.dispatches)
}

func validRequest(modules ...string) domain.JobRequest {
	return domain.JobRequest{RequestedModules: modules, Payload: json.RawMessage(`{"ioc":"1.2.3.4","ioc_type":"ip"}`)}
}

func TestSubmissionService_SubmitAsync(t *testing.T) {
	ctx := context.Background()

	t.Run("stores then publishes", func(t *testing.T) {
		store := memory.NewJobStore(discardLogger(), nil)
		pub := &recordingPublisher{}
		svc := NewSubmissionService(store, pub, testSubmissionConfig(), discardLogger())

		jobID, err := svc.SubmitAsync(ctx, validRequest("echo", "sandbox"))
		require.NoError(t, err)
		require.NotEmpty(t, jobID)

		rec, err := store.Get(ctx, jobID)
		require.NoError(t, err)
		assert.Empty(t, rec.Responses)
		assert.Equal(t, time.Hour, rec.ExpiresAt.Sub(rec.CreatedAt))

		require.Equal(t, 1, pub.count())
		assert.Equal(t, jobID, pub.dispatches[0].JobID)
		assert.Equal(t, []string{"echo", "sandbox"}, pub.dispatches[0].RequestedModules)
		assert.JSONEq(t, `{"ioc":"1.2.3.4","ioc_type":"ip"}`, string(pub.dispatches[0].Payload))
	})

	t.Run("fresh id per submission", func(t *testing.T) {
		svc := NewSubmissionService(memory.NewJobStore(discardLogger(), nil), &recordingPublisher{}, testSubmissionConfig(), discardLogger())
		a, err := svc.SubmitAsync(ctx, validRequest("echo"))
		require.NoError(t, err)
		b, err := svc.SubmitAsync(ctx, validRequest("echo"))
		require.NoError(t, err)
		assert.NotEqual(t, a, b)
	})

	t.Run("id collision is retried", func(t *testing.T) {
		store := memory.NewJobStore(discardLogger(), nil)
		svc := NewSubmissionService(store, &recordingPublisher{}, testSubmissionConfig(), discardLogger())
		ids := []string{"dup", "dup", "unique"}
		svc.newID = func() string {
			id := ids[0]
			ids = ids[1:]
			return id
		}
		first, err := svc.SubmitAsync(ctx, validRequest("echo"))
		require.NoError(t, err)
		assert.Equal(t, "dup", first)
		second, err := svc.SubmitAsync(ctx, validRequest("echo"))
		require.NoError(t, err)
		assert.Equal(t, "unique", second)
	})

	t.Run("invalid request", func(t *testing.T) {
		pub := &recordingPublisher{}
		svc := NewSubmissionService(memory.NewJobStore(discardLogger(), nil), pub, testSubmissionConfig(), discardLogger())

		for _, req := range []domain.JobRequest{
			{RequestedModules: nil, Payload: json.RawMessage(`{}`)},
			{RequestedModules: []string{"echo", "echo"}, Payload: json.RawMessage(`{}`)},
			{RequestedModules: []string{"echo"}, Payload: json.RawMessage(`{"ioc":`)},
		} {
			_, err := svc.SubmitAsync(ctx, req)
			var verr *domain.ValidationError
			assert.ErrorAs(t, err, &verr)
		}
		assert.Zero(t, pub.count())
	})

	t.Run("payload is optional", func(t *testing.T) {
		store := memory.NewJobStore(discardLogger(), nil)
		pub := &recordingPublisher{}
		svc := NewSubmissionService(store, pub, testSubmissionConfig(), discardLogger())

		for _, payload := range []json.RawMessage{nil, {}} {
			jobID, err := svc.SubmitAsync(ctx, domain.JobRequest{RequestedModules: []string{"missing"}, Payload: payload})
			require.NoError(t, err)

			rec, err := store.Get(ctx, jobID)
			require.NoError(t, err)
			assert.Equal(t, "null", string(rec.Request.Payload))
		}
		require.Equal(t, 2, pub.count())
		assert.Equal(t, "null", string(pub.dispatches[0].Payload))
	})

	t.Run("store failure publishes nothing", func(t *testing.T) {
		store := &faultyStore{JobStore: memory.NewJobStore(discardLogger(), nil), createErr: errors.New("connection refused")}
		pub := &recordingPublisher{}
		svc := NewSubmissionService(store, pub, testSubmissionConfig(), discardLogger())

		jobID, err := svc.SubmitAsync(ctx, validRequest("echo"))
		assert.ErrorIs(t, err, domain.ErrStoreUnavailable)
		assert.Empty(t, jobID)
		assert.Zero(t, pub.count())
	})

	t.Run("publish failure keeps the record", func(t *testing.T) {
		store := memory.NewJobStore(discardLogger(), nil)
		svc := NewSubmissionService(store, &recordingPublisher{err: errors.New("stream down")}, testSubmissionConfig(), discardLogger())

		jobID, err := svc.SubmitAsync(ctx, validRequest("echo"))
		assert.ErrorIs(t, err, domain.ErrPublishFailed)
		require.NotEmpty(t, jobID)

		rec, err := store.Get(ctx, jobID)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusPending, rec.Status())
	})
}

func TestSubmissionService_SubmitSync(t *testing.T) {
	ctx := context.Background()

	t.Run("returns once complete", func(t *testing.T) {
		store := memory.NewJobStore(discardLogger(), nil)
		pub := &recordingPublisher{}
		svc := NewSubmissionService(store, pub, testSubmissionConfig(), discardLogger())

		go func() {
			assert.Eventually(t, func() bool { return pub.count() == 1 }, time.Second, time.Millisecond)
			pub.mu.Lock()
			id := pub.dispatches[0].JobID
			pub.mu.Unlock()
			_ = store.Merge(ctx, id, domain.ModuleResult{ModuleName: "echo", CompletionTime: time.Now()})
		}()

		start := time.Now()
		rec, err := svc.SubmitSync(ctx, validRequest("echo"), time.Second)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusComplete, rec.Status())
		assert.Less(t, time.Since(start), time.Second)
	})

	t.Run("returns partial record after wait", func(t *testing.T) {
		svc := NewSubmissionService(memory.NewJobStore(discardLogger(), nil), &recordingPublisher{}, testSubmissionConfig(), discardLogger())

		rec, err := svc.SubmitSync(ctx, validRequest("echo", "sandbox"), 30*time.Millisecond)
		require.NoError(t, err)
		assert.Equal(t, domain.JobStatusPending, rec.Status())
	})

	t.Run("publish failure returns record and error", func(t *testing.T) {
		svc := NewSubmissionService(memory.NewJobStore(discardLogger(), nil), &recordingPublisher{err: errors.New("down")}, testSubmissionConfig(), discardLogger())

		rec, err := svc.SubmitSync(ctx, validRequest("echo"), time.Second)
		assert.ErrorIs(t, err, domain.ErrPublishFailed)
		require.NotNil(t, rec)
		assert.NotEmpty(t, rec.JobID)
	})

	t.Run("publish failure keeps job id when read back fails", func(t *testing.T) {
		store := &faultyStore{JobStore: memory.NewJobStore(discardLogger(), nil), getErr: errors.New("connection reset")}
		svc := NewSubmissionService(store, &recordingPublisher{err: errors.New("down")}, testSubmissionConfig(), discardLogger())
		svc.newID = func() string { return "job-kept" }

		rec, err := svc.SubmitSync(ctx, validRequest("echo"), time.Second)
		assert.ErrorIs(t, err, domain.ErrPublishFailed)
		require.NotNil(t, rec)
		assert.Equal(t, "job-kept", rec.JobID)
	})
}

func TestAggregator_Handle(t *testing.T) {
	ctx := context.Background()
	newJob := func(t *testing.T, store domain.JobStore, modules ...string) string {
		rec := domain.NewJobRecord("job-1", validRequest(modules...), time.Now(), time.Hour)
		require.NoError(t, store.Create(ctx, rec))
		return rec.JobID
	}

	t.Run("merge is idempotent", func(t *testing.T) {
		store := memory.NewJobStore(discardLogger(), nil)
		agg := NewAggregator(store, AggregatorConfig{}, discardLogger())
		id := newJob(t, store, "a", "b")

		completed := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		r := &domain.PartialResult{JobID: id, ModuleName: "a", Payload: json.RawMessage(`{"hit":true}`), CompletedAt: &completed}
		require.NoError(t, agg.Handle(ctx, r))
		require.NoError(t, agg.Handle(ctx, r))

		rec, err := store.Get(ctx, id)
		require.NoError(t, err)
		require.Len(t, rec.Responses, 1)
		assert.Equal(t, completed, rec.Responses["a"].CompletionTime)
	})

	t.Run("order does not matter", func(t *testing.T) {
		orders := [][]string{{"a", "b", "c"}, {"c", "a", "b"}, {"b", "c", "a"}}
		var views []map[string]string
		for _, order := range orders {
			store := memory.NewJobStore(discardLogger(), nil)
			agg := NewAggregator(store, AggregatorConfig{}, discardLogger())
			id := newJob(t, store, "a", "b", "c")
			for _, m := range order {
				require.NoError(t, agg.Handle(ctx, &domain.PartialResult{JobID: id, ModuleName: m, Payload: json.RawMessage(`"` + m + `"`)}))
			}
			rec, err := store.Get(ctx, id)
			require.NoError(t, err)
			view := map[string]string{}
			for k, v := range rec.Responses {
				view[k] = string(v.Payload)
			}
			views = append(views, view)
		}
		assert.Equal(t, views[0], views[1])
		assert.Equal(t, views[0], views[2])
	})

	t.Run("error results are stored", func(t *testing.T) {
		store := memory.NewJobStore(discardLogger(), nil)
		agg := NewAggregator(store, AggregatorConfig{}, discardLogger())
		id := newJob(t, store, "a")

		require.NoError(t, agg.Handle(ctx, &domain.PartialResult{JobID: id, ModuleName: "a", Error: "module a: timeout"}))
		rec, err := store.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, rec.Responses["a"].Failed())
		assert.Equal(t, domain.JobStatusComplete, rec.Status())
	})

	t.Run("unknown job is retried then dropped", func(t *testing.T) {
		store := &faultyStore{JobStore: memory.NewJobStore(discardLogger(), nil)}
		agg := NewAggregator(store, AggregatorConfig{UnknownJobRetries: 2, UnknownJobBackoff: time.Millisecond}, discardLogger())

		require.NoError(t, agg.Handle(ctx, &domain.PartialResult{JobID: "ghost", ModuleName: "a"}))
		assert.Equal(t, int32(3), store.merges.Load())

		_, err := store.Get(ctx, "ghost")
		assert.ErrorIs(t, err, domain.ErrJobNotFound)
	})

	t.Run("result racing its record is merged", func(t *testing.T) {
		store := memory.NewJobStore(discardLogger(), nil)
		agg := NewAggregator(store, AggregatorConfig{UnknownJobRetries: 5, UnknownJobBackoff: 10 * time.Millisecond}, discardLogger())

		go func() {
			time.Sleep(15 * time.Millisecond)
			_ = store.Create(ctx, domain.NewJobRecord("late", validRequest("a"), time.Now(), time.Hour))
		}()
		require.NoError(t, agg.Handle(ctx, &domain.PartialResult{JobID: "late", ModuleName: "a"}))

		rec, err := store.Get(ctx, "late")
		require.NoError(t, err)
		assert.Len(t, rec.Responses, 1)
	})

	t.Run("malformed and store failures are dropped", func(t *testing.T) {
		store := &faultyStore{JobStore: memory.NewJobStore(discardLogger(), nil), mergeErr: domain.ErrStoreUnavailable}
		agg := NewAggregator(store, AggregatorConfig{UnknownJobRetries: 3, UnknownJobBackoff: time.Millisecond}, discardLogger())

		assert.NoError(t, agg.Handle(ctx, &domain.PartialResult{ModuleName: "a"}))
		assert.Zero(t, store.merges.Load())

		assert.NoError(t, agg.Handle(ctx, &domain.PartialResult{JobID: "job-1", ModuleName: "a"}))
		assert.Equal(t, int32(1), store.merges.Load(), "store failures are not retried")
	})
}

type staticDirectory map[string]domain.ModuleInfo

func (d staticDirectory) Modules(context.Context) (map[string]domain.ModuleInfo, error) { return d, nil }

func TestQueryService(t *testing.T) {
	ctx := context.Background()
	store := memory.NewJobStore(discardLogger(), nil)
	now := time.Now()
	require.NoError(t, store.Create(ctx, domain.NewJobRecord("first", validRequest("a"), now, time.Hour)))
	require.NoError(t, store.Create(ctx, domain.NewJobRecord("second", validRequest("a"), now.Add(time.Minute), time.Hour)))

	svc := NewQueryService(store, staticDirectory{
		"whois": {SupportedIOCTypes: []string{"domain"}},
		"echo":  {SupportedIOCTypes: []string{}},
	}, discardLogger())

	rec, err := svc.Get(ctx, "first")
	require.NoError(t, err)
	assert.Equal(t, "first", rec.JobID)

	_, err = svc.Get(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)

	ids, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"second", "first"}, ids)

	modules, err := svc.Modules(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]domain.ModuleInfo{
		"echo":  {SupportedIOCTypes: []string{}},
		"whois": {SupportedIOCTypes: []string{"domain"}},
	}, modules)

	none, err := NewQueryService(store, nil, discardLogger()).Modules(ctx)
	require.NoError(t, err)
	assert.Empty(t, none)
}
