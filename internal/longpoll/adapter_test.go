package longpoll

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"threat-api/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type scriptedBackend struct {
	mu          sync.Mutex
	submitErrs  []error
	statuses    []Status
	statusErrs  []error
	report      []byte
	submitCalls int
	statusCalls int
	fetchCalls  int
}

func (b *scriptedBackend) Submit(ctx context.Context, artifact []byte) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.submitCalls++
	if len(b.submitErrs) > 0 {
		err := b.submitErrs[0]
		b.submitErrs = b.submitErrs[1:]
		return "", err
	}
	return "ext-1", nil
}

func (b *scriptedBackend) Status(ctx context.Context, id string) (Status, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statusCalls++
	if len(b.statusErrs) > 0 {
		err := b.statusErrs[0]
		b.statusErrs = b.statusErrs[1:]
		if err != nil {
			return Status{}, err
		}
	}
	if len(b.statuses) == 0 {
		return Status{State: StateRunning}, nil
	}
	s := b.statuses[0]
	if len(b.statuses) > 1 {
		b.statuses = b.statuses[1:]
	}
	return s, nil
}

func (b *scriptedBackend) Fetch(ctx context.Context, id string) ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fetchCalls++
	return b.report, nil
}

func (b *scriptedBackend) calls() (int, int, int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.submitCalls, b.statusCalls, b.fetchCalls
}

func testConfig() Config {
	return Config{
		SubmissionCheckInterval: 2 * time.Millisecond,
		CompletionCheckInterval: 3 * time.Millisecond,
		OverallTimeout:          time.Second,
		MaxRetries:              3,
		RetryBase:               time.Millisecond,
	}
}

func newAdapter(b Backend, cfg Config) *Adapter {
	return NewAdapter(b, cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAdapter_Run(t *testing.T) {
	tests := []struct {
		name       string
		backend    *scriptedBackend
		wantReport string
		wantErr    error
		wantStatus int
	}{
		{
			name: "not found then running then finished",
			backend: &scriptedBackend{
				statuses: []Status{{State: StateNotFound}, {State: StateNotFound}, {State: StateRunning}, {State: StateRunning}, {State: StateFinished}},
				report:   []byte(`{"verdict":"malicious"}`),
			},
			wantReport: `{"verdict":"malicious"}`,
			wantStatus: 5,
		},
		{
			name: "already finished when found",
			backend: &scriptedBackend{
				statuses: []Status{{State: StateFinished}},
				report:   []byte(`{"verdict":"clean"}`),
			},
			wantReport: `{"verdict":"clean"}`,
			wantStatus: 1,
		},
		{
			name: "transient status failures are retried",
			backend: &scriptedBackend{
				statuses:   []Status{{State: StateFinished}},
				statusErrs: []error{Transient(errors.New("502")), Transient(errors.New("timeout"))},
				report:     []byte(`{}`),
			},
			wantReport: `{}`,
			wantStatus: 3,
		},
		{
			name: "transient submit failure is retried",
			backend: &scriptedBackend{
				submitErrs: []error{Transient(errors.New("connection reset"))},
				statuses:   []Status{{State: StateFinished}},
				report:     []byte(`[]`),
			},
			wantReport: `[]`,
			wantStatus: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report, err := newAdapter(tt.backend, testConfig()).Run(context.Background(), []byte("sample"))
			require.NoError(t, err)
			assert.JSONEq(t, tt.wantReport, string(report))

			_, statusCalls, fetchCalls := tt.backend.calls()
			assert.Equal(t, tt.wantStatus, statusCalls)
			assert.Equal(t, 1, fetchCalls)
		})
	}
}

func TestAdapter_PermanentErrorsAreNotRetried(t *testing.T) {
	backend := &scriptedBackend{submitErrs: []error{errors.New("400 bad artifact")}}

	_, err := newAdapter(backend, testConfig()).Run(context.Background(), []byte("sample"))
	require.Error(t, err)
	assert.False(t, IsExpired(err))

	submitCalls, statusCalls, _ := backend.calls()
	assert.Equal(t, 1, submitCalls)
	assert.Zero(t, statusCalls)
}

func TestAdapter_ExternalFailure(t *testing.T) {
	backend := &scriptedBackend{statuses: []Status{{State: StateRunning}, {State: StateFailed, Detail: "vm crashed"}}}

	_, err := newAdapter(backend, testConfig()).Run(context.Background(), []byte("sample"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "vm crashed")
	assert.False(t, IsExpired(err))

	_, _, fetchCalls := backend.calls()
	assert.Zero(t, fetchCalls)
}

func TestAdapter_TimeoutStopsPolling(t *testing.T) {
	backend := &scriptedBackend{}
	cfg := testConfig()
	cfg.OverallTimeout = 40 * time.Millisecond

	start := time.Now()
	_, err := newAdapter(backend, cfg).Run(context.Background(), []byte("sample"))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrExternalTimeout)
	assert.True(t, IsExpired(err))
	assert.Less(t, time.Since(start), time.Second)

	_, before, fetchCalls := backend.calls()
	assert.Zero(t, fetchCalls)
	time.Sleep(30 * time.Millisecond)
	_, after, _ := backend.calls()
	assert.Equal(t, before, after, "polling continued after expiry")
}
