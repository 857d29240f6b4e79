package http

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"threat-api/internal/longpoll"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSandboxClient(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /submissions", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		body, _ := io.ReadAll(r.Body)
		assert.Equal(t, "sample", string(body))
		_, _ = w.Write([]byte(`{"id":"ext-1"}`))
	})
	mux.HandleFunc("GET /submissions/ext-1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"state":"running"}`))
	})
	mux.HandleFunc("GET /submissions/ext-1/report", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"verdict":"malicious"}`))
	})
	mux.HandleFunc("GET /submissions/flaky", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	mux.HandleFunc("GET /submissions/forbidden", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	client := NewSandboxClient(server.URL, "secret", time.Second)
	ctx := context.Background()

	id, err := client.Submit(ctx, []byte("sample"))
	require.NoError(t, err)
	assert.Equal(t, "ext-1", id)

	status, err := client.Status(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, longpoll.StateRunning, status.State)

	report, err := client.Fetch(ctx, id)
	require.NoError(t, err)
	assert.JSONEq(t, `{"verdict":"malicious"}`, string(report))

	t.Run("unknown submission is not found", func(t *testing.T) {
		status, err := client.Status(ctx, "unknown")
		require.NoError(t, err)
		assert.Equal(t, longpoll.StateNotFound, status.State)
	})

	t.Run("5xx is transient", func(t *testing.T) {
		_, err := client.Status(ctx, "flaky")
		require.Error(t, err)
		assert.True(t, longpoll.IsTransient(err))
	})

	t.Run("4xx is permanent", func(t *testing.T) {
		_, err := client.Status(ctx, "forbidden")
		require.Error(t, err)
		assert.False(t, longpoll.IsTransient(err))
	})
}
