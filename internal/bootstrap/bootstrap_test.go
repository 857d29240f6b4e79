package bootstrap

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"
	"time"

	"threat-api/internal/config"
	"threat-api/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger_Level(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", &buf)
	logger.Info("hidden")
	logger.Warn("shown", "component", "test")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "shown", line["msg"])
	assert.Equal(t, "test", line["component"])
}

func TestOpen_Standalone(t *testing.T) {
	cfg := &config.Config{
		Store:  config.StoreConfig{Backend: "memory"},
		Broker: config.BrokerConfig{Backend: "memory"},
	}
	var buf bytes.Buffer
	in, err := Open(context.Background(), cfg, NewLogger("error", &buf), "intel")
	require.NoError(t, err)
	defer in.Close()

	assert.Nil(t, in.Etcd)
	assert.Nil(t, in.Redis)
	assert.Nil(t, in.Streams())
	require.NotNil(t, in.Store)
	require.NotNil(t, in.Channel)

	tasks := in.StoreTasks("0 * * * * *")
	require.Len(t, tasks, 1)
	assert.Equal(t, "purge-expired-jobs", tasks[0].Name)
	assert.NoError(t, tasks[0].Run(context.Background()))

	rec := domain.NewJobRecord("job-1", domain.JobRequest{RequestedModules: []string{"echo"}, Payload: []byte(`{}`)}, time.Now(), time.Hour)
	require.NoError(t, in.Store.Create(context.Background(), rec))
	require.NoError(t, in.Channel.PublishDispatch(context.Background(), domain.NewDispatch(rec)))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got := make(chan string, 1)
	go func() {
		_ = in.Channel.ConsumeDispatches(ctx, "intel", "c1", func(ctx context.Context, d *domain.Dispatch) error {
			got <- d.JobID
			return nil
		})
	}()
	select {
	case id := <-got:
		assert.Equal(t, "job-1", id)
	case <-ctx.Done():
		t.Fatal("dispatch was not buffered for the declared group")
	}
}
