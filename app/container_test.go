package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emberq/internal/state"
	"emberq/types"
	"emberq/types/config"
)

func TestContainer_MemoryWiringEndToEnd(t *testing.T) {
	cfg, err := config.New("app-test",
		config.WithBrokerURL("memory://"),
		config.WithPollInterval(20*time.Millisecond),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	container, err := New(ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	defer container.Close()

	ran := make(chan struct{}, 1)
	require.NoError(t, container.Registry.Register("mail.send", func(ctx context.Context, payload json.RawMessage) error {
		ran <- struct{}{}
		return nil
	}))

	// Run the pool directly; the controller integration is covered in the
	// lifecycle package, and the monitor server would bind a real port here.
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		_ = container.Pool.Run(ctx)
	}()

	id, err := container.Client.Enqueue(ctx, "default", "mail.send", map[string]string{"to": "ops"})
	require.NoError(t, err)

	select {
	case <-ran:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never ran through the wired container")
	}

	require.Eventually(t, func() bool {
		job, jerr := container.Client.JobStatus(ctx, id)
		return jerr == nil && job.Status == state.StatusSucceeded
	}, 3*time.Second, 10*time.Millisecond)

	// The monitor shares the same stores and broker.
	srv := httptest.NewServer(container.Monitor.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/queues")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var stats []types.QueueStat
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stats))
	require.Len(t, stats, 1)
	assert.EqualValues(t, 0, stats[0].Depth)

	cancel()
	select {
	case <-poolDone:
	case <-time.After(3 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestContainer_RejectsUnknownBrokerScheme(t *testing.T) {
	cfg, err := config.New("app-test", config.WithBrokerURL("kafka://localhost:9092"))
	require.NoError(t, err)

	_, err = New(context.Background(), cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported broker scheme")
}
