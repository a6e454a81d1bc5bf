package pool

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emberq/internal/broker"
	"emberq/internal/repository/memory"
	"emberq/internal/state"
	"emberq/internal/store"
	"emberq/types"
	"emberq/types/config"
)

type fixture struct {
	broker   *broker.Memory
	jobs     *memory.JobRepository
	registry *config.Registry
	cfg      *config.Config
	pool     *Pool

	cancel context.CancelFunc
	done   chan struct{}
}

func newFixture(t *testing.T, opts ...config.Option) *fixture {
	t.Helper()

	base := []config.Option{
		config.WithWorkerConcurrency(1),
		config.WithMaxTasksPerChild(100),
		config.WithJobTimeout(250 * time.Millisecond),
		config.WithVisibilityTimeout(5 * time.Second),
		config.WithPollInterval(20 * time.Millisecond),
	}
	cfg, err := config.New("pool-test", append(base, opts...)...)
	require.NoError(t, err)

	f := &fixture{
		broker:   broker.NewMemory(broker.WithMemoryPollInterval(20 * time.Millisecond)),
		jobs:     memory.NewJobRepository(),
		registry: config.NewRegistry(),
		cfg:      cfg,
		done:     make(chan struct{}),
	}
	f.pool = New(f.broker, f.jobs, f.registry, cfg, zerolog.Nop())
	return f
}

func (f *fixture) start(t *testing.T) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	f.cancel = cancel
	go func() {
		defer close(f.done)
		_ = f.pool.Run(ctx)
	}()
	t.Cleanup(func() { f.stop(t) })
}

func (f *fixture) stop(t *testing.T) {
	t.Helper()

	f.cancel()
	select {
	case <-f.done:
	case <-time.After(5 * time.Second):
		f.pool.ForceStop()
		select {
		case <-f.done:
		case <-time.After(5 * time.Second):
			t.Fatal("pool did not stop")
		}
	}
}

func (f *fixture) enqueue(t *testing.T, handler string, maxAttempts int) string {
	t.Helper()

	job := &types.Job{
		ID:          uuid.NewString(),
		Queue:       config.DefaultQueue,
		Handler:     handler,
		Payload:     json.RawMessage(`{}`),
		MaxAttempts: maxAttempts,
	}
	require.NoError(t, f.jobs.Insert(context.Background(), job))
	_, err := f.broker.Enqueue(context.Background(), job)
	require.NoError(t, err)
	return job.ID
}

func (f *fixture) waitStatus(t *testing.T, jobID string, want state.JobStatus) *types.Job {
	t.Helper()

	var got *types.Job
	require.Eventuallyf(t, func() bool {
		j, err := f.jobs.FindByID(context.Background(), jobID)
		if err != nil {
			return false
		}
		got = j
		return j.Status == want
	}, 3*time.Second, 10*time.Millisecond, "job %s never reached %s", jobID, want)
	return got
}

func TestPool_ExecutesJobToSuccess(t *testing.T) {
	f := newFixture(t)
	ran := make(chan json.RawMessage, 1)
	require.NoError(t, f.registry.Register("echo", func(ctx context.Context, payload json.RawMessage) error {
		ran <- payload
		return nil
	}))
	f.start(t)

	id := f.enqueue(t, "echo", 3)

	select {
	case payload := <-ran:
		assert.JSONEq(t, `{}`, string(payload))
	case <-time.After(3 * time.Second):
		t.Fatal("handler never ran")
	}

	job := f.waitStatus(t, id, state.StatusSucceeded)
	assert.Empty(t, job.LastError)

	depth, err := f.broker.Depth(context.Background(), config.DefaultQueue)
	require.NoError(t, err)
	assert.Zero(t, depth)
}

func TestPool_RetriesThenDeadLetters(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Register("flaky", func(ctx context.Context, payload json.RawMessage) error {
		return errors.New("boom")
	}))
	f.start(t)

	id := f.enqueue(t, "flaky", 2)

	job := f.waitStatus(t, id, state.StatusDead)
	assert.Equal(t, 2, job.Attempts, "every attempt in the budget must be consumed")
	assert.Contains(t, job.LastError, "boom")
}

func TestPool_FirstAttemptSuccessAfterRetry(t *testing.T) {
	f := newFixture(t)
	calls := 0
	require.NoError(t, f.registry.Register("second-time-lucky", func(ctx context.Context, payload json.RawMessage) error {
		calls++
		if calls == 1 {
			return errors.New("transient")
		}
		return nil
	}))
	f.start(t)

	id := f.enqueue(t, "second-time-lucky", 3)

	f.waitStatus(t, id, state.StatusSucceeded)
	assert.Equal(t, 2, calls)
}

func TestPool_UnknownHandlerIsPoison(t *testing.T) {
	f := newFixture(t)
	f.start(t)

	id := f.enqueue(t, "never-registered", 3)

	job := f.waitStatus(t, id, state.StatusDead)
	assert.Zero(t, job.Attempts, "poison must not consume an attempt")
	assert.Contains(t, job.LastError, "unknown handler")
}

func TestPool_MalformedPayloadIsPoison(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Register("echo", func(ctx context.Context, payload json.RawMessage) error {
		t.Error("handler must not run for a malformed payload")
		return nil
	}))
	f.start(t)

	job := &types.Job{
		ID:          uuid.NewString(),
		Queue:       config.DefaultQueue,
		Handler:     "echo",
		Payload:     json.RawMessage(`{not json`),
		MaxAttempts: 3,
	}
	require.NoError(t, f.jobs.Insert(context.Background(), job))
	_, err := f.broker.Enqueue(context.Background(), job)
	require.NoError(t, err)

	got := f.waitStatus(t, job.ID, state.StatusDead)
	assert.Contains(t, got.LastError, "not valid JSON")
}

func TestPool_HandlerPanicConsumesAttempt(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.Register("panicky", func(ctx context.Context, payload json.RawMessage) error {
		panic("kaboom")
	}))
	f.start(t)

	id := f.enqueue(t, "panicky", 1)

	job := f.waitStatus(t, id, state.StatusDead)
	assert.Equal(t, 1, job.Attempts)
	assert.Contains(t, job.LastError, "kaboom")
}

func TestPool_TimeoutConsumesAttemptAndRecyclesSlot(t *testing.T) {
	f := newFixture(t, config.WithJobTimeout(100*time.Millisecond))
	require.NoError(t, f.registry.Register("stuck", func(ctx context.Context, payload json.RawMessage) error {
		time.Sleep(10 * time.Second) // ignores cancellation on purpose
		return nil
	}))
	f.start(t)

	id := f.enqueue(t, "stuck", 1)

	job := f.waitStatus(t, id, state.StatusDead)
	assert.Equal(t, 1, job.Attempts)
	assert.Contains(t, job.LastError, "timed out")

	// The abandoned slot is retired and replaced with a fresh one.
	require.Eventually(t, func() bool {
		for _, s := range f.pool.Slots() {
			if s.ID > 1 {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond, "slot was not recycled after the timeout")
}

func TestPool_RecycleAfterMaxTasksStrandsNoJob(t *testing.T) {
	f := newFixture(t, config.WithMaxTasksPerChild(2))
	require.NoError(t, f.registry.Register("echo", func(ctx context.Context, payload json.RawMessage) error {
		return nil
	}))
	f.start(t)

	ids := make([]string, 0, 5)
	for i := 0; i < 5; i++ {
		ids = append(ids, f.enqueue(t, "echo", 3))
	}

	for _, id := range ids {
		f.waitStatus(t, id, state.StatusSucceeded)
	}

	// 5 executions at 2 per child means at least slot id 3 was created.
	require.Eventually(t, func() bool {
		for _, s := range f.pool.Slots() {
			if s.ID >= 3 {
				return true
			}
		}
		return false
	}, 3*time.Second, 10*time.Millisecond)
}

func TestPool_GracefulShutdownFinishesInFlightJob(t *testing.T) {
	f := newFixture(t)
	started := make(chan struct{})
	require.NoError(t, f.registry.Register("slowish", func(ctx context.Context, payload json.RawMessage) error {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return nil
	}))
	f.start(t)

	id := f.enqueue(t, "slowish", 3)

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never started")
	}
	f.cancel()

	select {
	case <-f.done:
	case <-time.After(3 * time.Second):
		t.Fatal("pool did not drain")
	}

	job, err := f.jobs.FindByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusSucceeded, job.Status, "in-flight job must finish during a graceful drain")
}

func TestPool_ForceStopRequeuesWithoutConsumingAttempt(t *testing.T) {
	f := newFixture(t, config.WithJobTimeout(30*time.Second), config.WithVisibilityTimeout(time.Minute))
	block := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, f.registry.Register("wedged", func(ctx context.Context, payload json.RawMessage) error {
		close(started)
		<-block // ignores cancellation on purpose
		return nil
	}))
	f.start(t)
	defer close(block)

	id := f.enqueue(t, "wedged", 3)

	select {
	case <-started:
	case <-time.After(3 * time.Second):
		t.Fatal("handler never started")
	}

	f.cancel()
	f.pool.ForceStop()

	select {
	case <-f.done:
	case <-time.After(3 * time.Second):
		t.Fatal("pool did not force-stop")
	}

	job, err := f.jobs.FindByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, state.StatusPending, job.Status, "force-stopped job must go back to pending")
	assert.Zero(t, job.Attempts, "forced shutdown must not consume an attempt")

	depth, err := f.broker.Depth(context.Background(), config.DefaultQueue)
	require.NoError(t, err)
	assert.EqualValues(t, 1, depth, "force-stopped job must be back on the queue")
}

func TestPool_SlotsSnapshot(t *testing.T) {
	f := newFixture(t, config.WithWorkerConcurrency(3))
	f.start(t)

	require.Eventually(t, func() bool {
		return len(f.pool.Slots()) == 3
	}, 3*time.Second, 10*time.Millisecond)

	for _, s := range f.pool.Slots() {
		assert.Equal(t, types.SlotIdle, s.Status)
		assert.Empty(t, s.CurrentJobID)
	}
	assert.False(t, f.pool.Heartbeat().IsZero())
}

var _ store.JobStore = (*memory.JobRepository)(nil)
