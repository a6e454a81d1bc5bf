package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emberq/emberr"
	"emberq/internal/broker"
	"emberq/types/config"
)

type flakyBroker struct {
	*broker.Memory
	healthy atomic.Bool
}

func newFlakyBroker(healthy bool) *flakyBroker {
	b := &flakyBroker{Memory: broker.NewMemory()}
	b.healthy.Store(healthy)
	return b
}

func (b *flakyBroker) Ping(ctx context.Context) error {
	if !b.healthy.Load() {
		return emberr.ErrUnavailable
	}
	return b.Memory.Ping(ctx)
}

// fakePool drains after drainDelay once its context ends, unless it is
// wedged, in which case only ForceStop releases it.
type fakePool struct {
	drainDelay time.Duration
	wedged     bool

	forced   atomic.Bool
	released chan struct{}
}

func newFakePool() *fakePool {
	return &fakePool{released: make(chan struct{})}
}

func (p *fakePool) Run(ctx context.Context) error {
	<-ctx.Done()
	if p.wedged {
		<-p.released
		return ctx.Err()
	}
	time.Sleep(p.drainDelay)
	return ctx.Err()
}

func (p *fakePool) ForceStop() {
	if p.forced.CompareAndSwap(false, true) {
		close(p.released)
	}
}

func testLifecycleConfig(t *testing.T, opts ...config.Option) *config.Config {
	t.Helper()
	base := []config.Option{config.WithGracefulShutdownTimeout(100 * time.Millisecond)}
	cfg, err := config.New("lifecycle-test", append(base, opts...)...)
	require.NoError(t, err)
	return cfg
}

func TestController_GatesReadyOnBrokerPing(t *testing.T) {
	b := newFlakyBroker(false)
	p := newFakePool()
	c := New(b, p, testLifecycleConfig(t), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	assert.False(t, c.Ready(), "must not be ready while the broker is unreachable")

	b.healthy.Store(true)
	require.Eventually(t, c.Ready, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("controller did not stop")
	}
	assert.False(t, c.Ready(), "readiness must drop after shutdown")
}

func TestController_GracefulDrainAvoidsForceStop(t *testing.T) {
	b := newFlakyBroker(true)
	p := newFakePool()
	p.drainDelay = 20 * time.Millisecond
	c := New(b, p, testLifecycleConfig(t), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, c.Ready, 3*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("controller did not stop")
	}
	assert.False(t, p.forced.Load(), "a pool that drains in time must not be force-stopped")
}

func TestController_ForceStopsWhenGracefulWindowCloses(t *testing.T) {
	b := newFlakyBroker(true)
	p := newFakePool()
	p.wedged = true
	c := New(b, p, testLifecycleConfig(t), zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, c.Ready, 3*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("controller did not stop")
	}
	assert.True(t, p.forced.Load(), "a wedged pool must be force-stopped")
}

func TestController_SchedulerCrashIsContained(t *testing.T) {
	b := newFlakyBroker(true)
	p := newFakePool()
	p.drainDelay = 0
	c := New(b, p, testLifecycleConfig(t), zerolog.Nop(),
		WithScheduler(ComponentFunc(func(ctx context.Context) error {
			panic("scheduler exploded")
		})),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.Eventually(t, c.Ready, 3*time.Second, 10*time.Millisecond)

	// The crash must not end the run.
	time.Sleep(100 * time.Millisecond)
	select {
	case err := <-done:
		t.Fatalf("instance went down with the scheduler: %v", err)
	default:
	}

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("controller did not stop")
	}
}

func TestController_MonitorFailureIsFatal(t *testing.T) {
	b := newFlakyBroker(true)
	p := newFakePool()
	p.drainDelay = 0
	bindErr := errors.New("listen tcp :8484: address already in use")
	c := New(b, p, testLifecycleConfig(t), zerolog.Nop(),
		WithMonitor(ComponentFunc(func(ctx context.Context) error {
			return bindErr
		})),
	)

	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, bindErr)
	case <-time.After(3 * time.Second):
		t.Fatal("controller did not stop on a fatal monitor error")
	}
}
