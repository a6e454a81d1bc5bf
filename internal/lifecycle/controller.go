// Package lifecycle sequences startup and shutdown for a worker instance:
// gate on broker reachability, run the pool, scheduler and monitor together,
// then drain gracefully with a hard force-stop boundary.
package lifecycle

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"emberq/internal/broker"
	"emberq/types/config"
)

const (
	initialPingBackoff = 500 * time.Millisecond
	maxPingBackoff     = 10 * time.Second
)

// Component is anything the controller runs for the life of the instance.
type Component interface {
	Run(ctx context.Context) error
}

// ComponentFunc adapts a plain function, e.g. the monitor's Serve.
type ComponentFunc func(ctx context.Context) error

func (f ComponentFunc) Run(ctx context.Context) error { return f(ctx) }

// WorkerPool is the pool-side contract: a drainable Run plus the hard stop
// used when the graceful window closes.
type WorkerPool interface {
	Component
	ForceStop()
}

type Controller struct {
	broker    broker.Broker
	pool      WorkerPool
	scheduler Component
	monitor   Component
	cfg       *config.Config
	log       zerolog.Logger

	ready atomic.Bool
}

type Option func(*Controller)

// WithScheduler attaches a scheduler. Its failure is contained: the pool
// keeps consuming if the scheduler exits or panics.
func WithScheduler(s Component) Option {
	return func(c *Controller) { c.scheduler = s }
}

func WithMonitor(m Component) Option {
	return func(c *Controller) { c.monitor = m }
}

func New(b broker.Broker, pool WorkerPool, cfg *config.Config, log zerolog.Logger, opts ...Option) *Controller {
	c := &Controller{
		broker: b,
		pool:   pool,
		cfg:    cfg,
		log:    log.With().Str("component", "lifecycle").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Ready reports whether startup completed (broker reachable, components
// launched).
func (c *Controller) Ready() bool {
	return c.ready.Load()
}

// Run blocks until ctx is canceled and the instance has shut down, or until
// a fatal component error. Cancellation starts the graceful drain: no new
// reservations, in-flight jobs get GracefulShutdownTimeout to finish, then
// the pool is force-stopped and survivors are requeued.
func (c *Controller) Run(ctx context.Context) error {
	if err := c.awaitBroker(ctx); err != nil {
		return err
	}
	c.ready.Store(true)
	c.log.Info().Str("instance", c.cfg.Instance).Msg("startup complete")

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return ignoreCanceled(c.pool.Run(gctx))
	})
	if c.scheduler != nil {
		g.Go(func() error {
			c.runContained(gctx, "scheduler", c.scheduler)
			return nil
		})
	}
	if c.monitor != nil {
		g.Go(func() error {
			return ignoreCanceled(c.monitor.Run(gctx))
		})
	}

	// gctx also ends on a fatal component error, so the force-stop boundary
	// is armed for every shutdown path.
	stopped := make(chan struct{})
	go c.watchDrain(gctx, stopped)

	err := g.Wait()
	close(stopped)
	c.ready.Store(false)

	if err != nil {
		c.log.Error().Err(err).Msg("instance stopped with error")
		return err
	}
	c.log.Info().Msg("instance stopped")
	return nil
}

// awaitBroker pings with exponential backoff until the broker answers.
// The instance never reports ready while its broker is unreachable.
func (c *Controller) awaitBroker(ctx context.Context) error {
	backoff := initialPingBackoff
	for {
		pingCtx, cancel := context.WithTimeout(ctx, maxPingBackoff)
		err := c.broker.Ping(pingCtx)
		cancel()
		if err == nil {
			return nil
		}

		c.log.Warn().Err(err).Dur("backoff", backoff).Msg("broker not reachable yet")
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		backoff = min(backoff*2, maxPingBackoff)
	}
}

// watchDrain arms the force-stop once shutdown begins. If the pool has not
// finished within the graceful window, in-flight handlers are abandoned.
func (c *Controller) watchDrain(ctx context.Context, stopped <-chan struct{}) {
	select {
	case <-stopped:
		return
	case <-ctx.Done():
	}

	c.log.Info().Dur("timeout", c.cfg.GracefulShutdownTimeout).Msg("shutdown requested, draining")
	timer := time.NewTimer(c.cfg.GracefulShutdownTimeout)
	defer timer.Stop()

	select {
	case <-stopped:
	case <-timer.C:
		c.log.Warn().Msg("graceful window closed, force-stopping pool")
		c.pool.ForceStop()
	}
}

// runContained keeps a component failure from taking the instance down.
func (c *Controller) runContained(ctx context.Context, name string, comp Component) {
	defer func() {
		if r := recover(); r != nil {
			c.log.Error().Interface("panic", r).Str("contained", name).Msg("component crashed, instance continues")
		}
	}()
	if err := ignoreCanceled(comp.Run(ctx)); err != nil {
		c.log.Error().Err(err).Str("contained", name).Msg("component exited, instance continues")
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
