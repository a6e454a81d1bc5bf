// Package app wires a configured instance: broker by URL scheme, stores by
// database presence, then the pool, scheduler, monitor and lifecycle
// controller on top. cmd/emberq builds exactly one Container per process.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"time"

	_ "github.com/lib/pq"
	"github.com/rs/zerolog"

	"emberq/client"
	"emberq/internal/broker"
	"emberq/internal/lifecycle"
	"emberq/internal/lock"
	"emberq/internal/monitor"
	"emberq/internal/pool"
	"emberq/internal/repository/memory"
	"emberq/internal/repository/postgres"
	"emberq/internal/scheduler"
	"emberq/internal/store"
	"emberq/types/config"
)

const migrateTimeout = 30 * time.Second

type Container struct {
	Cfg *config.Config
	Log zerolog.Logger

	Broker    broker.Broker
	Jobs      store.JobStore
	Schedules store.ScheduleStore
	Locks     lock.Manager
	Registry  *config.Registry

	Pool       *pool.Pool
	Scheduler  *scheduler.Scheduler
	Monitor    *monitor.Monitor
	Client     *client.Client
	Controller *lifecycle.Controller

	db *sql.DB
}

func New(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Container, error) {
	c := &Container{
		Cfg:      cfg,
		Log:      log,
		Registry: config.NewRegistry(),
	}

	if err := c.buildBroker(); err != nil {
		return nil, err
	}
	if err := c.buildStores(ctx); err != nil {
		c.Broker.Close()
		return nil, err
	}

	c.Pool = pool.New(c.Broker, c.Jobs, c.Registry, cfg, log)
	c.Scheduler = scheduler.New(c.Schedules, c.Jobs, c.Broker, c.Locks, cfg, log)
	c.Monitor = monitor.New(c.Broker, c.Jobs, c.Schedules, c.Pool, c.Scheduler, cfg, log)
	c.Client = client.New(c.Broker, c.Jobs, cfg, log)
	c.Controller = lifecycle.New(c.Broker, c.Pool, cfg, log,
		lifecycle.WithScheduler(c.Scheduler),
		lifecycle.WithMonitor(lifecycle.ComponentFunc(c.Monitor.Serve)),
	)
	return c, nil
}

// buildBroker selects the transport from the broker URL scheme. An empty
// URL means the in-process broker, which only makes sense for development
// and tests.
func (c *Container) buildBroker() error {
	if c.Cfg.BrokerURL == "" {
		c.Broker = broker.NewMemory(broker.WithMemoryPollInterval(c.Cfg.PollInterval))
		return nil
	}

	u, err := url.Parse(c.Cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("broker URL: %w", err)
	}

	switch u.Scheme {
	case "redis", "rediss":
		b, err := broker.NewRedis(c.Cfg.BrokerURL, broker.WithRedisPollInterval(c.Cfg.PollInterval))
		if err != nil {
			return fmt.Errorf("redis broker: %w", err)
		}
		c.Broker = b
	case "amqp", "amqps":
		b, err := broker.NewRabbitMQ(c.Cfg.BrokerURL, broker.WithRabbitPollInterval(c.Cfg.PollInterval))
		if err != nil {
			return fmt.Errorf("rabbitmq broker: %w", err)
		}
		c.Broker = b
	case "memory":
		c.Broker = broker.NewMemory(broker.WithMemoryPollInterval(c.Cfg.PollInterval))
	default:
		return fmt.Errorf("unsupported broker scheme %q", u.Scheme)
	}
	return nil
}

// buildStores picks Postgres-backed stores and locks when a database is
// configured, in-memory otherwise. The memory variants lose history on
// restart and elect a leader per process only.
func (c *Container) buildStores(ctx context.Context) error {
	if c.Cfg.DatabaseURL == "" {
		c.Jobs = memory.NewJobRepository()
		c.Schedules = memory.NewScheduleRepository()
		c.Locks = lock.NewMemoryTable().Manager()
		return nil
	}

	db, err := sql.Open("postgres", c.Cfg.DatabaseURL)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	migrateCtx, cancel := context.WithTimeout(ctx, migrateTimeout)
	defer cancel()
	if err := postgres.Migrate(migrateCtx, db); err != nil {
		db.Close()
		return fmt.Errorf("migrate: %w", err)
	}

	c.db = db
	c.Jobs = postgres.NewJobRepository(db)
	c.Schedules = postgres.NewScheduleRepository(db)
	c.Locks = lock.NewPostgresManager(db)
	return nil
}

// Close releases every resource the container owns. Safe after a partial
// failure of New.
func (c *Container) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if c.Jobs != nil {
		keep(c.Jobs.Close())
	}
	if c.Schedules != nil {
		keep(c.Schedules.Close())
	}
	if c.Broker != nil {
		keep(c.Broker.Close())
	}
	if c.db != nil {
		keep(c.db.Close())
	}
	return firstErr
}
