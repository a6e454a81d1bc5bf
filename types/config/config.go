package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"emberq/emberr"
)

// Defaults applied by New. Every value can be overridden by a config file,
// the process environment, or a functional option, in that order.
const (
	DefaultWorkerConcurrency       = 4
	DefaultMaxTasksPerChild        = 100
	DefaultMaxAttempts             = 3
	DefaultJobTimeout              = 5 * time.Minute
	DefaultVisibilityTimeout       = 30 * time.Minute
	DefaultGracefulShutdownTimeout = 30 * time.Second
	DefaultPollInterval            = time.Second
	DefaultMonitorAddr             = ":8484"
	DefaultHistoryWindow           = 7 * 24 * time.Hour
	DefaultQueue                   = "default"
	EnvPrefix                      = "EMBERQ_"
)

type Config struct {
	Instance string `yaml:"instance"` // unique identifier for this process

	BrokerURL   string `yaml:"broker_url"`   // redis://, amqp:// or memory://
	DatabaseURL string `yaml:"database_url"` // Postgres status sink; empty selects the in-memory stores

	Queues []string `yaml:"queues"` // consumed in round-robin order

	WorkerConcurrency int           `yaml:"worker_concurrency"`  // number of slots
	MaxTasksPerChild  int           `yaml:"max_tasks_per_child"` // slot recycle threshold
	JobTimeout        time.Duration `yaml:"job_timeout"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`

	GracefulShutdownTimeout time.Duration `yaml:"graceful_shutdown_timeout"`
	PollInterval            time.Duration `yaml:"poll_interval"`

	MonitorAddr   string        `yaml:"monitor_addr"`
	LogLevel      string        `yaml:"log_level"`
	HistoryWindow time.Duration `yaml:"history_window"` // terminal jobs older than this are prunable
}

type Option func(*Config) error

// New creates a Config with defaults and applies options. Validation problems
// are collected into a single ValidationError so startup reports them all.
func New(instance string, opts ...Option) (*Config, error) {
	cfg := defaults(instance)

	verr := &emberr.ValidationError{}
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			verr.Add(err)
		}
	}
	if err := cfg.validate(); err != nil {
		verr.Add(err)
	}
	if verr.HasError() {
		return nil, verr
	}
	return cfg, nil
}

// Load builds a Config from defaults, then an optional YAML file, then the
// EMBERQ_* environment, then functional options. Later layers win.
func Load(instance, path string, opts ...Option) (*Config, error) {
	cfg := defaults(instance)

	verr := &emberr.ValidationError{}
	if path != "" {
		if err := cfg.applyFile(path); err != nil {
			verr.Add(err)
		}
	}
	cfg.applyEnv(verr)
	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			verr.Add(err)
		}
	}
	if err := cfg.validate(); err != nil {
		verr.Add(err)
	}
	if verr.HasError() {
		return nil, verr
	}
	return cfg, nil
}

func defaults(instance string) *Config {
	return &Config{
		Instance:                instance,
		Queues:                  []string{DefaultQueue},
		WorkerConcurrency:       DefaultWorkerConcurrency,
		MaxTasksPerChild:        DefaultMaxTasksPerChild,
		JobTimeout:              DefaultJobTimeout,
		VisibilityTimeout:       DefaultVisibilityTimeout,
		GracefulShutdownTimeout: DefaultGracefulShutdownTimeout,
		PollInterval:            DefaultPollInterval,
		MonitorAddr:             DefaultMonitorAddr,
		LogLevel:                "info",
		HistoryWindow:           DefaultHistoryWindow,
	}
}

func (c *Config) applyFile(path string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config file: %w", err)
	}
	if err := yaml.Unmarshal(raw, c); err != nil {
		return fmt.Errorf("config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(verr *emberr.ValidationError) {
	if v := os.Getenv(EnvPrefix + "BROKER_URL"); v != "" {
		c.BrokerURL = v
	}
	if v := os.Getenv(EnvPrefix + "DATABASE_URL"); v != "" {
		c.DatabaseURL = v
	}
	if v := os.Getenv(EnvPrefix + "QUEUES"); v != "" {
		var queues []string
		for _, q := range strings.Split(v, ",") {
			if q = strings.TrimSpace(q); q != "" {
				queues = append(queues, q)
			}
		}
		c.Queues = queues
	}
	if v := os.Getenv(EnvPrefix + "MONITOR_ADDR"); v != "" {
		c.MonitorAddr = v
	}
	if v := os.Getenv(EnvPrefix + "LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	envInt(verr, "WORKER_CONCURRENCY", &c.WorkerConcurrency)
	envInt(verr, "MAX_TASKS_PER_CHILD", &c.MaxTasksPerChild)
	envDuration(verr, "JOB_TIMEOUT", &c.JobTimeout)
	envDuration(verr, "VISIBILITY_TIMEOUT", &c.VisibilityTimeout)
	envDuration(verr, "GRACEFUL_SHUTDOWN_TIMEOUT", &c.GracefulShutdownTimeout)
	envDuration(verr, "POLL_INTERVAL", &c.PollInterval)
	envDuration(verr, "HISTORY_WINDOW", &c.HistoryWindow)
}

func envInt(verr *emberr.ValidationError, key string, dst *int) {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		verr.Add(fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return
	}
	*dst = n
}

func envDuration(verr *emberr.ValidationError, key string, dst *time.Duration) {
	v := os.Getenv(EnvPrefix + key)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		verr.Add(fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
		return
	}
	*dst = d
}

func (c *Config) validate() error {
	verr := &emberr.ValidationError{}
	if c.Instance == "" {
		verr.Add(errors.New("instance name is required"))
	}
	if c.WorkerConcurrency < 1 {
		verr.Add(errors.New("worker concurrency must be positive"))
	}
	if c.MaxTasksPerChild < 1 {
		verr.Add(errors.New("max tasks per child must be positive"))
	}
	if c.JobTimeout <= 0 {
		verr.Add(errors.New("job timeout must be positive"))
	}
	if c.PollInterval <= 0 {
		verr.Add(errors.New("poll interval must be positive"))
	}
	if c.VisibilityTimeout <= c.JobTimeout {
		verr.Add(errors.New("visibility timeout must exceed job timeout"))
	}
	if len(c.Queues) == 0 {
		verr.Add(errors.New("at least one queue is required"))
	}
	if verr.HasError() {
		return verr
	}
	return nil
}

func WithBrokerURL(url string) Option {
	return func(c *Config) error {
		if url == "" {
			return errors.New("broker URL is required")
		}
		c.BrokerURL = url
		return nil
	}
}

func WithDatabaseURL(url string) Option {
	return func(c *Config) error {
		c.DatabaseURL = url
		return nil
	}
}

func WithQueues(queues ...string) Option {
	return func(c *Config) error {
		if len(queues) == 0 {
			return errors.New("at least one queue is required")
		}
		c.Queues = queues
		return nil
	}
}

func WithWorkerConcurrency(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return errors.New("worker concurrency must be positive")
		}
		c.WorkerConcurrency = n
		return nil
	}
}

func WithMaxTasksPerChild(n int) Option {
	return func(c *Config) error {
		if n < 1 {
			return errors.New("max tasks per child must be positive")
		}
		c.MaxTasksPerChild = n
		return nil
	}
}

func WithJobTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return errors.New("job timeout must be positive")
		}
		c.JobTimeout = d
		return nil
	}
}

func WithVisibilityTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return errors.New("visibility timeout must be positive")
		}
		c.VisibilityTimeout = d
		return nil
	}
}

func WithGracefulShutdownTimeout(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return errors.New("graceful shutdown timeout must be positive")
		}
		c.GracefulShutdownTimeout = d
		return nil
	}
}

func WithPollInterval(d time.Duration) Option {
	return func(c *Config) error {
		if d <= 0 {
			return errors.New("poll interval must be positive")
		}
		c.PollInterval = d
		return nil
	}
}

func WithMonitorAddr(addr string) Option {
	return func(c *Config) error {
		c.MonitorAddr = addr
		return nil
	}
}
