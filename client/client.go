// Package client is the producer façade: enqueue jobs, query their status,
// page through dead letters. It owns no execution; the worker pool does.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"emberq/emberr"
	"emberq/internal/broker"
	"emberq/internal/state"
	"emberq/internal/store"
	"emberq/types"
	"emberq/types/config"
)

const (
	enqueueRetries        = 5
	initialEnqueueBackoff = 100 * time.Millisecond
)

type Client struct {
	broker broker.Broker
	jobs   store.JobStore
	cfg    *config.Config
	log    zerolog.Logger
}

func New(b broker.Broker, jobs store.JobStore, cfg *config.Config, log zerolog.Logger) *Client {
	return &Client{
		broker: b,
		jobs:   jobs,
		cfg:    cfg,
		log:    log.With().Str("component", "client").Logger(),
	}
}

type EnqueueOption func(*types.Job)

// WithMaxAttempts overrides the configured default attempt budget.
func WithMaxAttempts(n int) EnqueueOption {
	return func(j *types.Job) { j.MaxAttempts = n }
}

// WithIdempotencyKey makes the enqueue at-most-once per key within the
// broker's dedupe window; a duplicate returns the original job id.
func WithIdempotencyKey(key string) EnqueueOption {
	return func(j *types.Job) { j.IdempotencyKey = key }
}

// WithDelay keeps the job invisible to workers until the delay elapses.
func WithDelay(d time.Duration) EnqueueOption {
	return func(j *types.Job) { j.NotBefore = time.Now().Add(d) }
}

// WithJobID supplies the job id instead of generating one.
func WithJobID(id string) EnqueueOption {
	return func(j *types.Job) { j.ID = id }
}

// Enqueue submits one job and returns its id. payload may be any
// JSON-marshalable value; a json.RawMessage passes through untouched.
// Transient broker failures are retried with exponential backoff before the
// error reaches the caller.
func (c *Client) Enqueue(ctx context.Context, queue, handler string, payload any, opts ...EnqueueOption) (string, error) {
	if handler == "" {
		return "", errors.New("handler is required")
	}
	if queue == "" {
		queue = config.DefaultQueue
	}

	raw, err := marshalPayload(payload)
	if err != nil {
		return "", fmt.Errorf("payload: %w", err)
	}

	job := &types.Job{
		ID:          uuid.NewString(),
		Queue:       queue,
		Handler:     handler,
		Payload:     raw,
		EnqueuedAt:  time.Now(),
		MaxAttempts: config.DefaultMaxAttempts,
	}
	for _, opt := range opts {
		opt(job)
	}
	if job.MaxAttempts < 1 {
		return "", errors.New("max attempts must be positive")
	}

	// The pending record goes in before the broker enqueue: a worker that
	// claims the job immediately must find a row its status transitions can
	// land on.
	recorded := true
	if err := c.jobs.Insert(ctx, job); err != nil {
		recorded = false
		c.log.Warn().Err(err).Str("job_id", job.ID).Msg("status record insert failed")
	}

	id, err := c.enqueueWithRetry(ctx, job)
	if err != nil {
		if recorded {
			c.discardRecord(job.ID)
		}
		return "", err
	}
	if id != job.ID && recorded {
		// Deduplicated by the idempotency key; the original enqueue owns the
		// record.
		c.discardRecord(job.ID)
	}

	c.log.Debug().Str("job_id", id).Str("queue", queue).Str("handler", handler).Msg("job enqueued")
	return id, nil
}

// discardRecord rolls back a pending record whose enqueue never happened.
func (c *Client) discardRecord(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.jobs.Delete(ctx, jobID); err != nil && !errors.Is(err, store.ErrNotFound) {
		c.log.Warn().Err(err).Str("job_id", jobID).Msg("status record rollback failed")
	}
}

func (c *Client) enqueueWithRetry(ctx context.Context, job *types.Job) (string, error) {
	backoff := initialEnqueueBackoff
	var lastErr error
	for attempt := 0; attempt < enqueueRetries; attempt++ {
		id, err := c.broker.Enqueue(ctx, job)
		if err == nil {
			return id, nil
		}
		if !errors.Is(err, emberr.ErrUnavailable) {
			return "", err
		}
		lastErr = err

		c.log.Warn().Err(err).Dur("backoff", backoff).Msg("enqueue failed, retrying")
		timer := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", ctx.Err()
		case <-timer.C:
		}
		backoff *= 2
	}
	return "", lastErr
}

// JobStatus returns the current status record for one job.
func (c *Client) JobStatus(ctx context.Context, jobID string) (*types.Job, error) {
	return c.jobs.FindByID(ctx, jobID)
}

// DeadJobs pages through dead-lettered jobs for inspection and manual
// replay.
func (c *Client) DeadJobs(ctx context.Context, page, pageSize int) (*types.PaginationResult[types.Job], error) {
	return c.jobs.ListByStatus(ctx, state.StatusDead, page, pageSize)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(p) > 0 && !json.Valid(p) {
			return nil, errors.New("raw payload is not valid JSON")
		}
		return p, nil
	case []byte:
		if len(p) > 0 && !json.Valid(p) {
			return nil, errors.New("raw payload is not valid JSON")
		}
		return json.RawMessage(p), nil
	default:
		return json.Marshal(payload)
	}
}
