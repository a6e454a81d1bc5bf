package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"emberq/emberr"
	"emberq/internal/state"
	"emberq/types"
)

// RabbitMQ adapts the Broker contract onto AMQP. A reservation is an unacked
// delivery on the channel: the server redelivers it if the channel or
// connection closes, so there is no per-message visibility deadline and
// ExtendVisibility is a no-op. NotBefore is best-effort: messages are
// published immediately.
type RabbitMQ struct {
	conn         *amqp.Connection
	pollInterval time.Duration
	dedupeWindow time.Duration

	mu         sync.Mutex
	channel    *amqp.Channel
	deliveries map[string]amqp.Delivery
	declared   map[string]bool
	dedupe     map[string]dedupeEntry
}

type RabbitOption func(*RabbitMQ)

func WithRabbitPollInterval(d time.Duration) RabbitOption {
	return func(r *RabbitMQ) { r.pollInterval = d }
}

func WithRabbitDedupeWindow(d time.Duration) RabbitOption {
	return func(r *RabbitMQ) { r.dedupeWindow = d }
}

func NewRabbitMQ(url string, opts ...RabbitOption) (*RabbitMQ, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, emberr.Unavailable(err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, emberr.Unavailable(err)
	}

	r := &RabbitMQ{
		conn:         conn,
		channel:      ch,
		pollInterval: defaultPollInterval,
		dedupeWindow: defaultDedupeWindow,
		deliveries:   make(map[string]amqp.Delivery),
		declared:     make(map[string]bool),
		dedupe:       make(map[string]dedupeEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// ensureQueueLocked declares the durable queue once per process.
func (r *RabbitMQ) ensureQueueLocked(queue string) error {
	if r.declared[queue] {
		return nil
	}
	if _, err := r.channel.QueueDeclare(
		queue,
		true,
		false,
		false,
		false,
		nil,
	); err != nil {
		return emberr.Unavailable(err)
	}
	r.declared[queue] = true
	return nil
}

func (r *RabbitMQ) Enqueue(ctx context.Context, job *types.Job) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureQueueLocked(job.Queue); err != nil {
		return "", err
	}

	j := job.Clone()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = time.Now()
	}
	j.Status = state.StatusPending

	// AMQP has no server-side dedupe; the key window is process-local.
	if j.IdempotencyKey != "" {
		now := time.Now()
		if entry, ok := r.dedupe[j.IdempotencyKey]; ok && entry.expires.After(now) {
			return entry.jobID, nil
		}
		r.dedupe[j.IdempotencyKey] = dedupeEntry{jobID: j.ID, expires: now.Add(r.dedupeWindow)}
	}

	body, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	if err := r.channel.PublishWithContext(ctx,
		"",
		j.Queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    j.ID,
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	); err != nil {
		return "", emberr.Unavailable(err)
	}
	return j.ID, nil
}

func (r *RabbitMQ) Reserve(ctx context.Context, queue string, visibility time.Duration) (*types.Job, error) {
	deadline := time.Now().Add(r.pollInterval)
	for {
		job, err := r.get(queue, visibility)
		if err != nil || job != nil {
			return job, err
		}
		if time.Now().After(deadline) {
			return nil, emberr.ErrNoJob
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func (r *RabbitMQ) get(queue string, visibility time.Duration) (*types.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensureQueueLocked(queue); err != nil {
		return nil, err
	}
	d, ok, err := r.channel.Get(queue, false)
	if err != nil {
		return nil, emberr.Unavailable(err)
	}
	if !ok {
		return nil, nil
	}

	var job types.Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		// Undecodable envelope: reject without requeue, nothing can run it.
		_ = d.Nack(false, false)
		return nil, &emberr.PoisonError{JobID: d.MessageId, Reason: err.Error()}
	}
	job.Status = state.StatusReserved
	job.ReservedUntil = time.Now().Add(visibility)
	r.deliveries[job.ID] = d
	return &job, nil
}

func (r *RabbitMQ) Ack(ctx context.Context, queue, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deliveries[jobID]
	if !ok {
		return nil
	}
	delete(r.deliveries, jobID)
	if err := d.Ack(false); err != nil {
		return emberr.Unavailable(err)
	}
	return nil
}

func (r *RabbitMQ) Nack(ctx context.Context, queue, jobID string, requeue bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	d, ok := r.deliveries[jobID]
	if !ok {
		return nil
	}
	delete(r.deliveries, jobID)

	if !requeue {
		if err := d.Ack(false); err != nil {
			return emberr.Unavailable(err)
		}
		return nil
	}

	// Requeue with the incremented attempt count: republish the updated
	// envelope, then ack the original delivery.
	var job types.Job
	if err := json.Unmarshal(d.Body, &job); err != nil {
		_ = d.Nack(false, true)
		return fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	job.Attempts++
	job.Status = state.StatusPending
	job.ReservedUntil = time.Time{}
	body, err := json.Marshal(&job)
	if err != nil {
		_ = d.Nack(false, true)
		return fmt.Errorf("marshal job %s: %w", jobID, err)
	}
	if err := r.channel.PublishWithContext(ctx,
		"",
		queue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			MessageId:    job.ID,
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	); err != nil {
		_ = d.Nack(false, true)
		return emberr.Unavailable(err)
	}
	if err := d.Ack(false); err != nil {
		return emberr.Unavailable(err)
	}
	return nil
}

func (r *RabbitMQ) ExtendVisibility(ctx context.Context, queue, jobID string, extra time.Duration) error {
	// The server holds unacked deliveries until the channel closes; there is
	// no deadline to move. A zero extension (forced requeue) is served by
	// Close, which redelivers every outstanding reservation.
	return nil
}

func (r *RabbitMQ) Depth(ctx context.Context, queue string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	q, err := r.channel.QueueDeclarePassive(queue, true, false, false, false, nil)
	if err != nil {
		return 0, emberr.Unavailable(err)
	}
	return int64(q.Messages), nil
}

func (r *RabbitMQ) Ping(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.conn.IsClosed() {
		return emberr.ErrUnavailable
	}
	return nil
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.channel.Close(); err != nil {
		_ = r.conn.Close()
		return err
	}
	return r.conn.Close()
}
