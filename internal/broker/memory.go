package broker

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"emberq/emberr"
	"emberq/internal/state"
	"emberq/types"
)

const (
	defaultPollInterval = time.Second
	defaultDedupeWindow = 24 * time.Hour
)

type reservation struct {
	job      *types.Job
	queue    string
	deadline time.Time
}

type dedupeEntry struct {
	jobID   string
	expires time.Time
}

// Memory is an in-process Broker with full reservation semantics. It backs
// tests and the memory:// development mode; production deployments use the
// Redis or AMQP transports.
type Memory struct {
	pollInterval time.Duration
	dedupeWindow time.Duration

	mu       sync.Mutex
	queues   map[string][]*types.Job
	reserved map[string]*reservation
	dedupe   map[string]dedupeEntry
	notify   map[string]chan struct{}
	closed   bool
}

type MemoryOption func(*Memory)

func WithMemoryPollInterval(d time.Duration) MemoryOption {
	return func(m *Memory) { m.pollInterval = d }
}

func WithMemoryDedupeWindow(d time.Duration) MemoryOption {
	return func(m *Memory) { m.dedupeWindow = d }
}

func NewMemory(opts ...MemoryOption) *Memory {
	m := &Memory{
		pollInterval: defaultPollInterval,
		dedupeWindow: defaultDedupeWindow,
		queues:       make(map[string][]*types.Job),
		reserved:     make(map[string]*reservation),
		dedupe:       make(map[string]dedupeEntry),
		notify:       make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Memory) Enqueue(ctx context.Context, job *types.Job) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", emberr.ErrUnavailable
	}

	now := time.Now()
	if job.IdempotencyKey != "" {
		if entry, ok := m.dedupe[job.IdempotencyKey]; ok && entry.expires.After(now) {
			return entry.jobID, nil
		}
	}

	j := job.Clone()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = now
	}
	j.Status = state.StatusPending

	if j.IdempotencyKey != "" {
		m.dedupe[j.IdempotencyKey] = dedupeEntry{jobID: j.ID, expires: now.Add(m.dedupeWindow)}
	}
	m.queues[j.Queue] = append(m.queues[j.Queue], j)
	m.wakeLocked(j.Queue)
	return j.ID, nil
}

func (m *Memory) Reserve(ctx context.Context, queue string, visibility time.Duration) (*types.Job, error) {
	timer := time.NewTimer(m.pollInterval)
	defer timer.Stop()

	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return nil, emberr.ErrUnavailable
		}
		now := time.Now()
		m.reapLocked(now)

		if job := m.claimLocked(queue, now, visibility); job != nil {
			m.mu.Unlock()
			return job, nil
		}
		ch := m.notifyChLocked(queue)
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
			return nil, emberr.ErrNoJob
		case <-ch:
		}
	}
}

// claimLocked removes the oldest claimable job from the queue and records
// its reservation. Reservation is the serialization point: no job is ever
// held by two reservers while its deadline is unexpired.
func (m *Memory) claimLocked(queue string, now time.Time, visibility time.Duration) *types.Job {
	jobs := m.queues[queue]
	for i, j := range jobs {
		if j.NotBefore.After(now) {
			continue
		}
		m.queues[queue] = append(jobs[:i:i], jobs[i+1:]...)
		j.Status = state.StatusReserved
		j.ReservedUntil = now.Add(visibility)
		m.reserved[j.ID] = &reservation{job: j, queue: queue, deadline: j.ReservedUntil}
		return j.Clone()
	}
	return nil
}

// reapLocked returns expired reservations to their queue. Expiry does not
// consume an attempt; at-least-once delivery means the job may execute twice.
func (m *Memory) reapLocked(now time.Time) {
	for id, res := range m.reserved {
		if res.deadline.After(now) {
			continue
		}
		delete(m.reserved, id)
		m.requeueLocked(res)
	}
}

func (m *Memory) requeueLocked(res *reservation) {
	res.job.Status = state.StatusPending
	res.job.ReservedUntil = time.Time{}
	m.queues[res.queue] = append([]*types.Job{res.job}, m.queues[res.queue]...)
	m.wakeLocked(res.queue)
}

func (m *Memory) Ack(ctx context.Context, queue, jobID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.reserved, jobID)
	return nil
}

func (m *Memory) Nack(ctx context.Context, queue, jobID string, requeue bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reserved[jobID]
	if !ok {
		return nil
	}
	delete(m.reserved, jobID)
	if !requeue {
		return nil
	}
	res.job.Attempts++
	m.requeueLocked(res)
	return nil
}

func (m *Memory) ExtendVisibility(ctx context.Context, queue, jobID string, extra time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	res, ok := m.reserved[jobID]
	if !ok {
		return nil
	}
	if extra <= 0 {
		delete(m.reserved, jobID)
		m.requeueLocked(res)
		return nil
	}
	res.deadline = res.deadline.Add(extra)
	res.job.ReservedUntil = res.deadline
	return nil
}

func (m *Memory) Depth(ctx context.Context, queue string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return 0, emberr.ErrUnavailable
	}
	return int64(len(m.queues[queue])), nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return emberr.ErrUnavailable
	}
	return nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

func (m *Memory) notifyChLocked(queue string) chan struct{} {
	ch, ok := m.notify[queue]
	if !ok {
		ch = make(chan struct{}, 1)
		m.notify[queue] = ch
	}
	return ch
}

func (m *Memory) wakeLocked(queue string) {
	select {
	case m.notifyChLocked(queue) <- struct{}{}:
	default:
	}
}
