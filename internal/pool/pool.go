// Package pool runs the fixed-size set of worker slots that pull jobs from
// the broker and execute registered handlers. Slots are fully independent:
// the broker reservation is the only serialization point, and no job failure
// may crash the pool or affect a sibling slot.
package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"emberq/internal/broker"
	"emberq/internal/store"
	"emberq/types"
	"emberq/types/config"
)

const maxReserveBackoff = 30 * time.Second

type Pool struct {
	broker   broker.Broker
	jobs     store.JobStore
	registry *config.Registry
	cfg      *config.Config
	log      zerolog.Logger

	// forceCtx outlives the run context: it is canceled only at the
	// force-terminate boundary, so a graceful shutdown lets in-flight
	// handlers finish while reservations stop immediately.
	forceCtx    context.Context
	forceCancel context.CancelFunc

	mu     sync.Mutex
	slots  map[int]*slot
	nextID int

	heartbeat atomic.Int64
}

type slot struct {
	id        int
	status    types.SlotStatus
	current   string
	execCount int
	startedAt time.Time
}

func New(b broker.Broker, jobs store.JobStore, registry *config.Registry, cfg *config.Config, log zerolog.Logger) *Pool {
	forceCtx, forceCancel := context.WithCancel(context.Background())
	return &Pool{
		broker:      b,
		jobs:        jobs,
		registry:    registry,
		cfg:         cfg,
		log:         log.With().Str("component", "pool").Logger(),
		forceCtx:    forceCtx,
		forceCancel: forceCancel,
		slots:       make(map[int]*slot),
	}
}

// Run operates the pool until ctx is canceled. Cancellation stops new
// reservations immediately; each slot finishes its current job unless
// ForceStop cuts the drain short. Run returns once every slot has exited.
func (p *Pool) Run(ctx context.Context) error {
	p.log.Info().
		Int("concurrency", p.cfg.WorkerConcurrency).
		Int("max_tasks_per_child", p.cfg.MaxTasksPerChild).
		Strs("queues", p.cfg.Queues).
		Msg("worker pool starting")

	p.beat()

	var wg sync.WaitGroup
	for lane := 0; lane < p.cfg.WorkerConcurrency; lane++ {
		wg.Add(1)
		go func(lane int) {
			defer wg.Done()
			p.runLane(ctx, lane)
		}(lane)
	}
	wg.Wait()

	p.log.Info().Msg("worker pool stopped")
	return ctx.Err()
}

// ForceStop cancels every in-flight execution. Handlers that ignore the
// cancellation are abandoned and their jobs requeued without consuming an
// attempt. Called by the lifecycle controller at the graceful-timeout
// boundary.
func (p *Pool) ForceStop() {
	p.forceCancel()
}

// runLane keeps exactly one live slot on this lane, replacing it after a
// recycle or a crash. Slot ids are never reused.
func (p *Pool) runLane(ctx context.Context, lane int) {
	for ctx.Err() == nil {
		s := p.newSlot()
		reason := p.runSlot(ctx, s)
		p.dropSlot(s.id)
		if reason != reasonShutdown {
			p.log.Info().
				Int("slot", s.id).
				Int("lane", lane).
				Int("executions", s.execCount).
				Str("reason", string(reason)).
				Msg("slot recycled")
		}
	}
}

type recycleReason string

const (
	reasonShutdown recycleReason = "shutdown"
	reasonMaxTasks recycleReason = "max_tasks_per_child"
	reasonTimeout  recycleReason = "job_timeout"
	reasonCrash    recycleReason = "crash"
)

func (p *Pool) runSlot(ctx context.Context, s *slot) (reason recycleReason) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error().Int("slot", s.id).Interface("panic", r).Msg("slot crashed")
			reason = reasonCrash
		}
	}()

	backoff := p.cfg.PollInterval
	for qi := 0; ; qi++ {
		if ctx.Err() != nil {
			return reasonShutdown
		}
		p.beat()

		queue := p.cfg.Queues[qi%len(p.cfg.Queues)]
		job, err := p.broker.Reserve(ctx, queue, p.cfg.VisibilityTimeout)
		if err != nil {
			if next, stop := p.handleReserveErr(ctx, err, &backoff); stop {
				return reasonShutdown
			} else if next {
				continue
			}
			continue
		}
		backoff = p.cfg.PollInterval

		outcome := p.execute(ctx, s, job)
		s.execCount++
		p.beat()

		if ctx.Err() != nil {
			return reasonShutdown
		}
		if outcome == outcomeRecycle {
			return reasonTimeout
		}
		if s.execCount >= p.cfg.MaxTasksPerChild {
			return reasonMaxTasks
		}
	}
}

// handleReserveErr maps reservation failures to backoff-and-continue or
// shutdown. A transient broker failure is "no work available", never a
// crash.
func (p *Pool) handleReserveErr(ctx context.Context, err error, backoff *time.Duration) (next, stop bool) {
	switch {
	case ctx.Err() != nil:
		return false, true
	case isNoJob(err):
		return true, false
	case isUnavailable(err):
		p.log.Warn().Err(err).Dur("backoff", *backoff).Msg("broker unavailable, backing off")
		if !p.sleep(ctx, *backoff) {
			return false, true
		}
		*backoff = min(*backoff*2, maxReserveBackoff)
		return true, false
	default:
		p.log.Error().Err(err).Msg("reserve failed")
		if !p.sleep(ctx, p.cfg.PollInterval) {
			return false, true
		}
		return true, false
	}
}

// sleep waits for d unless ctx ends first; reports whether the full wait
// elapsed.
func (p *Pool) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (p *Pool) newSlot() *slot {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextID++
	s := &slot{id: p.nextID, status: types.SlotIdle, startedAt: time.Now()}
	p.slots[s.id] = s
	return s
}

func (p *Pool) dropSlot(id int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.slots, id)
}

func (p *Pool) setBusy(s *slot, jobID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.status = types.SlotBusy
	s.current = jobID
}

func (p *Pool) setIdle(s *slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.status = types.SlotIdle
	s.current = ""
}

// Slots returns a read-only snapshot for the monitor.
func (p *Pool) Slots() []types.SlotInfo {
	p.mu.Lock()
	defer p.mu.Unlock()

	infos := make([]types.SlotInfo, 0, len(p.slots))
	for _, s := range p.slots {
		infos = append(infos, types.SlotInfo{
			ID:           s.id,
			Status:       s.status,
			CurrentJobID: s.current,
			ExecCount:    s.execCount,
			StartedAt:    s.startedAt,
		})
	}
	return infos
}

func (p *Pool) beat() {
	p.heartbeat.Store(time.Now().UnixNano())
}

// Heartbeat reports the last time any slot control loop made progress. The
// liveness probe compares it against a staleness threshold.
func (p *Pool) Heartbeat() time.Time {
	n := p.heartbeat.Load()
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n)
}
