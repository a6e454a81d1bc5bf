// Package scheduler fires recurring jobs from persisted schedule entries.
// Every instance runs a scheduler, but only the leader (elected through a
// lease lock) fires; the rest observe and take over when the lease lapses.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"

	"emberq/internal/broker"
	"emberq/internal/lock"
	"emberq/internal/store"
	"emberq/types"
	"emberq/types/config"
)

const (
	// leaderKey is shared by every instance of a deployment; the lock
	// backend scopes it to the database or table the instances share.
	leaderKey = "emberq:scheduler:leader"

	leaseTTL      = 15 * time.Second
	fetchLimit    = 100
	pruneInterval = time.Hour

	// maxConcurrentFirings bounds in-flight enqueues when many entries come
	// due in the same tick (deploys after downtime).
	maxConcurrentFirings = 4
)

// specParser accepts the standard 5-field cron syntax plus @every and the
// @hourly family of descriptors.
var specParser = cron.NewParser(
	cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// ParseSpec validates a schedule spec and returns its cron schedule.
func ParseSpec(spec string) (cron.Schedule, error) {
	return specParser.Parse(spec)
}

type Scheduler struct {
	schedules store.ScheduleStore
	jobs      store.JobStore
	broker    broker.Broker
	locks     lock.Manager
	cfg       *config.Config
	log       zerolog.Logger

	now func() time.Time
	sem *semaphore.Weighted

	mu        sync.Mutex
	leader    bool
	lastPrune time.Time
}

func New(schedules store.ScheduleStore, jobs store.JobStore, b broker.Broker, locks lock.Manager, cfg *config.Config, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		schedules: schedules,
		jobs:      jobs,
		broker:    b,
		locks:     locks,
		cfg:       cfg,
		log:       log.With().Str("component", "scheduler").Logger(),
		now:       time.Now,
		sem:       semaphore.NewWeighted(maxConcurrentFirings),
	}
}

// Register validates and persists a schedule entry. A new entry becomes due
// immediately; updating an existing entry keeps its fire bookkeeping.
func (s *Scheduler) Register(ctx context.Context, entry *types.ScheduleEntry) error {
	if _, err := ParseSpec(entry.Spec); err != nil {
		return err
	}
	if entry.Queue == "" {
		entry.Queue = config.DefaultQueue
	}
	if entry.MaxAttempts <= 0 {
		entry.MaxAttempts = config.DefaultMaxAttempts
	}
	entry.Active = true
	return s.schedules.Upsert(ctx, entry)
}

// Run ticks at the poll interval until ctx is canceled: contend for the
// lease, then fire due entries while holding it.
func (s *Scheduler) Run(ctx context.Context) error {
	s.log.Info().Msg("scheduler starting")

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		s.tick(ctx)

		select {
		case <-ctx.Done():
			s.stepDown()
			s.log.Info().Msg("scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Leader reports whether this instance currently holds the firing lease.
func (s *Scheduler) Leader() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.leader
}

func (s *Scheduler) tick(ctx context.Context) {
	if !s.ensureLeader(ctx) {
		return
	}
	s.fireDue(ctx)
	s.pruneHistory(ctx)
}

// ensureLeader acquires or renews the lease. Losing the lease mid-flight
// demotes the instance to observer until the next successful acquire.
func (s *Scheduler) ensureLeader(ctx context.Context) bool {
	s.mu.Lock()
	wasLeader := s.leader
	s.mu.Unlock()

	var (
		held bool
		err  error
	)
	if wasLeader {
		held, err = s.locks.Renew(ctx, leaderKey, leaseTTL)
	} else {
		held, err = s.locks.Acquire(ctx, leaderKey, leaseTTL)
	}
	if err != nil {
		s.log.Warn().Err(err).Msg("lease operation failed")
		held = false
	}

	s.mu.Lock()
	s.leader = held
	s.mu.Unlock()

	if held && !wasLeader {
		s.log.Info().Msg("became scheduler leader")
	}
	if !held && wasLeader {
		s.log.Warn().Msg("lost scheduler lease")
	}
	return held
}

func (s *Scheduler) stepDown() {
	s.mu.Lock()
	wasLeader := s.leader
	s.leader = false
	s.mu.Unlock()

	if !wasLeader {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.locks.Release(ctx, leaderKey); err != nil {
		s.log.Warn().Err(err).Msg("lease release failed")
	}
}

func (s *Scheduler) fireDue(ctx context.Context) {
	now := s.now()
	entries, err := s.schedules.FetchDue(ctx, now, fetchLimit)
	if err != nil {
		s.log.Error().Err(err).Msg("fetch due schedules failed")
		return
	}
	for i := range entries {
		entry := entries[i]
		if err := s.sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func() {
			defer s.sem.Release(1)
			s.fire(ctx, &entry, now)
		}()
	}

	// Barrier: the tick completes only once every firing has landed.
	if err := s.sem.Acquire(ctx, maxConcurrentFirings); err != nil {
		return
	}
	s.sem.Release(maxConcurrentFirings)
}

// fire enqueues one firing of one entry. The bookkeeping write lands before
// the enqueue, so a crash in between costs at most this one firing; the
// idempotent fire key stops a replay from enqueueing twice.
func (s *Scheduler) fire(ctx context.Context, entry *types.ScheduleEntry, now time.Time) {
	log := s.log.With().Str("schedule", entry.Name).Logger()

	sched, err := ParseSpec(entry.Spec)
	if err != nil {
		// An unparseable stored spec would re-fire every tick; park it.
		log.Error().Err(err).Str("spec", entry.Spec).Msg("invalid schedule spec, deactivating")
		if derr := s.schedules.SetActive(ctx, entry.Name, false); derr != nil {
			log.Error().Err(derr).Msg("deactivate failed")
		}
		return
	}

	// Catch-up policy: no matter how far behind NextRunAt is, fire once and
	// compute the next run from now. Missed windows are not backfilled.
	scheduled := entry.NextRunAt
	next := sched.Next(now)

	if err := s.schedules.MarkFired(ctx, entry.Name, now, next); err != nil {
		log.Error().Err(err).Msg("mark fired failed, skipping firing")
		return
	}

	job := &types.Job{
		ID:             uuid.NewString(),
		Queue:          entry.Queue,
		Handler:        entry.Handler,
		Payload:        entry.Payload,
		IdempotencyKey: entry.FireKey(scheduled),
		EnqueuedAt:     now,
		MaxAttempts:    entry.MaxAttempts,
	}
	// Record before enqueue, same as the producer client: a worker claiming
	// the firing immediately needs the row in place.
	recorded := true
	if err := s.jobs.Insert(ctx, job); err != nil {
		recorded = false
		log.Warn().Err(err).Msg("status record insert failed")
	}

	id, err := s.broker.Enqueue(ctx, job)
	if err != nil {
		log.Error().Err(err).Msg("enqueue failed, firing lost")
		if recorded {
			s.discardRecord(job.ID)
		}
		return
	}
	if id != job.ID {
		// Deduped: an earlier run of this firing already reached the broker.
		log.Debug().Str("job_id", id).Msg("firing already enqueued")
		if recorded {
			s.discardRecord(job.ID)
		}
		return
	}
	log.Info().Str("job_id", id).Time("scheduled", scheduled).Time("next", next).Msg("schedule fired")
}

func (s *Scheduler) discardRecord(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.jobs.Delete(ctx, jobID); err != nil && !errors.Is(err, store.ErrNotFound) {
		s.log.Warn().Err(err).Str("job_id", jobID).Msg("status record rollback failed")
	}
}

// pruneHistory removes terminal jobs older than the history window. Done by
// the leader so one instance per deployment pays the cost.
func (s *Scheduler) pruneHistory(ctx context.Context) {
	now := s.now()
	s.mu.Lock()
	due := now.Sub(s.lastPrune) >= pruneInterval
	if due {
		s.lastPrune = now
	}
	s.mu.Unlock()
	if !due {
		return
	}

	pruned, err := s.jobs.PruneHistory(ctx, now.Add(-s.cfg.HistoryWindow))
	if err != nil {
		s.log.Error().Err(err).Msg("history prune failed")
		return
	}
	if pruned > 0 {
		s.log.Info().Int64("pruned", pruned).Msg("job history pruned")
	}
}
