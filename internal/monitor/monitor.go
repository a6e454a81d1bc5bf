// Package monitor exposes read-only introspection over HTTP: queue depths,
// slot states, job status queries and the health probes the deployment's
// orchestrator points at. It never writes; all mutation happens in the pool
// and the scheduler.
package monitor

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"emberq/internal/broker"
	"emberq/internal/state"
	"emberq/internal/store"
	"emberq/types"
	"emberq/types/config"
)

// SlotSource is the pool-side view the monitor needs.
type SlotSource interface {
	Slots() []types.SlotInfo
	Heartbeat() time.Time
}

// LeaderSource reports scheduler leadership for the status payload.
type LeaderSource interface {
	Leader() bool
}

type Monitor struct {
	broker    broker.Broker
	jobs      store.JobStore
	schedules store.ScheduleStore
	slots     SlotSource
	leader    LeaderSource
	cfg       *config.Config
	log       zerolog.Logger
}

func New(b broker.Broker, jobs store.JobStore, schedules store.ScheduleStore, slots SlotSource, leader LeaderSource, cfg *config.Config, log zerolog.Logger) *Monitor {
	return &Monitor{
		broker:    b,
		jobs:      jobs,
		schedules: schedules,
		slots:     slots,
		leader:    leader,
		cfg:       cfg,
		log:       log.With().Str("component", "monitor").Logger(),
	}
}

// QueueStats reports the depth of every configured queue.
func (m *Monitor) QueueStats(ctx context.Context) ([]types.QueueStat, error) {
	stats := make([]types.QueueStat, 0, len(m.cfg.Queues))
	for _, q := range m.cfg.Queues {
		depth, err := m.broker.Depth(ctx, q)
		if err != nil {
			return nil, err
		}
		stats = append(stats, types.QueueStat{Name: q, Depth: depth})
	}
	return stats, nil
}

// WorkerStatus is the /workers payload.
type WorkerStatus struct {
	Instance        string           `json:"instance"`
	SchedulerLeader bool             `json:"scheduler_leader"`
	Heartbeat       time.Time        `json:"heartbeat"`
	Slots           []types.SlotInfo `json:"slots"`
}

func (m *Monitor) WorkerStatus() WorkerStatus {
	return WorkerStatus{
		Instance:        m.cfg.Instance,
		SchedulerLeader: m.leader != nil && m.leader.Leader(),
		Heartbeat:       m.slots.Heartbeat(),
		Slots:           m.slots.Slots(),
	}
}

// JobsByState pages through jobs in one status, newest window first.
func (m *Monitor) JobsByState(ctx context.Context, st state.JobStatus, page, pageSize int) (*types.PaginationResult[types.Job], error) {
	return m.jobs.ListByStatus(ctx, st, page, pageSize)
}

func (m *Monitor) JobCounts(ctx context.Context) (map[state.JobStatus]int, error) {
	return m.jobs.CountByStatus(ctx)
}

func (m *Monitor) Schedules(ctx context.Context) ([]types.ScheduleEntry, error) {
	return m.schedules.List(ctx)
}

// Ready reports whether the broker is reachable. Not-ready instances are
// pulled from rotation but keep running.
func (m *Monitor) Ready(ctx context.Context) error {
	return m.broker.Ping(ctx)
}

// Alive reports whether the pool control loops have made progress recently.
// The threshold tolerates one full job execution plus polling slack, so a
// busy slot is not mistaken for a wedged one.
func (m *Monitor) Alive() bool {
	hb := m.slots.Heartbeat()
	if hb.IsZero() {
		return false
	}
	threshold := m.cfg.JobTimeout + 2*m.cfg.PollInterval
	return time.Since(hb) < threshold
}
