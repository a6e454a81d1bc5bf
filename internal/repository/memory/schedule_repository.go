package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"emberq/internal/store"
	"emberq/types"
)

type ScheduleRepository struct {
	mu      sync.Mutex
	entries map[string]*types.ScheduleEntry
}

func NewScheduleRepository() *ScheduleRepository {
	return &ScheduleRepository{
		entries: make(map[string]*types.ScheduleEntry),
	}
}

func (r *ScheduleRepository) Upsert(ctx context.Context, entry *types.ScheduleEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := *entry
	if existing, ok := r.entries[e.Name]; ok {
		// Preserve fire bookkeeping across definition updates.
		e.LastFiredAt = existing.LastFiredAt
		if e.NextRunAt.IsZero() {
			e.NextRunAt = existing.NextRunAt
		}
	}
	if e.NextRunAt.IsZero() {
		e.NextRunAt = time.Now()
	}
	r.entries[e.Name] = &e
	return nil
}

func (r *ScheduleRepository) FetchDue(ctx context.Context, now time.Time, limit int) ([]types.ScheduleEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []types.ScheduleEntry
	for _, e := range r.entries {
		if e.Active && !e.NextRunAt.After(now) {
			due = append(due, *e)
		}
	}
	sort.Slice(due, func(i, k int) bool {
		return due[i].NextRunAt.Before(due[k].NextRunAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *ScheduleRepository) MarkFired(ctx context.Context, name string, firedAt, nextRun time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return store.ErrNotFound
	}
	fired := firedAt
	e.LastFiredAt = &fired
	e.NextRunAt = nextRun
	return nil
}

func (r *ScheduleRepository) FindByName(ctx context.Context, name string) (*types.ScheduleEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return nil, store.ErrNotFound
	}
	copied := *e
	return &copied, nil
}

func (r *ScheduleRepository) List(ctx context.Context) ([]types.ScheduleEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]types.ScheduleEntry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, k int) bool {
		return entries[i].Name < entries[k].Name
	})
	return entries, nil
}

func (r *ScheduleRepository) SetActive(ctx context.Context, name string, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[name]
	if !ok {
		return store.ErrNotFound
	}
	e.Active = active
	return nil
}

func (r *ScheduleRepository) Close() error {
	return nil
}
