// Package memory provides in-process implementations of the store
// interfaces, used by tests and the memory:// development mode.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"emberq/internal/state"
	"emberq/internal/store"
	"emberq/types"
)

type JobRepository struct {
	mu   sync.Mutex
	jobs map[string]*types.Job
}

func NewJobRepository() *JobRepository {
	return &JobRepository{
		jobs: make(map[string]*types.Job),
	}
}

func (r *JobRepository) Insert(ctx context.Context, job *types.Job) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j := job.Clone()
	j.Status = state.StatusPending
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = time.Now()
	}
	r.jobs[j.ID] = j
	return nil
}

func (r *JobRepository) Delete(ctx context.Context, jobID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.jobs[jobID]; !ok {
		return store.ErrNotFound
	}
	delete(r.jobs, jobID)
	return nil
}

func (r *JobRepository) transition(jobID string, to state.JobStatus, mutate func(*types.Job)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return store.ErrNotFound
	}
	if !state.IsValidTransition(j.Status, to) {
		return store.ErrInvalidTransition
	}
	j.Status = to
	if mutate != nil {
		mutate(j)
	}
	return nil
}

func (r *JobRepository) MarkReserved(ctx context.Context, jobID string) error {
	return r.transition(jobID, state.StatusReserved, nil)
}

func (r *JobRepository) MarkRunning(ctx context.Context, jobID string) error {
	return r.transition(jobID, state.StatusRunning, nil)
}

func (r *JobRepository) MarkSucceeded(ctx context.Context, jobID string) error {
	return r.transition(jobID, state.StatusSucceeded, func(j *types.Job) {
		j.LastError = ""
	})
}

func (r *JobRepository) MarkFailed(ctx context.Context, jobID string, attempts int, errMsg string) error {
	return r.transition(jobID, state.StatusFailed, func(j *types.Job) {
		j.Attempts = attempts
		j.LastError = errMsg
	})
}

func (r *JobRepository) MarkDead(ctx context.Context, jobID string, attempts int, errMsg string) error {
	return r.transition(jobID, state.StatusDead, func(j *types.Job) {
		j.Attempts = attempts
		j.LastError = errMsg
	})
}

func (r *JobRepository) MarkRequeued(ctx context.Context, jobID string) error {
	return r.transition(jobID, state.StatusPending, nil)
}

func (r *JobRepository) FindByID(ctx context.Context, jobID string) (*types.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[jobID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j.Clone(), nil
}

func (r *JobRepository) ListByStatus(ctx context.Context, status state.JobStatus, page, pageSize int) (*types.PaginationResult[types.Job], error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}

	var matched []*types.Job
	for _, j := range r.jobs {
		if j.Status == status {
			matched = append(matched, j)
		}
	}
	sort.Slice(matched, func(i, k int) bool {
		return matched[i].EnqueuedAt.Before(matched[k].EnqueuedAt)
	})

	total := len(matched)
	start := (page - 1) * pageSize
	if start > total {
		start = total
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	items := make([]types.Job, 0, end-start)
	for _, j := range matched[start:end] {
		items = append(items, *j.Clone())
	}
	return types.NewPaginationResult(items, total, page, pageSize), nil
}

func (r *JobRepository) CountByStatus(ctx context.Context) (map[state.JobStatus]int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	counts := make(map[state.JobStatus]int)
	for _, j := range r.jobs {
		counts[j.Status]++
	}
	return counts, nil
}

func (r *JobRepository) PruneHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var pruned int64
	for id, j := range r.jobs {
		if j.Status.Terminal() && j.EnqueuedAt.Before(olderThan) {
			delete(r.jobs, id)
			pruned++
		}
	}
	return pruned, nil
}

func (r *JobRepository) Close() error {
	return nil
}
