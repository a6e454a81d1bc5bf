// Package store defines the persistence interfaces behind the broker: the
// job status/result sink queried by producers and the monitor, and the
// schedule entries owned by the scheduler.
package store

import (
	"context"
	"errors"
	"time"

	"emberq/internal/state"
	"emberq/types"
)

var (
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a status write is not permitted
	// by the transition table. Terminal states are immutable.
	ErrInvalidTransition = errors.New("invalid status transition")
)

// JobStore records job lifecycle transitions and serves read-only queries.
// The worker pool is the only writer of post-enqueue transitions.
type JobStore interface {
	// Insert records a job in pending status. Producers write it before the
	// broker enqueue so no consumer can outrun the record.
	Insert(ctx context.Context, job *types.Job) error

	// Delete removes a record regardless of status. Used to roll back an
	// Insert whose broker enqueue failed or was deduplicated.
	Delete(ctx context.Context, jobID string) error

	MarkReserved(ctx context.Context, jobID string) error
	MarkRunning(ctx context.Context, jobID string) error
	MarkSucceeded(ctx context.Context, jobID string) error

	// MarkFailed records one failed execution with its attempt count and
	// error detail. The caller then either requeues or dead-letters.
	MarkFailed(ctx context.Context, jobID string, attempts int, errMsg string) error

	// MarkDead moves the job to its terminal dead state, retaining the last
	// error so the failure is queryable.
	MarkDead(ctx context.Context, jobID string, attempts int, errMsg string) error

	// MarkRequeued returns a job to pending (retry requeue, forced shutdown
	// requeue, or visibility expiry).
	MarkRequeued(ctx context.Context, jobID string) error

	FindByID(ctx context.Context, jobID string) (*types.Job, error)

	ListByStatus(ctx context.Context, status state.JobStatus, page, pageSize int) (*types.PaginationResult[types.Job], error)

	CountByStatus(ctx context.Context) (map[state.JobStatus]int, error)

	// PruneHistory deletes terminal jobs older than the cutoff and reports
	// how many were removed.
	PruneHistory(ctx context.Context, olderThan time.Time) (int64, error)

	Close() error
}
