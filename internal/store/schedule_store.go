package store

import (
	"context"
	"time"

	"emberq/types"
)

// ScheduleStore persists recurring job definitions. The scheduler is the
// exclusive writer; MarkFired must be durable before the corresponding
// enqueue happens, so a crash between the two costs at most one firing.
type ScheduleStore interface {
	// Upsert inserts a schedule entry or updates its spec, target and
	// payload if the name already exists. Fire bookkeeping is preserved on
	// update.
	Upsert(ctx context.Context, entry *types.ScheduleEntry) error

	// FetchDue returns active entries with NextRunAt <= now.
	FetchDue(ctx context.Context, now time.Time, limit int) ([]types.ScheduleEntry, error)

	// MarkFired persists last_fired_at and the next fire time for one entry.
	MarkFired(ctx context.Context, name string, firedAt, nextRun time.Time) error

	FindByName(ctx context.Context, name string) (*types.ScheduleEntry, error)

	List(ctx context.Context) ([]types.ScheduleEntry, error)

	SetActive(ctx context.Context, name string, active bool) error

	Close() error
}
