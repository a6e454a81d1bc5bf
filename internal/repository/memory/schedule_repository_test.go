package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emberq/internal/store"
	"emberq/types"
)

func TestScheduleRepository_UpsertPreservesFireBookkeeping(t *testing.T) {
	repo := NewScheduleRepository()
	ctx := context.Background()

	require.NoError(t, repo.Upsert(ctx, &types.ScheduleEntry{
		Name: "reports", Spec: "@every 1h", Handler: "reports.build", Active: true,
	}))

	entry, err := repo.FindByName(ctx, "reports")
	require.NoError(t, err)
	assert.False(t, entry.NextRunAt.IsZero(), "a new entry must become due")

	fired := time.Now()
	next := fired.Add(time.Hour)
	require.NoError(t, repo.MarkFired(ctx, "reports", fired, next))

	// A definition update must not reset the fire bookkeeping.
	require.NoError(t, repo.Upsert(ctx, &types.ScheduleEntry{
		Name: "reports", Spec: "@every 30m", Handler: "reports.build", Active: true,
	}))

	entry, err = repo.FindByName(ctx, "reports")
	require.NoError(t, err)
	assert.Equal(t, "@every 30m", entry.Spec)
	require.NotNil(t, entry.LastFiredAt)
	assert.WithinDuration(t, fired, *entry.LastFiredAt, time.Second)
	assert.WithinDuration(t, next, entry.NextRunAt, time.Second)
}

func TestScheduleRepository_FetchDueFiltersAndOrders(t *testing.T) {
	repo := NewScheduleRepository()
	ctx := context.Background()
	now := time.Now()

	entries := []*types.ScheduleEntry{
		{Name: "due-late", Spec: "@every 1h", Handler: "x", NextRunAt: now.Add(-time.Minute), Active: true},
		{Name: "due-early", Spec: "@every 1h", Handler: "x", NextRunAt: now.Add(-time.Hour), Active: true},
		{Name: "future", Spec: "@every 1h", Handler: "x", NextRunAt: now.Add(time.Hour), Active: true},
		{Name: "inactive", Spec: "@every 1h", Handler: "x", NextRunAt: now.Add(-time.Hour), Active: false},
	}
	for _, e := range entries {
		require.NoError(t, repo.Upsert(ctx, e))
	}

	due, err := repo.FetchDue(ctx, now, 10)
	require.NoError(t, err)
	require.Len(t, due, 2)
	assert.Equal(t, "due-early", due[0].Name, "oldest due entry first")
	assert.Equal(t, "due-late", due[1].Name)

	limited, err := repo.FetchDue(ctx, now, 1)
	require.NoError(t, err)
	require.Len(t, limited, 1)
	assert.Equal(t, "due-early", limited[0].Name)
}

func TestScheduleRepository_SetActiveAndMissing(t *testing.T) {
	repo := NewScheduleRepository()
	ctx := context.Background()

	require.ErrorIs(t, repo.SetActive(ctx, "ghost", false), store.ErrNotFound)
	require.ErrorIs(t, repo.MarkFired(ctx, "ghost", time.Now(), time.Now()), store.ErrNotFound)
	_, err := repo.FindByName(ctx, "ghost")
	require.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, repo.Upsert(ctx, &types.ScheduleEntry{
		Name: "reports", Spec: "@every 1h", Handler: "x", Active: true,
	}))
	require.NoError(t, repo.SetActive(ctx, "reports", false))

	due, err := repo.FetchDue(ctx, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Empty(t, due)
}
