package broker

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"emberq/emberr"
	"emberq/types"
)

// These tests need a live Redis; set EMBERQ_TEST_REDIS_URL to run them.
func newTestRedis(t *testing.T) (*Redis, *goredis.Client) {
	t.Helper()

	url := os.Getenv("EMBERQ_TEST_REDIS_URL")
	if url == "" {
		t.Skip("EMBERQ_TEST_REDIS_URL not set")
	}

	prefix := "emberq-test-" + uuid.NewString()
	b, err := NewRedis(url,
		WithRedisKeyPrefix(prefix),
		WithRedisPollInterval(50*time.Millisecond),
	)
	require.NoError(t, err)
	t.Cleanup(func() { b.Close() })

	opts, err := goredis.ParseURL(url)
	require.NoError(t, err)
	raw := goredis.NewClient(opts)
	t.Cleanup(func() {
		ctx := context.Background()
		keys, _ := raw.Keys(ctx, prefix+"*").Result()
		if len(keys) > 0 {
			raw.Del(ctx, keys...)
		}
		raw.Close()
	})
	return b, raw
}

func TestRedis_ReserveAckRoundTrip(t *testing.T) {
	b, _ := newTestRedis(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, &types.Job{Queue: "default", Handler: "x", MaxAttempts: 3})
	require.NoError(t, err)

	job, err := b.Reserve(ctx, "default", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, id, job.ID)

	require.NoError(t, b.Ack(ctx, "default", id))

	_, err = b.Reserve(ctx, "default", time.Minute)
	assert.ErrorIs(t, err, emberr.ErrNoJob)
}

// A claimer that dies between the BLMOVE into processing and its deadline
// ZADD must not lose the job: the next reserver backfills a deadline and the
// reaper redelivers once it expires.
func TestRedis_OrphanedClaimIsRedelivered(t *testing.T) {
	b, raw := newTestRedis(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, &types.Job{Queue: "default", Handler: "x", MaxAttempts: 3})
	require.NoError(t, err)

	// Simulate the crash window: the id sits in processing with no ZSET entry.
	moved, err := raw.LMove(ctx, b.pendingKey("default"), b.processingKey("default"), "LEFT", "RIGHT").Result()
	require.NoError(t, err)
	require.Equal(t, id, moved)

	// The first reserve backfills the deadline but cannot claim yet.
	_, err = b.Reserve(ctx, "default", 200*time.Millisecond)
	require.ErrorIs(t, err, emberr.ErrNoJob)
	score, err := raw.ZScore(ctx, b.deadlinesKey("default"), id).Result()
	require.NoError(t, err, "orphaned claim must get a deadline")
	require.Greater(t, score, float64(0))

	require.Eventually(t, func() bool {
		job, rerr := b.Reserve(ctx, "default", time.Minute)
		return rerr == nil && job.ID == id
	}, 5*time.Second, 100*time.Millisecond, "orphaned claim was never redelivered")
}

// The requeue must be one atomic MULTI/EXEC: at no point is the id absent
// from both pending and processing.
func TestRedis_NackRequeueKeepsJobClaimable(t *testing.T) {
	b, raw := newTestRedis(t)
	ctx := context.Background()

	id, err := b.Enqueue(ctx, &types.Job{Queue: "default", Handler: "x", MaxAttempts: 3})
	require.NoError(t, err)

	job, err := b.Reserve(ctx, "default", time.Minute)
	require.NoError(t, err)
	require.Equal(t, 0, job.Attempts)

	require.NoError(t, b.Nack(ctx, "default", id, true))

	pending, err := raw.LLen(ctx, b.pendingKey("default")).Result()
	require.NoError(t, err)
	assert.EqualValues(t, 1, pending)
	processing, err := raw.LLen(ctx, b.processingKey("default")).Result()
	require.NoError(t, err)
	assert.Zero(t, processing)

	again, err := b.Reserve(ctx, "default", time.Minute)
	require.NoError(t, err)
	assert.Equal(t, id, again.ID)
	assert.Equal(t, 1, again.Attempts, "requeue must carry the incremented attempt count")
}
