package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"emberq/emberr"
	"emberq/internal/state"
	"emberq/types"
)

const defaultJobTTL = 7 * 24 * time.Hour

// Redis is the default transport. Claiming moves a job id from the pending
// list into a per-queue processing list (atomic via BLMOVE); reservation
// deadlines live in a sorted set and expired ones are lazily swept back to
// pending on each Reserve. Idempotent enqueue keys are SETNX entries with a
// bounded window.
type Redis struct {
	rdb          *redis.Client
	prefix       string
	pollInterval time.Duration
	dedupeWindow time.Duration
	jobTTL       time.Duration
}

type RedisOption func(*Redis)

func WithRedisPollInterval(d time.Duration) RedisOption {
	return func(r *Redis) { r.pollInterval = d }
}

func WithRedisDedupeWindow(d time.Duration) RedisOption {
	return func(r *Redis) { r.dedupeWindow = d }
}

func WithRedisKeyPrefix(prefix string) RedisOption {
	return func(r *Redis) { r.prefix = prefix }
}

func NewRedis(url string, opts ...RedisOption) (*Redis, error) {
	redisOpts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	r := &Redis{
		rdb:          redis.NewClient(redisOpts),
		prefix:       "emberq",
		pollInterval: defaultPollInterval,
		dedupeWindow: defaultDedupeWindow,
		jobTTL:       defaultJobTTL,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Redis) pendingKey(queue string) string {
	return fmt.Sprintf("%s:q:%s", r.prefix, queue)
}

func (r *Redis) processingKey(queue string) string {
	return fmt.Sprintf("%s:q:%s:processing", r.prefix, queue)
}

func (r *Redis) deadlinesKey(queue string) string {
	return fmt.Sprintf("%s:q:%s:deadlines", r.prefix, queue)
}

func (r *Redis) delayedKey(queue string) string {
	return fmt.Sprintf("%s:q:%s:delayed", r.prefix, queue)
}

func (r *Redis) jobKey(id string) string {
	return fmt.Sprintf("%s:job:%s", r.prefix, id)
}

func (r *Redis) dedupeKey(key string) string {
	return fmt.Sprintf("%s:dedupe:%s", r.prefix, key)
}

func (r *Redis) Enqueue(ctx context.Context, job *types.Job) (string, error) {
	j := job.Clone()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.EnqueuedAt.IsZero() {
		j.EnqueuedAt = time.Now()
	}
	j.Status = state.StatusPending

	if j.IdempotencyKey != "" {
		set, err := r.rdb.SetNX(ctx, r.dedupeKey(j.IdempotencyKey), j.ID, r.dedupeWindow).Result()
		if err != nil {
			return "", emberr.Unavailable(err)
		}
		if !set {
			existing, err := r.rdb.Get(ctx, r.dedupeKey(j.IdempotencyKey)).Result()
			if err != nil && !errors.Is(err, redis.Nil) {
				return "", emberr.Unavailable(err)
			}
			if existing != "" {
				return existing, nil
			}
		}
	}

	raw, err := json.Marshal(j)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}
	if err := r.rdb.Set(ctx, r.jobKey(j.ID), raw, r.jobTTL).Err(); err != nil {
		return "", emberr.Unavailable(err)
	}

	if j.NotBefore.After(time.Now()) {
		err = r.rdb.ZAdd(ctx, r.delayedKey(j.Queue), redis.Z{
			Score:  float64(j.NotBefore.Unix()),
			Member: j.ID,
		}).Err()
	} else {
		err = r.rdb.RPush(ctx, r.pendingKey(j.Queue), j.ID).Err()
	}
	if err != nil {
		return "", emberr.Unavailable(err)
	}
	return j.ID, nil
}

func (r *Redis) Reserve(ctx context.Context, queue string, visibility time.Duration) (*types.Job, error) {
	now := time.Now()
	if err := r.promoteDelayed(ctx, queue, now); err != nil {
		return nil, err
	}
	if err := r.registerOrphans(ctx, queue, now, visibility); err != nil {
		return nil, err
	}
	if err := r.reapExpired(ctx, queue, now); err != nil {
		return nil, err
	}

	id, err := r.rdb.BLMove(ctx, r.pendingKey(queue), r.processingKey(queue), "LEFT", "RIGHT", r.pollInterval).Result()
	if errors.Is(err, redis.Nil) {
		return nil, emberr.ErrNoJob
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, emberr.Unavailable(err)
	}

	reservedUntil := time.Now().Add(visibility)
	if err := r.rdb.ZAdd(ctx, r.deadlinesKey(queue), redis.Z{
		Score:  float64(reservedUntil.Unix()),
		Member: id,
	}).Err(); err != nil {
		return nil, emberr.Unavailable(err)
	}

	raw, err := r.rdb.Get(ctx, r.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Body expired out from under the id; drop the orphan.
		r.rdb.LRem(ctx, r.processingKey(queue), 1, id)
		r.rdb.ZRem(ctx, r.deadlinesKey(queue), id)
		return nil, emberr.ErrNoJob
	}
	if err != nil {
		return nil, emberr.Unavailable(err)
	}

	var job types.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return nil, fmt.Errorf("unmarshal job %s: %w", id, err)
	}
	job.Status = state.StatusReserved
	job.ReservedUntil = reservedUntil
	return &job, nil
}

// promoteDelayed moves due delayed jobs onto the pending list.
func (r *Redis) promoteDelayed(ctx context.Context, queue string, now time.Time) error {
	ids, err := r.rdb.ZRangeByScore(ctx, r.delayedKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return emberr.Unavailable(err)
	}
	for _, id := range ids {
		removed, err := r.rdb.ZRem(ctx, r.delayedKey(queue), id).Result()
		if err != nil {
			return emberr.Unavailable(err)
		}
		// ZREM won the race against a concurrent promoter only when it
		// actually removed the member.
		if removed > 0 {
			if err := r.rdb.RPush(ctx, r.pendingKey(queue), id).Err(); err != nil {
				return emberr.Unavailable(err)
			}
		}
	}
	return nil
}

// registerOrphans backfills a deadline for processing-list entries that have
// none. A claimer that dies between the BLMOVE and its deadline ZADD leaves
// the id stranded in processing where the reaper, which scans only the ZSET,
// would never see it. NX keeps a live claimer's own deadline authoritative:
// if its ZADD lands first this write is a no-op, and if it lands second it
// overwrites the backfill.
func (r *Redis) registerOrphans(ctx context.Context, queue string, now time.Time, visibility time.Duration) error {
	ids, err := r.rdb.LRange(ctx, r.processingKey(queue), 0, -1).Result()
	if err != nil {
		return emberr.Unavailable(err)
	}
	deadline := float64(now.Add(visibility).Unix())
	for _, id := range ids {
		if err := r.rdb.ZAddNX(ctx, r.deadlinesKey(queue), redis.Z{
			Score:  deadline,
			Member: id,
		}).Err(); err != nil {
			return emberr.Unavailable(err)
		}
	}
	return nil
}

// reapExpired returns jobs with an expired reservation deadline to pending.
// Expiry does not consume an attempt. A concurrent reaper on another worker
// can at worst redeliver a job twice, which at-least-once delivery permits.
func (r *Redis) reapExpired(ctx context.Context, queue string, now time.Time) error {
	ids, err := r.rdb.ZRangeByScore(ctx, r.deadlinesKey(queue), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.Unix(), 10),
	}).Result()
	if err != nil {
		return emberr.Unavailable(err)
	}
	for _, id := range ids {
		removed, err := r.rdb.ZRem(ctx, r.deadlinesKey(queue), id).Result()
		if err != nil {
			return emberr.Unavailable(err)
		}
		if removed > 0 {
			pipe := r.rdb.TxPipeline()
			pipe.LRem(ctx, r.processingKey(queue), 1, id)
			pipe.LPush(ctx, r.pendingKey(queue), id)
			if _, err := pipe.Exec(ctx); err != nil {
				return emberr.Unavailable(err)
			}
		}
	}
	return nil
}

func (r *Redis) Ack(ctx context.Context, queue, jobID string) error {
	pipe := r.rdb.TxPipeline()
	pipe.ZRem(ctx, r.deadlinesKey(queue), jobID)
	pipe.LRem(ctx, r.processingKey(queue), 1, jobID)
	pipe.Del(ctx, r.jobKey(jobID))
	if _, err := pipe.Exec(ctx); err != nil {
		return emberr.Unavailable(err)
	}
	return nil
}

func (r *Redis) Nack(ctx context.Context, queue, jobID string, requeue bool) error {
	if !requeue {
		pipe := r.rdb.TxPipeline()
		pipe.ZRem(ctx, r.deadlinesKey(queue), jobID)
		pipe.LRem(ctx, r.processingKey(queue), 1, jobID)
		pipe.Del(ctx, r.jobKey(jobID))
		if _, err := pipe.Exec(ctx); err != nil {
			return emberr.Unavailable(err)
		}
		return nil
	}

	// Read the body while the reservation still holds, then move everything
	// in one MULTI/EXEC: a crash before the pipeline leaves the job reserved
	// (the reaper redelivers it), never removed-but-not-repushed.
	raw, err := r.rdb.Get(ctx, r.jobKey(jobID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return emberr.Unavailable(err)
	}
	var job types.Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return fmt.Errorf("unmarshal job %s: %w", jobID, err)
	}
	job.Attempts++
	job.Status = state.StatusPending
	job.ReservedUntil = time.Time{}
	updated, err := json.Marshal(&job)
	if err != nil {
		return fmt.Errorf("marshal job %s: %w", jobID, err)
	}

	pipe := r.rdb.TxPipeline()
	pipe.Set(ctx, r.jobKey(jobID), updated, r.jobTTL)
	pipe.LPush(ctx, r.pendingKey(queue), jobID)
	pipe.LRem(ctx, r.processingKey(queue), 1, jobID)
	pipe.ZRem(ctx, r.deadlinesKey(queue), jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return emberr.Unavailable(err)
	}
	return nil
}

func (r *Redis) ExtendVisibility(ctx context.Context, queue, jobID string, extra time.Duration) error {
	score, err := r.rdb.ZScore(ctx, r.deadlinesKey(queue), jobID).Result()
	if errors.Is(err, redis.Nil) {
		return nil
	}
	if err != nil {
		return emberr.Unavailable(err)
	}

	if extra <= 0 {
		pipe := r.rdb.TxPipeline()
		pipe.ZRem(ctx, r.deadlinesKey(queue), jobID)
		pipe.LRem(ctx, r.processingKey(queue), 1, jobID)
		pipe.LPush(ctx, r.pendingKey(queue), jobID)
		if _, err := pipe.Exec(ctx); err != nil {
			return emberr.Unavailable(err)
		}
		return nil
	}

	if err := r.rdb.ZAdd(ctx, r.deadlinesKey(queue), redis.Z{
		Score:  score + extra.Seconds(),
		Member: jobID,
	}).Err(); err != nil {
		return emberr.Unavailable(err)
	}
	return nil
}

func (r *Redis) Depth(ctx context.Context, queue string) (int64, error) {
	n, err := r.rdb.LLen(ctx, r.pendingKey(queue)).Result()
	if err != nil {
		return 0, emberr.Unavailable(err)
	}
	return n, nil
}

func (r *Redis) Ping(ctx context.Context) error {
	if err := r.rdb.Ping(ctx).Err(); err != nil {
		return emberr.Unavailable(err)
	}
	return nil
}

func (r *Redis) Close() error {
	return r.rdb.Close()
}
