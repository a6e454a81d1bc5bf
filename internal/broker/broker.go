// Package broker defines the durable mailbox jobs travel through, with
// reservation-based at-least-once delivery: a reserved job is invisible to
// other reservers until it is acked, nacked, or its visibility timeout
// expires.
package broker

import (
	"context"
	"time"

	"emberq/types"
)

type Broker interface {
	// Enqueue publishes a job and returns its id. When the job carries an
	// idempotency key, a repeat enqueue within the dedupe window is a no-op
	// returning the original id.
	Enqueue(ctx context.Context, job *types.Job) (string, error)

	// Reserve claims the oldest available job on the queue, hiding it from
	// other reservers for the visibility duration. Blocks up to the
	// transport's poll interval; returns emberr.ErrNoJob when the queue is
	// empty and emberr.ErrUnavailable on transport failure.
	Reserve(ctx context.Context, queue string, visibility time.Duration) (*types.Job, error)

	// Ack removes a reserved job from the transport. Idempotent: acking
	// twice or acking an expired reservation is a no-op.
	Ack(ctx context.Context, queue, jobID string) error

	// Nack ends a reservation. With requeue the envelope's attempt count is
	// incremented and the job becomes claimable again; without, the job is
	// discarded from the transport (its terminal state lives in the store).
	Nack(ctx context.Context, queue, jobID string, requeue bool) error

	// ExtendVisibility pushes a reservation deadline out by extra. Extending
	// an expired or unknown reservation is a no-op. An extra of zero expires
	// the reservation immediately, requeueing without consuming an attempt.
	ExtendVisibility(ctx context.Context, queue, jobID string, extra time.Duration) error

	// Depth reports the number of claimable jobs on the queue.
	Depth(ctx context.Context, queue string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
