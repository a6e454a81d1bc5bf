// Package lock provides the lease-based distributed lock behind scheduler
// leader election. Exactly one holder per key at a time; non-holders observe
// only. Leases must be renewed, so a crashed leader's lock expires instead of
// wedging the cluster through a redeploy with overlapping instances.
package lock

import (
	"context"
	"time"
)

type Manager interface {
	// Acquire tries to take the lease without blocking. Returns false when
	// another holder owns an unexpired lease.
	Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Renew extends a held lease. Returns false when the lease was lost
	// (expired or taken over); the caller must stop acting as leader.
	Renew(ctx context.Context, key string, ttl time.Duration) (bool, error)

	// Release gives the lease up. Releasing a lease that is not held is a
	// no-op.
	Release(ctx context.Context, key string) error
}
