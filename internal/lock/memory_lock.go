package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryTable holds in-process leases. Each participant takes its own
// Manager handle so lease ownership is distinguishable, which lets tests
// exercise leader contention inside one process.
type MemoryTable struct {
	mu     sync.Mutex
	leases map[string]*memLease
}

type memLease struct {
	owner   string
	expires time.Time
}

func NewMemoryTable() *MemoryTable {
	return &MemoryTable{
		leases: make(map[string]*memLease),
	}
}

func (t *MemoryTable) Manager() Manager {
	return &memoryManager{table: t, owner: uuid.NewString()}
}

type memoryManager struct {
	table *MemoryTable
	owner string
}

func (m *memoryManager) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	t := m.table
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	lease, ok := t.leases[key]
	if ok && lease.owner != m.owner && lease.expires.After(now) {
		return false, nil
	}
	t.leases[key] = &memLease{owner: m.owner, expires: now.Add(ttl)}
	return true, nil
}

func (m *memoryManager) Renew(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	t := m.table
	t.mu.Lock()
	defer t.mu.Unlock()

	lease, ok := t.leases[key]
	if !ok || lease.owner != m.owner || !lease.expires.After(time.Now()) {
		return false, nil
	}
	lease.expires = time.Now().Add(ttl)
	return true, nil
}

func (m *memoryManager) Release(ctx context.Context, key string) error {
	t := m.table
	t.mu.Lock()
	defer t.mu.Unlock()

	if lease, ok := t.leases[key]; ok && lease.owner == m.owner {
		delete(t.leases, key)
	}
	return nil
}
