package lock

import (
	"context"
	"database/sql"
	"fmt"
	"hash/fnv"
	"sync"
	"time"
)

// PostgresManager implements Manager on pg advisory locks. Each held key pins
// a dedicated connection; the session is the lease, so the lock releases
// itself when the holder's connection (or process) dies. Renew verifies the
// session is still alive rather than moving a deadline.
type PostgresManager struct {
	db *sql.DB

	mu    sync.Mutex
	conns map[string]*sql.Conn
}

func NewPostgresManager(db *sql.DB) *PostgresManager {
	return &PostgresManager{
		db:    db,
		conns: make(map[string]*sql.Conn),
	}
}

// lockID maps a key to the 64-bit advisory lock space.
func lockID(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

func (m *PostgresManager) Acquire(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	if _, held := m.conns[key]; held {
		m.mu.Unlock()
		return true, nil
	}
	m.mu.Unlock()

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockID(key)).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("try advisory lock %q: %w", key, err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}

	m.mu.Lock()
	m.conns[key] = conn
	m.mu.Unlock()
	return true, nil
}

func (m *PostgresManager) Renew(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	conn, held := m.conns[key]
	m.mu.Unlock()
	if !held {
		return false, nil
	}

	if err := conn.PingContext(ctx); err != nil {
		// Session gone: the server already dropped the advisory lock.
		m.mu.Lock()
		delete(m.conns, key)
		m.mu.Unlock()
		conn.Close()
		return false, nil
	}
	return true, nil
}

func (m *PostgresManager) Release(ctx context.Context, key string) error {
	m.mu.Lock()
	conn, held := m.conns[key]
	delete(m.conns, key)
	m.mu.Unlock()
	if !held {
		return nil
	}

	_, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", lockID(key))
	closeErr := conn.Close()
	if err != nil {
		return fmt.Errorf("release advisory lock %q: %w", key, err)
	}
	return closeErr
}
