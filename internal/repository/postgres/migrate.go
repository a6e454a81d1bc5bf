// Package postgres implements the store interfaces on PostgreSQL. All state
// transitions are guarded in SQL by the transition table, so a stale writer
// can never resurrect a terminal job.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// migrationLockID serializes schema setup across concurrently booting
// instances via an advisory lock.
const migrationLockID = 874501

const schemaSQL = `
CREATE SCHEMA IF NOT EXISTS emberq;

CREATE TABLE IF NOT EXISTS emberq.jobs (
    id              TEXT PRIMARY KEY,
    queue           TEXT        NOT NULL,
    handler         TEXT        NOT NULL,
    payload         JSONB,
    idempotency_key TEXT,
    status          TEXT        NOT NULL,
    attempts        INT         NOT NULL DEFAULT 0,
    max_attempts    INT         NOT NULL,
    last_error      TEXT        NOT NULL DEFAULT '',
    enqueued_at     TIMESTAMPTZ NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS jobs_status_idx ON emberq.jobs (status, enqueued_at);

CREATE TABLE IF NOT EXISTS emberq.schedules (
    name          TEXT PRIMARY KEY,
    spec          TEXT        NOT NULL,
    queue         TEXT        NOT NULL,
    handler       TEXT        NOT NULL,
    payload       JSONB,
    max_attempts  INT         NOT NULL,
    last_fired_at TIMESTAMPTZ,
    next_run_at   TIMESTAMPTZ NOT NULL,
    active        BOOLEAN     NOT NULL DEFAULT TRUE,
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Migrate creates the emberq schema if it does not exist yet, serialized
// across instances by an advisory lock.
func Migrate(ctx context.Context, db *sql.DB) error {
	conn, err := db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquire migration lock: %w", err)
	}
	defer conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID)

	if _, err := conn.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
