package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"emberq/internal/store"
	"emberq/types"
)

type ScheduleRepository struct {
	db *sql.DB
}

func NewScheduleRepository(db *sql.DB) *ScheduleRepository {
	return &ScheduleRepository{db: db}
}

func (r *ScheduleRepository) Upsert(ctx context.Context, entry *types.ScheduleEntry) error {
	nextRun := entry.NextRunAt
	if nextRun.IsZero() {
		nextRun = time.Now()
	}
	query := `
		INSERT INTO emberq.schedules (
			name, spec, queue, handler, payload, max_attempts, next_run_at, active
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (name) DO UPDATE SET
			spec         = EXCLUDED.spec,
			queue        = EXCLUDED.queue,
			handler      = EXCLUDED.handler,
			payload      = EXCLUDED.payload,
			max_attempts = EXCLUDED.max_attempts,
			active       = EXCLUDED.active,
			updated_at   = now()
	`
	_, err := r.db.ExecContext(ctx, query,
		entry.Name,
		entry.Spec,
		entry.Queue,
		entry.Handler,
		nullableJSON(entry.Payload),
		entry.MaxAttempts,
		nextRun,
		entry.Active,
	)
	if err != nil {
		return fmt.Errorf("upsert schedule %s: %w", entry.Name, err)
	}
	return nil
}

const scheduleColumns = `
	name,
	spec,
	queue,
	handler,
	COALESCE(payload, 'null'::jsonb),
	max_attempts,
	last_fired_at,
	next_run_at,
	active
`

func scanSchedule(row interface{ Scan(...any) error }) (*types.ScheduleEntry, error) {
	var e types.ScheduleEntry
	var payload []byte
	var lastFired sql.NullTime
	err := row.Scan(
		&e.Name,
		&e.Spec,
		&e.Queue,
		&e.Handler,
		&payload,
		&e.MaxAttempts,
		&lastFired,
		&e.NextRunAt,
		&e.Active,
	)
	if err != nil {
		return nil, err
	}
	if string(payload) != "null" {
		e.Payload = payload
	}
	if lastFired.Valid {
		t := lastFired.Time
		e.LastFiredAt = &t
	}
	return &e, nil
}

func (r *ScheduleRepository) FetchDue(ctx context.Context, now time.Time, limit int) ([]types.ScheduleEntry, error) {
	if limit < 1 {
		limit = 100
	}
	query := fmt.Sprintf(`
		SELECT %s FROM emberq.schedules
		WHERE active AND next_run_at <= $1
		ORDER BY next_run_at
		LIMIT $2
	`, scheduleColumns)
	rows, err := r.db.QueryContext(ctx, query, now, limit)
	if err != nil {
		return nil, fmt.Errorf("fetch due schedules: %w", err)
	}
	defer rows.Close()

	var due []types.ScheduleEntry
	for rows.Next() {
		e, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		due = append(due, *e)
	}
	return due, rows.Err()
}

func (r *ScheduleRepository) MarkFired(ctx context.Context, name string, firedAt, nextRun time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE emberq.schedules
		SET last_fired_at = $2, next_run_at = $3, updated_at = now()
		WHERE name = $1
	`, name, firedAt, nextRun)
	if err != nil {
		return fmt.Errorf("mark schedule %s fired: %w", name, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *ScheduleRepository) FindByName(ctx context.Context, name string) (*types.ScheduleEntry, error) {
	query := fmt.Sprintf("SELECT %s FROM emberq.schedules WHERE name = $1", scheduleColumns)
	e, err := scanSchedule(r.db.QueryRowContext(ctx, query, name))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find schedule %s: %w", name, err)
	}
	return e, nil
}

func (r *ScheduleRepository) List(ctx context.Context) ([]types.ScheduleEntry, error) {
	query := fmt.Sprintf("SELECT %s FROM emberq.schedules ORDER BY name", scheduleColumns)
	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var entries []types.ScheduleEntry
	for rows.Next() {
		e, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		entries = append(entries, *e)
	}
	return entries, rows.Err()
}

func (r *ScheduleRepository) SetActive(ctx context.Context, name string, active bool) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE emberq.schedules SET active = $2, updated_at = now() WHERE name = $1
	`, name, active)
	if err != nil {
		return fmt.Errorf("set schedule %s active=%v: %w", name, active, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (r *ScheduleRepository) Close() error {
	return r.db.Close()
}
