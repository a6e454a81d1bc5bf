package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"emberq/internal/state"
	"emberq/internal/store"
	"emberq/types"
)

type JobRepository struct {
	db *sql.DB
}

func NewJobRepository(db *sql.DB) *JobRepository {
	return &JobRepository{db: db}
}

func (r *JobRepository) Insert(ctx context.Context, job *types.Job) error {
	query := `
		INSERT INTO emberq.jobs (
			id,
			queue,
			handler,
			payload,
			idempotency_key,
			status,
			attempts,
			max_attempts,
			enqueued_at
		)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`
	enqueuedAt := job.EnqueuedAt
	if enqueuedAt.IsZero() {
		enqueuedAt = time.Now()
	}
	_, err := r.db.ExecContext(ctx, query,
		job.ID,
		job.Queue,
		job.Handler,
		nullableJSON(job.Payload),
		job.IdempotencyKey,
		state.StatusPending.String(),
		job.Attempts,
		job.MaxAttempts,
		enqueuedAt,
	)
	if err != nil {
		return fmt.Errorf("insert job %s: %w", job.ID, err)
	}
	return nil
}

func (r *JobRepository) Delete(ctx context.Context, jobID string) error {
	result, err := r.db.ExecContext(ctx, "DELETE FROM emberq.jobs WHERE id = $1", jobID)
	if err != nil {
		return fmt.Errorf("delete job %s: %w", jobID, err)
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

// transition updates a job's status only when the transition table permits
// it. The WHERE clause is the guard; zero rows means either the job is
// missing or the write would be invalid.
func (r *JobRepository) transition(ctx context.Context, jobID string, to state.JobStatus, set string, args ...any) error {
	sources := make([]string, 0, 4)
	for _, s := range state.ValidSources(to) {
		sources = append(sources, s.String())
	}

	query := fmt.Sprintf(`
		UPDATE emberq.jobs
		SET status = $1, updated_at = now()%s
		WHERE id = $2 AND status = ANY($3)
	`, set)

	full := append([]any{to.String(), jobID, pq.Array(sources)}, args...)
	result, err := r.db.ExecContext(ctx, query, full...)
	if err != nil {
		return fmt.Errorf("mark job %s %s: %w", jobID, to, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		var exists bool
		if err := r.db.QueryRowContext(ctx,
			"SELECT EXISTS (SELECT 1 FROM emberq.jobs WHERE id = $1)", jobID,
		).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return store.ErrNotFound
		}
		return store.ErrInvalidTransition
	}
	return nil
}

func (r *JobRepository) MarkReserved(ctx context.Context, jobID string) error {
	return r.transition(ctx, jobID, state.StatusReserved, "")
}

func (r *JobRepository) MarkRunning(ctx context.Context, jobID string) error {
	return r.transition(ctx, jobID, state.StatusRunning, "")
}

func (r *JobRepository) MarkSucceeded(ctx context.Context, jobID string) error {
	return r.transition(ctx, jobID, state.StatusSucceeded, ", last_error = ''")
}

func (r *JobRepository) MarkFailed(ctx context.Context, jobID string, attempts int, errMsg string) error {
	return r.transition(ctx, jobID, state.StatusFailed, ", attempts = $4, last_error = $5", attempts, errMsg)
}

func (r *JobRepository) MarkDead(ctx context.Context, jobID string, attempts int, errMsg string) error {
	return r.transition(ctx, jobID, state.StatusDead, ", attempts = $4, last_error = $5", attempts, errMsg)
}

func (r *JobRepository) MarkRequeued(ctx context.Context, jobID string) error {
	return r.transition(ctx, jobID, state.StatusPending, "")
}

const jobColumns = `
	id,
	queue,
	handler,
	COALESCE(payload, 'null'::jsonb),
	COALESCE(idempotency_key, ''),
	status,
	attempts,
	max_attempts,
	last_error,
	enqueued_at
`

func scanJob(row interface{ Scan(...any) error }) (*types.Job, error) {
	var job types.Job
	var payload []byte
	var status string
	err := row.Scan(
		&job.ID,
		&job.Queue,
		&job.Handler,
		&payload,
		&job.IdempotencyKey,
		&status,
		&job.Attempts,
		&job.MaxAttempts,
		&job.LastError,
		&job.EnqueuedAt,
	)
	if err != nil {
		return nil, err
	}
	if string(payload) != "null" {
		job.Payload = payload
	}
	job.Status = state.JobStatus(status)
	return &job, nil
}

func (r *JobRepository) FindByID(ctx context.Context, jobID string) (*types.Job, error) {
	query := fmt.Sprintf("SELECT %s FROM emberq.jobs WHERE id = $1", jobColumns)
	job, err := scanJob(r.db.QueryRowContext(ctx, query, jobID))
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find job %s: %w", jobID, err)
	}
	return job, nil
}

func (r *JobRepository) ListByStatus(ctx context.Context, status state.JobStatus, page, pageSize int) (*types.PaginationResult[types.Job], error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 10
	}

	var total int
	if err := r.db.QueryRowContext(ctx,
		"SELECT count(*) FROM emberq.jobs WHERE status = $1", status.String(),
	).Scan(&total); err != nil {
		return nil, fmt.Errorf("count jobs: %w", err)
	}

	query := fmt.Sprintf(`
		SELECT %s FROM emberq.jobs
		WHERE status = $1
		ORDER BY enqueued_at
		LIMIT $2 OFFSET $3
	`, jobColumns)
	rows, err := r.db.QueryContext(ctx, query, status.String(), pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var items []types.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		items = append(items, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return types.NewPaginationResult(items, total, page, pageSize), nil
}

func (r *JobRepository) CountByStatus(ctx context.Context) (map[state.JobStatus]int, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT status, count(*) FROM emberq.jobs GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count jobs by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[state.JobStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[state.JobStatus(status)] = count
	}
	return counts, rows.Err()
}

func (r *JobRepository) PruneHistory(ctx context.Context, olderThan time.Time) (int64, error) {
	terminal := []string{state.StatusSucceeded.String(), state.StatusDead.String()}
	result, err := r.db.ExecContext(ctx, `
		DELETE FROM emberq.jobs
		WHERE status = ANY($1) AND enqueued_at < $2
	`, pq.Array(terminal), olderThan)
	if err != nil {
		return 0, fmt.Errorf("prune history: %w", err)
	}
	return result.RowsAffected()
}

func (r *JobRepository) Close() error {
	return r.db.Close()
}

func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
