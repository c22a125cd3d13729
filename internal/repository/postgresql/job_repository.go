package postgresql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"media-pipeline-service/internal/entity"
)

var ErrNotFound = errors.New("not found")

func NewPool(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return pool, nil
}

type JobRepository struct {
	pool *pgxpool.Pool
}

func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

const jobColumns = `id, status, result, created_at, updated_at`

func scanJob(row pgx.Row) (*entity.Job, error) {
	var (
		job         entity.Job
		statusText  string
		resultBytes []byte
	)
	if err := row.Scan(&job.ID, &statusText, &resultBytes, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	job.Status = entity.JobStatus(statusText)
	job.Result = map[string]any{}
	if len(resultBytes) > 0 {
		if err := json.Unmarshal(resultBytes, &job.Result); err != nil {
			return nil, fmt.Errorf("decode result for job %s: %w", job.ID, err)
		}
	}
	return &job, nil
}

// Create inserts a pending job with an empty result map.
func (r *JobRepository) Create(ctx context.Context) (*entity.Job, error) {
	const q = `
INSERT INTO jobs (status, result)
VALUES ('pending', '{}')
RETURNING ` + jobColumns + `;
`
	return scanJob(r.pool.QueryRow(ctx, q))
}

func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*entity.Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1;`
	return scanJob(r.pool.QueryRow(ctx, q, id))
}

// List returns every job, oldest first. Administrative listing only;
// status polling should go through GetByID.
func (r *JobRepository) List(ctx context.Context) ([]*entity.Job, error) {
	const q = `SELECT ` + jobColumns + ` FROM jobs ORDER BY created_at;`

	rows, err := r.pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*entity.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// Update applies an optional status change and merges patch into the
// result map in one statement. The status change only takes effect
// while the row is still pending, so a terminal job never transitions
// again even when updates race.
func (r *JobRepository) Update(ctx context.Context, id uuid.UUID, status *entity.JobStatus, patch map[string]any) (*entity.Job, error) {
	const q = `
UPDATE jobs
SET status = CASE WHEN status = 'pending' THEN COALESCE($2, status) ELSE status END,
    result = result || $3,
    updated_at = now()
WHERE id = $1
RETURNING ` + jobColumns + `;
`
	var statusText *string
	if status != nil {
		s := string(*status)
		statusText = &s
	}
	if patch == nil {
		patch = map[string]any{}
	}
	patchBytes, err := json.Marshal(patch)
	if err != nil {
		return nil, fmt.Errorf("encode result patch: %w", err)
	}

	return scanJob(r.pool.QueryRow(ctx, q, id, statusText, patchBytes))
}

func (r *JobRepository) Delete(ctx context.Context, id uuid.UUID) error {
	const q = `DELETE FROM jobs WHERE id = $1;`

	tag, err := r.pool.Exec(ctx, q, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
