package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/distsched/agenda/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// AttemptRepository is the Postgres-backed repository.AttemptRepository.
type AttemptRepository struct {
	pool *pgxpool.Pool
}

// NewAttemptRepository wraps an open pool.
func NewAttemptRepository(pool *pgxpool.Pool) *AttemptRepository {
	return &AttemptRepository{pool: pool}
}

// CreateAttempt opens an attempt record, assigning the next attempt
// number for the job.
func (r *AttemptRepository) CreateAttempt(ctx context.Context, attempt *domain.JobAttempt) (*domain.JobAttempt, error) {
	id := attempt.ID
	if id == "" {
		id = uuid.NewString()
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO job_attempts (id, job_id, attempt_num, instance_id, started_at)
		VALUES ($1, $2, COALESCE((SELECT max(attempt_num) + 1 FROM job_attempts WHERE job_id = $2), 1), $3, $4)
		RETURNING id, job_id, attempt_num, instance_id, started_at, completed_at, succeeded, error, duration_ms`,
		id, attempt.JobID, attempt.InstanceID, attempt.StartedAt,
	)
	return scanAttempt(row)
}

// CompleteAttempt closes an open attempt with its outcome.
func (r *AttemptRepository) CompleteAttempt(ctx context.Context, id string, succeeded bool, errMsg string, durationMS int64) error {
	tag, err := r.pool.Exec(ctx, `
		UPDATE job_attempts SET completed_at = NOW(), succeeded = $2, error = $3, duration_ms = $4
		WHERE id = $1`,
		id, succeeded, errMsg, durationMS,
	)
	if err != nil {
		return fmt.Errorf("complete attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrJobNotFound
	}
	return nil
}

// ListByJobID returns every attempt for jobID, oldest first.
func (r *AttemptRepository) ListByJobID(ctx context.Context, jobID string) ([]*domain.JobAttempt, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, job_id, attempt_num, instance_id, started_at, completed_at, succeeded, error, duration_ms
		FROM job_attempts WHERE job_id = $1 ORDER BY attempt_num ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []*domain.JobAttempt
	for rows.Next() {
		a, err := scanAttempt(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, nil
}

func scanAttempt(row rowScanner) (*domain.JobAttempt, error) {
	var a domain.JobAttempt
	err := row.Scan(&a.ID, &a.JobID, &a.AttemptNum, &a.InstanceID, &a.StartedAt, &a.CompletedAt, &a.Succeeded, &a.Error, &a.DurationMS)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrJobNotFound
		}
		return nil, fmt.Errorf("scan attempt: %w", err)
	}
	return &a, nil
}
