package repository

import (
	"context"

	"github.com/distsched/agenda/internal/domain"
)

// AttemptRepository persists the observability-only JobAttempt trail
// (spec_full §4). It is never consulted for scheduling decisions.
type AttemptRepository interface {
	// CreateAttempt opens an attempt record when a run starts. Returns
	// the persisted attempt (with its assigned ID).
	CreateAttempt(ctx context.Context, attempt *domain.JobAttempt) (*domain.JobAttempt, error)

	// CompleteAttempt closes an open attempt with the run's outcome.
	CompleteAttempt(ctx context.Context, id string, succeeded bool, errMsg string, durationMS int64) error

	// ListByJobID returns all attempts for a job, oldest first.
	ListByJobID(ctx context.Context, jobID string) ([]*domain.JobAttempt, error)
}
