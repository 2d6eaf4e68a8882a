package memory

import (
	"context"
	"sync"
	"time"

	"github.com/distsched/agenda/internal/domain"
	"github.com/google/uuid"
)

// AttemptRepository is an in-memory repository.AttemptRepository.
type AttemptRepository struct {
	mu       sync.Mutex
	attempts map[string]*domain.JobAttempt
}

// NewAttemptRepository returns an empty in-memory attempt store.
func NewAttemptRepository() *AttemptRepository {
	return &AttemptRepository{attempts: make(map[string]*domain.JobAttempt)}
}

// CreateAttempt opens an attempt record.
func (r *AttemptRepository) CreateAttempt(ctx context.Context, attempt *domain.JobAttempt) (*domain.JobAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cp := *attempt
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	for _, a := range r.attempts {
		if a.JobID == cp.JobID && a.AttemptNum >= cp.AttemptNum {
			cp.AttemptNum = a.AttemptNum + 1
		}
	}
	r.attempts[cp.ID] = &cp
	out := cp
	return &out, nil
}

// CompleteAttempt closes an open attempt with its outcome.
func (r *AttemptRepository) CompleteAttempt(ctx context.Context, id string, succeeded bool, errMsg string, durationMS int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.attempts[id]
	if !ok {
		return domain.ErrJobNotFound
	}
	now := time.Now()
	a.CompletedAt = &now
	a.Succeeded = &succeeded
	a.Error = errMsg
	a.DurationMS = &durationMS
	return nil
}

// ListByJobID returns every attempt for jobID, oldest first.
func (r *AttemptRepository) ListByJobID(ctx context.Context, jobID string) ([]*domain.JobAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*domain.JobAttempt
	for _, a := range r.attempts {
		if a.JobID == jobID {
			cp := *a
			out = append(out, &cp)
		}
	}
	for i := 1; i < len(out); i++ {
		for k := i; k > 0 && out[k-1].AttemptNum > out[k].AttemptNum; k-- {
			out[k-1], out[k] = out[k], out[k-1]
		}
	}
	return out, nil
}
