package memory

import (
	"context"
	"sync"
	"time"

	"github.com/distsched/agenda/internal/domain"
	"github.com/google/uuid"
)

// OperatorRepository is an in-memory repository.OperatorRepository,
// for tests and single-instance admin deployments.
type OperatorRepository struct {
	mu     sync.Mutex
	tokens map[string]*domain.MagicToken // keyed by token hash
}

func NewOperatorRepository() *OperatorRepository {
	return &OperatorRepository{tokens: make(map[string]*domain.MagicToken)}
}

func (r *OperatorRepository) CreateMagicToken(_ context.Context, email, tokenHash string, expiresAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tokens[tokenHash] = &domain.MagicToken{
		ID:        uuid.NewString(),
		Email:     email,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		CreatedAt: time.Now(),
	}
	return nil
}

func (r *OperatorRepository) ClaimMagicToken(_ context.Context, tokenHash string) (*domain.MagicToken, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.tokens[tokenHash]
	if !ok || t.UsedAt != nil || t.ExpiresAt.Before(time.Now()) {
		return nil, domain.ErrTokenInvalid
	}
	now := time.Now()
	t.UsedAt = &now
	claimed := *t
	return &claimed, nil
}
