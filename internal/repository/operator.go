package repository

import (
	"context"
	"time"

	"github.com/distsched/agenda/internal/domain"
)

// OperatorRepository stores magic-link tokens for the admin HTTP
// surface. Unlike JobRepository it is not part of the scheduling core;
// a deployment that never mounts the admin API never needs one.
type OperatorRepository interface {
	CreateMagicToken(ctx context.Context, email, tokenHash string, expiresAt time.Time) error

	// ClaimMagicToken atomically marks a token used and returns it.
	// Returns domain.ErrTokenInvalid if unknown, already used, or expired.
	ClaimMagicToken(ctx context.Context, tokenHash string) (*domain.MagicToken, error)
}
