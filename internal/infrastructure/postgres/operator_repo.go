package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/distsched/agenda/internal/domain"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// OperatorRepository is the Postgres-backed repository.OperatorRepository.
type OperatorRepository struct {
	pool *pgxpool.Pool
}

func NewOperatorRepository(pool *pgxpool.Pool) *OperatorRepository {
	return &OperatorRepository{pool: pool}
}

func (r *OperatorRepository) CreateMagicToken(ctx context.Context, email, tokenHash string, expiresAt time.Time) error {
	_, err := r.pool.Exec(ctx,
		`INSERT INTO magic_tokens (id, email, token_hash, expires_at) VALUES ($1, $2, $3, $4)`,
		uuid.NewString(), email, tokenHash, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("create magic token: %w", err)
	}
	return nil
}

// ClaimMagicToken atomically marks the token used and returns it.
func (r *OperatorRepository) ClaimMagicToken(ctx context.Context, tokenHash string) (*domain.MagicToken, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE magic_tokens
		SET used_at = NOW()
		WHERE token_hash = $1 AND used_at IS NULL AND expires_at > NOW()
		RETURNING id, email, token_hash, expires_at, used_at, created_at`,
		tokenHash,
	)

	var t domain.MagicToken
	err := row.Scan(&t.ID, &t.Email, &t.TokenHash, &t.ExpiresAt, &t.UsedAt, &t.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTokenInvalid
		}
		return nil, fmt.Errorf("scan magic token: %w", err)
	}
	return &t, nil
}
