package domain

import "time"

// Operator is an admin-surface principal. The scheduler itself has no
// concept of tenancy; operators exist only to gate the HTTP admin API
// behind a magic-link sign-in.
type Operator struct {
	Email     string
	CreatedAt time.Time
}

// MagicToken is a single-use sign-in token issued to an Operator.
type MagicToken struct {
	ID        string
	Email     string
	TokenHash string
	ExpiresAt time.Time
	UsedAt    *time.Time
	CreatedAt time.Time
}
