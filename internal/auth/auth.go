// Package auth gates the admin HTTP surface behind email magic links,
// the same flow the teacher app uses for its dashboard, scoped down
// from per-tenant users to a fixed operator allowlist.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/distsched/agenda/internal/domain"
	"github.com/distsched/agenda/internal/email"
	"github.com/distsched/agenda/internal/repository"
	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 15 * time.Minute
	defaultJWTTTL   = 24 * time.Hour
)

// Operators gates RequestMagicLink to a fixed allowlist of admin
// emails, read once from configuration at startup.
type Operators struct {
	emails []string
}

func NewOperators(emails []string) Operators {
	return Operators{emails: emails}
}

func (o Operators) Contains(email string) bool {
	return slices.Contains(o.emails, email)
}

// Usecase issues and verifies magic-link sign-in tokens for the admin
// HTTP surface.
type Usecase struct {
	operators Operators
	tokens    repository.OperatorRepository
	email     email.Sender
	jwtKey    []byte
	tokenTTL  time.Duration
	jwtTTL    time.Duration
	linkBase  string
}

func NewUsecase(operators Operators, tokens repository.OperatorRepository, emailSender email.Sender, jwtKey []byte, linkBase string) *Usecase {
	return &Usecase{
		operators: operators,
		tokens:    tokens,
		email:     emailSender,
		jwtKey:    jwtKey,
		tokenTTL:  defaultTokenTTL,
		jwtTTL:    defaultJWTTTL,
		linkBase:  linkBase,
	}
}

// RequestMagicLink issues a sign-in token and emails it, if emailAddr
// is a registered operator. Callers should treat its error as
// non-revealing: always respond 200 regardless, so a caller can't use
// this endpoint to enumerate operators.
func (u *Usecase) RequestMagicLink(ctx context.Context, emailAddr string) error {
	if !u.operators.Contains(emailAddr) {
		return domain.ErrNotAnOperator
	}

	raw := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return fmt.Errorf("generate token: %w", err)
	}
	rawToken := hex.EncodeToString(raw)
	tokenHash := fmt.Sprintf("%x", sha256.Sum256([]byte(rawToken)))

	expiresAt := time.Now().Add(u.tokenTTL)
	if err := u.tokens.CreateMagicToken(ctx, emailAddr, tokenHash, expiresAt); err != nil {
		return fmt.Errorf("store magic token: %w", err)
	}

	link := u.linkBase + "/auth/verify?token=" + rawToken
	subject := "Your agenda admin sign-in link"
	body := fmt.Sprintf(
		`<p>Click the link below to sign in (expires in 15 minutes):</p><p><a href="%s">%s</a></p>`,
		link, link,
	)
	return u.email.Send(ctx, emailAddr, subject, body)
}

// VerifyMagicLink hashes the raw token, atomically claims it, and
// returns a signed JWT scoping admin access to the claimed email.
func (u *Usecase) VerifyMagicLink(ctx context.Context, rawToken string) (string, error) {
	tokenHash := fmt.Sprintf("%x", sha256.Sum256([]byte(rawToken)))

	mt, err := u.tokens.ClaimMagicToken(ctx, tokenHash)
	if err != nil {
		return "", domain.ErrTokenInvalid
	}

	now := time.Now()
	claims := jwt.MapClaims{
		"sub": mt.Email,
		"iat": now.Unix(),
		"exp": now.Add(u.jwtTTL).Unix(),
	}
	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := t.SignedString(u.jwtKey)
	if err != nil {
		return "", fmt.Errorf("sign jwt: %w", err)
	}
	return signed, nil
}
