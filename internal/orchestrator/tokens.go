package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/activetigger/activetigger/internal/domain"
)

const (
	tokenActive  = "active"
	tokenRevoked = "revoked"
)

// Tokens issues and checks signed session tokens. Every issued token is
// recorded so it can be revoked before its expiry.
type Tokens struct {
	Secret   []byte
	Repo     domain.TokenRepo
	Lifetime time.Duration
}

// Create signs a token for the user and records it as active.
func (t *Tokens) Create(ctx context.Context, user string) (string, time.Time, error) {
	now := time.Now()
	exp := now.Add(t.Lifetime)
	claims := jwt.RegisteredClaims{
		Subject:   user,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(exp),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.Secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("op=tokens.Create: %w", err)
	}
	if err := t.Repo.Add(ctx, signed, tokenActive); err != nil {
		return "", time.Time{}, fmt.Errorf("op=tokens.Create: %w", err)
	}
	return signed, exp, nil
}

// Validate returns the subject of a live token. Expired, malformed and
// revoked tokens are all ErrForbidden.
func (t *Tokens) Validate(ctx context.Context, token string) (string, error) {
	parsed, err := jwt.ParseWithClaims(token, &jwt.RegisteredClaims{}, func(tok *jwt.Token) (any, error) {
		if tok.Method != jwt.SigningMethodHS256 {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.Secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", fmt.Errorf("op=tokens.Validate: %v: %w", err, domain.ErrForbidden)
	}
	status, err := t.Repo.Status(ctx, token)
	if err != nil {
		return "", fmt.Errorf("op=tokens.Validate: %w", domain.ErrForbidden)
	}
	if status != tokenActive {
		return "", fmt.Errorf("op=tokens.Validate: token %s: %w", status, domain.ErrForbidden)
	}
	claims := parsed.Claims.(*jwt.RegisteredClaims)
	return claims.Subject, nil
}

// Revoke marks a token dead ahead of its expiry.
func (t *Tokens) Revoke(ctx context.Context, token string) error {
	return t.Repo.Revoke(ctx, token)
}
