package postgres

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
)

// TokenRepo tracks issued session tokens so revocation survives restarts.
type TokenRepo struct{ Pool PgxPool }

// NewTokenRepo constructs a TokenRepo with the given pool.
func NewTokenRepo(p PgxPool) *TokenRepo { return &TokenRepo{Pool: p} }

// Add records a freshly issued token.
func (r *TokenRepo) Add(ctx context.Context, token, status string) error {
	tracer := otel.Tracer("repo.tokens")
	ctx, span := tracer.Start(ctx, "tokens.Add")
	defer span.End()
	q := `INSERT INTO tokens (token, status, time) VALUES ($1,$2,$3)
	      ON CONFLICT (token) DO UPDATE SET status=EXCLUDED.status`
	if _, err := r.Pool.Exec(ctx, q, token, status, time.Now().UTC()); err != nil {
		return mapErr("token.add", err)
	}
	return nil
}

// Status returns the stored status of a token.
func (r *TokenRepo) Status(ctx context.Context, token string) (string, error) {
	tracer := otel.Tracer("repo.tokens")
	ctx, span := tracer.Start(ctx, "tokens.Status")
	defer span.End()
	var status string
	if err := r.Pool.QueryRow(ctx, `SELECT status FROM tokens WHERE token=$1`, token).Scan(&status); err != nil {
		return "", mapErr("token.status", err)
	}
	return status, nil
}

// Revoke marks a token revoked.
func (r *TokenRepo) Revoke(ctx context.Context, token string) error {
	tracer := otel.Tracer("repo.tokens")
	ctx, span := tracer.Start(ctx, "tokens.Revoke")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `UPDATE tokens SET status='revoked' WHERE token=$1`, token); err != nil {
		return mapErr("token.revoke", err)
	}
	return nil
}
