package postgres

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/activetigger/activetigger/internal/domain"
)

// UserRepo persists accounts.
type UserRepo struct{ Pool PgxPool }

// NewUserRepo constructs a UserRepo with the given pool.
func NewUserRepo(p PgxPool) *UserRepo { return &UserRepo{Pool: p} }

const userCols = `user_name, hashed_password, role, mail, created_by, created_at, deactivated_at`

// Add inserts a new account. Name collision is an ErrAlreadyExists.
func (r *UserRepo) Add(ctx context.Context, u domain.User) error {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Add")
	defer span.End()
	created := u.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	q := `INSERT INTO users (` + userCols + `) VALUES ($1,$2,$3,$4,$5,$6,NULL)`
	if _, err := r.Pool.Exec(ctx, q, u.Name, u.HashedPass, u.Role, u.Mail, u.CreatedBy, created); err != nil {
		return mapErr("user.add", err)
	}
	return nil
}

// Get loads an account by name.
func (r *UserRepo) Get(ctx context.Context, name string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Get")
	defer span.End()
	q := `SELECT ` + userCols + ` FROM users WHERE user_name=$1`
	var u domain.User
	if err := r.Pool.QueryRow(ctx, q, name).Scan(
		&u.Name, &u.HashedPass, &u.Role, &u.Mail, &u.CreatedBy, &u.CreatedAt, &u.DeactivatedAt); err != nil {
		return domain.User{}, mapErr("user.get", err)
	}
	return u, nil
}

// GetByMail loads an account by mail address.
func (r *UserRepo) GetByMail(ctx context.Context, mail string) (domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.GetByMail")
	defer span.End()
	q := `SELECT ` + userCols + ` FROM users WHERE mail=$1 LIMIT 1`
	var u domain.User
	if err := r.Pool.QueryRow(ctx, q, mail).Scan(
		&u.Name, &u.HashedPass, &u.Role, &u.Mail, &u.CreatedBy, &u.CreatedAt, &u.DeactivatedAt); err != nil {
		return domain.User{}, mapErr("user.get_by_mail", err)
	}
	return u, nil
}

// List returns every active account.
func (r *UserRepo) List(ctx context.Context) ([]domain.User, error) {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.List")
	defer span.End()
	q := `SELECT ` + userCols + ` FROM users WHERE deactivated_at IS NULL ORDER BY user_name`
	rows, err := r.Pool.Query(ctx, q)
	if err != nil {
		return nil, mapErr("user.list", err)
	}
	defer rows.Close()
	var users []domain.User
	for rows.Next() {
		var u domain.User
		if err := rows.Scan(&u.Name, &u.HashedPass, &u.Role, &u.Mail, &u.CreatedBy, &u.CreatedAt, &u.DeactivatedAt); err != nil {
			return nil, mapErr("user.list", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// SetPassword replaces the stored hash.
func (r *UserRepo) SetPassword(ctx context.Context, name, hashed string) error {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.SetPassword")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE users SET hashed_password=$2 WHERE user_name=$1`, name, hashed)
	if err != nil {
		return mapErr("user.set_password", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=user.set_password: %s: %w", name, domain.ErrNotFound)
	}
	return nil
}

// Deactivate soft-deletes an account; logs and annotations keep the name.
func (r *UserRepo) Deactivate(ctx context.Context, name string) error {
	tracer := otel.Tracer("repo.users")
	ctx, span := tracer.Start(ctx, "users.Deactivate")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE users SET deactivated_at=$2 WHERE user_name=$1 AND deactivated_at IS NULL`, name, time.Now().UTC())
	if err != nil {
		return mapErr("user.deactivate", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=user.deactivate: %s: %w", name, domain.ErrNotFound)
	}
	return nil
}
