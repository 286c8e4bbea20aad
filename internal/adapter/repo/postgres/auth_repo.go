package postgres

import (
	"context"

	"go.opentelemetry.io/otel"

	"github.com/activetigger/activetigger/internal/domain"
)

// AuthRepo persists the per-project role matrix.
type AuthRepo struct{ Pool PgxPool }

// NewAuthRepo constructs an AuthRepo with the given pool.
func NewAuthRepo(p PgxPool) *AuthRepo { return &AuthRepo{Pool: p} }

// Set grants or changes a user's role on a project.
func (r *AuthRepo) Set(ctx context.Context, project, user string, role domain.Role) error {
	tracer := otel.Tracer("repo.auths")
	ctx, span := tracer.Start(ctx, "auths.Set")
	defer span.End()
	q := `INSERT INTO auths (project, user_name, role) VALUES ($1,$2,$3)
	      ON CONFLICT (project, user_name) DO UPDATE SET role=EXCLUDED.role`
	if _, err := r.Pool.Exec(ctx, q, project, user, role); err != nil {
		return mapErr("auth.set", err)
	}
	return nil
}

// Delete revokes a user's access to a project.
func (r *AuthRepo) Delete(ctx context.Context, project, user string) error {
	tracer := otel.Tracer("repo.auths")
	ctx, span := tracer.Start(ctx, "auths.Delete")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `DELETE FROM auths WHERE project=$1 AND user_name=$2`, project, user); err != nil {
		return mapErr("auth.delete", err)
	}
	return nil
}

// Get returns the role of a user on a project.
func (r *AuthRepo) Get(ctx context.Context, project, user string) (domain.Role, error) {
	tracer := otel.Tracer("repo.auths")
	ctx, span := tracer.Start(ctx, "auths.Get")
	defer span.End()
	var role domain.Role
	if err := r.Pool.QueryRow(ctx, `SELECT role FROM auths WHERE project=$1 AND user_name=$2`, project, user).Scan(&role); err != nil {
		return "", mapErr("auth.get", err)
	}
	return role, nil
}

// ProjectAuth returns user -> role for one project.
func (r *AuthRepo) ProjectAuth(ctx context.Context, project string) (map[string]domain.Role, error) {
	tracer := otel.Tracer("repo.auths")
	ctx, span := tracer.Start(ctx, "auths.ProjectAuth")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT user_name, role FROM auths WHERE project=$1`, project)
	if err != nil {
		return nil, mapErr("auth.project", err)
	}
	defer rows.Close()
	out := make(map[string]domain.Role)
	for rows.Next() {
		var user string
		var role domain.Role
		if err := rows.Scan(&user, &role); err != nil {
			return nil, mapErr("auth.project", err)
		}
		out[user] = role
	}
	return out, rows.Err()
}

// UserProjects returns project -> role for one user.
func (r *AuthRepo) UserProjects(ctx context.Context, user string) (map[string]domain.Role, error) {
	tracer := otel.Tracer("repo.auths")
	ctx, span := tracer.Start(ctx, "auths.UserProjects")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT project, role FROM auths WHERE user_name=$1`, user)
	if err != nil {
		return nil, mapErr("auth.user_projects", err)
	}
	defer rows.Close()
	out := make(map[string]domain.Role)
	for rows.Next() {
		var project string
		var role domain.Role
		if err := rows.Scan(&project, &role); err != nil {
			return nil, mapErr("auth.user_projects", err)
		}
		out[project] = role
	}
	return out, rows.Err()
}
