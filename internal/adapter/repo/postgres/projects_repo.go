package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/activetigger/activetigger/internal/domain"
)

// ProjectRepo persists project parameter records.
type ProjectRepo struct{ Pool PgxPool }

// NewProjectRepo constructs a ProjectRepo with the given pool.
func NewProjectRepo(p PgxPool) *ProjectRepo { return &ProjectRepo{Pool: p} }

// Add inserts a new project. A slug collision is an ErrAlreadyExists.
func (r *ProjectRepo) Add(ctx context.Context, params domain.ProjectParams, user string) error {
	tracer := otel.Tracer("repo.projects")
	ctx, span := tracer.Start(ctx, "projects.Add")
	defer span.End()
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("op=project.add: %w", err)
	}
	q := `INSERT INTO projects (slug, params, created_by, created_at) VALUES ($1,$2,$3,$4)`
	if _, err := r.Pool.Exec(ctx, q, params.Slug, raw, user, time.Now().UTC()); err != nil {
		return mapErr("project.add", err)
	}
	return nil
}

// Update replaces the stored parameters of an existing project.
func (r *ProjectRepo) Update(ctx context.Context, params domain.ProjectParams) error {
	tracer := otel.Tracer("repo.projects")
	ctx, span := tracer.Start(ctx, "projects.Update")
	defer span.End()
	raw, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("op=project.update: %w", err)
	}
	q := `UPDATE projects SET params=$2 WHERE slug=$1`
	tag, err := r.Pool.Exec(ctx, q, params.Slug, raw)
	if err != nil {
		return mapErr("project.update", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=project.update: %s: %w", params.Slug, domain.ErrNotFound)
	}
	return nil
}

// Get loads a project by slug.
func (r *ProjectRepo) Get(ctx context.Context, slug string) (domain.ProjectParams, error) {
	tracer := otel.Tracer("repo.projects")
	ctx, span := tracer.Start(ctx, "projects.Get")
	defer span.End()
	q := `SELECT params FROM projects WHERE slug=$1`
	var raw []byte
	if err := r.Pool.QueryRow(ctx, q, slug).Scan(&raw); err != nil {
		return domain.ProjectParams{}, mapErr("project.get", err)
	}
	var params domain.ProjectParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return domain.ProjectParams{}, fmt.Errorf("op=project.get: %w", err)
	}
	return params, nil
}

// List returns every project slug.
func (r *ProjectRepo) List(ctx context.Context) ([]string, error) {
	tracer := otel.Tracer("repo.projects")
	ctx, span := tracer.Start(ctx, "projects.List")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT slug FROM projects ORDER BY slug`)
	if err != nil {
		return nil, mapErr("project.list", err)
	}
	defer rows.Close()
	var slugs []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, mapErr("project.list", err)
		}
		slugs = append(slugs, s)
	}
	return slugs, rows.Err()
}

// Delete removes the project and everything hanging off it.
func (r *ProjectRepo) Delete(ctx context.Context, slug string) error {
	tracer := otel.Tracer("repo.projects")
	ctx, span := tracer.Start(ctx, "projects.Delete")
	defer span.End()
	stmts := []string{
		`DELETE FROM annotations WHERE project=$1`,
		`DELETE FROM schemes WHERE project=$1`,
		`DELETE FROM features WHERE project=$1`,
		`DELETE FROM models WHERE project=$1`,
		`DELETE FROM generations WHERE project=$1`,
		`DELETE FROM prompts WHERE project=$1`,
		`DELETE FROM auths WHERE project=$1`,
		`DELETE FROM projects WHERE slug=$1`,
	}
	for _, q := range stmts {
		if _, err := r.Pool.Exec(ctx, q, slug); err != nil {
			return mapErr("project.delete", err)
		}
	}
	return nil
}
