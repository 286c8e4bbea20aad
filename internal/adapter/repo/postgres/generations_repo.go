package postgres

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/activetigger/activetigger/internal/domain"
)

// GenerationRepo persists generation answers and prompt templates.
type GenerationRepo struct{ Pool PgxPool }

// NewGenerationRepo constructs a GenerationRepo with the given pool.
func NewGenerationRepo(p PgxPool) *GenerationRepo { return &GenerationRepo{Pool: p} }

// Add appends one generated answer.
func (r *GenerationRepo) Add(ctx context.Context, g domain.GenRecord) error {
	tracer := otel.Tracer("repo.generations")
	ctx, span := tracer.Start(ctx, "generations.Add")
	defer span.End()
	q := `INSERT INTO generations (time, user_name, project, element_id, model_id, prompt, answer)
	      VALUES ($1,$2,$3,$4,$5,$6,$7)`
	if _, err := r.Pool.Exec(ctx, q, time.Now().UTC(), g.User, g.Project, g.ElementID, g.ModelID, g.Prompt, g.Answer); err != nil {
		return mapErr("generation.add", err)
	}
	return nil
}

// List returns a user's answers on a project, newest first.
func (r *GenerationRepo) List(ctx context.Context, project, user string, limit int) ([]domain.GenRecord, error) {
	tracer := otel.Tracer("repo.generations")
	ctx, span := tracer.Start(ctx, "generations.List")
	defer span.End()
	q := `SELECT id, time, user_name, project, element_id, model_id, prompt, answer
	      FROM generations WHERE project=$1 AND ($2='' OR user_name=$2)
	      ORDER BY time DESC, id DESC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, project, user, limit)
	if err != nil {
		return nil, mapErr("generation.list", err)
	}
	defer rows.Close()
	var out []domain.GenRecord
	for rows.Next() {
		var g domain.GenRecord
		if err := rows.Scan(&g.ID, &g.Time, &g.User, &g.Project, &g.ElementID, &g.ModelID, &g.Prompt, &g.Answer); err != nil {
			return nil, mapErr("generation.list", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// Delete drops a user's answers on a project.
func (r *GenerationRepo) Delete(ctx context.Context, project, user string) error {
	tracer := otel.Tracer("repo.generations")
	ctx, span := tracer.Start(ctx, "generations.Delete")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `DELETE FROM generations WHERE project=$1 AND user_name=$2`, project, user); err != nil {
		return mapErr("generation.delete", err)
	}
	return nil
}

// AddPrompt stores a template.
func (r *GenerationRepo) AddPrompt(ctx context.Context, p domain.Prompt) error {
	tracer := otel.Tracer("repo.generations")
	ctx, span := tracer.Start(ctx, "generations.AddPrompt")
	defer span.End()
	q := `INSERT INTO prompts (project, user_name, name, value, time) VALUES ($1,$2,$3,$4,$5)`
	if _, err := r.Pool.Exec(ctx, q, p.Project, p.User, p.Name, p.Text, time.Now().UTC()); err != nil {
		return mapErr("prompt.add", err)
	}
	return nil
}

// DeletePrompt removes a template by id.
func (r *GenerationRepo) DeletePrompt(ctx context.Context, id int64) error {
	tracer := otel.Tracer("repo.generations")
	ctx, span := tracer.Start(ctx, "generations.DeletePrompt")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM prompts WHERE id=$1`, id)
	if err != nil {
		return mapErr("prompt.delete", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=prompt.delete: %d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// ListPrompts returns the templates of a project.
func (r *GenerationRepo) ListPrompts(ctx context.Context, project string) ([]domain.Prompt, error) {
	tracer := otel.Tracer("repo.generations")
	ctx, span := tracer.Start(ctx, "generations.ListPrompts")
	defer span.End()
	rows, err := r.Pool.Query(ctx,
		`SELECT id, project, user_name, name, value, time FROM prompts WHERE project=$1 ORDER BY id`, project)
	if err != nil {
		return nil, mapErr("prompt.list", err)
	}
	defer rows.Close()
	var out []domain.Prompt
	for rows.Next() {
		var p domain.Prompt
		if err := rows.Scan(&p.ID, &p.Project, &p.User, &p.Name, &p.Text, &p.Time); err != nil {
			return nil, mapErr("prompt.list", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
