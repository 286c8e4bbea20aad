package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/activetigger/activetigger/internal/domain"
)

// SchemeRepo persists label schemes and their codebooks.
type SchemeRepo struct{ Pool PgxPool }

// NewSchemeRepo constructs a SchemeRepo with the given pool.
func NewSchemeRepo(p PgxPool) *SchemeRepo { return &SchemeRepo{Pool: p} }

// Add inserts a scheme. Name collision within the project is an
// ErrAlreadyExists.
func (r *SchemeRepo) Add(ctx context.Context, s domain.Scheme) error {
	tracer := otel.Tracer("repo.schemes")
	ctx, span := tracer.Start(ctx, "schemes.Add")
	defer span.End()
	labels, err := json.Marshal(s.Labels)
	if err != nil {
		return fmt.Errorf("op=scheme.add: %w", err)
	}
	q := `INSERT INTO schemes (project, name, kind, labels, codebook, codebook_at, created_by)
	      VALUES ($1,$2,$3,$4,$5,$6,$7)`
	if _, err := r.Pool.Exec(ctx, q, s.Project, s.Name, s.Kind, labels, s.Codebook, time.Now().UTC(), s.CreatedBy); err != nil {
		return mapErr("scheme.add", err)
	}
	return nil
}

// Delete removes a scheme. Annotation history is kept.
func (r *SchemeRepo) Delete(ctx context.Context, project, name string) error {
	tracer := otel.Tracer("repo.schemes")
	ctx, span := tracer.Start(ctx, "schemes.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM schemes WHERE project=$1 AND name=$2`, project, name)
	if err != nil {
		return mapErr("scheme.delete", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=scheme.delete: %s/%s: %w", project, name, domain.ErrNotFound)
	}
	return nil
}

func scanScheme(row interface{ Scan(...any) error }) (domain.Scheme, error) {
	var s domain.Scheme
	var labels []byte
	if err := row.Scan(&s.Project, &s.Name, &s.Kind, &labels, &s.Codebook, &s.CodebookAt, &s.CreatedBy); err != nil {
		return domain.Scheme{}, err
	}
	if err := json.Unmarshal(labels, &s.Labels); err != nil {
		return domain.Scheme{}, err
	}
	return s, nil
}

const schemeCols = `project, name, kind, labels, codebook, codebook_at, created_by`

// Get loads one scheme.
func (r *SchemeRepo) Get(ctx context.Context, project, name string) (domain.Scheme, error) {
	tracer := otel.Tracer("repo.schemes")
	ctx, span := tracer.Start(ctx, "schemes.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+schemeCols+` FROM schemes WHERE project=$1 AND name=$2`, project, name)
	s, err := scanScheme(row)
	if err != nil {
		return domain.Scheme{}, mapErr("scheme.get", err)
	}
	return s, nil
}

// List returns every scheme of a project.
func (r *SchemeRepo) List(ctx context.Context, project string) ([]domain.Scheme, error) {
	tracer := otel.Tracer("repo.schemes")
	ctx, span := tracer.Start(ctx, "schemes.List")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+schemeCols+` FROM schemes WHERE project=$1 ORDER BY name`, project)
	if err != nil {
		return nil, mapErr("scheme.list", err)
	}
	defer rows.Close()
	var out []domain.Scheme
	for rows.Next() {
		s, err := scanScheme(rows)
		if err != nil {
			return nil, mapErr("scheme.list", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// UpdateLabels replaces the label set.
func (r *SchemeRepo) UpdateLabels(ctx context.Context, project, name string, labels []string) error {
	tracer := otel.Tracer("repo.schemes")
	ctx, span := tracer.Start(ctx, "schemes.UpdateLabels")
	defer span.End()
	raw, err := json.Marshal(labels)
	if err != nil {
		return fmt.Errorf("op=scheme.update_labels: %w", err)
	}
	tag, err := r.Pool.Exec(ctx, `UPDATE schemes SET labels=$3 WHERE project=$1 AND name=$2`, project, name, raw)
	if err != nil {
		return mapErr("scheme.update_labels", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=scheme.update_labels: %s/%s: %w", project, name, domain.ErrNotFound)
	}
	return nil
}

// UpdateCodebook replaces the codebook text and bumps its stamp.
func (r *SchemeRepo) UpdateCodebook(ctx context.Context, project, name, codebook string) error {
	tracer := otel.Tracer("repo.schemes")
	ctx, span := tracer.Start(ctx, "schemes.UpdateCodebook")
	defer span.End()
	tag, err := r.Pool.Exec(ctx,
		`UPDATE schemes SET codebook=$3, codebook_at=$4 WHERE project=$1 AND name=$2`,
		project, name, codebook, time.Now().UTC())
	if err != nil {
		return mapErr("scheme.update_codebook", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=scheme.update_codebook: %s/%s: %w", project, name, domain.ErrNotFound)
	}
	return nil
}

// Rename changes a scheme name and rewrites its annotation history rows.
func (r *SchemeRepo) Rename(ctx context.Context, project, old, new string) error {
	tracer := otel.Tracer("repo.schemes")
	ctx, span := tracer.Start(ctx, "schemes.Rename")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE schemes SET name=$3 WHERE project=$1 AND name=$2`, project, old, new)
	if err != nil {
		return mapErr("scheme.rename", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=scheme.rename: %s/%s: %w", project, old, domain.ErrNotFound)
	}
	if _, err := r.Pool.Exec(ctx, `UPDATE annotations SET scheme=$3 WHERE project=$1 AND scheme=$2`, project, old, new); err != nil {
		return mapErr("scheme.rename", err)
	}
	return nil
}

// Duplicate copies a scheme under a new name, without its history.
func (r *SchemeRepo) Duplicate(ctx context.Context, project, from, to, user string) error {
	tracer := otel.Tracer("repo.schemes")
	ctx, span := tracer.Start(ctx, "schemes.Duplicate")
	defer span.End()
	s, err := r.Get(ctx, project, from)
	if err != nil {
		return err
	}
	s.Name = to
	s.CreatedBy = user
	return r.Add(ctx, s)
}
