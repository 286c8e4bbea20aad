package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/activetigger/activetigger/internal/domain"
)

// ModelRepo persists quick and language model records.
type ModelRepo struct{ Pool PgxPool }

// NewModelRepo constructs a ModelRepo with the given pool.
func NewModelRepo(p PgxPool) *ModelRepo { return &ModelRepo{Pool: p} }

const modelCols = `project, name, kind, user_name, scheme, parameters, path, status, time`

// Add inserts a model record. Name collision is an ErrAlreadyExists.
func (r *ModelRepo) Add(ctx context.Context, m domain.Model) error {
	tracer := otel.Tracer("repo.models")
	ctx, span := tracer.Start(ctx, "models.Add")
	defer span.End()
	params, err := json.Marshal(m.Parameters)
	if err != nil {
		return fmt.Errorf("op=model.add: %w", err)
	}
	ts := m.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	q := `INSERT INTO models (` + modelCols + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	if _, err := r.Pool.Exec(ctx, q, m.Project, m.Name, m.Kind, m.User, m.Scheme, params, m.Path, m.Status, ts); err != nil {
		return mapErr("model.add", err)
	}
	return nil
}

func scanModel(row interface{ Scan(...any) error }) (domain.Model, error) {
	var m domain.Model
	var params []byte
	if err := row.Scan(&m.Project, &m.Name, &m.Kind, &m.User, &m.Scheme, &params, &m.Path, &m.Status, &m.Time); err != nil {
		return domain.Model{}, err
	}
	if err := json.Unmarshal(params, &m.Parameters); err != nil {
		return domain.Model{}, err
	}
	return m, nil
}

// Get loads one model record.
func (r *ModelRepo) Get(ctx context.Context, project, name string) (domain.Model, error) {
	tracer := otel.Tracer("repo.models")
	ctx, span := tracer.Start(ctx, "models.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+modelCols+` FROM models WHERE project=$1 AND name=$2`, project, name)
	m, err := scanModel(row)
	if err != nil {
		return domain.Model{}, mapErr("model.get", err)
	}
	return m, nil
}

// SetStatus moves a model along queued -> training -> trained|failed.
func (r *ModelRepo) SetStatus(ctx context.Context, project, name string, status domain.ModelStatus) error {
	tracer := otel.Tracer("repo.models")
	ctx, span := tracer.Start(ctx, "models.SetStatus")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE models SET status=$3 WHERE project=$1 AND name=$2`, project, name, status)
	if err != nil {
		return mapErr("model.set_status", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=model.set_status: %s/%s: %w", project, name, domain.ErrNotFound)
	}
	return nil
}

// SetParam sets one key in the stored parameters object.
func (r *ModelRepo) SetParam(ctx context.Context, project, name, flag string, value any) error {
	tracer := otel.Tracer("repo.models")
	ctx, span := tracer.Start(ctx, "models.SetParam")
	defer span.End()
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("op=model.set_param: %w", err)
	}
	q := `UPDATE models SET parameters = jsonb_set(parameters, ARRAY[$3], $4::jsonb, true)
	      WHERE project=$1 AND name=$2`
	tag, err := r.Pool.Exec(ctx, q, project, name, flag, raw)
	if err != nil {
		return mapErr("model.set_param", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=model.set_param: %s/%s: %w", project, name, domain.ErrNotFound)
	}
	return nil
}

// Rename changes a model name; collisions surface as ErrAlreadyExists
// through the primary key.
func (r *ModelRepo) Rename(ctx context.Context, project, old, new string) error {
	tracer := otel.Tracer("repo.models")
	ctx, span := tracer.Start(ctx, "models.Rename")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `UPDATE models SET name=$3 WHERE project=$1 AND name=$2`, project, old, new)
	if err != nil {
		return mapErr("model.rename", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=model.rename: %s/%s: %w", project, old, domain.ErrNotFound)
	}
	return nil
}

// Delete removes one model record.
func (r *ModelRepo) Delete(ctx context.Context, project, name string) error {
	tracer := otel.Tracer("repo.models")
	ctx, span := tracer.Start(ctx, "models.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM models WHERE project=$1 AND name=$2`, project, name)
	if err != nil {
		return mapErr("model.delete", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=model.delete: %s/%s: %w", project, name, domain.ErrNotFound)
	}
	return nil
}

func (r *ModelRepo) list(ctx context.Context, project string, kind domain.ModelKind, onlyTrained bool) ([]domain.Model, error) {
	q := `SELECT ` + modelCols + ` FROM models WHERE project=$1 AND kind=$2`
	if onlyTrained {
		q += ` AND status='trained'`
	}
	q += ` ORDER BY name`
	rows, err := r.Pool.Query(ctx, q, project, kind)
	if err != nil {
		return nil, mapErr("model.list", err)
	}
	defer rows.Close()
	var out []domain.Model
	for rows.Next() {
		m, err := scanModel(rows)
		if err != nil {
			return nil, mapErr("model.list", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// List returns every model of a kind in a project.
func (r *ModelRepo) List(ctx context.Context, project string, kind domain.ModelKind) ([]domain.Model, error) {
	tracer := otel.Tracer("repo.models")
	ctx, span := tracer.Start(ctx, "models.List")
	defer span.End()
	return r.list(ctx, project, kind, false)
}

// ListTrained returns only the trained models of a kind.
func (r *ModelRepo) ListTrained(ctx context.Context, project string, kind domain.ModelKind) ([]domain.Model, error) {
	tracer := otel.Tracer("repo.models")
	ctx, span := tracer.Start(ctx, "models.ListTrained")
	defer span.End()
	return r.list(ctx, project, kind, true)
}
