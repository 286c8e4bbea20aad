package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/activetigger/activetigger/internal/domain"
)

// FeatureRepo persists feature metadata; the columns themselves live in
// the frame store.
type FeatureRepo struct{ Pool PgxPool }

// NewFeatureRepo constructs a FeatureRepo with the given pool.
func NewFeatureRepo(p PgxPool) *FeatureRepo { return &FeatureRepo{Pool: p} }

const featureCols = `project, name, kind, parameters, user_name, columns, time`

// Add inserts a feature record. Name collision is an ErrAlreadyExists.
func (r *FeatureRepo) Add(ctx context.Context, f domain.Feature) error {
	tracer := otel.Tracer("repo.features")
	ctx, span := tracer.Start(ctx, "features.Add")
	defer span.End()
	params, err := json.Marshal(f.Parameters)
	if err != nil {
		return fmt.Errorf("op=feature.add: %w", err)
	}
	cols, err := json.Marshal(f.Columns)
	if err != nil {
		return fmt.Errorf("op=feature.add: %w", err)
	}
	ts := f.Time
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	q := `INSERT INTO features (` + featureCols + `) VALUES ($1,$2,$3,$4,$5,$6,$7)`
	if _, err := r.Pool.Exec(ctx, q, f.Project, f.Name, f.Kind, params, f.User, cols, ts); err != nil {
		return mapErr("feature.add", err)
	}
	return nil
}

// Delete removes one feature record.
func (r *FeatureRepo) Delete(ctx context.Context, project, name string) error {
	tracer := otel.Tracer("repo.features")
	ctx, span := tracer.Start(ctx, "features.Delete")
	defer span.End()
	tag, err := r.Pool.Exec(ctx, `DELETE FROM features WHERE project=$1 AND name=$2`, project, name)
	if err != nil {
		return mapErr("feature.delete", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=feature.delete: %s/%s: %w", project, name, domain.ErrNotFound)
	}
	return nil
}

func scanFeature(row interface{ Scan(...any) error }) (domain.Feature, error) {
	var f domain.Feature
	var params, cols []byte
	if err := row.Scan(&f.Project, &f.Name, &f.Kind, &params, &f.User, &cols, &f.Time); err != nil {
		return domain.Feature{}, err
	}
	if err := json.Unmarshal(params, &f.Parameters); err != nil {
		return domain.Feature{}, err
	}
	if err := json.Unmarshal(cols, &f.Columns); err != nil {
		return domain.Feature{}, err
	}
	return f, nil
}

// Get loads one feature record.
func (r *FeatureRepo) Get(ctx context.Context, project, name string) (domain.Feature, error) {
	tracer := otel.Tracer("repo.features")
	ctx, span := tracer.Start(ctx, "features.Get")
	defer span.End()
	row := r.Pool.QueryRow(ctx, `SELECT `+featureCols+` FROM features WHERE project=$1 AND name=$2`, project, name)
	f, err := scanFeature(row)
	if err != nil {
		return domain.Feature{}, mapErr("feature.get", err)
	}
	return f, nil
}

// List returns the features of a project.
func (r *FeatureRepo) List(ctx context.Context, project string) ([]domain.Feature, error) {
	tracer := otel.Tracer("repo.features")
	ctx, span := tracer.Start(ctx, "features.List")
	defer span.End()
	rows, err := r.Pool.Query(ctx, `SELECT `+featureCols+` FROM features WHERE project=$1 ORDER BY name`, project)
	if err != nil {
		return nil, mapErr("feature.list", err)
	}
	defer rows.Close()
	var out []domain.Feature
	for rows.Next() {
		f, err := scanFeature(rows)
		if err != nil {
			return nil, mapErr("feature.list", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// DeleteAll drops every feature record of a project, used when partitions
// change and the features file is reset.
func (r *FeatureRepo) DeleteAll(ctx context.Context, project string) error {
	tracer := otel.Tracer("repo.features")
	ctx, span := tracer.Start(ctx, "features.DeleteAll")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `DELETE FROM features WHERE project=$1`, project); err != nil {
		return mapErr("feature.delete_all", err)
	}
	return nil
}
