package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"

	"github.com/activetigger/activetigger/internal/domain"
)

// AnnotationRepo persists the append-only annotation history. Rows are
// never updated: the current label of an element is the row with the
// maximum (time, id) for its key.
type AnnotationRepo struct{ Pool PgxPool }

// NewAnnotationRepo constructs an AnnotationRepo with the given pool.
func NewAnnotationRepo(p PgxPool) *AnnotationRepo { return &AnnotationRepo{Pool: p} }

const annCols = `id, time, dataset, user_name, project, element_id, scheme, label, comment`

// Append inserts one history record.
func (r *AnnotationRepo) Append(ctx context.Context, a domain.Annotation) error {
	tracer := otel.Tracer("repo.annotations")
	ctx, span := tracer.Start(ctx, "annotations.Append")
	defer span.End()
	q := `INSERT INTO annotations (` + annCols + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	if _, err := r.Pool.Exec(ctx, q, a.ID, a.Time, a.Dataset, a.User, a.Project, a.ElementID, a.Scheme, a.Label, a.Comment); err != nil {
		return mapErr("annotation.append", err)
	}
	return nil
}

// AppendBatch inserts many history records in one transaction.
func (r *AnnotationRepo) AppendBatch(ctx context.Context, as []domain.Annotation) error {
	tracer := otel.Tracer("repo.annotations")
	ctx, span := tracer.Start(ctx, "annotations.AppendBatch")
	defer span.End()
	tx, err := r.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return mapErr("annotation.append_batch", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()
	q := `INSERT INTO annotations (` + annCols + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`
	for _, a := range as {
		if _, err := tx.Exec(ctx, q, a.ID, a.Time, a.Dataset, a.User, a.Project, a.ElementID, a.Scheme, a.Label, a.Comment); err != nil {
			return mapErr("annotation.append_batch", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr("annotation.append_batch", err)
	}
	return nil
}

// LatestPerElement returns the current label of every annotated element in
// the given partitions. An empty user means across all users.
func (r *AnnotationRepo) LatestPerElement(ctx context.Context, project, scheme string, datasets []domain.Dataset, user string) ([]domain.CurrentLabel, error) {
	tracer := otel.Tracer("repo.annotations")
	ctx, span := tracer.Start(ctx, "annotations.LatestPerElement")
	defer span.End()
	ds := make([]string, len(datasets))
	for i, d := range datasets {
		ds[i] = string(d)
	}
	q := `SELECT DISTINCT ON (element_id) element_id, dataset, label, user_name, time, comment
	      FROM annotations
	      WHERE project=$1 AND scheme=$2 AND dataset = ANY($3) AND ($4 = '' OR user_name = $4)
	      ORDER BY element_id, time DESC, id DESC`
	rows, err := r.Pool.Query(ctx, q, project, scheme, ds, user)
	if err != nil {
		return nil, mapErr("annotation.latest", err)
	}
	defer rows.Close()
	var out []domain.CurrentLabel
	for rows.Next() {
		var c domain.CurrentLabel
		if err := rows.Scan(&c.ElementID, &c.Dataset, &c.Label, &c.User, &c.Time, &c.Comment); err != nil {
			return nil, mapErr("annotation.latest", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// History returns the newest-first record list of one element, or of the
// whole scheme when elementID is empty.
func (r *AnnotationRepo) History(ctx context.Context, project, scheme, elementID string, limit int) ([]domain.Annotation, error) {
	tracer := otel.Tracer("repo.annotations")
	ctx, span := tracer.Start(ctx, "annotations.History")
	defer span.End()
	q := `SELECT ` + annCols + ` FROM annotations
	      WHERE project=$1 AND scheme=$2 AND ($3 = '' OR element_id = $3)
	      ORDER BY time DESC, id DESC LIMIT $4`
	rows, err := r.Pool.Query(ctx, q, project, scheme, elementID, limit)
	if err != nil {
		return nil, mapErr("annotation.history", err)
	}
	defer rows.Close()
	var out []domain.Annotation
	for rows.Next() {
		var a domain.Annotation
		if err := rows.Scan(&a.ID, &a.Time, &a.Dataset, &a.User, &a.Project, &a.ElementID, &a.Scheme, &a.Label, &a.Comment); err != nil {
			return nil, mapErr("annotation.history", err)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DistinctUsers lists users who annotated under a scheme.
func (r *AnnotationRepo) DistinctUsers(ctx context.Context, project, scheme string) ([]string, error) {
	tracer := otel.Tracer("repo.annotations")
	ctx, span := tracer.Start(ctx, "annotations.DistinctUsers")
	defer span.End()
	rows, err := r.Pool.Query(ctx,
		`SELECT DISTINCT user_name FROM annotations WHERE project=$1 AND scheme=$2 ORDER BY user_name`,
		project, scheme)
	if err != nil {
		return nil, mapErr("annotation.users", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, mapErr("annotation.users", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// RecentIDs returns the most recently touched element ids of a user,
// newest first, deduplicated.
func (r *AnnotationRepo) RecentIDs(ctx context.Context, project, user, scheme string, limit int, dataset domain.Dataset) ([]string, error) {
	tracer := otel.Tracer("repo.annotations")
	ctx, span := tracer.Start(ctx, "annotations.RecentIDs")
	defer span.End()
	q := `SELECT element_id FROM (
	        SELECT DISTINCT ON (element_id) element_id, time, id
	        FROM annotations
	        WHERE project=$1 AND user_name=$2 AND scheme=$3 AND dataset=$4
	        ORDER BY element_id, time DESC, id DESC
	      ) t ORDER BY t.time DESC, t.id DESC LIMIT $5`
	rows, err := r.Pool.Query(ctx, q, project, user, scheme, dataset, limit)
	if err != nil {
		return nil, mapErr("annotation.recent", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, mapErr("annotation.recent", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ReconciliationTable groups the latest label of every (element, user)
// pair and keeps the elements where at least two users disagree.
func (r *AnnotationRepo) ReconciliationTable(ctx context.Context, project, scheme string) ([]domain.Disagreement, error) {
	tracer := otel.Tracer("repo.annotations")
	ctx, span := tracer.Start(ctx, "annotations.ReconciliationTable")
	defer span.End()
	q := `SELECT DISTINCT ON (element_id, user_name) element_id, user_name, label
	      FROM annotations
	      WHERE project=$1 AND scheme=$2 AND dataset='train'
	      ORDER BY element_id, user_name, time DESC, id DESC`
	rows, err := r.Pool.Query(ctx, q, project, scheme)
	if err != nil {
		return nil, mapErr("annotation.reconciliation", err)
	}
	defer rows.Close()
	byElement := make(map[string]map[string]string)
	var order []string
	for rows.Next() {
		var el, user string
		var label *string
		if err := rows.Scan(&el, &user, &label); err != nil {
			return nil, mapErr("annotation.reconciliation", err)
		}
		if label == nil {
			continue
		}
		if _, ok := byElement[el]; !ok {
			byElement[el] = make(map[string]string)
			order = append(order, el)
		}
		byElement[el][user] = *label
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("annotation.reconciliation", err)
	}
	var out []domain.Disagreement
	for _, el := range order {
		labels := byElement[el]
		if len(labels) < 2 {
			continue
		}
		distinct := make(map[string]bool)
		for _, l := range labels {
			distinct[l] = true
		}
		if len(distinct) < 2 {
			continue
		}
		out = append(out, domain.Disagreement{ElementID: el, Labels: labels})
	}
	return out, nil
}

// DeleteDataset drops the history of one partition, used when an eval set
// is removed.
func (r *AnnotationRepo) DeleteDataset(ctx context.Context, project string, dataset domain.Dataset) error {
	tracer := otel.Tracer("repo.annotations")
	ctx, span := tracer.Start(ctx, "annotations.DeleteDataset")
	defer span.End()
	if _, err := r.Pool.Exec(ctx, `DELETE FROM annotations WHERE project=$1 AND dataset=$2`, project, dataset); err != nil {
		return mapErr("annotation.delete_dataset", err)
	}
	return nil
}
