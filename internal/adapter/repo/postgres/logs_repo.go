package postgres

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/activetigger/activetigger/internal/domain"
)

// LogRepo appends and reads the audit trail.
type LogRepo struct{ Pool PgxPool }

// NewLogRepo constructs a LogRepo with the given pool.
func NewLogRepo(p PgxPool) *LogRepo { return &LogRepo{Pool: p} }

// Add appends one audit record.
func (r *LogRepo) Add(ctx context.Context, user, action, project string) error {
	tracer := otel.Tracer("repo.logs")
	ctx, span := tracer.Start(ctx, "logs.Add")
	defer span.End()
	q := `INSERT INTO logs (time, user_name, project, action) VALUES ($1,$2,$3,$4)`
	if _, err := r.Pool.Exec(ctx, q, time.Now().UTC(), user, project, action); err != nil {
		return mapErr("log.add", err)
	}
	return nil
}

// List returns recent records, newest first. Empty project or user means
// no filter on that field.
func (r *LogRepo) List(ctx context.Context, project, user string, limit int) ([]domain.LogEntry, error) {
	tracer := otel.Tracer("repo.logs")
	ctx, span := tracer.Start(ctx, "logs.List")
	defer span.End()
	q := `SELECT id, time, user_name, project, action FROM logs
	      WHERE ($1 = '' OR project = $1) AND ($2 = '' OR user_name = $2)
	      ORDER BY time DESC, id DESC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, project, user, limit)
	if err != nil {
		return nil, mapErr("log.list", err)
	}
	defer rows.Close()
	var out []domain.LogEntry
	for rows.Next() {
		var e domain.LogEntry
		if err := rows.Scan(&e.ID, &e.Time, &e.User, &e.Project, &e.Action); err != nil {
			return nil, mapErr("log.list", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ActiveUsers returns users with activity within the window.
func (r *LogRepo) ActiveUsers(ctx context.Context, window time.Duration) ([]string, error) {
	tracer := otel.Tracer("repo.logs")
	ctx, span := tracer.Start(ctx, "logs.ActiveUsers")
	defer span.End()
	since := time.Now().UTC().Add(-window)
	rows, err := r.Pool.Query(ctx,
		`SELECT DISTINCT user_name FROM logs WHERE time >= $1 ORDER BY user_name`, since)
	if err != nil {
		return nil, mapErr("log.active_users", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, mapErr("log.active_users", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// LastActivity returns the newest log time of a project, nil when silent.
func (r *LogRepo) LastActivity(ctx context.Context, project string) (*time.Time, error) {
	tracer := otel.Tracer("repo.logs")
	ctx, span := tracer.Start(ctx, "logs.LastActivity")
	defer span.End()
	var t *time.Time
	if err := r.Pool.QueryRow(ctx, `SELECT MAX(time) FROM logs WHERE project=$1`, project).Scan(&t); err != nil {
		return nil, mapErr("log.last_activity", err)
	}
	return t, nil
}
