package postgres

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/activetigger/activetigger/internal/domain"
)

// MessageRepo stores user and system notices.
type MessageRepo struct{ Pool PgxPool }

// NewMessageRepo constructs a MessageRepo with the given pool.
func NewMessageRepo(p PgxPool) *MessageRepo { return &MessageRepo{Pool: p} }

// Add stores one notice.
func (r *MessageRepo) Add(ctx context.Context, m domain.Message) error {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.Add")
	defer span.End()
	q := `INSERT INTO messages (time, user_name, kind, content, for_user) VALUES ($1,$2,$3,$4,$5)`
	if _, err := r.Pool.Exec(ctx, q, time.Now().UTC(), m.User, m.Kind, m.Content, m.For); err != nil {
		return mapErr("message.add", err)
	}
	return nil
}

// List returns recent notices, newest first. Empty kind or forWho means
// no filter.
func (r *MessageRepo) List(ctx context.Context, kind, forWho string, limit int) ([]domain.Message, error) {
	tracer := otel.Tracer("repo.messages")
	ctx, span := tracer.Start(ctx, "messages.List")
	defer span.End()
	q := `SELECT id, time, user_name, kind, content, for_user FROM messages
	      WHERE ($1='' OR kind=$1) AND ($2='' OR for_user=$2 OR for_user='')
	      ORDER BY time DESC, id DESC LIMIT $3`
	rows, err := r.Pool.Query(ctx, q, kind, forWho, limit)
	if err != nil {
		return nil, mapErr("message.list", err)
	}
	defer rows.Close()
	var out []domain.Message
	for rows.Next() {
		var m domain.Message
		if err := rows.Scan(&m.ID, &m.Time, &m.User, &m.Kind, &m.Content, &m.For); err != nil {
			return nil, mapErr("message.list", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
