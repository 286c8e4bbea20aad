package postgres

import (
	"context"
	"fmt"
)

// schemaDDL is idempotent; EnsureSchema runs at every boot.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS projects (
	slug        TEXT PRIMARY KEY,
	params      JSONB NOT NULL,
	created_by  TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS users (
	user_name       TEXT PRIMARY KEY,
	hashed_password TEXT NOT NULL,
	role            TEXT NOT NULL,
	mail            TEXT NOT NULL DEFAULT '',
	created_by      TEXT NOT NULL DEFAULT '',
	created_at      TIMESTAMPTZ NOT NULL,
	deactivated_at  TIMESTAMPTZ
);
CREATE TABLE IF NOT EXISTS auths (
	project   TEXT NOT NULL,
	user_name TEXT NOT NULL,
	role      TEXT NOT NULL,
	PRIMARY KEY (project, user_name)
);
CREATE TABLE IF NOT EXISTS schemes (
	project     TEXT NOT NULL,
	name        TEXT NOT NULL,
	kind        TEXT NOT NULL,
	labels      JSONB NOT NULL,
	codebook    TEXT NOT NULL DEFAULT '',
	codebook_at TIMESTAMPTZ NOT NULL,
	created_by  TEXT NOT NULL DEFAULT '',
	PRIMARY KEY (project, name)
);
CREATE TABLE IF NOT EXISTS annotations (
	id         TEXT PRIMARY KEY,
	time       TIMESTAMPTZ NOT NULL,
	dataset    TEXT NOT NULL,
	user_name  TEXT NOT NULL,
	project    TEXT NOT NULL,
	element_id TEXT NOT NULL,
	scheme     TEXT NOT NULL,
	label      TEXT,
	comment    TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS annotations_latest_idx
	ON annotations (project, scheme, element_id, time DESC, id DESC);
CREATE INDEX IF NOT EXISTS annotations_user_idx
	ON annotations (project, user_name, time DESC);
CREATE TABLE IF NOT EXISTS features (
	project    TEXT NOT NULL,
	name       TEXT NOT NULL,
	kind       TEXT NOT NULL,
	parameters JSONB NOT NULL,
	user_name  TEXT NOT NULL,
	columns    JSONB NOT NULL,
	time       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (project, name)
);
CREATE TABLE IF NOT EXISTS models (
	project    TEXT NOT NULL,
	name       TEXT NOT NULL,
	kind       TEXT NOT NULL,
	user_name  TEXT NOT NULL,
	scheme     TEXT NOT NULL,
	parameters JSONB NOT NULL,
	path       TEXT NOT NULL,
	status     TEXT NOT NULL,
	time       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (project, name)
);
CREATE TABLE IF NOT EXISTS logs (
	id        BIGSERIAL PRIMARY KEY,
	time      TIMESTAMPTZ NOT NULL,
	user_name TEXT NOT NULL,
	project   TEXT NOT NULL,
	action    TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS logs_time_idx ON logs (time DESC);
CREATE TABLE IF NOT EXISTS tokens (
	token  TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	time   TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS generations (
	id         BIGSERIAL PRIMARY KEY,
	time       TIMESTAMPTZ NOT NULL,
	user_name  TEXT NOT NULL,
	project    TEXT NOT NULL,
	element_id TEXT NOT NULL,
	model_id   TEXT NOT NULL,
	prompt     TEXT NOT NULL,
	answer     TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS prompts (
	id        BIGSERIAL PRIMARY KEY,
	project   TEXT NOT NULL,
	user_name TEXT NOT NULL,
	name      TEXT NOT NULL,
	value     TEXT NOT NULL,
	time      TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS messages (
	id        BIGSERIAL PRIMARY KEY,
	time      TIMESTAMPTZ NOT NULL,
	user_name TEXT NOT NULL,
	kind      TEXT NOT NULL,
	content   TEXT NOT NULL,
	for_user  TEXT NOT NULL DEFAULT ''
);
`

// EnsureSchema creates all tables and indexes if absent.
func EnsureSchema(ctx context.Context, pool PgxPool) error {
	if _, err := pool.Exec(ctx, schemaDDL); err != nil {
		return fmt.Errorf("op=postgres.EnsureSchema: %w", err)
	}
	return nil
}
