package postgres_test

import (
	"context"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/require"

	"github.com/activetigger/activetigger/internal/adapter/repo/postgres"
	"github.com/activetigger/activetigger/internal/domain"
)

func TestSchemeAdd_UniqueViolationIsAlreadyExists(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execErr: &pgconn.PgError{Code: "23505"}}
	repo := postgres.NewSchemeRepo(pool)
	err := repo.Add(context.Background(), domain.Scheme{Project: "p", Name: "default", Kind: domain.SchemeMulticlass})
	require.ErrorIs(t, err, domain.ErrAlreadyExists)
}

func TestUserGet_NoRowsIsNotFound(t *testing.T) {
	t.Parallel()
	pool := &poolStub{row: rowStub{scan: func(_ ...any) error { return pgx.ErrNoRows }}}
	repo := postgres.NewUserRepo(pool)
	_, err := repo.Get(context.Background(), "ghost")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestProjectUpdate_MissingRowIsNotFound(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 0")}
	repo := postgres.NewProjectRepo(pool)
	err := repo.Update(context.Background(), domain.ProjectParams{Slug: "ghost"})
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestModelSetStatus_MissingRowIsNotFound(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execTag: pgconn.NewCommandTag("UPDATE 0")}
	repo := postgres.NewModelRepo(pool)
	err := repo.SetStatus(context.Background(), "p", "ghost", domain.ModelTrained)
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestModelRename_CollisionIsAlreadyExists(t *testing.T) {
	t.Parallel()
	pool := &poolStub{execErr: &pgconn.PgError{Code: "23505"}}
	repo := postgres.NewModelRepo(pool)
	err := repo.Rename(context.Background(), "p", "old", "taken")
	require.ErrorIs(t, err, domain.ErrAlreadyExists)
}
