package database_test

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/database/sqlite"
)

func newMockConnection(t *testing.T) (*sqlite.Connection, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return sqlite.NewConnectionFromDB(db), mock
}

func TestUnitOfWork_CommitUsesContextTransaction(t *testing.T) {
	conn, mock := newMockConnection(t)
	uow := database.NewUnitOfWork(conn)

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE events SET synced").WithArgs(1, "e1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ctx, err := uow.Begin(context.Background())
	require.NoError(t, err)

	_, err = database.ExecutorFromContext(ctx, conn).Exec(ctx, "UPDATE events SET synced = ? WHERE id = ?", 1, "e1")
	require.NoError(t, err)
	require.NoError(t, uow.Commit(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnitOfWork_NestedBeginDoesNotCommit(t *testing.T) {
	conn, mock := newMockConnection(t)
	uow := database.NewUnitOfWork(conn)

	mock.ExpectBegin()
	mock.ExpectRollback()

	outer, err := uow.Begin(context.Background())
	require.NoError(t, err)
	inner, err := uow.Begin(outer)
	require.NoError(t, err)

	// inner commit is a no-op, outer rollback reaches the driver
	require.NoError(t, uow.Commit(inner))
	require.NoError(t, uow.Rollback(outer))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnitOfWork_BeginError(t *testing.T) {
	conn, mock := newMockConnection(t)
	uow := database.NewUnitOfWork(conn)

	mock.ExpectBegin().WillReturnError(errors.New("database is locked"))

	_, err := uow.Begin(context.Background())
	require.Error(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestUnitOfWork_NoTransaction(t *testing.T) {
	conn, _ := newMockConnection(t)
	uow := database.NewUnitOfWork(conn)

	assert.ErrorIs(t, uow.Commit(context.Background()), database.ErrNoTransaction)
	assert.ErrorIs(t, uow.Rollback(context.Background()), database.ErrNoTransaction)
}
