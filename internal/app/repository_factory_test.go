package app

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/crypto"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/database/sqlite"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/migrations"
)

type unknownConnection struct{ database.Connection }

func (unknownConnection) Driver() database.Driver { return "mysql" }

func TestNewRepositoryFactory(t *testing.T) {
	ctx := context.Background()
	conn, err := sqlite.NewConnection(ctx, database.Config{SQLitePath: sqlite.MemoryPath})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, migrations.Up(ctx, conn.(*sqlite.Connection).DB(), database.DriverSQLite))

	enc, err := crypto.NewAESGCMFromPassphrase("correct horse", "calsync")
	require.NoError(t, err)
	factory, err := NewRepositoryFactory(conn, enc)
	require.NoError(t, err)

	user, err := domain.NewLocalUser("alice", "Alice", "alice@example.com")
	require.NoError(t, err)
	require.NoError(t, factory.LocalUserRepository().Save(ctx, user))

	repos := factory.SyncRepositories()
	binding, err := domain.NewSyncUser(user.ID(), domain.ServerGeneric, "https://dav.example.com", "alice", "hunter2")
	require.NoError(t, err)
	require.NoError(t, repos.SyncUsers.Save(ctx, binding))

	var stored string
	require.NoError(t, conn.(*sqlite.Connection).DB().QueryRowContext(ctx,
		"SELECT secret_enc FROM sync_users WHERE id = ?", binding.ID().String()).Scan(&stored))
	assert.NotContains(t, stored, "hunter2", "secrets are encrypted at rest")

	loaded, err := repos.SyncUsers.FindByUserID(ctx, user.ID())
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, "hunter2", loaded.Secret())

	missing, err := repos.SyncUsers.FindByUserID(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)

	_, err = NewRepositoryFactory(unknownConnection{}, enc)
	assert.ErrorContains(t, err, "unsupported driver")
}
