package migrations_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/database"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/database/sqlite"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/migrations"
)

func TestUp_SQLite(t *testing.T) {
	ctx := context.Background()
	conn, err := sqlite.NewConnection(ctx, database.Config{SQLitePath: sqlite.MemoryPath})
	require.NoError(t, err)
	defer conn.Close()

	db := conn.(*sqlite.Connection).DB()
	require.NoError(t, migrations.Up(ctx, db, database.DriverSQLite))
	// Re-running is a no-op.
	require.NoError(t, migrations.Up(ctx, db, database.DriverSQLite))

	version, err := migrations.Version(ctx, db, database.DriverSQLite)
	require.NoError(t, err)
	assert.Equal(t, int64(2), version)

	for _, table := range []string{"events", "recurrence_series", "sync_users", "sync_log_lines", "outbox"} {
		var name string
		err := db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&name)
		require.NoError(t, err, table)
	}
}

func TestUp_UnsupportedDriver(t *testing.T) {
	err := migrations.Up(context.Background(), nil, database.Driver("mysql"))
	assert.Error(t, err)
}
