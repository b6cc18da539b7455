package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CALSYNC_DEFAULT_WINNER", "")
	t.Setenv("CALSYNC_SYNC_SCHEDULE", "")
	t.Setenv("DATABASE_URL", "")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.LogLevel)
	assert.True(t, cfg.Sync.Enabled)
	assert.Equal(t, "*/15 * * * *", cfg.Sync.Schedule)
	assert.Equal(t, WinnerLocal, cfg.Sync.DefaultWinner)
	assert.Equal(t, 1, cfg.Sync.MaxParallelUsers)
	assert.Equal(t, 730*24*time.Hour, cfg.Sync.DailyLimit)
	assert.Equal(t, 730*24*time.Hour, cfg.Sync.WeeklyLimit)
	assert.Equal(t, 730*24*time.Hour, cfg.Sync.MonthlyLimit)
	assert.Equal(t, 3650*24*time.Hour, cfg.Sync.YearlyLimit)
	assert.Equal(t, 30*24*time.Hour, cfg.Sync.LogRetention())
	assert.Equal(t, uint32(5), cfg.Sync.BreakerFailures)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("CALSYNC_DEFAULT_WINNER", "Remote")
	t.Setenv("CALSYNC_RECURRENCE_YEARLY_LIMIT", "365")
	t.Setenv("CALSYNC_MAX_PARALLEL_USERS", "4")
	t.Setenv("CALSYNC_SYNC_ENABLED", "false")
	t.Setenv("CALSYNC_SYNC_TIMEOUT", "90s")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, WinnerRemote, cfg.Sync.DefaultWinner)
	assert.Equal(t, 365*24*time.Hour, cfg.Sync.YearlyLimit)
	assert.Equal(t, 4, cfg.Sync.MaxParallelUsers)
	assert.False(t, cfg.Sync.Enabled)
	assert.Equal(t, 90*time.Second, cfg.Sync.Timeout)
}

func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("CALSYNC_MAX_OCCURRENCES", "many")
	t.Setenv("CALSYNC_SYNC_TIMEOUT", "soon")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2000, cfg.Sync.MaxOccurrences)
	assert.Equal(t, 10*time.Minute, cfg.Sync.Timeout)
}

func TestLoad_RejectsUnknownWinner(t *testing.T) {
	t.Setenv("CALSYNC_DEFAULT_WINNER", "newest")

	_, err := Load()
	assert.ErrorContains(t, err, "CALSYNC_DEFAULT_WINNER")
}

func TestValidate_Driver(t *testing.T) {
	cfg := &Config{DatabaseDriver: "mysql", Sync: SyncConfig{DefaultWinner: WinnerLocal, MaxParallelUsers: 1}}
	assert.Error(t, cfg.Validate())

	cfg.DatabaseDriver = "postgres"
	assert.NoError(t, cfg.Validate())
}
