package cli

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	internalApp "github.com/felixgeelhaar/calsync/internal/app"
	calendarApp "github.com/felixgeelhaar/calsync/internal/calendar/application"
	"github.com/felixgeelhaar/calsync/internal/calendar/application/reconcile"
	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/calendar/infrastructure/caldav"
	"github.com/felixgeelhaar/calsync/pkg/config"
)

// stubRemote accepts every write and serves nothing back.
type stubRemote struct {
	mu   sync.Mutex
	puts []*caldav.RemoteObject
	err  error
}

func (s *stubRemote) ListCalendars(context.Context) ([]caldav.Calendar, error) {
	if s.err != nil {
		return nil, s.err
	}
	return []caldav.Calendar{{URL: "/dav/calendars/alice/personal/", Name: "Personal"}}, nil
}

func (s *stubRemote) FetchObjects(context.Context, string, time.Time) ([]*caldav.RemoteObject, []error, error) {
	return nil, nil, s.err
}

func (s *stubRemote) Put(_ context.Context, obj *caldav.RemoteObject) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if obj.Href == "" {
		obj.Href = caldav.ObjectPath(obj.CalendarURL, obj.UID)
	}
	obj.ETag = `"1"`
	s.puts = append(s.puts, obj)
	return nil
}

func (s *stubRemote) Delete(context.Context, string) error { return nil }

func (s *stubRemote) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.puts)
}

// setupTestApp creates a CLI application backed by a temporary SQLite
// database. Generic servers resolve to remote.
func setupTestApp(t *testing.T) (*internalApp.Container, *stubRemote) {
	t.Helper()

	cfg := &config.Config{
		AppEnv:               "development",
		DatabaseDriver:       "sqlite",
		SQLitePath:           filepath.Join(t.TempDir(), "cli.db"),
		EncryptionPassphrase: "cli test passphrase",
		WorkerHealthAddr:     "127.0.0.1:0",
		Sync: config.SyncConfig{
			Schedule:         "*/15 * * * *",
			MaxParallelUsers: 2,
			DefaultWinner:    config.WinnerLocal,
			LogRetentionDays: 30,
			BreakerFailures:  5,
		},
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	ctx := context.Background()
	container, err := internalApp.NewContainer(ctx, cfg, logger)
	require.NoError(t, err)

	remote := &stubRemote{}
	container.Servers.Register(domain.ServerGeneric, func(*domain.SyncUser) (reconcile.RemoteStore, error) {
		return remote, nil
	})

	SetApp(NewApp(container))
	SetLogger(logger)
	t.Cleanup(func() {
		SetApp(nil)
		_ = container.Close()
	})
	_, err = execute(t, "migrate")
	require.NoError(t, err)
	return container, remote
}

// execute runs the root command with args and returns its output.
// Flags are reset afterwards so runs do not leak into each other.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	defer resetFlags(rootCmd)
	err := rootCmd.ExecuteContext(context.Background())
	return buf.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func TestCommands_RequireApp(t *testing.T) {
	SetApp(nil)
	for _, args := range [][]string{
		{"migrate"},
		{"users", "list"},
		{"sync", "run"},
		{"logs", "list"},
	} {
		_, err := execute(t, args...)
		assert.ErrorIs(t, err, errNotInitialized, args)
	}
}

func TestVersion(t *testing.T) {
	out, err := execute(t, "--version")
	require.NoError(t, err)
	assert.Contains(t, out, "calsync dev")
}

func TestUsersLifecycle(t *testing.T) {
	container, _ := setupTestApp(t)

	out, err := execute(t, "users", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No users bound")

	out, err = execute(t, "users", "add", "alice",
		"--email", "alice@example.com",
		"--server-type", "generic",
		"--server-url", "https://dav.example.com/",
		"--secret", "pw")
	require.NoError(t, err)
	assert.Contains(t, out, "Bound alice to https://dav.example.com")
	assert.Contains(t, out, "* Personal")

	out, err = execute(t, "users", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "never")

	out, err = execute(t, "users", "test", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "Connection OK, 1 calendars")

	_, err = execute(t, "users", "disable", "alice")
	require.NoError(t, err)
	enabled, err := container.Repos.SyncUsers.FindEnabled(context.Background())
	require.NoError(t, err)
	assert.Empty(t, enabled)

	_, err = execute(t, "users", "test", "bob")
	assert.ErrorIs(t, err, domain.ErrUserNotFound)

	out, err = execute(t, "users", "remove", "alice", "--purge")
	require.NoError(t, err)
	assert.Contains(t, out, "Purged 0 events")
	bindings, err := container.Repos.SyncUsers.FindAll(context.Background())
	require.NoError(t, err)
	assert.Empty(t, bindings)
}

func TestUsersAdd_ReportsConnectionCode(t *testing.T) {
	_, remote := setupTestApp(t)
	remote.err = &domain.ConnectionError{Code: domain.ConnCodeAuth, Server: "https://dav.example.com"}

	_, err := execute(t, "users", "add", "alice", "--server-type", "generic", "--server-url", "https://dav.example.com", "--secret", "pw")
	assert.ErrorContains(t, err, "code 1000")
}

func TestUsersImport(t *testing.T) {
	container, _ := setupTestApp(t)
	t.Setenv("CALSYNC_TEST_BOB_SECRET", "from-env")

	dir := t.TempDir()
	secretFile := filepath.Join(dir, "dave.secret")
	require.NoError(t, os.WriteFile(secretFile, []byte("from-file\n"), 0o600))
	path := filepath.Join(dir, "users.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
users:
  - login: alice
    email: alice@example.com
    server_type: generic
    server_url: https://dav.example.com
    secret: pw
  - login: bob
    server_type: generic
    server_url: https://dav.example.com
    secret_env: CALSYNC_TEST_BOB_SECRET
    sync_since: 2026-01-01
  - login: carol
    server_type: generic
    server_url: https://dav.example.com
    secret_env: CALSYNC_TEST_UNSET
  - login: dave
    server_type: generic
    server_url: https://dav.example.com
    secret_file: `+secretFile+`
`), 0o600))

	out, err := execute(t, "users", "import", path, "--no-verify")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "CALSYNC_TEST_UNSET")
	assert.Contains(t, out, "Imported 3 of 4 users")

	bob, err := container.LocalUsers.FindByLogin(context.Background(), "bob")
	require.NoError(t, err)
	require.NotNil(t, bob)
	binding, err := container.Repos.SyncUsers.FindByUserID(context.Background(), bob.ID())
	require.NoError(t, err)
	assert.Equal(t, "from-env", binding.Secret())
	assert.True(t, binding.SyncSince().Equal(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)))

	dave, err := container.LocalUsers.FindByLogin(context.Background(), "dave")
	require.NoError(t, err)
	require.NotNil(t, dave)
	binding, err = container.Repos.SyncUsers.FindByUserID(context.Background(), dave.ID())
	require.NoError(t, err)
	assert.Equal(t, "from-file", binding.Secret())
}

func TestDecodeUserFile_RejectsUnknownFields(t *testing.T) {
	_, err := decodeUserFile(bytes.NewBufferString("users:\n  - login: alice\n    pasword: typo\n"))
	assert.ErrorContains(t, err, "pasword")

	_, err = decodeUserFile(bytes.NewBufferString("users:\n  - email: a@example.com\n"))
	assert.ErrorContains(t, err, "login is required")
}

func TestSyncRun_PushesLocalEvent(t *testing.T) {
	container, remote := setupTestApp(t)
	ctx := context.Background()

	_, err := execute(t, "users", "add", "alice", "--server-type", "generic", "--server-url", "https://dav.example.com", "--secret", "pw")
	require.NoError(t, err)
	alice, err := container.LocalUsers.FindByLogin(ctx, "alice")
	require.NoError(t, err)

	out, err := execute(t, "calendars", "list", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "/dav/calendars/alice/personal/")

	start := time.Now().UTC().Truncate(time.Hour).Add(24 * time.Hour)
	event, err := domain.NewEvent(alice.ID(), domain.Content{
		Title:    "Planning",
		Start:    start,
		End:      start.Add(time.Hour),
		TimeZone: "UTC",
	}, domain.OriginUser)
	require.NoError(t, err)
	require.NoError(t, container.Repos.Events.Save(ctx, event))

	out, err = execute(t, "events", "list", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "pending")

	out, err = execute(t, "sync", "run", "--user", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "remote +1")
	assert.Equal(t, 1, remote.count())

	out, err = execute(t, "events", "list", "alice")
	require.NoError(t, err)
	assert.Contains(t, out, "synced")
	assert.Contains(t, out, "Planning")

	out, err = execute(t, "logs", "list")
	require.NoError(t, err)
	assert.Contains(t, out, string(domain.SyncLogSuccess))

	runs, err := container.Repos.Logs.FindRecent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	out, err = execute(t, "logs", "show", runs[0].ID().String())
	require.NoError(t, err)
	assert.Contains(t, out, "1 users")
}

func TestSyncRun_All(t *testing.T) {
	setupTestApp(t)
	_, err := execute(t, "users", "add", "alice", "--server-type", "generic", "--server-url", "https://dav.example.com", "--secret", "pw", "--no-verify")
	require.NoError(t, err)

	out, err := execute(t, "sync", "run")
	require.NoError(t, err)
	assert.Contains(t, out, "alice")
	assert.Contains(t, out, "1 users, 0 failed")
}

func TestLogsPrune(t *testing.T) {
	setupTestApp(t)

	_, err := execute(t, "logs", "prune", "--days", "0")
	assert.ErrorContains(t, err, "retention must be positive")

	out, err := execute(t, "logs", "prune")
	require.NoError(t, err)
	assert.Contains(t, out, "Deleted 0 runs")
}

func TestAccountDefaults_Apply(t *testing.T) {
	defaults := AccountDefaults{ServerURL: "https://dav.example.com", RemoteLogin: "svc", Secret: "pw"}

	generic := calendarApp.BindCommand{ServerType: domain.ServerGeneric, Secret: "own"}
	defaults.apply(&generic)
	assert.Equal(t, "https://dav.example.com", generic.ServerURL)
	assert.Equal(t, "svc", generic.RemoteLogin)
	assert.Equal(t, "own", generic.Secret)

	apple := calendarApp.BindCommand{ServerType: domain.ServerApple}
	defaults.apply(&apple)
	assert.Empty(t, apple.ServerURL, "well-known servers keep their address")
}
