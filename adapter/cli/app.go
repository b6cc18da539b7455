package cli

import (
	"context"
	"log/slog"
	"time"

	internalApp "github.com/felixgeelhaar/calsync/internal/app"
	calendarApp "github.com/felixgeelhaar/calsync/internal/calendar/application"
	"github.com/felixgeelhaar/calsync/internal/calendar/application/reconcile"
	"github.com/felixgeelhaar/calsync/internal/calendar/application/workers"
	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/calsync/pkg/observability"
)

// App holds the CLI application dependencies.
type App struct {
	// Schema
	Migrate func(ctx context.Context) error

	// Account management
	BindService   *calendarApp.BindService
	RemoveService *calendarApp.RemoveService
	LocalUsers    domain.LocalUserRepository

	// Sync engine
	Orchestrator *reconcile.Orchestrator
	Repos        reconcile.Repositories

	// Background processing
	SyncWorker      *workers.SyncWorker
	OutboxProcessor *outbox.Processor
	Health          *observability.HealthRegistry

	// Settings
	Defaults        AccountDefaults
	WorkerAddr      string
	LogRetention    time.Duration
	DefaultLookback time.Duration

	Logger *slog.Logger
}

// AccountDefaults fill the account fields "users add" and "users import"
// leave empty.
type AccountDefaults struct {
	ServerURL   string
	RemoteLogin string
	Secret      string
}

// apply fills the empty fields of cmd. Server flavours with a well-known
// address keep it.
func (d AccountDefaults) apply(cmd *calendarApp.BindCommand) {
	if cmd.ServerURL == "" && cmd.ServerType.DefaultURL() == "" {
		cmd.ServerURL = d.ServerURL
	}
	if cmd.RemoteLogin == "" {
		cmd.RemoteLogin = d.RemoteLogin
	}
	if cmd.Secret == "" {
		cmd.Secret = d.Secret
	}
}

// NewApp creates the CLI application from a wired container.
func NewApp(c *internalApp.Container) *App {
	return &App{
		Migrate:         c.Migrate,
		BindService:     c.BindService,
		RemoveService:   c.RemoveService,
		LocalUsers:      c.LocalUsers,
		Orchestrator:    c.Orchestrator,
		Repos:           c.Repos,
		SyncWorker:      c.SyncWorker,
		OutboxProcessor: c.OutboxProcessor,
		Health:          c.Health,
		Defaults: AccountDefaults{
			ServerURL:   c.Config.CalDAVServerURL,
			RemoteLogin: c.Config.CalDAVLogin,
			Secret:      c.Config.CalDAVPassword,
		},
		WorkerAddr:      c.Config.WorkerHealthAddr,
		LogRetention:    c.Config.Sync.LogRetention(),
		DefaultLookback: 30 * 24 * time.Hour,
		Logger:          c.Logger,
	}
}

// app is the global CLI application instance.
var app *App

// SetApp sets the global CLI application instance.
func SetApp(a *App) {
	app = a
}

// GetApp returns the global CLI application instance.
func GetApp() *App {
	return app
}
