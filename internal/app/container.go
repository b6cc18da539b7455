// Package app wires the sync engine from configuration.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	calendarApp "github.com/felixgeelhaar/calsync/internal/calendar/application"
	"github.com/felixgeelhaar/calsync/internal/calendar/application/identity"
	"github.com/felixgeelhaar/calsync/internal/calendar/application/reconcile"
	"github.com/felixgeelhaar/calsync/internal/calendar/application/recurrence"
	calendarSubs "github.com/felixgeelhaar/calsync/internal/calendar/application/subscribers"
	calendarWorkers "github.com/felixgeelhaar/calsync/internal/calendar/application/workers"
	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/calendar/infrastructure/caldav"
	"github.com/felixgeelhaar/calsync/internal/calendar/infrastructure/persistence"
	calendarSetup "github.com/felixgeelhaar/calsync/internal/calendar/setup"
	sharedApplication "github.com/felixgeelhaar/calsync/internal/shared/application"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/crypto"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/database"
	_ "github.com/felixgeelhaar/calsync/internal/shared/infrastructure/database/postgres" // Register PostgreSQL driver
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/database/sqlite"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/eventbus"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/lock"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/migrations"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/outbox"
	"github.com/felixgeelhaar/calsync/pkg/config"
	"github.com/felixgeelhaar/calsync/pkg/observability"
)

// devPassphrase seals secrets in development when no key is configured.
const devPassphrase = "calsync-development-only"

// Container holds all application dependencies.
type Container struct {
	Config *config.Config
	Logger *slog.Logger

	// Database
	DBConn   database.Connection
	DBDriver database.Driver

	// Redis, nil unless REDIS_URL is set.
	RedisClient *redis.Client

	// Repositories
	Repos      reconcile.Repositories
	LocalUsers *persistence.LocalUserRepository
	Contacts   *persistence.ContactRepository
	OutboxRepo *outbox.SQLRepository
	UnitOfWork sharedApplication.UnitOfWork

	// Publishers. EventPublisher is what the outbox processor drains into:
	// the in-process bus, plus RabbitMQ when configured.
	EventPublisher eventbus.Publisher
	InProcessBus   *eventbus.InProcessPublisher

	Locker  lock.Locker
	Metrics observability.Metrics
	Health  *observability.HealthRegistry

	// Sync engine
	Servers      *calendarApp.ServerRegistry
	Orchestrator *reconcile.Orchestrator

	// Account management
	BindService   *calendarApp.BindService
	RemoveService *calendarApp.RemoveService

	// Background processing
	BindingSubscriber *calendarSubs.BindingSubscriber
	OutboxProcessor   *outbox.Processor
	SyncWorker        *calendarWorkers.SyncWorker
}

// NewContainer creates and wires all dependencies.
func NewContainer(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Container, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Container{
		Config:  cfg,
		Logger:  logger,
		Metrics: observability.NewInMemoryMetrics(),
		Health:  observability.NewHealthRegistry(),
	}

	conn, err := database.NewConnection(ctx, database.Config{
		Driver:     database.Driver(cfg.DatabaseDriver),
		URL:        cfg.DatabaseURL,
		SQLitePath: cfg.SQLitePath,
		MaxConns:   cfg.DatabaseMaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	c.DBConn = conn
	c.DBDriver = conn.Driver()
	c.Health.Register("database", observability.PingHealthChecker("database", conn.Ping))
	logger.Info("connected to database", "driver", c.DBDriver)

	encrypter, err := newEncrypter(cfg, logger)
	if err != nil {
		c.Close()
		return nil, err
	}

	factory, err := NewRepositoryFactory(conn, encrypter)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Repos = factory.SyncRepositories()
	c.LocalUsers = factory.LocalUserRepository()
	c.Contacts = factory.ContactRepository()
	c.OutboxRepo = factory.OutboxRepository()
	c.UnitOfWork = database.NewUnitOfWork(conn)

	// Redis backs the re-entry guard across processes. Without it the
	// guard only covers this process.
	c.Locker = lock.NewLocalLocker()
	if cfg.RedisURL != "" {
		client, err := connectRedis(ctx, cfg.RedisURL)
		if err != nil {
			if !cfg.IsDevelopment() {
				c.Close()
				return nil, err
			}
			logger.Warn("Redis not available, using in-process sync guard", "error", err)
		} else {
			c.RedisClient = client
			c.Locker = lock.NewRedisLocker(client, cfg.Sync.LockTTL)
			c.Health.Register("redis", observability.OptionalHealthChecker("redis", func(ctx context.Context) error {
				return client.Ping(ctx).Err()
			}))
			logger.Info("connected to Redis")
		}
	}

	c.InProcessBus = eventbus.NewInProcessPublisher(logger)
	c.EventPublisher = c.InProcessBus
	if cfg.RabbitMQURL != "" {
		rabbit, err := eventbus.NewRabbitMQPublisher(cfg.RabbitMQURL, logger)
		if err != nil {
			if !cfg.IsDevelopment() {
				c.Close()
				return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
			}
			logger.Warn("RabbitMQ not available, events stay in process", "error", err)
		} else {
			c.EventPublisher = eventbus.NewFanoutPublisher(rabbit, c.InProcessBus)
		}
	}

	c.Servers = calendarSetup.NewServerRegistry(calendarSetup.ServerConfig{
		Breaker: caldav.BreakerConfig{
			FailureThreshold: cfg.Sync.BreakerFailures,
			Timeout:          cfg.Sync.BreakerTimeout,
		},
		Logger: logger,
	})

	winner := domain.SideLocal
	if cfg.Sync.DefaultWinner == config.WinnerRemote {
		winner = domain.SideRemote
	}
	c.Orchestrator = reconcile.NewOrchestrator(reconcile.Deps{
		Repos:    c.Repos,
		UoW:      c.UnitOfWork,
		Remotes:  c.Servers.Factory(),
		Resolver: identity.NewResolver(c.LocalUsers, c.Contacts, logger),
		Manager: recurrence.NewManager(recurrence.Limits{
			Daily:          cfg.Sync.DailyLimit,
			Weekly:         cfg.Sync.WeeklyLimit,
			Monthly:        cfg.Sync.MonthlyLimit,
			Yearly:         cfg.Sync.YearlyLimit,
			MaxOccurrences: cfg.Sync.MaxOccurrences,
		}, logger),
		Locker:    c.Locker,
		Publisher: c.EventPublisher,
		Outbox:    c.OutboxRepo,
		Logger:    logger,
	}, reconcile.Config{
		DefaultWinner: winner,
		Parallelism:   cfg.Sync.MaxParallelUsers,
	})

	c.BindService = calendarApp.NewBindService(c.LocalUsers, c.Repos.SyncUsers, c.Repos.Calendars,
		c.Servers.Factory(), c.OutboxRepo, c.UnitOfWork, logger)
	c.RemoveService = calendarApp.NewRemoveService(c.Repos, c.LocalUsers, c.Locker, c.OutboxRepo, c.UnitOfWork, logger)

	c.BindingSubscriber = calendarSubs.NewBindingSubscriber(c.Orchestrator, logger)
	c.BindingSubscriber.SetEnabled(cfg.Sync.Enabled)
	c.BindingSubscriber.Register(c.InProcessBus)

	c.OutboxProcessor = outbox.NewProcessor(c.OutboxRepo, c.EventPublisher, outbox.DefaultProcessorConfig(), logger)

	workerCfg := calendarWorkers.DefaultSyncWorkerConfig()
	workerCfg.Schedule = cfg.Sync.Schedule
	workerCfg.RunTimeout = cfg.Sync.Timeout
	workerCfg.RetentionDays = cfg.Sync.LogRetentionDays
	c.SyncWorker = calendarWorkers.NewSyncWorker(c.Orchestrator, c.Repos.Logs, workerCfg, c.Metrics, logger, c.OutboxProcessor)

	return c, nil
}

// Migrate applies the schema migrations of the configured database.
func (c *Container) Migrate(ctx context.Context) error {
	switch conn := c.DBConn.(type) {
	case *sqlite.Connection:
		return migrations.Up(ctx, conn.DB(), database.DriverSQLite)
	default:
		if c.DBDriver != database.DriverPostgres {
			return fmt.Errorf("unsupported migration driver %q", c.DBDriver)
		}
		db, err := migrations.OpenPostgres(c.Config.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		return migrations.Up(ctx, db, database.DriverPostgres)
	}
}

// Close releases all resources.
func (c *Container) Close() error {
	var errs []error
	if c.EventPublisher != nil {
		errs = append(errs, c.EventPublisher.Close())
	}
	if c.RedisClient != nil {
		errs = append(errs, c.RedisClient.Close())
	}
	if c.DBConn != nil {
		errs = append(errs, c.DBConn.Close())
	}
	return errors.Join(errs...)
}

func newEncrypter(cfg *config.Config, logger *slog.Logger) (crypto.Encrypter, error) {
	switch {
	case cfg.EncryptionKey != "":
		return crypto.NewAESGCMFromBase64Key(cfg.EncryptionKey)
	case cfg.EncryptionPassphrase != "":
		return crypto.NewAESGCMFromPassphrase(cfg.EncryptionPassphrase, cfg.EncryptionSalt)
	case cfg.IsDevelopment():
		logger.Warn("no encryption key configured, using the development passphrase")
		return crypto.NewAESGCMFromPassphrase(devPassphrase, cfg.EncryptionSalt)
	default:
		return nil, errors.New("CALSYNC_ENCRYPTION_KEY or CALSYNC_ENCRYPTION_PASSPHRASE is required")
	}
}

func connectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opt, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}
