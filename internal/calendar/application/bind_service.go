package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/calendar/application/reconcile"
	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/calendar/infrastructure/caldav"
	"github.com/felixgeelhaar/calsync/internal/shared/application"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/outbox"
)

// BindCommand contains the data needed to bind a local user to a CalDAV
// account. The local user is created when no user has Login yet.
type BindCommand struct {
	Login              string
	Name               string
	Email              string
	ServerType         domain.ServerType
	ServerURL          string
	RemoteLogin        string // defaults to Login
	Secret             string
	AuthMode           domain.AuthMode
	DefaultCalendarURL string
	SyncSince          time.Time
	// Verify runs calendar discovery before anything is stored and mirrors
	// the listed calendars.
	Verify bool
}

// BindResult is the result of binding an account.
type BindResult struct {
	User      *domain.LocalUser
	Binding   *domain.SyncUser
	Created   bool // the binding is new
	Calendars []*domain.CalendarMapping
}

// BindService handles the use cases of attaching a remote account to a
// local user and checking it.
type BindService struct {
	users     domain.LocalUserRepository
	syncUsers domain.SyncUserRepository
	calendars domain.CalendarMappingRepository
	remotes   reconcile.RemoteFactory
	outbox    outbox.Writer
	uow       application.UnitOfWork
	logger    *slog.Logger
}

// NewBindService creates a new BindService. outboxRepo may be nil.
func NewBindService(
	users domain.LocalUserRepository,
	syncUsers domain.SyncUserRepository,
	calendars domain.CalendarMappingRepository,
	remotes reconcile.RemoteFactory,
	outboxRepo outbox.Writer,
	uow application.UnitOfWork,
	logger *slog.Logger,
) *BindService {
	if logger == nil {
		logger = slog.Default()
	}
	return &BindService{
		users:     users,
		syncUsers: syncUsers,
		calendars: calendars,
		remotes:   remotes,
		outbox:    outboxRepo,
		uow:       uow,
		logger:    logger,
	}
}

// Bind creates or updates the binding of cmd.Login.
func (s *BindService) Bind(ctx context.Context, cmd BindCommand) (*BindResult, error) {
	login := strings.TrimSpace(cmd.Login)
	if login == "" {
		return nil, domain.ErrEmptyLogin
	}
	remoteLogin := cmd.RemoteLogin
	if remoteLogin == "" {
		remoteLogin = login
	}
	serverType := cmd.ServerType
	if serverType == "" {
		serverType = domain.ServerGeneric
	}

	user, err := s.users.FindByLogin(ctx, login)
	if err != nil {
		return nil, fmt.Errorf("failed to load local user: %w", err)
	}
	createUser := user == nil
	if createUser {
		if user, err = domain.NewLocalUser(login, cmd.Name, cmd.Email); err != nil {
			return nil, err
		}
	}

	binding, err := s.syncUsers.FindByUserID(ctx, user.ID())
	if err != nil {
		return nil, fmt.Errorf("failed to load sync user: %w", err)
	}
	created := binding == nil
	if created {
		binding, err = domain.NewSyncUser(user.ID(), serverType, cmd.ServerURL, remoteLogin, cmd.Secret)
	} else {
		err = binding.SetServer(serverType, cmd.ServerURL, remoteLogin, cmd.Secret)
	}
	if err != nil {
		return nil, err
	}
	if cmd.AuthMode != "" {
		binding.SetAuthMode(cmd.AuthMode)
	}
	if cmd.DefaultCalendarURL != "" {
		binding.SetDefaultCalendar(cmd.DefaultCalendarURL)
	}
	if !cmd.SyncSince.IsZero() {
		binding.SetSyncSince(cmd.SyncSince)
	}

	var listed []caldav.Calendar
	if cmd.Verify {
		if listed, err = s.discover(ctx, binding); err != nil {
			return nil, err
		}
	}

	result := &BindResult{User: user, Binding: binding, Created: created}
	err = application.WithUnitOfWork(ctx, s.uow, func(txCtx context.Context) error {
		if createUser {
			if err := s.users.Save(txCtx, user); err != nil {
				return fmt.Errorf("failed to save local user: %w", err)
			}
		}
		if err := s.syncUsers.Save(txCtx, binding); err != nil {
			return fmt.Errorf("failed to save sync user: %w", err)
		}
		if cmd.Verify {
			mappings, err := reconcile.MirrorCalendars(txCtx, s.calendars, user.ID(), listed, binding.DefaultCalendarURL())
			if err != nil {
				return err
			}
			result.Calendars = mappings
		}
		if err := saveEventsToOutbox(txCtx, s.outbox, binding, s.logger); err != nil {
			return fmt.Errorf("failed to save events to outbox: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("account bound",
		slog.String("login", login),
		slog.String("user_id", user.ID().String()),
		slog.String("server", binding.ServerURL()),
		slog.Bool("created", created),
		slog.Int("calendars", len(result.Calendars)),
	)
	return result, nil
}

// SetEnabled turns synchronization of a user on or off.
func (s *BindService) SetEnabled(ctx context.Context, userID uuid.UUID, enabled bool) error {
	return application.WithUnitOfWork(ctx, s.uow, func(txCtx context.Context) error {
		binding, err := s.binding(txCtx, userID)
		if err != nil {
			return err
		}
		binding.SetEnabled(enabled)
		if err := s.syncUsers.Save(txCtx, binding); err != nil {
			return fmt.Errorf("failed to save sync user: %w", err)
		}
		return saveEventsToOutbox(txCtx, s.outbox, binding, s.logger)
	})
}

// Test runs calendar discovery against the user's account. Failures are
// ConnectionErrors carrying code 1000 or 1001.
func (s *BindService) Test(ctx context.Context, userID uuid.UUID) ([]caldav.Calendar, error) {
	binding, err := s.binding(ctx, userID)
	if err != nil {
		return nil, err
	}
	return s.discover(ctx, binding)
}

func (s *BindService) binding(ctx context.Context, userID uuid.UUID) (*domain.SyncUser, error) {
	binding, err := s.syncUsers.FindByUserID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load sync user: %w", err)
	}
	if binding == nil {
		return nil, domain.ErrSyncUserNotFound
	}
	return binding, nil
}

func (s *BindService) discover(ctx context.Context, binding *domain.SyncUser) ([]caldav.Calendar, error) {
	store, err := s.remotes(binding)
	if err != nil {
		return nil, err
	}
	calendars, err := store.ListCalendars(ctx)
	if err != nil {
		var connErr *domain.ConnectionError
		if !errors.As(err, &connErr) {
			err = &domain.ConnectionError{Code: domain.ConnCodeConnection, Server: binding.ServerURL(), Err: err}
		}
		s.logger.Warn("connection test failed",
			slog.String("login", binding.Login()),
			slog.String("server", binding.ServerURL()),
			slog.String("error", err.Error()),
		)
		return nil, err
	}
	return calendars, nil
}
