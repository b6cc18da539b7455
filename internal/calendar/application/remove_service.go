package application

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/calendar/application/reconcile"
	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/shared/application"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/lock"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/outbox"
)

// RemoveCommand contains the data needed to tear down a binding.
type RemoveCommand struct {
	UserID uuid.UUID
	// Purge physically deletes the events and series the user organizes,
	// bypassing pending-delete. Nothing is deleted remotely.
	Purge bool
	// DeleteUser also removes the local user record.
	DeleteUser bool
}

// RemoveResult is the result of removing a binding.
type RemoveResult struct {
	EventsDeleted int
	SeriesDeleted int
}

// RemoveService handles the use case of tearing down a user's binding.
type RemoveService struct {
	users     domain.LocalUserRepository
	syncUsers domain.SyncUserRepository
	calendars domain.CalendarMappingRepository
	states    domain.SyncStateRepository
	events    domain.EventRepository
	series    domain.RecurrenceSeriesRepository
	locker    lock.Locker
	outbox    outbox.Writer
	uow       application.UnitOfWork
	logger    *slog.Logger
}

// NewRemoveService creates a new RemoveService. outboxRepo may be nil.
func NewRemoveService(
	repos reconcile.Repositories,
	users domain.LocalUserRepository,
	locker lock.Locker,
	outboxRepo outbox.Writer,
	uow application.UnitOfWork,
	logger *slog.Logger,
) *RemoveService {
	if logger == nil {
		logger = slog.Default()
	}
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	return &RemoveService{
		users:     users,
		syncUsers: repos.SyncUsers,
		calendars: repos.Calendars,
		states:    repos.States,
		events:    repos.Events,
		series:    repos.Series,
		locker:    locker,
		outbox:    outboxRepo,
		uow:       uow,
		logger:    logger,
	}
}

// Remove deletes the binding of cmd.UserID with its calendar mappings and
// sync state. It refuses to run while a pass for the user holds the guard.
func (s *RemoveService) Remove(ctx context.Context, cmd RemoveCommand) (*RemoveResult, error) {
	release, err := s.locker.TryLock(ctx, reconcile.LockKey(cmd.UserID))
	if errors.Is(err, lock.ErrHeld) {
		return nil, domain.ErrSyncInProgress
	}
	if err != nil {
		return nil, fmt.Errorf("failed to acquire sync guard: %w", err)
	}
	defer func() {
		if err := release(context.WithoutCancel(ctx)); err != nil {
			s.logger.Warn("failed to release sync guard", "user_id", cmd.UserID, "error", err)
		}
	}()

	result := &RemoveResult{}
	err = application.WithUnitOfWork(ctx, s.uow, func(txCtx context.Context) error {
		binding, err := s.syncUsers.FindByUserID(txCtx, cmd.UserID)
		if err != nil {
			return fmt.Errorf("failed to load sync user: %w", err)
		}
		if binding == nil {
			return domain.ErrSyncUserNotFound
		}
		binding.MarkDisconnected()

		if err := s.calendars.DeleteByUser(txCtx, cmd.UserID); err != nil {
			return fmt.Errorf("failed to delete calendar mappings: %w", err)
		}
		if err := s.states.DeleteByUser(txCtx, cmd.UserID); err != nil {
			return fmt.Errorf("failed to delete sync state: %w", err)
		}
		if cmd.Purge {
			if result.EventsDeleted, err = s.events.DeleteByOwner(txCtx, cmd.UserID); err != nil {
				return fmt.Errorf("failed to purge events: %w", err)
			}
			if result.SeriesDeleted, err = s.series.DeleteByOwner(txCtx, cmd.UserID); err != nil {
				return fmt.Errorf("failed to purge series: %w", err)
			}
		}
		if err := s.syncUsers.Delete(txCtx, binding.ID()); err != nil {
			return fmt.Errorf("failed to delete sync user: %w", err)
		}
		if cmd.DeleteUser {
			if err := s.users.Delete(txCtx, cmd.UserID); err != nil {
				return fmt.Errorf("failed to delete local user: %w", err)
			}
		}
		return saveEventsToOutbox(txCtx, s.outbox, binding, s.logger)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("account removed",
		slog.String("user_id", cmd.UserID.String()),
		slog.Bool("purge", cmd.Purge),
		slog.Int("events_deleted", result.EventsDeleted),
		slog.Int("series_deleted", result.SeriesDeleted),
	)
	return result, nil
}
