// Package subscribers reacts to calendar domain events.
package subscribers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/calendar/application/reconcile"
	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/eventbus"
)

// UserSyncer runs one user pass.
type UserSyncer interface {
	RunUser(ctx context.Context, userID uuid.UUID) (*reconcile.UserSummary, error)
}

// BindingSubscriber runs an initial pass when an account is bound or its
// server changes, so a new user does not wait for the next scheduled run.
type BindingSubscriber struct {
	syncer  UserSyncer
	logger  *slog.Logger
	enabled bool
}

// NewBindingSubscriber creates a new binding subscriber.
func NewBindingSubscriber(syncer UserSyncer, logger *slog.Logger) *BindingSubscriber {
	if logger == nil {
		logger = slog.Default()
	}
	return &BindingSubscriber{syncer: syncer, logger: logger, enabled: true}
}

// SetEnabled enables or disables the subscriber.
func (s *BindingSubscriber) SetEnabled(enabled bool) {
	s.enabled = enabled
}

// EventTypes returns the routing keys this subscriber handles.
func (s *BindingSubscriber) EventTypes() []string {
	return []string{
		domain.RoutingKeySyncUserConnected,
		domain.RoutingKeySyncUserUpdated,
		domain.RoutingKeySyncCompleted,
	}
}

// Register subscribes the handler to bus.
func (s *BindingSubscriber) Register(bus *eventbus.InProcessPublisher) {
	for _, key := range s.EventTypes() {
		bus.Subscribe(key, s.Handle)
	}
}

type bindingPayload struct {
	UserID  uuid.UUID `json:"user_id"`
	Changes []string  `json:"changes"`
	Error   string    `json:"error"`
}

// Handle processes one event. Malformed payloads are logged and dropped.
func (s *BindingSubscriber) Handle(ctx context.Context, env eventbus.Envelope) error {
	if !s.enabled || s.syncer == nil {
		return nil
	}
	var payload bindingPayload
	if err := json.Unmarshal(env.Payload, &payload); err != nil {
		s.logger.Error("failed to unmarshal binding event", "routing_key", env.RoutingKey, "error", err)
		return nil
	}

	switch env.RoutingKey {
	case domain.RoutingKeySyncUserConnected:
		return s.initialSync(ctx, payload.UserID)
	case domain.RoutingKeySyncUserUpdated:
		for _, c := range payload.Changes {
			if c == "server" {
				return s.initialSync(ctx, payload.UserID)
			}
		}
		return nil
	case domain.RoutingKeySyncCompleted:
		if payload.Error != "" {
			s.logger.Warn("user pass failed", "user_id", payload.UserID, "error", payload.Error)
		}
		return nil
	default:
		return nil
	}
}

func (s *BindingSubscriber) initialSync(ctx context.Context, userID uuid.UUID) error {
	if userID == uuid.Nil {
		return nil
	}
	summary, err := s.syncer.RunUser(ctx, userID)
	switch {
	case errors.Is(err, domain.ErrSyncInProgress), errors.Is(err, domain.ErrSyncUserNotFound):
		s.logger.Debug("initial sync skipped", "user_id", userID, "reason", err)
		return nil
	case err != nil:
		return err
	}
	s.logger.Info("initial sync finished",
		"user_id", userID,
		"local", summary.Local.Total(),
		"remote", summary.Remote.Total(),
	)
	return nil
}
