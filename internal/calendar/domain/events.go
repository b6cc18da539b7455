package domain

import (
	"time"

	sharedDomain "github.com/felixgeelhaar/calsync/internal/shared/domain"
	"github.com/google/uuid"
)

const (
	// AggregateTypeSyncUser is the aggregate type for sync users.
	AggregateTypeSyncUser = "sync_user"

	// Event routing keys
	RoutingKeySyncUserConnected    = "calendar.sync_user.connected"
	RoutingKeySyncUserDisconnected = "calendar.sync_user.disconnected"
	RoutingKeySyncUserUpdated      = "calendar.sync_user.updated"
	RoutingKeySyncCompleted        = "calendar.sync.completed"
)

// SyncUserConnectedEvent is published when a remote account is bound.
type SyncUserConnectedEvent struct {
	sharedDomain.BaseEvent
	UserID    uuid.UUID `json:"user_id"`
	ServerURL string    `json:"server_url"`
	Login     string    `json:"login"`
}

// NewSyncUserConnectedEvent creates a new sync user connected event.
func NewSyncUserConnectedEvent(aggregateID, userID uuid.UUID, serverURL, login string) SyncUserConnectedEvent {
	return SyncUserConnectedEvent{
		BaseEvent: sharedDomain.NewBaseEvent(aggregateID, AggregateTypeSyncUser, RoutingKeySyncUserConnected),
		UserID:    userID,
		ServerURL: serverURL,
		Login:     login,
	}
}

// SyncUserDisconnectedEvent is published when a binding is removed.
type SyncUserDisconnectedEvent struct {
	sharedDomain.BaseEvent
	UserID uuid.UUID `json:"user_id"`
}

// NewSyncUserDisconnectedEvent creates a new sync user disconnected event.
func NewSyncUserDisconnectedEvent(aggregateID, userID uuid.UUID) SyncUserDisconnectedEvent {
	return SyncUserDisconnectedEvent{
		BaseEvent: sharedDomain.NewBaseEvent(aggregateID, AggregateTypeSyncUser, RoutingKeySyncUserDisconnected),
		UserID:    userID,
	}
}

// SyncUserUpdatedEvent is published when a binding's configuration changes.
type SyncUserUpdatedEvent struct {
	sharedDomain.BaseEvent
	UserID  uuid.UUID `json:"user_id"`
	Changes []string  `json:"changes"` // List of changed fields
}

// NewSyncUserUpdatedEvent creates a new sync user updated event.
func NewSyncUserUpdatedEvent(aggregateID, userID uuid.UUID, changes []string) SyncUserUpdatedEvent {
	return SyncUserUpdatedEvent{
		BaseEvent: sharedDomain.NewBaseEvent(aggregateID, AggregateTypeSyncUser, RoutingKeySyncUserUpdated),
		UserID:    userID,
		Changes:   changes,
	}
}

// SideCounts are the per-side totals of one pass.
type SideCounts struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Deleted int `json:"deleted"`
	Failed  int `json:"failed"`
}

// Total returns the number of applied operations.
func (c SideCounts) Total() int {
	return c.Created + c.Updated + c.Deleted
}

// Add accumulates other into c.
func (c *SideCounts) Add(other SideCounts) {
	c.Created += other.Created
	c.Updated += other.Updated
	c.Deleted += other.Deleted
	c.Failed += other.Failed
}

// SyncCompletedEvent is published after each user pass.
type SyncCompletedEvent struct {
	sharedDomain.BaseEvent
	UserID    uuid.UUID     `json:"user_id"`
	RunID     uuid.UUID     `json:"run_id"`
	Local     SideCounts    `json:"local"`
	Remote    SideCounts    `json:"remote"`
	Conflicts int           `json:"conflicts"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// NewSyncCompletedEvent creates a new sync completed event.
func NewSyncCompletedEvent(syncUserID, userID, runID uuid.UUID, local, remote SideCounts, conflicts int, duration time.Duration, errMsg string) SyncCompletedEvent {
	return SyncCompletedEvent{
		BaseEvent: sharedDomain.NewBaseEvent(syncUserID, AggregateTypeSyncUser, RoutingKeySyncCompleted),
		UserID:    userID,
		RunID:     runID,
		Local:     local,
		Remote:    remote,
		Conflicts: conflicts,
		Duration:  duration,
		Error:     errMsg,
	}
}
