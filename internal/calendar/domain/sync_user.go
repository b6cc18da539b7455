package domain

import (
	"context"
	"strings"
	"time"

	sharedDomain "github.com/felixgeelhaar/calsync/internal/shared/domain"
	"github.com/google/uuid"
)

// AuthMode selects how the remote client authenticates.
type AuthMode string

const (
	AuthBasic  AuthMode = "basic"
	AuthBearer AuthMode = "bearer"
)

// ParseAuthMode maps a configured name to an AuthMode, defaulting to basic.
func ParseAuthMode(s string) AuthMode {
	if AuthMode(strings.ToLower(strings.TrimSpace(s))) == AuthBearer {
		return AuthBearer
	}
	return AuthBasic
}

// SyncUser binds a local user to a remote CalDAV account.
// This is an Aggregate Root that publishes domain events.
type SyncUser struct {
	sharedDomain.BaseAggregateRoot
	userID             uuid.UUID
	serverType         ServerType
	serverURL          string
	login              string
	secret             string // password or bearer token, encrypted at rest
	authMode           AuthMode
	defaultCalendarURL string
	syncSince          time.Time // events starting before this are never synchronized
	enabled            bool
}

// NewSyncUser creates a sync binding and records a SyncUserConnectedEvent.
func NewSyncUser(userID uuid.UUID, serverType ServerType, serverURL, login, secret string) (*SyncUser, error) {
	if userID == uuid.Nil {
		return nil, ErrEmptyUserID
	}
	if strings.TrimSpace(login) == "" {
		return nil, ErrEmptyLogin
	}
	normalized, err := NormalizeServerURL(serverURL, serverType)
	if err != nil {
		return nil, err
	}

	u := &SyncUser{
		BaseAggregateRoot: sharedDomain.NewBaseAggregateRoot(),
		userID:            userID,
		serverType:        serverType,
		serverURL:         normalized,
		login:             strings.TrimSpace(login),
		secret:            secret,
		authMode:          AuthBasic,
		enabled:           true,
	}
	u.AddDomainEvent(NewSyncUserConnectedEvent(u.ID(), userID, normalized, u.login))
	return u, nil
}

// Getters
func (u *SyncUser) UserID() uuid.UUID          { return u.userID }
func (u *SyncUser) ServerType() ServerType     { return u.serverType }
func (u *SyncUser) ServerURL() string          { return u.serverURL }
func (u *SyncUser) Login() string              { return u.login }
func (u *SyncUser) Secret() string             { return u.secret }
func (u *SyncUser) AuthMode() AuthMode         { return u.authMode }
func (u *SyncUser) DefaultCalendarURL() string { return u.defaultCalendarURL }
func (u *SyncUser) SyncSince() time.Time       { return u.syncSince }
func (u *SyncUser) IsEnabled() bool            { return u.enabled }

// SetServer changes the remote account.
func (u *SyncUser) SetServer(serverType ServerType, serverURL, login, secret string) error {
	if strings.TrimSpace(login) == "" {
		return ErrEmptyLogin
	}
	normalized, err := NormalizeServerURL(serverURL, serverType)
	if err != nil {
		return err
	}
	u.serverType = serverType
	u.serverURL = normalized
	u.login = strings.TrimSpace(login)
	u.secret = secret
	u.Touch()
	u.AddDomainEvent(NewSyncUserUpdatedEvent(u.ID(), u.userID, []string{"server"}))
	return nil
}

// SetAuthMode selects basic or bearer authentication.
func (u *SyncUser) SetAuthMode(mode AuthMode) {
	u.authMode = mode
	u.Touch()
}

// SetDefaultCalendar sets the calendar new local events are pushed to.
func (u *SyncUser) SetDefaultCalendar(calendarURL string) {
	if u.defaultCalendarURL != calendarURL {
		u.defaultCalendarURL = calendarURL
		u.Touch()
		u.AddDomainEvent(NewSyncUserUpdatedEvent(u.ID(), u.userID, []string{"default_calendar"}))
	}
}

// SetSyncSince sets the date boundary of the synchronized window.
func (u *SyncUser) SetSyncSince(since time.Time) {
	u.syncSince = since.UTC()
	u.Touch()
}

// SetEnabled enables or disables synchronization for the user.
func (u *SyncUser) SetEnabled(enabled bool) {
	if u.enabled != enabled {
		u.enabled = enabled
		u.Touch()
		u.AddDomainEvent(NewSyncUserUpdatedEvent(u.ID(), u.userID, []string{"enabled"}))
	}
}

// MarkDisconnected records that the binding is being removed.
func (u *SyncUser) MarkDisconnected() {
	u.AddDomainEvent(NewSyncUserDisconnectedEvent(u.ID(), u.userID))
}

// RehydrateSyncUser recreates a sync user from persisted data.
// This does NOT record domain events as it's rehydrating existing state.
func RehydrateSyncUser(
	id uuid.UUID,
	userID uuid.UUID,
	serverType ServerType,
	serverURL string,
	login string,
	secret string,
	authMode AuthMode,
	defaultCalendarURL string,
	syncSince time.Time,
	enabled bool,
	createdAt, updatedAt time.Time,
) *SyncUser {
	baseEntity := sharedDomain.RehydrateBaseEntity(id, createdAt, updatedAt)
	return &SyncUser{
		BaseAggregateRoot:  sharedDomain.RehydrateBaseAggregateRoot(baseEntity),
		userID:             userID,
		serverType:         serverType,
		serverURL:          serverURL,
		login:              login,
		secret:             secret,
		authMode:           authMode,
		defaultCalendarURL: defaultCalendarURL,
		syncSince:          syncSince,
		enabled:            enabled,
	}
}

// SyncUserRepository defines the interface for sync user persistence.
type SyncUserRepository interface {
	// Save persists a sync user (create or update).
	Save(ctx context.Context, user *SyncUser) error

	// FindByID finds a sync user by ID.
	FindByID(ctx context.Context, id uuid.UUID) (*SyncUser, error)

	// FindByUserID finds the binding of a local user.
	FindByUserID(ctx context.Context, userID uuid.UUID) (*SyncUser, error)

	// FindEnabled finds every enabled binding.
	FindEnabled(ctx context.Context) ([]*SyncUser, error)

	// FindAll finds every binding.
	FindAll(ctx context.Context) ([]*SyncUser, error)

	// Delete removes a sync user.
	Delete(ctx context.Context, id uuid.UUID) error
}
