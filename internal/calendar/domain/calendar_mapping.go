package domain

import (
	"context"
	"strings"
	"time"

	sharedDomain "github.com/felixgeelhaar/calsync/internal/shared/domain"
	"github.com/google/uuid"
)

// CalendarMapping associates a local calendar record with a remote calendar
// of one user.
type CalendarMapping struct {
	sharedDomain.BaseEntity
	userID      uuid.UUID
	calendarURL string
	name        string
	isDefault   bool
	readOnly    bool // mirrored from remote, never pushed to
	removed     bool // no longer listed by the server
}

// NewCalendarMapping creates a mapping for a remote calendar.
func NewCalendarMapping(userID uuid.UUID, calendarURL, name string) (*CalendarMapping, error) {
	if userID == uuid.Nil {
		return nil, ErrEmptyUserID
	}
	if strings.TrimSpace(calendarURL) == "" {
		return nil, ErrEmptyCalendarURL
	}
	return &CalendarMapping{
		BaseEntity:  sharedDomain.NewBaseEntity(),
		userID:      userID,
		calendarURL: calendarURL,
		name:        name,
	}, nil
}

// Getters
func (m *CalendarMapping) UserID() uuid.UUID   { return m.userID }
func (m *CalendarMapping) CalendarURL() string { return m.calendarURL }
func (m *CalendarMapping) Name() string        { return m.name }
func (m *CalendarMapping) IsDefault() bool     { return m.isDefault }
func (m *CalendarMapping) IsReadOnly() bool    { return m.readOnly }
func (m *CalendarMapping) IsRemoved() bool     { return m.removed }

// Writable reports whether local events may be pushed to the calendar.
func (m *CalendarMapping) Writable() bool {
	return !m.readOnly && !m.removed
}

// Rename updates the display name. It reports whether the name changed.
func (m *CalendarMapping) Rename(name string) bool {
	if m.name == name {
		return false
	}
	m.name = name
	m.Touch()
	return true
}

// SetDefault marks the calendar as the user's push target.
func (m *CalendarMapping) SetDefault(isDefault bool) {
	m.isDefault = isDefault
	m.Touch()
}

// SetReadOnly marks the calendar as mirrored only.
func (m *CalendarMapping) SetReadOnly(readOnly bool) {
	m.readOnly = readOnly
	m.Touch()
}

// MarkRemoved flags a calendar the server no longer lists.
func (m *CalendarMapping) MarkRemoved() {
	m.removed = true
	m.isDefault = false
	m.Touch()
}

// Restore clears the removed flag.
func (m *CalendarMapping) Restore() {
	m.removed = false
	m.Touch()
}

// RehydrateCalendarMapping recreates a mapping from persisted data.
func RehydrateCalendarMapping(id, userID uuid.UUID, calendarURL, name string, isDefault, readOnly, removed bool, createdAt, updatedAt time.Time) *CalendarMapping {
	return &CalendarMapping{
		BaseEntity:  sharedDomain.RehydrateBaseEntity(id, createdAt, updatedAt),
		userID:      userID,
		calendarURL: calendarURL,
		name:        name,
		isDefault:   isDefault,
		readOnly:    readOnly,
		removed:     removed,
	}
}

// CalendarMappingRepository defines the interface for calendar mapping persistence.
type CalendarMappingRepository interface {
	Save(ctx context.Context, mapping *CalendarMapping) error
	FindByID(ctx context.Context, id uuid.UUID) (*CalendarMapping, error)
	FindByUser(ctx context.Context, userID uuid.UUID) ([]*CalendarMapping, error)
	FindByUserAndURL(ctx context.Context, userID uuid.UUID, calendarURL string) (*CalendarMapping, error)
	DeleteByUser(ctx context.Context, userID uuid.UUID) error
}
