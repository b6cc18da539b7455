package domain

import (
	"context"
	"strings"
	"time"

	sharedDomain "github.com/felixgeelhaar/calsync/internal/shared/domain"
	"github.com/google/uuid"
)

// RecurrenceSeries groups the occurrences generated by one recurrence rule.
// Occurrences reference the series by id; the series references its head
// occurrence by id only.
type RecurrenceSeries struct {
	sharedDomain.BaseEntity
	ownerID     uuid.UUID
	remoteUID   string
	rule        string
	timeZone    string
	allDay      bool
	dtStart     time.Time
	duration    time.Duration
	exDates     []string
	headID      uuid.UUID
	syncedHash  string
	synced      bool
	lastWriteAt time.Time
}

// NewRecurrenceSeries creates a series. The rule is stored as given; callers
// normalize it through the recurrence manager first.
func NewRecurrenceSeries(ownerID uuid.UUID, rule string, dtStart time.Time, duration time.Duration, tz string, allDay bool, origin WriteOrigin) (*RecurrenceSeries, error) {
	rule = strings.TrimPrefix(strings.TrimSpace(rule), "RRULE:")
	if rule == "" {
		return nil, ErrEmptyRule
	}
	if duration < 0 {
		return nil, ErrInvalidEventTime
	}
	return &RecurrenceSeries{
		BaseEntity:  sharedDomain.NewBaseEntity(),
		ownerID:     ownerID,
		rule:        rule,
		timeZone:    tz,
		allDay:      allDay,
		dtStart:     dtStart.UTC().Truncate(time.Second),
		duration:    duration,
		exDates:     []string{},
		synced:      origin == OriginSync,
		lastWriteAt: time.Now().UTC().Truncate(time.Second),
	}, nil
}

// Getters
func (s *RecurrenceSeries) OwnerID() uuid.UUID      { return s.ownerID }
func (s *RecurrenceSeries) RemoteUID() string       { return s.remoteUID }
func (s *RecurrenceSeries) Rule() string            { return s.rule }
func (s *RecurrenceSeries) TimeZone() string        { return s.timeZone }
func (s *RecurrenceSeries) AllDay() bool            { return s.allDay }
func (s *RecurrenceSeries) DTStart() time.Time      { return s.dtStart }
func (s *RecurrenceSeries) Duration() time.Duration { return s.duration }
func (s *RecurrenceSeries) HeadID() uuid.UUID       { return s.headID }
func (s *RecurrenceSeries) SyncedHash() string      { return s.syncedHash }
func (s *RecurrenceSeries) IsSynced() bool          { return s.synced }
func (s *RecurrenceSeries) LastWriteAt() time.Time  { return s.lastWriteAt }

// ExDates returns the exception instance ids, sorted.
func (s *RecurrenceSeries) ExDates() []string {
	return append([]string(nil), s.exDates...)
}

// HasExDate reports whether instanceID is an exception of the series.
func (s *RecurrenceSeries) HasExDate(instanceID string) bool {
	instanceID = strings.ToUpper(instanceID)
	for _, d := range s.exDates {
		if d == instanceID {
			return true
		}
	}
	return false
}

// AddExDate adds instanceID to the exception list. It reports whether the
// list changed.
func (s *RecurrenceSeries) AddExDate(instanceID string) bool {
	if instanceID == "" || s.HasExDate(instanceID) {
		return false
	}
	s.exDates = NormalizeInstanceIDs(append(s.exDates, instanceID))
	s.Touch()
	return true
}

// SetExDates replaces the exception list.
func (s *RecurrenceSeries) SetExDates(ids []string) {
	s.exDates = NormalizeInstanceIDs(ids)
	s.Touch()
}

// SetHead records the head occurrence.
func (s *RecurrenceSeries) SetHead(eventID uuid.UUID) {
	s.headID = eventID
	s.Touch()
}

// SetRule replaces the rule and its anchor.
func (s *RecurrenceSeries) SetRule(rule string, dtStart time.Time, duration time.Duration, tz string, allDay bool, origin WriteOrigin) error {
	rule = strings.TrimPrefix(strings.TrimSpace(rule), "RRULE:")
	if rule == "" {
		return ErrEmptyRule
	}
	s.rule = rule
	s.dtStart = dtStart.UTC().Truncate(time.Second)
	s.duration = duration
	s.timeZone = tz
	s.allDay = allDay
	s.MarkWritten(origin)
	return nil
}

// MarkWritten records a write to the series. User writes reset the synced flag.
func (s *RecurrenceSeries) MarkWritten(origin WriteOrigin) {
	s.synced = origin == OriginSync
	s.lastWriteAt = time.Now().UTC().Truncate(time.Second)
	s.Touch()
}

// LinkRemote records the remote UID of the series.
func (s *RecurrenceSeries) LinkRemote(uid string) {
	s.remoteUID = uid
	s.Touch()
}

// MarkSynced records the series hash agreed with the remote copy.
func (s *RecurrenceSeries) MarkSynced(hash string) {
	s.syncedHash = hash
	s.synced = true
	s.Touch()
}

// InstanceID returns the instance id of an occurrence starting at start.
func (s *RecurrenceSeries) InstanceID(start time.Time) string {
	return InstanceID(start, s.timeZone, s.allDay)
}

// RecurrenceSeriesState is the persisted form of a RecurrenceSeries.
type RecurrenceSeriesState struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	RemoteUID   string
	Rule        string
	TimeZone    string
	AllDay      bool
	DTStart     time.Time
	Duration    time.Duration
	ExDates     []string
	HeadID      uuid.UUID
	SyncedHash  string
	Synced      bool
	LastWriteAt time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// State returns the persisted form of the series.
func (s *RecurrenceSeries) State() RecurrenceSeriesState {
	return RecurrenceSeriesState{
		ID:          s.ID(),
		OwnerID:     s.ownerID,
		RemoteUID:   s.remoteUID,
		Rule:        s.rule,
		TimeZone:    s.timeZone,
		AllDay:      s.allDay,
		DTStart:     s.dtStart,
		Duration:    s.duration,
		ExDates:     s.ExDates(),
		HeadID:      s.headID,
		SyncedHash:  s.syncedHash,
		Synced:      s.synced,
		LastWriteAt: s.lastWriteAt,
		CreatedAt:   s.CreatedAt(),
		UpdatedAt:   s.UpdatedAt(),
	}
}

// RehydrateRecurrenceSeries recreates a series from persisted data.
func RehydrateRecurrenceSeries(st RecurrenceSeriesState) *RecurrenceSeries {
	return &RecurrenceSeries{
		BaseEntity:  sharedDomain.RehydrateBaseEntity(st.ID, st.CreatedAt, st.UpdatedAt),
		ownerID:     st.OwnerID,
		remoteUID:   st.RemoteUID,
		rule:        st.Rule,
		timeZone:    st.TimeZone,
		allDay:      st.AllDay,
		dtStart:     st.DTStart,
		duration:    st.Duration,
		exDates:     NormalizeInstanceIDs(st.ExDates),
		headID:      st.HeadID,
		syncedHash:  st.SyncedHash,
		synced:      st.Synced,
		lastWriteAt: st.LastWriteAt,
	}
}

// Restore resets the series to a state taken earlier with State.
func (s *RecurrenceSeries) Restore(st RecurrenceSeriesState) {
	*s = *RehydrateRecurrenceSeries(st)
}

// RecurrenceSeriesRepository defines the interface for series persistence.
type RecurrenceSeriesRepository interface {
	Save(ctx context.Context, series *RecurrenceSeries) error
	FindByID(ctx context.Context, id uuid.UUID) (*RecurrenceSeries, error)
	FindByRemoteUID(ctx context.Context, uid string) (*RecurrenceSeries, error)
	Delete(ctx context.Context, id uuid.UUID) error
	DeleteByOwner(ctx context.Context, ownerID uuid.UUID) (int, error)
}
