package domain

import (
	"context"
	"sort"
	"time"

	sharedDomain "github.com/felixgeelhaar/calsync/internal/shared/domain"
	"github.com/google/uuid"
)

// WriteOrigin tells the store whether a write came from the sync engine
// or from a human edit. User writes reset the synced flag.
type WriteOrigin int

const (
	OriginUser WriteOrigin = iota
	OriginSync
)

// Event is the unit of synchronization. It is either a standalone event or a
// materialized occurrence of a RecurrenceSeries.
type Event struct {
	sharedDomain.BaseEntity
	ownerID       uuid.UUID // local organizer; Nil when organized outside the local store
	calendarID    uuid.UUID // CalendarMapping; Nil routes to the owner's default calendar
	seriesID      uuid.UUID
	remoteUID     string
	recurrenceID  string
	content       Content
	contentHash   string
	synced        bool
	pendingDelete bool
	lastWriteAt   time.Time
	viewerHashes  map[uuid.UUID]string
}

// NewEvent creates an event with normalized content.
func NewEvent(ownerID uuid.UUID, content Content, origin WriteOrigin) (*Event, error) {
	content = content.Normalize()
	if err := content.Validate(); err != nil {
		return nil, err
	}
	e := &Event{
		BaseEntity:   sharedDomain.NewBaseEntity(),
		ownerID:      ownerID,
		content:      content,
		contentHash:  ContentHash(content),
		synced:       origin == OriginSync,
		lastWriteAt:  time.Now().UTC().Truncate(time.Second),
		viewerHashes: make(map[uuid.UUID]string),
	}
	return e, nil
}

// Getters
func (e *Event) OwnerID() uuid.UUID     { return e.ownerID }
func (e *Event) CalendarID() uuid.UUID  { return e.calendarID }
func (e *Event) SeriesID() uuid.UUID    { return e.seriesID }
func (e *Event) RemoteUID() string      { return e.remoteUID }
func (e *Event) RecurrenceID() string   { return e.recurrenceID }
func (e *Event) Content() Content       { return e.content.Clone() }
func (e *Event) ContentHash() string    { return e.contentHash }
func (e *Event) IsSynced() bool         { return e.synced }
func (e *Event) IsPendingDelete() bool  { return e.pendingDelete }
func (e *Event) LastWriteAt() time.Time { return e.lastWriteAt }
func (e *Event) Title() string          { return e.content.Title }
func (e *Event) Start() time.Time       { return e.content.Start }
func (e *Event) IsCancelled() bool      { return e.content.IsCancelled() }
func (e *Event) InSeries() bool         { return e.seriesID != uuid.Nil }

// ViewerHashes returns a copy of the per-user hashes.
func (e *Event) ViewerHashes() map[uuid.UUID]string {
	out := make(map[uuid.UUID]string, len(e.viewerHashes))
	for k, v := range e.viewerHashes {
		out[k] = v
	}
	return out
}

// Viewers returns the ids of users holding a hash entry, sorted.
func (e *Event) Viewers() []uuid.UUID {
	out := make([]uuid.UUID, 0, len(e.viewerHashes))
	for id := range e.viewerHashes {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// ViewerHash returns the hash recorded when userID last synchronized the event.
func (e *Event) ViewerHash(userID uuid.UUID) (string, bool) {
	h, ok := e.viewerHashes[userID]
	return h, ok
}

// Update replaces the content. A user write marks the event unsynced.
func (e *Event) Update(content Content, origin WriteOrigin) error {
	content = content.Normalize()
	if err := content.Validate(); err != nil {
		return err
	}
	e.content = content
	e.contentHash = ContentHash(content)
	e.synced = origin == OriginSync
	e.lastWriteAt = time.Now().UTC().Truncate(time.Second)
	e.Touch()
	return nil
}

// LinkRemote records the remote identity of the event.
func (e *Event) LinkRemote(uid, recurrenceID string) {
	e.remoteUID = uid
	e.recurrenceID = recurrenceID
	e.Touch()
}

// MarkSynced marks the content as agreed with the remote copy seen by userID.
func (e *Event) MarkSynced(userID uuid.UUID) {
	e.synced = true
	if e.viewerHashes == nil {
		e.viewerHashes = make(map[uuid.UUID]string)
	}
	e.viewerHashes[userID] = e.contentHash
	e.Touch()
}

// DropViewer removes userID's hash entry.
func (e *Event) DropViewer(userID uuid.UUID) {
	delete(e.viewerHashes, userID)
	e.Touch()
}

// SetCalendar routes the event to a calendar mapping.
func (e *Event) SetCalendar(calendarID uuid.UUID) {
	e.calendarID = calendarID
	e.Touch()
}

// MoveToCalendar is the user-facing form of SetCalendar: the move still has
// to be pushed, so the event becomes unsynced.
func (e *Event) MoveToCalendar(calendarID uuid.UUID) {
	if e.calendarID == calendarID {
		return
	}
	e.calendarID = calendarID
	e.synced = false
	e.lastWriteAt = time.Now().UTC().Truncate(time.Second)
	e.Touch()
}

// SetOwner changes the local organizer.
func (e *Event) SetOwner(ownerID uuid.UUID) {
	e.ownerID = ownerID
	e.Touch()
}

// MarkPendingDelete tombstones an event that has reached the remote store.
// It returns false when the event was never pushed, in which case the
// caller may remove it physically.
func (e *Event) MarkPendingDelete() bool {
	if e.remoteUID == "" {
		return false
	}
	e.pendingDelete = true
	e.synced = false
	e.lastWriteAt = time.Now().UTC().Truncate(time.Second)
	e.Touch()
	return true
}

// AttachToSeries links the event as the occurrence instanceID of a series.
func (e *Event) AttachToSeries(seriesID uuid.UUID, uid, instanceID string) {
	e.seriesID = seriesID
	e.remoteUID = uid
	e.recurrenceID = instanceID
	e.Touch()
}

// Detach freezes the occurrence as a standalone event. An occurrence known
// to the remote store keeps its (uid, instance id) pair and becomes an
// override of the remote series; otherwise it loses its instance id.
func (e *Event) Detach() {
	e.seriesID = uuid.Nil
	if e.remoteUID == "" {
		e.recurrenceID = ""
	}
	e.Touch()
}

// IsOrganizer reports whether userID organizes the event.
func (e *Event) IsOrganizer(userID uuid.UUID) bool {
	return e.ownerID != uuid.Nil && e.ownerID == userID
}

// IsAttendeeUser reports whether userID attends the event.
func (e *Event) IsAttendeeUser(userID uuid.UUID) bool {
	for _, a := range e.content.Attendees {
		if a.UserID != uuid.Nil && a.UserID == userID {
			return true
		}
	}
	return false
}

// Validate checks the event invariants.
func (e *Event) Validate() error {
	if err := e.content.Validate(); err != nil {
		return err
	}
	if e.remoteUID != "" && len(e.viewerHashes) == 0 {
		return ErrMissingViewerHash
	}
	return nil
}

// EventState is the persisted form of an Event.
type EventState struct {
	ID            uuid.UUID
	OwnerID       uuid.UUID
	CalendarID    uuid.UUID
	SeriesID      uuid.UUID
	RemoteUID     string
	RecurrenceID  string
	Content       Content
	ContentHash   string
	Synced        bool
	PendingDelete bool
	LastWriteAt   time.Time
	ViewerHashes  map[uuid.UUID]string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// State returns the persisted form of the event.
func (e *Event) State() EventState {
	return EventState{
		ID:            e.ID(),
		OwnerID:       e.ownerID,
		CalendarID:    e.calendarID,
		SeriesID:      e.seriesID,
		RemoteUID:     e.remoteUID,
		RecurrenceID:  e.recurrenceID,
		Content:       e.content.Clone(),
		ContentHash:   e.contentHash,
		Synced:        e.synced,
		PendingDelete: e.pendingDelete,
		LastWriteAt:   e.lastWriteAt,
		ViewerHashes:  e.ViewerHashes(),
		CreatedAt:     e.CreatedAt(),
		UpdatedAt:     e.UpdatedAt(),
	}
}

// RehydrateEvent recreates an event from persisted data.
func RehydrateEvent(s EventState) *Event {
	hashes := s.ViewerHashes
	if hashes == nil {
		hashes = make(map[uuid.UUID]string)
	}
	hash := s.ContentHash
	if hash == "" {
		hash = ContentHash(s.Content)
	}
	return &Event{
		BaseEntity:    sharedDomain.RehydrateBaseEntity(s.ID, s.CreatedAt, s.UpdatedAt),
		ownerID:       s.OwnerID,
		calendarID:    s.CalendarID,
		seriesID:      s.SeriesID,
		remoteUID:     s.RemoteUID,
		recurrenceID:  s.RecurrenceID,
		content:       s.Content,
		contentHash:   hash,
		synced:        s.Synced,
		pendingDelete: s.PendingDelete,
		lastWriteAt:   s.LastWriteAt,
		viewerHashes:  hashes,
	}
}

// Restore resets the event to a state taken earlier with State.
func (e *Event) Restore(s EventState) {
	*e = *RehydrateEvent(s)
}

// EventRepository defines the interface for event persistence.
type EventRepository interface {
	// Save persists an event (create or update), including its attendees
	// and viewer hashes.
	Save(ctx context.Context, event *Event) error

	// FindByID finds an event by ID.
	FindByID(ctx context.Context, id uuid.UUID) (*Event, error)

	// FindByRemoteUID finds an event by its remote identity.
	FindByRemoteUID(ctx context.Context, uid, recurrenceID string) (*Event, error)

	// FindAllByRemoteUID finds every event sharing a remote UID.
	FindAllByRemoteUID(ctx context.Context, uid string) ([]*Event, error)

	// FindForUser finds events starting on or after since that userID
	// organizes, attends or has synchronized.
	FindForUser(ctx context.Context, userID uuid.UUID, since time.Time) ([]*Event, error)

	// FindBySeries finds the occurrences of a series ordered by start.
	FindBySeries(ctx context.Context, seriesID uuid.UUID) ([]*Event, error)

	// Delete removes an event.
	Delete(ctx context.Context, id uuid.UUID) error

	// DeleteByOwner removes every event organized by ownerID.
	DeleteByOwner(ctx context.Context, ownerID uuid.UUID) (int, error)
}
