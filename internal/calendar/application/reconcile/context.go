package reconcile

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/calendar/application/identity"
	"github.com/felixgeelhaar/calsync/internal/calendar/application/recurrence"
	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/calendar/infrastructure/caldav"
)

// PassContext carries everything one user's pass needs: who is syncing,
// which calendars are bound, identity lookups and the log lines collected
// on the way. It is owned by a single goroutine.
type PassContext struct {
	RunID      uuid.UUID
	Binding    *domain.SyncUser
	UserID     uuid.UUID
	Address    string
	Since      time.Time
	Calendars  *CalendarIndex
	Identities *identity.Session
	Logger     *slog.Logger

	Conflicts int
	lines     []domain.SyncLogLine
}

// Log records a sync log line and mirrors it to the structured logger.
func (pc *PassContext) Log(op domain.LogOperation, severity domain.Severity, uid, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	pc.lines = append(pc.lines, domain.NewSyncLogLine(pc.RunID, pc.UserID, op, severity, uid, msg))

	if pc.Logger == nil {
		return
	}
	attrs := []any{"user_id", pc.UserID, "operation", string(op)}
	if uid != "" {
		attrs = append(attrs, "uid", uid)
	}
	switch severity {
	case domain.SeverityDebug:
		pc.Logger.Debug(msg, attrs...)
	case domain.SeverityInfo:
		pc.Logger.Info(msg, attrs...)
	case domain.SeverityWarning:
		pc.Logger.Warn(msg, attrs...)
	default:
		pc.Logger.Error(msg, attrs...)
	}
}

// Lines returns the log lines recorded so far.
func (pc *PassContext) Lines() []domain.SyncLogLine { return pc.lines }

// CalendarIndex resolves the calendar mappings of one user.
type CalendarIndex struct {
	byURL      map[string]*domain.CalendarMapping
	byID       map[uuid.UUID]*domain.CalendarMapping
	defaultURL string
}

// NewCalendarIndex indexes mappings. defaultURL overrides the mapping
// flagged as default when set.
func NewCalendarIndex(mappings []*domain.CalendarMapping, defaultURL string) *CalendarIndex {
	idx := &CalendarIndex{
		byURL: make(map[string]*domain.CalendarMapping, len(mappings)),
		byID:  make(map[uuid.UUID]*domain.CalendarMapping, len(mappings)),
	}
	for _, m := range mappings {
		idx.byURL[m.CalendarURL()] = m
		idx.byID[m.ID()] = m
		if defaultURL == "" && m.IsDefault() && m.Writable() {
			defaultURL = m.CalendarURL()
		}
	}
	if defaultURL == "" {
		for _, m := range mappings {
			if m.Writable() {
				defaultURL = m.CalendarURL()
				break
			}
		}
	}
	idx.defaultURL = defaultURL
	return idx
}

// Fetchable returns the URLs of calendars still listed by the server,
// sorted.
func (c *CalendarIndex) Fetchable() []string {
	var urls []string
	for url, m := range c.byURL {
		if !m.IsRemoved() {
			urls = append(urls, url)
		}
	}
	sort.Strings(urls)
	return urls
}

// ByURL returns the mapping of a remote calendar.
func (c *CalendarIndex) ByURL(url string) *domain.CalendarMapping { return c.byURL[url] }

// ReadOnly reports whether local changes may not be pushed to url.
func (c *CalendarIndex) ReadOnly(url string) bool {
	m := c.byURL[url]
	return m != nil && !m.Writable()
}

// IDFor returns the mapping id of url, or uuid.Nil.
func (c *CalendarIndex) IDFor(url string) uuid.UUID {
	if m := c.byURL[url]; m != nil {
		return m.ID()
	}
	return uuid.Nil
}

// Owns reports whether calendarID is one of this user's mappings.
func (c *CalendarIndex) Owns(calendarID uuid.UUID) bool {
	_, ok := c.byID[calendarID]
	return ok
}

// Target returns the calendar a local event is pushed to: its own mapping
// when that belongs to this user, the default calendar otherwise.
func (c *CalendarIndex) Target(calendarID uuid.UUID) (string, bool) {
	if m := c.byID[calendarID]; m != nil {
		return m.CalendarURL(), m.Writable()
	}
	return c.defaultURL, c.defaultURL != ""
}

type matchKey struct {
	UID string
	RID string
}

// LocalSet is the local side of one pass.
type LocalSet struct {
	events    map[matchKey]*domain.Event // standalone events and detached overrides
	unlinked  []*domain.Event            // standalone events never pushed
	arenas    map[string]*recurrence.Arena
	newSeries []*recurrence.Arena
}

// NewLocalSet groups the events relevant to a user. Occurrences must be
// supplied through arenas; events of a series are ignored otherwise.
func NewLocalSet(events []*domain.Event, arenas []*recurrence.Arena) *LocalSet {
	s := &LocalSet{
		events: make(map[matchKey]*domain.Event),
		arenas: make(map[string]*recurrence.Arena),
	}
	for _, e := range events {
		if e.InSeries() {
			continue
		}
		if e.RemoteUID() == "" {
			s.unlinked = append(s.unlinked, e)
			continue
		}
		s.events[matchKey{e.RemoteUID(), e.RecurrenceID()}] = e
	}
	for _, a := range arenas {
		if uid := a.Series.RemoteUID(); uid != "" {
			s.arenas[uid] = a
		} else {
			s.newSeries = append(s.newSeries, a)
		}
	}
	sort.Slice(s.unlinked, func(i, j int) bool { return s.unlinked[i].Start().Before(s.unlinked[j].Start()) })
	return s
}

// Event returns the standalone event or detached override with key (uid, rid).
func (s *LocalSet) Event(uid, rid string) *domain.Event { return s.events[matchKey{uid, rid}] }

// Arena returns the series linked to uid.
func (s *LocalSet) Arena(uid string) *recurrence.Arena { return s.arenas[uid] }

// Overrides returns the detached overrides of uid, ordered by instance id.
func (s *LocalSet) Overrides(uid string) []*domain.Event {
	var out []*domain.Event
	for k, e := range s.events {
		if k.UID == uid && k.RID != "" {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RecurrenceID() < out[j].RecurrenceID() })
	return out
}

func (s *LocalSet) linkedUIDs() []string {
	seen := make(map[string]bool)
	var uids []string
	for k := range s.events {
		if !seen[k.UID] {
			seen[k.UID] = true
			uids = append(uids, k.UID)
		}
	}
	for uid := range s.arenas {
		if !seen[uid] {
			seen[uid] = true
			uids = append(uids, uid)
		}
	}
	sort.Strings(uids)
	return uids
}

// RemoteSet is the remote side of one pass, one object per UID.
type RemoteSet struct {
	objects map[string]*caldav.RemoteObject
}

// NewRemoteSet indexes objects by UID. When the same UID shows up in more
// than one calendar the first one wins.
func NewRemoteSet(objects []*caldav.RemoteObject) (*RemoteSet, []*caldav.RemoteObject) {
	s := &RemoteSet{objects: make(map[string]*caldav.RemoteObject, len(objects))}
	var dupes []*caldav.RemoteObject
	for _, obj := range objects {
		if _, ok := s.objects[obj.UID]; ok {
			dupes = append(dupes, obj)
			continue
		}
		s.objects[obj.UID] = obj
	}
	return s, dupes
}

// Object returns the object with uid.
func (s *RemoteSet) Object(uid string) *caldav.RemoteObject { return s.objects[uid] }

// UIDs returns every UID, sorted.
func (s *RemoteSet) UIDs() []string {
	uids := make([]string, 0, len(s.objects))
	for uid := range s.objects {
		uids = append(uids, uid)
	}
	sort.Strings(uids)
	return uids
}

// Digest fingerprints the remote side: every UID with the hash of its
// content. Two passes over an unchanged server produce the same digest.
func (s *RemoteSet) Digest() string {
	h := sha256.New()
	for _, uid := range s.UIDs() {
		obj := s.objects[uid]
		hash := obj.SeriesHash()
		if !obj.IsRecurring() && obj.Master != nil {
			hash = obj.Master.Hash
		}
		fmt.Fprintf(h, "%s:%s\n", uid, hash)
	}
	return hex.EncodeToString(h.Sum(nil))
}
