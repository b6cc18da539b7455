package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ShowAs is the busy/free flag of an event (TRANSP on the wire).
type ShowAs string

const (
	ShowAsBusy ShowAs = "busy"
	ShowAsFree ShowAs = "free"
)

// Status is the confirmation state of an event.
type Status string

const (
	StatusConfirmed Status = "confirmed"
	StatusTentative Status = "tentative"
	StatusCancelled Status = "cancelled"
)

// ParseStatus maps a wire or user supplied status to a Status.
// Unknown values fall back to confirmed.
func ParseStatus(s string) Status {
	switch Status(strings.ToLower(strings.TrimSpace(s))) {
	case StatusTentative:
		return StatusTentative
	case StatusCancelled, "canceled":
		return StatusCancelled
	default:
		return StatusConfirmed
	}
}

// Attendee is a participant of an event. UserID or ContactID is set once
// the address has been resolved against the local store.
type Attendee struct {
	Email     string
	Name      string
	Status    string
	UserID    uuid.UUID
	ContactID uuid.UUID
}

// Alarm is a reminder relative to the event start. Negative triggers fire
// before the start.
type Alarm struct {
	Trigger time.Duration
	Action  string
}

// Content is the synchronized field set of an event.
//
// Start and End are stored in UTC. For all-day events both are midnight UTC
// of the first and last day and End is inclusive.
type Content struct {
	Title       string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	AllDay      bool
	TimeZone    string
	ShowAs      ShowAs
	Status      Status
	Categories  []string
	Organizer   string
	Attendees   []Attendee
	Alarms      []Alarm
}

// Normalize returns a copy with canonical times, text and defaults.
func (c Content) Normalize() Content {
	out := c.Clone()
	out.Title = normalizeText(c.Title)
	out.Description = normalizeText(c.Description)
	out.Location = normalizeText(c.Location)
	out.Organizer = strings.ToLower(strings.TrimSpace(c.Organizer))
	if c.AllDay {
		out.Start = dateOnly(c.Start)
		out.End = dateOnly(c.End)
	} else {
		out.Start = c.Start.UTC().Truncate(time.Second)
		out.End = c.End.UTC().Truncate(time.Second)
	}
	if out.ShowAs == "" {
		out.ShowAs = ShowAsBusy
	}
	if out.Status == "" {
		out.Status = StatusConfirmed
	}
	for i := range out.Attendees {
		out.Attendees[i].Email = strings.ToLower(strings.TrimSpace(out.Attendees[i].Email))
	}
	return out
}

// Validate checks the time range.
func (c Content) Validate() error {
	if c.End.Before(c.Start) {
		return ErrInvalidEventTime
	}
	return nil
}

// Duration returns End minus Start.
func (c Content) Duration() time.Duration {
	return c.End.Sub(c.Start)
}

// Shift returns a copy moved to start, keeping the duration.
func (c Content) Shift(start time.Time) Content {
	out := c.Clone()
	d := c.Duration()
	out.Start = start
	out.End = start.Add(d)
	return out
}

// IsCancelled reports whether the event is cancelled.
func (c Content) IsCancelled() bool {
	return c.Status == StatusCancelled
}

// Attendee returns the attendee with the given address.
func (c Content) Attendee(email string) (Attendee, bool) {
	email = strings.ToLower(strings.TrimSpace(email))
	for _, a := range c.Attendees {
		if strings.EqualFold(a.Email, email) {
			return a, true
		}
	}
	return Attendee{}, false
}

// Clone returns a deep copy.
func (c Content) Clone() Content {
	out := c
	out.Categories = append([]string(nil), c.Categories...)
	out.Attendees = append([]Attendee(nil), c.Attendees...)
	out.Alarms = append([]Alarm(nil), c.Alarms...)
	return out
}

// SameSlot reports whether two contents describe the same title and time
// range. Used to detect round-tripped duplicates that never got a UID.
func (c Content) SameSlot(other Content) bool {
	a, b := c.Normalize(), other.Normalize()
	return a.Title == b.Title && a.Start.Equal(b.Start) && a.End.Equal(b.End) && a.AllDay == b.AllDay
}

func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.TrimSpace(s)
}

func dateOnly(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func sortedUnique(values []string, fold func(string) string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = fold(strings.TrimSpace(v))
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
