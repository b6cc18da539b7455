// Package recurrence materializes recurring series into bounded sets of
// occurrences and keeps each series' exception list and head consistent.
package recurrence

import (
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/teambition/rrule-go"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

const day = 24 * time.Hour

// Limits bound how far ahead a series is materialized, per frequency.
type Limits struct {
	Daily          time.Duration
	Weekly         time.Duration
	Monthly        time.Duration
	Yearly         time.Duration
	MaxOccurrences int
}

// DefaultLimits returns two years for daily, weekly and monthly rules, ten
// years for yearly rules and a cap of 2000 occurrences.
func DefaultLimits() Limits {
	return Limits{
		Daily:          730 * day,
		Weekly:         730 * day,
		Monthly:        730 * day,
		Yearly:         3650 * day,
		MaxOccurrences: 2000,
	}
}

func (l Limits) horizon(freq rrule.Frequency) time.Duration {
	switch freq {
	case rrule.YEARLY:
		return l.Yearly
	case rrule.MONTHLY:
		return l.Monthly
	case rrule.WEEKLY:
		return l.Weekly
	default:
		return l.Daily
	}
}

// Occurrence is one generated instance of a series.
type Occurrence struct {
	InstanceID string
	Start      time.Time
	End        time.Time
}

// Manager expands recurrence rules and materializes their occurrences.
type Manager struct {
	limits Limits
	now    func() time.Time
	logger *slog.Logger
}

// NewManager creates a recurrence manager. Zero limits fall back to the defaults.
func NewManager(limits Limits, logger *slog.Logger) *Manager {
	def := DefaultLimits()
	if limits.Daily <= 0 {
		limits.Daily = def.Daily
	}
	if limits.Weekly <= 0 {
		limits.Weekly = def.Weekly
	}
	if limits.Monthly <= 0 {
		limits.Monthly = def.Monthly
	}
	if limits.Yearly <= 0 {
		limits.Yearly = def.Yearly
	}
	if limits.MaxOccurrences <= 0 {
		limits.MaxOccurrences = def.MaxOccurrences
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{limits: limits, now: time.Now, logger: logger}
}

// WithClock overrides the clock used to place the expansion horizon.
func (m *Manager) WithClock(now func() time.Time) *Manager {
	m.now = now
	return m
}

// Window returns the range the series is materialized over: from its start
// up to the frequency horizon past today, or past the start when the series
// begins in the future.
func (m *Manager) Window(series *domain.RecurrenceSeries) (time.Time, time.Time, error) {
	opt, err := rrule.StrToROption(series.Rule())
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid recurrence rule %q: %w", series.Rule(), err)
	}
	from := series.DTStart()
	anchor := m.now().UTC()
	if from.After(anchor) {
		anchor = from
	}
	return from, anchor.Add(m.limits.horizon(opt.Freq)), nil
}

// Expand generates the occurrences of a series inside its window, skipping
// exception dates. The second result reports whether the occurrence cap
// truncated the expansion.
func (m *Manager) Expand(series *domain.RecurrenceSeries) ([]Occurrence, bool, error) {
	opt, err := rrule.StrToROption(series.Rule())
	if err != nil {
		return nil, false, fmt.Errorf("invalid recurrence rule %q: %w", series.Rule(), err)
	}

	// Generate in the series' zone so wall-clock times survive DST changes.
	loc := time.UTC
	if !series.AllDay() {
		loc = domain.LoadLocation(series.TimeZone())
	}
	opt.Dtstart = series.DTStart().In(loc)

	r, err := rrule.NewRRule(*opt)
	if err != nil {
		return nil, false, fmt.Errorf("invalid recurrence rule %q: %w", series.Rule(), err)
	}

	from, to, err := m.Window(series)
	if err != nil {
		return nil, false, err
	}

	// Past the cap, occurrences from today on win over history, and the
	// most recent history wins over older history.
	var (
		cut       = m.now().UTC().Truncate(day)
		limit     = m.limits.MaxOccurrences
		history   = make([]Occurrence, 0, limit)
		oldest    int
		upcoming  []Occurrence
		truncated bool
	)
	next := r.Iterator()
	for {
		t, ok := next()
		if !ok || t.After(to) {
			break
		}
		if t.Before(from) {
			continue
		}
		start := t.UTC()
		id := series.InstanceID(start)
		if series.HasExDate(id) {
			continue
		}
		occ := Occurrence{InstanceID: id, Start: start, End: start.Add(series.Duration())}
		if start.Before(cut) {
			if len(history) < limit {
				history = append(history, occ)
				continue
			}
			truncated = true
			history[oldest] = occ
			oldest = (oldest + 1) % limit
			continue
		}
		if len(upcoming) == limit {
			truncated = true
			break
		}
		upcoming = append(upcoming, occ)
	}

	history = slices.Concat(history[oldest:], history[:oldest])
	if keep := limit - len(upcoming); len(history) > keep {
		truncated = true
		history = history[len(history)-keep:]
	}
	out := slices.Concat(history, upcoming)

	if truncated {
		m.logger.Warn("recurrence expansion truncated",
			"series_id", series.ID(),
			"uid", series.RemoteUID(),
			"cap", m.limits.MaxOccurrences,
		)
	}
	return out, truncated, nil
}

// CreateSeries builds a new series from the content of its first occurrence
// and materializes it.
func (m *Manager) CreateSeries(ownerID uuid.UUID, content domain.Content, rule string, origin domain.WriteOrigin) (*Arena, []*domain.Event, error) {
	normalized, err := domain.NormalizeRule(rule)
	if err != nil {
		return nil, nil, err
	}
	content = content.Normalize()
	if err := content.Validate(); err != nil {
		return nil, nil, err
	}
	series, err := domain.NewRecurrenceSeries(ownerID, normalized, content.Start, content.Duration(), content.TimeZone, content.AllDay, origin)
	if err != nil {
		return nil, nil, err
	}
	arena := NewArena(series, nil)
	created, err := m.Materialize(arena, content, origin)
	if err != nil {
		return nil, nil, err
	}
	return arena, created, nil
}

// Materialize creates the occurrences of the window that the arena does not
// hold yet, using master content shifted to each instance start.
func (m *Manager) Materialize(arena *Arena, master domain.Content, origin domain.WriteOrigin) ([]*domain.Event, error) {
	occurrences, _, err := m.Expand(arena.Series)
	if err != nil {
		return nil, err
	}

	var created []*domain.Event
	for _, occ := range occurrences {
		if arena.ByInstance(occ.InstanceID) != nil {
			continue
		}
		e, err := domain.NewEvent(arena.Series.OwnerID(), master.Shift(occ.Start), origin)
		if err != nil {
			return nil, err
		}
		e.AttachToSeries(arena.Series.ID(), arena.Series.RemoteUID(), occ.InstanceID)
		arena.Add(e)
		created = append(created, e)
	}
	arena.ElectHead()
	return created, nil
}

// RefreshResult lists the occurrence changes made by Refresh.
type RefreshResult struct {
	Created []*domain.Event
	Updated []*domain.Event
	Pruned  []*domain.Event
}

// Refresh re-expands the series after its rule, anchor or exception list
// changed. Occurrences the rule no longer generates are pruned without
// adding exception dates; synced occurrences take the master content;
// occurrences with unsynced local edits are left for the caller to resolve.
func (m *Manager) Refresh(arena *Arena, master domain.Content, origin domain.WriteOrigin) (RefreshResult, error) {
	var result RefreshResult

	occurrences, _, err := m.Expand(arena.Series)
	if err != nil {
		return result, err
	}
	wanted := make(map[string]Occurrence, len(occurrences))
	for _, occ := range occurrences {
		wanted[occ.InstanceID] = occ
	}

	for _, e := range arena.Occurrences() {
		occ, ok := wanted[e.RecurrenceID()]
		if !ok {
			arena.Remove(e.ID(), false)
			result.Pruned = append(result.Pruned, e)
			continue
		}
		if !e.IsSynced() || e.IsPendingDelete() {
			continue
		}
		content := master.Shift(occ.Start)
		if domain.ContentHash(content.Normalize()) == e.ContentHash() {
			continue
		}
		if err := e.Update(content, origin); err != nil {
			return result, err
		}
		result.Updated = append(result.Updated, e)
	}

	created, err := m.Materialize(arena, master, origin)
	if err != nil {
		return result, err
	}
	result.Created = created
	return result, nil
}
