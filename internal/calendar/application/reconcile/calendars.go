package reconcile

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/calendar/infrastructure/caldav"
)

// MirrorCalendars aligns a user's calendar mappings with the calendars the
// server lists. New calendars get a mapping, renamed ones follow, and
// calendars the server stopped listing are flagged removed so their events
// are neither fetched nor deleted. The default flag follows defaultURL, or
// falls on the first writable calendar when no default exists.
func MirrorCalendars(ctx context.Context, repo domain.CalendarMappingRepository, userID uuid.UUID, listed []caldav.Calendar, defaultURL string) ([]*domain.CalendarMapping, error) {
	existing, err := repo.FindByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load calendar mappings: %w", err)
	}
	byURL := make(map[string]*domain.CalendarMapping, len(existing))
	for _, m := range existing {
		byURL[m.CalendarURL()] = m
	}

	dirty := make(map[uuid.UUID]*domain.CalendarMapping)
	seen := make(map[string]bool, len(listed))
	for _, cal := range listed {
		seen[cal.URL] = true
		m, ok := byURL[cal.URL]
		if !ok {
			m, err = domain.NewCalendarMapping(userID, cal.URL, cal.Name)
			if err != nil {
				return nil, err
			}
			byURL[cal.URL] = m
			dirty[m.ID()] = m
			continue
		}
		if m.Rename(cal.Name) {
			dirty[m.ID()] = m
		}
		if m.IsRemoved() {
			m.Restore()
			dirty[m.ID()] = m
		}
	}
	for url, m := range byURL {
		if !seen[url] && !m.IsRemoved() {
			m.MarkRemoved()
			dirty[m.ID()] = m
		}
	}

	mappings := make([]*domain.CalendarMapping, 0, len(byURL))
	for _, m := range byURL {
		mappings = append(mappings, m)
	}
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].CalendarURL() < mappings[j].CalendarURL() })

	if defaultURL == "" {
		for _, m := range mappings {
			if m.IsDefault() && m.Writable() {
				defaultURL = m.CalendarURL()
				break
			}
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
	for _, m := range mappings {
		if want := m.CalendarURL() == defaultURL; m.IsDefault() != want {
			m.SetDefault(want)
			dirty[m.ID()] = m
		}
	}

	for _, m := range mappings {
		if _, ok := dirty[m.ID()]; !ok {
			continue
		}
		if err := repo.Save(ctx, m); err != nil {
			return nil, fmt.Errorf("failed to save calendar mapping %s: %w", m.CalendarURL(), err)
		}
	}
	return mappings, nil
}
