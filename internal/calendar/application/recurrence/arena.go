package recurrence

import (
	"maps"
	"slices"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

// Arena holds the attached occurrences of one series, indexed by id and by
// instance id. The series refers to its head by id only, so re-electing the
// head is an index update.
type Arena struct {
	Series *domain.RecurrenceSeries

	byID       map[uuid.UUID]*domain.Event
	byInstance map[string]uuid.UUID
	order      []uuid.UUID
}

// NewArena indexes the occurrences of series. Detached events and events of
// other series are ignored.
func NewArena(series *domain.RecurrenceSeries, occurrences []*domain.Event) *Arena {
	a := &Arena{
		Series:     series,
		byID:       make(map[uuid.UUID]*domain.Event, len(occurrences)),
		byInstance: make(map[string]uuid.UUID, len(occurrences)),
	}
	for _, e := range occurrences {
		if e.SeriesID() == series.ID() {
			a.Add(e)
		}
	}
	return a
}

// Add indexes an occurrence.
func (a *Arena) Add(e *domain.Event) {
	if _, ok := a.byID[e.ID()]; ok {
		return
	}
	a.byID[e.ID()] = e
	a.byInstance[e.RecurrenceID()] = e.ID()
	i := sort.Search(len(a.order), func(i int) bool {
		return e.Start().Before(a.byID[a.order[i]].Start())
	})
	a.order = append(a.order, uuid.Nil)
	copy(a.order[i+1:], a.order[i:])
	a.order[i] = e.ID()
}

// Snapshot records the series, its occurrences and the index. The returned
// function puts all of them back, dropping occurrences added since.
func (a *Arena) Snapshot() func() {
	series := a.Series.State()
	states := make(map[*domain.Event]domain.EventState, len(a.byID))
	for _, e := range a.byID {
		states[e] = e.State()
	}
	byID, byInstance, order := maps.Clone(a.byID), maps.Clone(a.byInstance), slices.Clone(a.order)
	return func() {
		a.Series.Restore(series)
		for e, st := range states {
			e.Restore(st)
		}
		a.byID, a.byInstance, a.order = maps.Clone(byID), maps.Clone(byInstance), slices.Clone(order)
	}
}

// Len returns the number of attached occurrences.
func (a *Arena) Len() int { return len(a.order) }

// Get returns the occurrence with the given id.
func (a *Arena) Get(id uuid.UUID) *domain.Event { return a.byID[id] }

// ByInstance returns the occurrence generated for instanceID.
func (a *Arena) ByInstance(instanceID string) *domain.Event {
	id, ok := a.byInstance[instanceID]
	if !ok {
		return nil
	}
	return a.byID[id]
}

// Occurrences returns the attached occurrences ordered by start.
func (a *Arena) Occurrences() []*domain.Event {
	out := make([]*domain.Event, 0, len(a.order))
	for _, id := range a.order {
		out = append(out, a.byID[id])
	}
	return out
}

// Head returns the head occurrence, or nil when the series has none.
func (a *Arena) Head() *domain.Event {
	return a.byID[a.Series.HeadID()]
}

// ElectHead makes the earliest occurrence not pending deletion the head,
// falling back to the earliest occurrence. It reports whether the head changed.
func (a *Arena) ElectHead() bool {
	head := uuid.Nil
	for _, id := range a.order {
		if !a.byID[id].IsPendingDelete() {
			head = id
			break
		}
	}
	if head == uuid.Nil && len(a.order) > 0 {
		head = a.order[0]
	}
	if head == a.Series.HeadID() {
		return false
	}
	a.Series.SetHead(head)
	return true
}

// MasterContent returns the head content moved back to the series start.
func (a *Arena) MasterContent() (domain.Content, bool) {
	head := a.Head()
	if head == nil {
		return domain.Content{}, false
	}
	return head.Content().Shift(a.Series.DTStart()), true
}

// Detach freezes occurrence id as a standalone event and records its
// instance as an exception of the series.
func (a *Arena) Detach(id uuid.UUID) (*domain.Event, error) {
	e, ok := a.byID[id]
	if !ok {
		return nil, domain.ErrEventNotFound
	}
	a.Series.AddExDate(e.RecurrenceID())
	a.remove(e)
	e.Detach()
	a.ElectHead()
	return e, nil
}

// Remove drops occurrence id from the series. With addException the
// instance becomes an exception date so re-expansion does not bring it back.
func (a *Arena) Remove(id uuid.UUID, addException bool) *domain.Event {
	e, ok := a.byID[id]
	if !ok {
		return nil
	}
	if addException {
		a.Series.AddExDate(e.RecurrenceID())
	}
	a.remove(e)
	a.ElectHead()
	return e
}

func (a *Arena) remove(e *domain.Event) {
	delete(a.byID, e.ID())
	if a.byInstance[e.RecurrenceID()] == e.ID() {
		delete(a.byInstance, e.RecurrenceID())
	}
	for i, id := range a.order {
		if id == e.ID() {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
}

// PendingDelete returns the occurrences marked for deletion.
func (a *Arena) PendingDelete() []*domain.Event {
	var out []*domain.Event
	for _, id := range a.order {
		if a.byID[id].IsPendingDelete() {
			out = append(out, a.byID[id])
		}
	}
	return out
}

// AllPendingDelete reports whether every occurrence is marked for deletion.
func (a *Arena) AllPendingDelete() bool {
	if len(a.order) == 0 {
		return false
	}
	for _, id := range a.order {
		if !a.byID[id].IsPendingDelete() {
			return false
		}
	}
	return true
}

// Unsynced reports whether the rule-wide part of the series (the series
// itself or its head) carries local edits not yet pushed.
func (a *Arena) Unsynced() bool {
	if !a.Series.IsSynced() {
		return true
	}
	head := a.Head()
	return head != nil && !head.IsSynced()
}

// LastWriteAt returns the latest local write to the series or its occurrences.
func (a *Arena) LastWriteAt() (last time.Time) {
	last = a.Series.LastWriteAt()
	for _, id := range a.order {
		if t := a.byID[id].LastWriteAt(); t.After(last) {
			last = t
		}
	}
	return last
}
