package reconcile

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/calendar/application/recurrence"
	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/calendar/infrastructure/caldav"
	"github.com/felixgeelhaar/calsync/internal/shared/application"
)

// RemoteStore is the remote calendar server of one binding.
type RemoteStore interface {
	ListCalendars(ctx context.Context) ([]caldav.Calendar, error)
	FetchObjects(ctx context.Context, calendarURL string, since time.Time) ([]*caldav.RemoteObject, []error, error)
	Put(ctx context.Context, obj *caldav.RemoteObject) error
	Delete(ctx context.Context, href string) error
}

// RemoteFactory opens the remote store of a binding.
type RemoteFactory func(binding *domain.SyncUser) (RemoteStore, error)

// RemoteApplier applies remote operations. Every operation writes one
// calendar object; the local cross-references it implies are written after
// the server accepted it.
type RemoteApplier struct {
	stores  Stores
	uow     application.UnitOfWork
	manager *recurrence.Manager
	newUID  func() string
}

// NewRemoteApplier creates a remote applier.
func NewRemoteApplier(stores Stores, uow application.UnitOfWork, manager *recurrence.Manager) *RemoteApplier {
	return &RemoteApplier{stores: stores, uow: uow, manager: manager, newUID: uuid.NewString}
}

// Apply runs ops against store in order and reports one result per
// operation.
func (a *RemoteApplier) Apply(ctx context.Context, pc *PassContext, store RemoteStore, ops []RemoteOp) []Result {
	results := make([]Result, 0, len(ops))
	for _, op := range ops {
		var r Result
		if err := ctx.Err(); err != nil {
			r = skipped(domain.SideRemote, op.Kind, remoteScope(op), remoteOpID(op), op.UID, ReasonApplyFailed, err)
		} else {
			r = a.applyOne(ctx, pc, store, op)
		}
		switch {
		case r.Failed():
			pc.Log(domain.LogOpError, domain.SeverityError, r.UID, "%v", r.Err)
		case r.Status == Applied:
			pc.Log(logOpFor(op.Kind), domain.SeverityDebug, r.UID, "remote %s of %s (%s)", op.Kind, remoteScope(op), op.Rule)
		}
		results = append(results, r)
	}
	return results
}

func (a *RemoteApplier) applyOne(ctx context.Context, pc *PassContext, store RemoteStore, op RemoteOp) Result {
	switch {
	case op.Kind == domain.OpDelete:
		return a.delete(ctx, pc, store, op)
	case op.Arena != nil:
		return a.pushSeries(ctx, pc, store, op)
	default:
		return a.pushEvent(ctx, pc, store, op)
	}
}

func (a *RemoteApplier) delete(ctx context.Context, pc *PassContext, store RemoteStore, op RemoteOp) Result {
	scope, id := remoteScope(op), remoteOpID(op)
	if op.Object == nil || op.Object.Href == "" {
		return skipped(domain.SideRemote, op.Kind, scope, id, op.UID, ReasonStale, nil)
	}
	if err := store.Delete(ctx, op.Object.Href); err != nil {
		return skipped(domain.SideRemote, op.Kind, scope, id, op.UID, ReasonApplyFailed, err)
	}
	if op.Move {
		return bookkeeping(domain.SideRemote, op.Kind, scope, id, op.UID)
	}

	restore := snapshotOf(op.Event, op.Arena)
	err := application.WithUnitOfWork(ctx, a.uow, func(txCtx context.Context) error {
		if op.Arena != nil {
			return deleteSeriesRows(txCtx, a.stores, op.Arena)
		}
		e := op.Event
		e.DropViewer(pc.UserID)
		if e.IsOrganizer(pc.UserID) || len(e.Viewers()) == 0 {
			return a.stores.Events.Delete(txCtx, e.ID())
		}
		return a.stores.Events.Save(txCtx, e)
	})
	if err != nil {
		restore()
		// The next pass finds the remote copy gone and finishes the delete.
		pc.Log(domain.LogOpError, domain.SeverityWarning, op.UID, "remote copy deleted but local cleanup failed: %v", err)
	}
	return applied(domain.SideRemote, op.Kind, scope, id, op.UID)
}

func (a *RemoteApplier) pushEvent(ctx context.Context, pc *PassContext, store RemoteStore, op RemoteOp) Result {
	e := op.Event
	uid := op.UID
	if uid == "" {
		uid = a.newUID()
	}

	content := e.Content()
	organizerAdded := false
	if content.Organizer == "" && len(content.Attendees) > 0 && pc.Address != "" {
		content.Organizer = pc.Address
		organizerAdded = true
	}
	obj := &caldav.RemoteObject{
		UID:         uid,
		CalendarURL: op.CalendarURL,
		Master:      &caldav.RemoteEvent{UID: uid, Content: content},
	}
	if op.Kind == domain.OpUpdate && op.Object != nil {
		obj.Href = op.Object.Href
		obj.ETag = op.Object.ETag
		obj.CalendarURL = op.Object.CalendarURL
	}
	if err := store.Put(ctx, obj); err != nil {
		return skipped(domain.SideRemote, op.Kind, ScopeEvent, e.ID(), uid, ReasonApplyFailed, err)
	}

	restore := snapshotOf(e, nil)
	err := application.WithUnitOfWork(ctx, a.uow, func(txCtx context.Context) error {
		if e.RemoteUID() != uid {
			e.LinkRemote(uid, "")
		}
		if organizerAdded {
			if err := e.Update(content, domain.OriginSync); err != nil {
				return err
			}
		}
		if op.Kind == domain.OpCreate {
			if id := pc.Calendars.IDFor(op.CalendarURL); id != uuid.Nil {
				e.SetCalendar(id)
			}
		}
		e.MarkSynced(pc.UserID)
		return a.stores.Events.Save(txCtx, e)
	})
	if err != nil {
		restore()
		pc.Log(domain.LogOpError, domain.SeverityWarning, uid, "remote write done but cross-reference not stored: %v", err)
	}
	return applied(domain.SideRemote, op.Kind, ScopeEvent, e.ID(), uid)
}

// pushSeries writes a whole series object: the master from the head, the
// exception list, and one override per detached instance. Pending instance
// deletes become exceptions; attached instances whose local edits the rule
// cannot explain are pushed as overrides and detached once accepted.
func (a *RemoteApplier) pushSeries(ctx context.Context, pc *PassContext, store RemoteStore, op RemoteOp) Result {
	arena := op.Arena
	series := arena.Series
	uid := op.UID
	if uid == "" {
		uid = a.newUID()
	}
	master, ok := arena.MasterContent()
	if !ok {
		return skipped(domain.SideRemote, op.Kind, ScopeSeries, series.ID(), uid, ReasonStale, nil)
	}
	overrides, err := loadOverrides(ctx, a.stores.Events, series.RemoteUID())
	if err != nil {
		return skipped(domain.SideRemote, op.Kind, ScopeSeries, series.ID(), uid, ReasonApplyFailed, err)
	}

	head := arena.Head()
	var pending, detach []*domain.Event
	for _, occ := range arena.Occurrences() {
		switch {
		case occ.IsPendingDelete():
			pending = append(pending, occ)
		case occ != head && !occ.IsSynced() && !matchesMaster(arena, occ, master):
			detach = append(detach, occ)
		}
	}

	exDates := series.ExDates()
	obj := &caldav.RemoteObject{UID: uid, CalendarURL: op.CalendarURL}
	for _, occ := range pending {
		exDates = append(exDates, occ.RecurrenceID())
	}
	for _, occ := range detach {
		exDates = append(exDates, occ.RecurrenceID())
		obj.Overrides = append(obj.Overrides, overrideOf(uid, occ))
	}
	var live []*domain.Event
	for _, o := range overrides {
		if o.IsPendingDelete() {
			continue
		}
		live = append(live, o)
		obj.Overrides = append(obj.Overrides, overrideOf(uid, o))
	}
	sort.Slice(obj.Overrides, func(i, j int) bool { return obj.Overrides[i].RecurrenceID < obj.Overrides[j].RecurrenceID })
	obj.Master = &caldav.RemoteEvent{
		UID:     uid,
		Content: master,
		Rule:    series.Rule(),
		ExDates: domain.NormalizeInstanceIDs(exDates),
	}
	if op.Kind == domain.OpUpdate && op.Object != nil {
		obj.Href = op.Object.Href
		obj.ETag = op.Object.ETag
		obj.CalendarURL = op.Object.CalendarURL
	}
	if err := store.Put(ctx, obj); err != nil {
		return skipped(domain.SideRemote, op.Kind, ScopeSeries, series.ID(), uid, ReasonApplyFailed, err)
	}

	restore := snapshotOf(nil, arena)
	err = application.WithUnitOfWork(ctx, a.uow, func(txCtx context.Context) error {
		// Link first: detaching an instance without a remote identity would
		// drop its instance id.
		if series.RemoteUID() != uid {
			series.LinkRemote(uid)
		}
		for _, occ := range arena.Occurrences() {
			if occ.RemoteUID() != uid {
				occ.LinkRemote(uid, occ.RecurrenceID())
			}
		}
		for _, occ := range pending {
			arena.Remove(occ.ID(), true)
			if err := a.stores.Events.Delete(txCtx, occ.ID()); err != nil {
				return err
			}
		}
		for _, o := range overrides {
			if o.IsPendingDelete() {
				if err := a.stores.Events.Delete(txCtx, o.ID()); err != nil {
					return err
				}
			}
		}
		for _, occ := range detach {
			if _, err := arena.Detach(occ.ID()); err != nil {
				return err
			}
			live = append(live, occ)
		}

		current, ok := arena.MasterContent()
		if !ok {
			current = master
		}
		res, err := a.manager.Refresh(arena, current, domain.OriginSync)
		if err != nil {
			return err
		}
		for _, e := range res.Pruned {
			if err := a.stores.Events.Delete(txCtx, e.ID()); err != nil {
				return err
			}
		}

		calendarID := pc.Calendars.IDFor(obj.CalendarURL)
		for _, occ := range arena.Occurrences() {
			if occ.RemoteUID() != uid {
				occ.LinkRemote(uid, occ.RecurrenceID())
			}
			if op.Kind == domain.OpCreate && calendarID != uuid.Nil {
				occ.SetCalendar(calendarID)
			}
			occ.MarkSynced(pc.UserID)
		}
		series.MarkSynced(localSeriesHash(arena))
		if err := saveArena(txCtx, a.stores, arena); err != nil {
			return err
		}
		for _, o := range live {
			if o.RemoteUID() != uid {
				o.LinkRemote(uid, o.RecurrenceID())
			}
			o.MarkSynced(pc.UserID)
			if err := a.stores.Events.Save(txCtx, o); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		restore()
		pc.Log(domain.LogOpError, domain.SeverityWarning, uid, "remote series written but local bookkeeping failed: %v", err)
	}
	return applied(domain.SideRemote, op.Kind, ScopeSeries, series.ID(), uid)
}

func overrideOf(uid string, e *domain.Event) *caldav.RemoteEvent {
	return &caldav.RemoteEvent{UID: uid, RecurrenceID: e.RecurrenceID(), Content: e.Content()}
}

func remoteScope(op RemoteOp) Scope {
	if op.Arena != nil {
		return ScopeSeries
	}
	return ScopeEvent
}

func remoteOpID(op RemoteOp) uuid.UUID {
	switch {
	case op.Event != nil:
		return op.Event.ID()
	case op.Arena != nil:
		return op.Arena.Series.ID()
	}
	return uuid.Nil
}
