package reconcile

import (
	"context"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/calendar/application/recurrence"
	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/calendar/infrastructure/caldav"
	"github.com/felixgeelhaar/calsync/internal/shared/application"
)

// Stores groups the repositories the appliers write to.
type Stores struct {
	Events domain.EventRepository
	Series domain.RecurrenceSeriesRepository
}

// LocalApplier applies local operations. Each operation runs in its own
// unit of work: a rejected item is rolled back alone and the batch goes on.
type LocalApplier struct {
	stores  Stores
	uow     application.UnitOfWork
	manager *recurrence.Manager
}

// NewLocalApplier creates a local applier.
func NewLocalApplier(stores Stores, uow application.UnitOfWork, manager *recurrence.Manager) *LocalApplier {
	return &LocalApplier{stores: stores, uow: uow, manager: manager}
}

// Apply runs ops in order and reports one result per operation.
func (a *LocalApplier) Apply(ctx context.Context, pc *PassContext, ops []LocalOp) []Result {
	results := make([]Result, 0, len(ops))
	for _, op := range ops {
		var r Result
		if err := ctx.Err(); err != nil {
			r = skipped(domain.SideLocal, op.Kind, op.Scope, localOpID(op), op.UID(), ReasonApplyFailed, err)
		} else {
			r = a.applyOne(ctx, pc, op)
		}
		switch {
		case r.Failed():
			pc.Log(domain.LogOpError, domain.SeverityError, r.UID, "%v", r.Err)
		case r.Status == Applied && r.counted:
			pc.Log(logOpFor(op.Kind), domain.SeverityDebug, r.UID, "local %s of %s (%s)", op.Kind, op.Scope, op.Rule)
		}
		results = append(results, r)
	}
	return results
}

func (a *LocalApplier) applyOne(ctx context.Context, pc *PassContext, op LocalOp) Result {
	restore := snapshotOf(op.Event, op.Arena)
	forget, keep := pc.Identities.Track()
	defer keep()

	var res Result
	err := application.WithUnitOfWork(ctx, a.uow, func(txCtx context.Context) error {
		var err error
		res, err = a.dispatch(txCtx, pc, op)
		return err
	})
	if err != nil {
		restore()
		forget()
		return skipped(domain.SideLocal, op.Kind, op.Scope, localOpID(op), op.UID(), ReasonApplyFailed, err)
	}
	return res
}

func (a *LocalApplier) dispatch(ctx context.Context, pc *PassContext, op LocalOp) (Result, error) {
	switch op.Scope {
	case ScopeState:
		return a.markSynced(ctx, pc, op)
	case ScopeViewer:
		return a.dropViewer(ctx, pc, op)
	case ScopeWindow:
		return a.refreshWindow(ctx, pc, op)
	case ScopeOccurrence:
		switch op.Kind {
		case domain.OpCreate:
			return a.createOverride(ctx, pc, op)
		case domain.OpUpdate:
			return a.detachOccurrence(ctx, pc, op)
		default:
			return a.deleteOccurrence(ctx, op)
		}
	case ScopeSeries:
		switch op.Kind {
		case domain.OpCreate:
			return a.createSeries(ctx, pc, op.Object)
		case domain.OpUpdate:
			return a.updateSeries(ctx, pc, op)
		default:
			if err := a.deleteSeriesRows(ctx, op.Arena); err != nil {
				return Result{}, err
			}
			return applied(domain.SideLocal, domain.OpDelete, ScopeSeries, op.Arena.Series.ID(), op.UID()), nil
		}
	}

	switch op.Kind {
	case domain.OpCreate:
		return a.createEvent(ctx, pc, op.Object)
	case domain.OpUpdate:
		return a.updateEvent(ctx, pc, op)
	default:
		if err := a.stores.Events.Delete(ctx, op.Event.ID()); err != nil {
			return Result{}, err
		}
		return applied(domain.SideLocal, domain.OpDelete, ScopeEvent, op.Event.ID(), op.UID()), nil
	}
}

// resolve links the people of remote content to local users and contacts
// and returns the local owner: the organizing user, the pass user when the
// event has no organizer, or uuid.Nil for an outside organizer.
func (a *LocalApplier) resolve(ctx context.Context, pc *PassContext, c domain.Content) (domain.Content, uuid.UUID, error) {
	content, organizer, err := pc.Identities.ResolveContent(ctx, c)
	if err != nil {
		return domain.Content{}, uuid.Nil, err
	}
	if organizer == uuid.Nil && content.Organizer == "" {
		organizer = pc.UserID
	}
	return content, organizer, nil
}

// route files e under the pass user's mapping of calendarURL. Events
// organized by somebody else keep the organizer's calendar.
func route(pc *PassContext, e *domain.Event, calendarURL string) {
	id := pc.Calendars.IDFor(calendarURL)
	if id == uuid.Nil || id == e.CalendarID() {
		return
	}
	if e.CalendarID() == uuid.Nil || e.OwnerID() == uuid.Nil || e.IsOrganizer(pc.UserID) {
		e.SetCalendar(id)
	}
}

func (a *LocalApplier) createEvent(ctx context.Context, pc *PassContext, obj *caldav.RemoteObject) (Result, error) {
	existing, err := a.stores.Events.FindByRemoteUID(ctx, obj.UID, "")
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		return a.adopt(ctx, pc, existing, obj, obj.Master)
	}
	e, err := a.insertEvent(ctx, pc, obj, obj.Master, "")
	if err != nil {
		return Result{}, err
	}
	return applied(domain.SideLocal, domain.OpCreate, ScopeEvent, e.ID(), obj.UID), nil
}

func (a *LocalApplier) insertEvent(ctx context.Context, pc *PassContext, obj *caldav.RemoteObject, src *caldav.RemoteEvent, rid string) (*domain.Event, error) {
	content, owner, err := a.resolve(ctx, pc, src.Content)
	if err != nil {
		return nil, err
	}
	e, err := domain.NewEvent(owner, content, domain.OriginSync)
	if err != nil {
		return nil, err
	}
	e.LinkRemote(obj.UID, rid)
	route(pc, e, obj.CalendarURL)
	e.MarkSynced(pc.UserID)
	return e, a.stores.Events.Save(ctx, e)
}

// adopt records the pass user as a viewer of an event another user's pass
// already brought in.
func (a *LocalApplier) adopt(ctx context.Context, pc *PassContext, e *domain.Event, obj *caldav.RemoteObject, src *caldav.RemoteEvent) (Result, error) {
	switch {
	case e.ContentHash() == src.Hash:
	case e.IsSynced():
		content, _, err := a.resolve(ctx, pc, src.Content)
		if err != nil {
			return Result{}, err
		}
		if err := e.Update(content, domain.OriginSync); err != nil {
			return Result{}, err
		}
	default:
		pc.Log(domain.LogOpWarning, domain.SeverityInfo, obj.UID, "event already stored with unpushed changes, left to its owner's pass")
		return skipped(domain.SideLocal, domain.OpCreate, ScopeEvent, e.ID(), obj.UID, ReasonAlreadyShared, nil), nil
	}
	e.MarkSynced(pc.UserID)
	if err := a.stores.Events.Save(ctx, e); err != nil {
		return Result{}, err
	}
	return bookkeeping(domain.SideLocal, domain.OpCreate, ScopeEvent, e.ID(), obj.UID), nil
}

func (a *LocalApplier) updateEvent(ctx context.Context, pc *PassContext, op LocalOp) (Result, error) {
	e := op.Event
	if op.Source == nil {
		return skipped(domain.SideLocal, op.Kind, ScopeEvent, e.ID(), op.UID(), ReasonStale, nil), nil
	}
	if op.Object.IsRecurring() && e.RecurrenceID() == "" {
		// The remote copy became a series: replace the standalone event.
		if err := a.stores.Events.Delete(ctx, e.ID()); err != nil {
			return Result{}, err
		}
		if _, err := a.createSeries(ctx, pc, op.Object); err != nil {
			return Result{}, err
		}
		return applied(domain.SideLocal, domain.OpUpdate, ScopeEvent, e.ID(), op.UID()), nil
	}

	if op.Link != "" {
		e.LinkRemote(op.Link, "")
	}
	content, _, err := a.resolve(ctx, pc, op.Source.Content)
	if err != nil {
		return Result{}, err
	}
	if err := e.Update(content, domain.OriginSync); err != nil {
		return Result{}, err
	}
	route(pc, e, op.Object.CalendarURL)
	e.MarkSynced(pc.UserID)
	if err := a.stores.Events.Save(ctx, e); err != nil {
		return Result{}, err
	}
	return applied(domain.SideLocal, domain.OpUpdate, ScopeEvent, e.ID(), op.UID()), nil
}

func (a *LocalApplier) markSynced(ctx context.Context, pc *PassContext, op LocalOp) (Result, error) {
	if op.Event != nil {
		e := op.Event
		if op.Link != "" {
			e.LinkRemote(op.Link, "")
		}
		if op.Object != nil && e.RecurrenceID() == "" {
			route(pc, e, op.Object.CalendarURL)
		}
		e.MarkSynced(pc.UserID)
		if err := a.stores.Events.Save(ctx, e); err != nil {
			return Result{}, err
		}
		return bookkeeping(domain.SideLocal, domain.OpUpdate, ScopeState, e.ID(), op.UID()), nil
	}

	arena := op.Arena
	series := arena.Series
	if op.Link != "" {
		series.LinkRemote(op.Link)
		for _, occ := range arena.Occurrences() {
			occ.LinkRemote(op.Link, occ.RecurrenceID())
		}
	}
	for _, occ := range arena.Occurrences() {
		if occ.IsSynced() || (occ.ID() == series.HeadID() && !occ.IsPendingDelete()) {
			occ.MarkSynced(pc.UserID)
		}
	}
	series.MarkSynced(localSeriesHash(arena))
	if err := a.saveArena(ctx, arena); err != nil {
		return Result{}, err
	}
	return bookkeeping(domain.SideLocal, domain.OpUpdate, ScopeState, series.ID(), op.UID()), nil
}

func (a *LocalApplier) dropViewer(ctx context.Context, pc *PassContext, op LocalOp) (Result, error) {
	if op.Event != nil {
		if err := a.dropViewerOf(ctx, pc, op.Event); err != nil {
			return Result{}, err
		}
		return applied(domain.SideLocal, domain.OpDelete, ScopeViewer, op.Event.ID(), op.UID()), nil
	}

	arena := op.Arena
	head := arena.Head()
	if head != nil {
		head.DropViewer(pc.UserID)
	}
	if head == nil || len(head.Viewers()) == 0 {
		if err := a.deleteSeriesRows(ctx, arena); err != nil {
			return Result{}, err
		}
		return applied(domain.SideLocal, domain.OpDelete, ScopeViewer, arena.Series.ID(), op.UID()), nil
	}
	for _, occ := range arena.Occurrences() {
		occ.DropViewer(pc.UserID)
		if err := a.stores.Events.Save(ctx, occ); err != nil {
			return Result{}, err
		}
	}
	overrides, err := a.overrides(ctx, arena.Series.RemoteUID())
	if err != nil {
		return Result{}, err
	}
	for _, o := range overrides {
		if err := a.dropViewerOf(ctx, pc, o); err != nil {
			return Result{}, err
		}
	}
	return applied(domain.SideLocal, domain.OpDelete, ScopeViewer, arena.Series.ID(), op.UID()), nil
}

// dropViewerOf removes the pass user's hash entry and the event itself
// once nobody synchronizes it anymore.
func (a *LocalApplier) dropViewerOf(ctx context.Context, pc *PassContext, e *domain.Event) error {
	e.DropViewer(pc.UserID)
	if len(e.Viewers()) == 0 {
		return a.stores.Events.Delete(ctx, e.ID())
	}
	return a.stores.Events.Save(ctx, e)
}

func (a *LocalApplier) createSeries(ctx context.Context, pc *PassContext, obj *caldav.RemoteObject) (Result, error) {
	existing, err := a.stores.Series.FindByRemoteUID(ctx, obj.UID)
	if err != nil {
		return Result{}, err
	}
	if existing != nil {
		occurrences, err := a.stores.Events.FindBySeries(ctx, existing.ID())
		if err != nil {
			return Result{}, err
		}
		arena := recurrence.NewArena(existing, occurrences)
		if arena.Unsynced() {
			pc.Log(domain.LogOpWarning, domain.SeverityInfo, obj.UID, "series already stored with unpushed changes, left to its owner's pass")
			return skipped(domain.SideLocal, domain.OpCreate, ScopeSeries, existing.ID(), obj.UID, ReasonAlreadyShared, nil), nil
		}
		if err := a.applySeries(ctx, pc, arena, obj); err != nil {
			return Result{}, err
		}
		return bookkeeping(domain.SideLocal, domain.OpCreate, ScopeSeries, existing.ID(), obj.UID), nil
	}

	content, owner, err := a.resolve(ctx, pc, obj.Master.Content)
	if err != nil {
		return Result{}, err
	}
	arena, _, err := a.manager.CreateSeries(owner, content, obj.Master.Rule, domain.OriginSync)
	if err != nil {
		return Result{}, err
	}
	series := arena.Series
	series.LinkRemote(obj.UID)
	series.SetExDates(obj.EffectiveExDates())
	for _, id := range series.ExDates() {
		if occ := arena.ByInstance(id); occ != nil {
			arena.Remove(occ.ID(), false)
		}
	}
	for _, occ := range arena.Occurrences() {
		occ.LinkRemote(obj.UID, occ.RecurrenceID())
		route(pc, occ, obj.CalendarURL)
		occ.MarkSynced(pc.UserID)
	}
	series.MarkSynced(localSeriesHash(arena))
	if err := a.saveArena(ctx, arena); err != nil {
		return Result{}, err
	}
	for _, ov := range obj.Overrides {
		if ov.Content.IsCancelled() {
			continue
		}
		if err := a.upsertOverride(ctx, pc, obj, ov); err != nil {
			return Result{}, err
		}
	}
	return applied(domain.SideLocal, domain.OpCreate, ScopeSeries, series.ID(), obj.UID), nil
}

func (a *LocalApplier) updateSeries(ctx context.Context, pc *PassContext, op LocalOp) (Result, error) {
	arena := op.Arena
	if !op.Object.IsRecurring() {
		// The remote copy is no longer recurring: replace the series.
		if err := a.deleteSeriesRows(ctx, arena); err != nil {
			return Result{}, err
		}
		e, err := a.insertEvent(ctx, pc, op.Object, op.Object.Master, "")
		if err != nil {
			return Result{}, err
		}
		return applied(domain.SideLocal, domain.OpUpdate, ScopeSeries, e.ID(), op.UID()), nil
	}
	if op.Link != "" {
		arena.Series.LinkRemote(op.Link)
	}
	if err := a.applySeries(ctx, pc, arena, op.Object); err != nil {
		return Result{}, err
	}
	return applied(domain.SideLocal, domain.OpUpdate, ScopeSeries, arena.Series.ID(), op.UID()), nil
}

// applySeries makes a local series match a remote recurring object. Rule,
// anchor and exceptions are taken over; synced occurrences and the head
// take the remote master; other occurrences with local edits stay for the
// next per-instance comparison.
func (a *LocalApplier) applySeries(ctx context.Context, pc *PassContext, arena *recurrence.Arena, obj *caldav.RemoteObject) error {
	series := arena.Series
	content, _, err := a.resolve(ctx, pc, obj.Master.Content)
	if err != nil {
		return err
	}
	if err := series.SetRule(obj.Master.Rule, content.Start, content.Duration(), content.TimeZone, content.AllDay, domain.OriginSync); err != nil {
		return err
	}
	series.LinkRemote(obj.UID)
	series.SetExDates(obj.EffectiveExDates())

	// Overrides the remote copy dropped go first so their instances can be
	// materialized again.
	overrides, err := a.overrides(ctx, obj.UID)
	if err != nil {
		return err
	}
	for _, o := range overrides {
		if obj.Override(o.RecurrenceID()) == nil {
			if err := a.stores.Events.Delete(ctx, o.ID()); err != nil {
				return err
			}
		}
	}

	res, err := a.manager.Refresh(arena, content, domain.OriginSync)
	if err != nil {
		return err
	}
	for _, e := range res.Pruned {
		if err := a.stores.Events.Delete(ctx, e.ID()); err != nil {
			return err
		}
	}
	if head := arena.Head(); head != nil && !head.IsSynced() {
		start, err := domain.ParseInstanceID(head.RecurrenceID(), series.TimeZone(), series.AllDay())
		if err != nil {
			return err
		}
		if err := head.Update(content.Shift(start), domain.OriginSync); err != nil {
			return err
		}
	}
	for _, occ := range arena.Occurrences() {
		if occ.RemoteUID() != obj.UID {
			occ.LinkRemote(obj.UID, occ.RecurrenceID())
		}
		route(pc, occ, obj.CalendarURL)
		if occ.IsSynced() {
			occ.MarkSynced(pc.UserID)
		}
	}
	series.MarkSynced(localSeriesHash(arena))
	if err := a.saveArena(ctx, arena); err != nil {
		return err
	}

	for _, ov := range obj.Overrides {
		if ov.Content.IsCancelled() {
			continue
		}
		if err := a.upsertOverride(ctx, pc, obj, ov); err != nil {
			return err
		}
	}
	return nil
}

// upsertOverride stores a remote override as a detached event. An
// existing override with unpushed edits is left for the per-instance
// comparison.
func (a *LocalApplier) upsertOverride(ctx context.Context, pc *PassContext, obj *caldav.RemoteObject, ov *caldav.RemoteEvent) error {
	existing, err := a.stores.Events.FindByRemoteUID(ctx, obj.UID, ov.RecurrenceID)
	if err != nil {
		return err
	}
	if existing == nil {
		_, err := a.insertEvent(ctx, pc, obj, ov, ov.RecurrenceID)
		return err
	}
	if existing.InSeries() || (!existing.IsSynced() && existing.ContentHash() != ov.Hash) {
		return nil
	}
	if existing.ContentHash() != ov.Hash {
		content, _, err := a.resolve(ctx, pc, ov.Content)
		if err != nil {
			return err
		}
		if err := existing.Update(content, domain.OriginSync); err != nil {
			return err
		}
	}
	existing.MarkSynced(pc.UserID)
	return a.stores.Events.Save(ctx, existing)
}

func (a *LocalApplier) createOverride(ctx context.Context, pc *PassContext, op LocalOp) (Result, error) {
	arena := op.Arena
	e, err := a.insertEvent(ctx, pc, op.Object, op.Source, op.Source.RecurrenceID)
	if err != nil {
		return Result{}, err
	}
	arena.Series.AddExDate(op.Source.RecurrenceID)
	if err := a.resyncSeries(ctx, arena); err != nil {
		return Result{}, err
	}
	return applied(domain.SideLocal, domain.OpCreate, ScopeOccurrence, e.ID(), op.UID()), nil
}

// detachOccurrence turns an attached occurrence into an override. With a
// remote source the override takes the remote content; without one the
// local edit stays unsynced for the series push that follows.
func (a *LocalApplier) detachOccurrence(ctx context.Context, pc *PassContext, op LocalOp) (Result, error) {
	arena := op.Arena
	occ, err := arena.Detach(op.Event.ID())
	if err != nil {
		return skipped(domain.SideLocal, op.Kind, ScopeOccurrence, op.Event.ID(), op.UID(), ReasonStale, nil), nil
	}
	if op.Source != nil {
		content, _, err := a.resolve(ctx, pc, op.Source.Content)
		if err != nil {
			return Result{}, err
		}
		if err := occ.Update(content, domain.OriginSync); err != nil {
			return Result{}, err
		}
		occ.MarkSynced(pc.UserID)
	}
	if err := a.stores.Events.Save(ctx, occ); err != nil {
		return Result{}, err
	}
	if err := a.resyncSeries(ctx, arena); err != nil {
		return Result{}, err
	}
	return applied(domain.SideLocal, domain.OpUpdate, ScopeOccurrence, occ.ID(), op.UID()), nil
}

func (a *LocalApplier) deleteOccurrence(ctx context.Context, op LocalOp) (Result, error) {
	arena := op.Arena
	occ := arena.Remove(op.Event.ID(), true)
	if occ == nil {
		return skipped(domain.SideLocal, op.Kind, ScopeOccurrence, op.Event.ID(), op.UID(), ReasonStale, nil), nil
	}
	if err := a.stores.Events.Delete(ctx, occ.ID()); err != nil {
		return Result{}, err
	}
	if err := a.resyncSeries(ctx, arena); err != nil {
		return Result{}, err
	}
	return applied(domain.SideLocal, domain.OpDelete, ScopeOccurrence, occ.ID(), op.UID()), nil
}

// resyncSeries saves a series after a per-instance change that mirrors the
// remote copy, keeping its synced hash in step with the new exceptions.
func (a *LocalApplier) resyncSeries(ctx context.Context, arena *recurrence.Arena) error {
	if arena.Series.IsSynced() {
		arena.Series.MarkSynced(localSeriesHash(arena))
	}
	return a.stores.Series.Save(ctx, arena.Series)
}

func (a *LocalApplier) refreshWindow(ctx context.Context, pc *PassContext, op LocalOp) (Result, error) {
	arena := op.Arena
	master, ok := arena.MasterContent()
	if !ok {
		return skipped(domain.SideLocal, op.Kind, ScopeWindow, arena.Series.ID(), op.UID(), ReasonStale, nil), nil
	}
	calendarID := arena.Head().CalendarID()
	res, err := a.manager.Refresh(arena, master, domain.OriginSync)
	if err != nil {
		return Result{}, err
	}
	for _, e := range res.Pruned {
		if err := a.stores.Events.Delete(ctx, e.ID()); err != nil {
			return Result{}, err
		}
	}
	for _, e := range res.Created {
		e.SetCalendar(calendarID)
	}
	for _, e := range append(res.Created, res.Updated...) {
		e.MarkSynced(pc.UserID)
		if err := a.stores.Events.Save(ctx, e); err != nil {
			return Result{}, err
		}
	}
	if err := a.resyncSeries(ctx, arena); err != nil {
		return Result{}, err
	}
	if len(res.Created)+len(res.Updated)+len(res.Pruned) == 0 {
		return bookkeeping(domain.SideLocal, domain.OpUpdate, ScopeWindow, arena.Series.ID(), op.UID()), nil
	}
	return applied(domain.SideLocal, domain.OpUpdate, ScopeWindow, arena.Series.ID(), op.UID()), nil
}

// overrides returns the detached overrides stored for uid.
func (a *LocalApplier) overrides(ctx context.Context, uid string) ([]*domain.Event, error) {
	return loadOverrides(ctx, a.stores.Events, uid)
}

func (a *LocalApplier) deleteSeriesRows(ctx context.Context, arena *recurrence.Arena) error {
	return deleteSeriesRows(ctx, a.stores, arena)
}

func (a *LocalApplier) saveArena(ctx context.Context, arena *recurrence.Arena) error {
	return saveArena(ctx, a.stores, arena)
}

func loadOverrides(ctx context.Context, events domain.EventRepository, uid string) ([]*domain.Event, error) {
	if uid == "" {
		return nil, nil
	}
	all, err := events.FindAllByRemoteUID(ctx, uid)
	if err != nil {
		return nil, err
	}
	var out []*domain.Event
	for _, e := range all {
		if !e.InSeries() && e.RecurrenceID() != "" {
			out = append(out, e)
		}
	}
	return out, nil
}

// saveArena persists a series and its attached occurrences.
func saveArena(ctx context.Context, stores Stores, arena *recurrence.Arena) error {
	if err := stores.Series.Save(ctx, arena.Series); err != nil {
		return err
	}
	for _, occ := range arena.Occurrences() {
		if err := stores.Events.Save(ctx, occ); err != nil {
			return err
		}
	}
	return nil
}

// deleteSeriesRows removes a series with its occurrences and overrides.
func deleteSeriesRows(ctx context.Context, stores Stores, arena *recurrence.Arena) error {
	for _, occ := range arena.Occurrences() {
		if err := stores.Events.Delete(ctx, occ.ID()); err != nil {
			return err
		}
	}
	overrides, err := loadOverrides(ctx, stores.Events, arena.Series.RemoteUID())
	if err != nil {
		return err
	}
	for _, o := range overrides {
		if err := stores.Events.Delete(ctx, o.ID()); err != nil {
			return err
		}
	}
	return stores.Series.Delete(ctx, arena.Series.ID())
}

func localSeriesHash(arena *recurrence.Arena) string {
	master, ok := arena.MasterContent()
	if !ok {
		return ""
	}
	return domain.SeriesHash(master, arena.Series.Rule(), arena.Series.ExDates())
}

// snapshotOf records the in-memory entities an operation mutates. The
// returned function puts them back after a rolled-back unit of work so the
// rest of the pass sees what the store holds.
func snapshotOf(e *domain.Event, arena *recurrence.Arena) func() {
	var restores []func()
	if e != nil {
		st := e.State()
		restores = append(restores, func() { e.Restore(st) })
	}
	if arena != nil {
		restores = append(restores, arena.Snapshot())
	}
	return func() {
		for _, r := range restores {
			r()
		}
	}
}

func localOpID(op LocalOp) uuid.UUID {
	switch {
	case op.Event != nil:
		return op.Event.ID()
	case op.Arena != nil:
		return op.Arena.Series.ID()
	}
	return uuid.Nil
}

func logOpFor(kind domain.OpKind) domain.LogOperation {
	switch kind {
	case domain.OpCreate:
		return domain.LogOpCreate
	case domain.OpDelete:
		return domain.LogOpDelete
	default:
		return domain.LogOpWrite
	}
}
