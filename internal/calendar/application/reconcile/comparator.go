package reconcile

import (
	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/calendar/application/recurrence"
	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/calendar/infrastructure/caldav"
)

// Comparator turns the two sides of a user pass into a Plan. It reads the
// local entities but never mutates them.
type Comparator struct {
	manager       *recurrence.Manager
	defaultWinner domain.Side
}

// NewComparator creates a comparator. defaultWinner settles conflicts
// where the remote copy carries no modification time.
func NewComparator(manager *recurrence.Manager, defaultWinner domain.Side) *Comparator {
	if defaultWinner != domain.SideRemote {
		defaultWinner = domain.SideLocal
	}
	return &Comparator{manager: manager, defaultWinner: defaultWinner}
}

// Compare builds the plan for one pass.
func (c *Comparator) Compare(pc *PassContext, local *LocalSet, remote *RemoteSet) *Plan {
	plan := newPlan()
	linked := local.linkedUIDs()
	claimed := make(map[string]bool, len(linked))
	for _, uid := range linked {
		claimed[uid] = true
	}

	for _, uid := range linked {
		obj := remote.Object(uid)
		if arena := local.Arena(uid); arena != nil {
			c.compareSeries(pc, plan, local, arena, obj, "")
			continue
		}
		if e := local.Event(uid, ""); e != nil {
			c.compareEvent(pc, plan, e, obj, "")
		}
		for _, o := range local.Overrides(uid) {
			c.compareOrphan(pc, plan, o, obj)
		}
	}

	candidates := remote.UIDs()
	for _, e := range local.unlinked {
		link := ""
		if c.organizes(pc, e.OwnerID(), e.Content()) {
			link = findDuplicate(remote, candidates, claimed, e.Content(), false)
		}
		var obj *caldav.RemoteObject
		if link != "" {
			claimed[link] = true
			obj = remote.Object(link)
		}
		c.compareEvent(pc, plan, e, obj, link)
	}
	for _, a := range local.newSeries {
		link := ""
		if master, ok := a.MasterContent(); ok {
			link = findDuplicate(remote, candidates, claimed, master, true)
		}
		var obj *caldav.RemoteObject
		if link != "" {
			claimed[link] = true
			obj = remote.Object(link)
		}
		c.compareSeries(pc, plan, local, a, obj, link)
	}

	for _, uid := range candidates {
		if !claimed[uid] {
			c.compareRemoteOnly(pc, plan, remote.Object(uid))
		}
	}
	return plan
}

// findDuplicate looks for an unclaimed remote object describing the same
// slot as a never-pushed local event.
func findDuplicate(remote *RemoteSet, uids []string, claimed map[string]bool, content domain.Content, recurring bool) string {
	for _, uid := range uids {
		obj := remote.Object(uid)
		if claimed[uid] || obj.Master == nil || obj.IsRecurring() != recurring {
			continue
		}
		if obj.Master.Content.SameSlot(content) {
			return uid
		}
	}
	return ""
}

// organizes reports whether the pass user organizes an event. Events
// nobody organizes belong to whoever syncs them.
func (c *Comparator) organizes(pc *PassContext, ownerID uuid.UUID, content domain.Content) bool {
	if ownerID != uuid.Nil {
		return ownerID == pc.UserID
	}
	return content.Organizer == "" || content.Organizer == pc.Address
}

func (c *Comparator) decide(pc *PassContext, f Facts, uid string) Decision {
	d := Decide(f)
	if d.Conflict {
		pc.Conflicts++
		pc.Log(domain.LogOpConflict, domain.SeverityInfo, uid, "conflict settled by rule %s: %s", d.Rule, d.Action)
	}
	if d.Ambiguous {
		winner := domain.SideLocal
		if d.Action == ActLocalUpdate {
			winner = domain.SideRemote
		}
		amb := &domain.ConflictAmbiguity{UID: uid, Winner: winner, Reason: "remote copy has no modification time"}
		pc.Log(domain.LogOpConflict, domain.SeverityInfo, uid, "%s", amb.Error())
	}
	if d.Action == ActAttendeeSkip {
		pc.Log(domain.LogOpWarning, domain.SeverityInfo, uid, "local change kept back: only the organizer may change the remote event")
	}
	return d
}

func (c *Comparator) eventFacts(pc *PassContext, e *domain.Event, obj *caldav.RemoteObject, src *caldav.RemoteEvent, link string) Facts {
	f := Facts{
		HasLocal:           true,
		HasRemote:          src != nil,
		LocalLinked:        e.RemoteUID() != "" || link != "",
		LocalSynced:        e.IsSynced(),
		LocalPendingDelete: e.IsPendingDelete(),
		LocalCancelled:     e.IsCancelled(),
		Organizer:          c.organizes(pc, e.OwnerID(), e.Content()),
		LocalModified:      e.LastWriteAt(),
		DefaultWinner:      c.defaultWinner,
	}
	viewer, known := e.ViewerHash(pc.UserID)
	f.KnownToUser = known
	f.ViewerCurrent = known && viewer == e.ContentHash()
	if src == nil {
		return f
	}

	f.RemoteCancelled = src.Content.IsCancelled()
	f.RemoteModified = src.LastModified
	f.ReadOnly = pc.Calendars.ReadOnly(obj.CalendarURL)
	f.SameContent = src.Hash == e.ContentHash()
	f.RemoteUntouched = known && src.Hash == viewer
	f.CalendarMoved = calendarMoved(pc, e.CalendarID(), obj)
	return f
}

func calendarMoved(pc *PassContext, calendarID uuid.UUID, obj *caldav.RemoteObject) bool {
	if !pc.Calendars.Owns(calendarID) || obj.CalendarURL == "" {
		return false
	}
	target, writable := pc.Calendars.Target(calendarID)
	return writable && target != obj.CalendarURL
}

func (c *Comparator) compareEvent(pc *PassContext, plan *Plan, e *domain.Event, obj *caldav.RemoteObject, link string) {
	var src *caldav.RemoteEvent
	if obj != nil {
		src = obj.Master
	}
	uid := e.RemoteUID()
	if uid == "" {
		uid = link
	}

	f := c.eventFacts(pc, e, obj, src, link)
	if obj != nil && obj.IsRecurring() {
		// The remote side turned the event into a series or the other way round.
		f.SameContent = false
	}
	d := c.decide(pc, f, uid)

	switch d.Action {
	case ActRemoteCreate:
		target, ok := pc.Calendars.Target(e.CalendarID())
		if !ok {
			pc.Log(domain.LogOpWarning, domain.SeverityWarning, uid, "no writable calendar for %q, not pushed", e.Title())
			return
		}
		plan.addRemote(RemoteOp{Kind: domain.OpCreate, Rule: d.Rule, UID: uid, Event: e, CalendarURL: target})
	case ActRemoteUpdate:
		plan.addRemote(RemoteOp{Kind: domain.OpUpdate, Rule: d.Rule, UID: uid, Event: e, Object: obj, Link: link})
	case ActRemoteDelete:
		plan.addRemote(RemoteOp{Kind: domain.OpDelete, Rule: d.Rule, UID: uid, Event: e, Object: obj})
	case ActLocalUpdate:
		plan.addLocal(LocalOp{Kind: domain.OpUpdate, Scope: ScopeEvent, Rule: d.Rule, Event: e, Object: obj, Source: src, Link: link})
	case ActLocalDelete:
		plan.addLocal(LocalOp{Kind: domain.OpDelete, Scope: ScopeEvent, Rule: d.Rule, Event: e})
	case ActDropViewer:
		plan.addLocal(LocalOp{Kind: domain.OpDelete, Scope: ScopeViewer, Rule: d.Rule, Event: e})
	case ActMarkSynced:
		plan.addLocal(LocalOp{Kind: domain.OpUpdate, Scope: ScopeState, Rule: d.Rule, Event: e, Object: obj, Source: src, Link: link})
	case ActMove:
		target, _ := pc.Calendars.Target(e.CalendarID())
		plan.addRemote(RemoteOp{Kind: domain.OpDelete, Rule: d.Rule, UID: uid, Event: e, Object: obj, Move: true})
		plan.addRemote(RemoteOp{Kind: domain.OpCreate, Rule: d.Rule, UID: uid, Event: e, CalendarURL: target})
	}
}

// compareOrphan handles a detached override whose series is not in the
// local store. Only local-side outcomes are possible: without the series
// there is nothing to rewrite the remote object from.
func (c *Comparator) compareOrphan(pc *PassContext, plan *Plan, o *domain.Event, obj *caldav.RemoteObject) {
	var src *caldav.RemoteEvent
	if obj != nil {
		src = obj.Override(o.RecurrenceID())
	}
	f := c.eventFacts(pc, o, obj, src, "")
	f.CalendarMoved = false
	d := c.decide(pc, f, o.RemoteUID())

	switch d.Action {
	case ActLocalUpdate:
		plan.addLocal(LocalOp{Kind: domain.OpUpdate, Scope: ScopeEvent, Rule: d.Rule, Event: o, Object: obj, Source: src})
	case ActMarkSynced:
		plan.addLocal(LocalOp{Kind: domain.OpUpdate, Scope: ScopeState, Rule: d.Rule, Event: o, Object: obj, Source: src})
	case ActLocalDelete:
		plan.addLocal(LocalOp{Kind: domain.OpDelete, Scope: ScopeEvent, Rule: d.Rule, Event: o})
	case ActDropViewer:
		plan.addLocal(LocalOp{Kind: domain.OpDelete, Scope: ScopeViewer, Rule: d.Rule, Event: o})
	case ActRemoteCreate, ActRemoteUpdate, ActRemoteDelete:
		pc.Log(domain.LogOpWarning, domain.SeverityWarning, o.RemoteUID(),
			"instance %s has no local series, change not pushed", o.RecurrenceID())
	}
}

func (c *Comparator) compareRemoteOnly(pc *PassContext, plan *Plan, obj *caldav.RemoteObject) {
	if obj.Master == nil {
		pc.Log(domain.LogOpRead, domain.SeverityWarning, obj.UID, "object %s carries overrides without a master, ignored", obj.Href)
		return
	}
	f := Facts{HasRemote: true, RemoteCancelled: obj.Master.Content.IsCancelled(), DefaultWinner: c.defaultWinner}
	d := c.decide(pc, f, obj.UID)
	if d.Action != ActLocalCreate {
		return
	}
	scope := ScopeEvent
	if obj.IsRecurring() {
		scope = ScopeSeries
	}
	plan.addLocal(LocalOp{Kind: domain.OpCreate, Scope: scope, Rule: d.Rule, Object: obj, Source: obj.Master})
}

func (c *Comparator) compareSeries(pc *PassContext, plan *Plan, local *LocalSet, arena *recurrence.Arena, obj *caldav.RemoteObject, link string) {
	series := arena.Series
	uid := series.RemoteUID()
	if uid == "" {
		uid = link
	}
	var src *caldav.RemoteEvent
	if obj != nil {
		src = obj.Master
	}

	master, ok := arena.MasterContent()
	if !ok {
		// Every occurrence is gone; rebuild from the remote copy or drop the shell.
		if src != nil {
			plan.addLocal(LocalOp{Kind: domain.OpUpdate, Scope: ScopeSeries, Rule: "empty-series", Arena: arena, Object: obj, Source: src, Link: link})
		} else {
			plan.addLocal(LocalOp{Kind: domain.OpDelete, Scope: ScopeSeries, Rule: "empty-series", Arena: arena})
		}
		return
	}

	head := arena.Head()
	localHash := domain.SeriesHash(master, series.Rule(), series.ExDates())
	f := Facts{
		HasLocal:           true,
		HasRemote:          src != nil,
		LocalLinked:        uid != "",
		LocalSynced:        !arena.Unsynced(),
		LocalPendingDelete: arena.AllPendingDelete(),
		LocalCancelled:     master.IsCancelled(),
		Organizer:          c.organizes(pc, series.OwnerID(), master),
		LocalModified:      arena.LastWriteAt(),
		DefaultWinner:      c.defaultWinner,
	}
	viewer, known := head.ViewerHash(pc.UserID)
	f.KnownToUser = known
	f.ViewerCurrent = known && viewer == head.ContentHash() && series.SyncedHash() == localHash

	if src != nil {
		f.RemoteCancelled = src.Content.IsCancelled()
		f.RemoteModified = obj.LastModified()
		f.ReadOnly = pc.Calendars.ReadOnly(obj.CalendarURL)
		if obj.IsRecurring() {
			remoteHash := obj.SeriesHash()
			f.SameContent = remoteHash == localHash
			f.RemoteUntouched = remoteHash == series.SyncedHash()
		}
		f.CalendarMoved = calendarMoved(pc, head.CalendarID(), obj)
	}
	d := c.decide(pc, f, uid)

	switch d.Action {
	case ActRemoteCreate:
		target, ok := pc.Calendars.Target(head.CalendarID())
		if !ok {
			pc.Log(domain.LogOpWarning, domain.SeverityWarning, uid, "no writable calendar for series %q, not pushed", master.Title)
			return
		}
		plan.addRemote(RemoteOp{Kind: domain.OpCreate, Rule: d.Rule, UID: uid, Arena: arena, CalendarURL: target})
	case ActRemoteUpdate:
		plan.addRemote(RemoteOp{Kind: domain.OpUpdate, Rule: d.Rule, UID: uid, Arena: arena, Object: obj, Link: link})
	case ActRemoteDelete:
		plan.addRemote(RemoteOp{Kind: domain.OpDelete, Rule: d.Rule, UID: uid, Arena: arena, Object: obj})
	case ActLocalUpdate:
		plan.addLocal(LocalOp{Kind: domain.OpUpdate, Scope: ScopeSeries, Rule: d.Rule, Arena: arena, Object: obj, Source: src, Link: link})
	case ActLocalDelete:
		plan.addLocal(LocalOp{Kind: domain.OpDelete, Scope: ScopeSeries, Rule: d.Rule, Arena: arena})
	case ActDropViewer:
		plan.addLocal(LocalOp{Kind: domain.OpDelete, Scope: ScopeViewer, Rule: d.Rule, Arena: arena})
	case ActMove:
		target, _ := pc.Calendars.Target(head.CalendarID())
		plan.addRemote(RemoteOp{Kind: domain.OpDelete, Rule: d.Rule, UID: uid, Arena: arena, Object: obj, Move: true})
		plan.addRemote(RemoteOp{Kind: domain.OpCreate, Rule: d.Rule, UID: uid, Arena: arena, CalendarURL: target})
	case ActMarkSynced:
		plan.addLocal(LocalOp{Kind: domain.OpUpdate, Scope: ScopeState, Rule: d.Rule, Arena: arena, Object: obj, Source: src, Link: link})
		c.compareOccurrences(pc, plan, local, arena, obj, master, f)
	case ActNone:
		if f.HasRemote && obj.IsRecurring() {
			c.compareOccurrences(pc, plan, local, arena, obj, master, f)
		}
	}
}

// compareOccurrences runs once the rule-wide parts of a series agree. It
// settles per-instance differences: deleted or edited instances and
// overrides on either side.
func (c *Comparator) compareOccurrences(pc *PassContext, plan *Plan, local *LocalSet, arena *recurrence.Arena, obj *caldav.RemoteObject, master domain.Content, sf Facts) {
	uid := obj.UID
	canPush := sf.Organizer && !sf.ReadOnly
	pushSeries := func(rule string) {
		plan.addRemote(RemoteOp{Kind: domain.OpUpdate, Rule: rule, UID: uid, Arena: arena, Object: obj})
	}
	keepBack := func(rid, what string) {
		pc.Log(domain.LogOpWarning, domain.SeverityInfo, uid, "%s of instance %s kept back: only the organizer may change the remote series", what, rid)
	}

	for _, occ := range arena.PendingDelete() {
		if canPush {
			pushSeries("instance-deleted")
		} else {
			keepBack(occ.RecurrenceID(), "deletion")
		}
	}

	head := arena.Head()
	for _, occ := range arena.Occurrences() {
		if occ == head || occ.IsSynced() || occ.IsPendingDelete() || obj.Override(occ.RecurrenceID()) != nil {
			continue
		}
		if matchesMaster(arena, occ, master) {
			plan.addLocal(LocalOp{Kind: domain.OpUpdate, Scope: ScopeState, Rule: "instance-equal", Event: occ, Object: obj})
			continue
		}
		if canPush {
			pushSeries("instance-edited")
		} else {
			keepBack(occ.RecurrenceID(), "edit")
		}
	}

	for _, ov := range obj.Overrides {
		if le := local.Event(uid, ov.RecurrenceID); le != nil {
			c.compareOverride(pc, plan, arena, le, obj, ov, canPush)
			continue
		}
		occ := arena.ByInstance(ov.RecurrenceID)
		if occ == nil {
			if !ov.Content.IsCancelled() {
				plan.addLocal(LocalOp{Kind: domain.OpCreate, Scope: ScopeOccurrence, Rule: "new-override", Arena: arena, Object: obj, Source: ov})
			}
			continue
		}
		f := c.eventFacts(pc, occ, obj, ov, "")
		f.CalendarMoved = false
		d := c.decide(pc, f, uid)
		switch d.Action {
		case ActLocalDelete, ActDropViewer:
			plan.addLocal(LocalOp{Kind: domain.OpDelete, Scope: ScopeOccurrence, Rule: d.Rule, Event: occ, Arena: arena})
		case ActLocalUpdate, ActMarkSynced:
			plan.addLocal(LocalOp{Kind: domain.OpUpdate, Scope: ScopeOccurrence, Rule: d.Rule, Event: occ, Arena: arena, Object: obj, Source: ov})
		case ActRemoteUpdate, ActRemoteDelete:
			if canPush {
				pushSeries(d.Rule)
			} else {
				keepBack(ov.RecurrenceID, "edit")
			}
		}
	}

	for _, le := range local.Overrides(uid) {
		if obj.Override(le.RecurrenceID()) != nil {
			continue
		}
		if !le.IsSynced() && !le.IsPendingDelete() {
			if canPush {
				pushSeries("override-edited")
			} else {
				keepBack(le.RecurrenceID(), "edit")
			}
			continue
		}
		d := c.decide(pc, c.eventFacts(pc, le, nil, nil, ""), uid)
		switch d.Action {
		case ActLocalDelete:
			plan.addLocal(LocalOp{Kind: domain.OpDelete, Scope: ScopeEvent, Rule: d.Rule, Event: le})
		case ActDropViewer:
			plan.addLocal(LocalOp{Kind: domain.OpDelete, Scope: ScopeViewer, Rule: d.Rule, Event: le})
		case ActRemoteCreate:
			if canPush {
				pushSeries(d.Rule)
			}
		}
	}

	if c.needsRefresh(arena, master) {
		plan.addLocal(LocalOp{Kind: domain.OpUpdate, Scope: ScopeWindow, Rule: "window", Arena: arena, Object: obj})
	}
}

// compareOverride compares a detached local override with its remote
// counterpart. Remote-side outcomes rewrite the whole series object.
func (c *Comparator) compareOverride(pc *PassContext, plan *Plan, arena *recurrence.Arena, le *domain.Event, obj *caldav.RemoteObject, ov *caldav.RemoteEvent, canPush bool) {
	f := c.eventFacts(pc, le, obj, ov, "")
	f.CalendarMoved = false
	d := c.decide(pc, f, obj.UID)

	switch d.Action {
	case ActLocalUpdate:
		plan.addLocal(LocalOp{Kind: domain.OpUpdate, Scope: ScopeEvent, Rule: d.Rule, Event: le, Object: obj, Source: ov})
	case ActMarkSynced:
		plan.addLocal(LocalOp{Kind: domain.OpUpdate, Scope: ScopeState, Rule: d.Rule, Event: le, Object: obj, Source: ov})
	case ActLocalDelete:
		plan.addLocal(LocalOp{Kind: domain.OpDelete, Scope: ScopeEvent, Rule: d.Rule, Event: le})
	case ActDropViewer:
		plan.addLocal(LocalOp{Kind: domain.OpDelete, Scope: ScopeViewer, Rule: d.Rule, Event: le})
	case ActRemoteCreate, ActRemoteUpdate, ActRemoteDelete:
		if canPush {
			plan.addRemote(RemoteOp{Kind: domain.OpUpdate, Rule: d.Rule, UID: obj.UID, Arena: arena, Object: obj})
		}
	}
}

// matchesMaster reports whether an attached occurrence still carries the
// master content at its instance start.
func matchesMaster(arena *recurrence.Arena, occ *domain.Event, master domain.Content) bool {
	start, err := domain.ParseInstanceID(occ.RecurrenceID(), arena.Series.TimeZone(), arena.Series.AllDay())
	if err != nil {
		return false
	}
	return domain.ContentHash(master.Shift(start)) == occ.ContentHash()
}

// needsRefresh reports whether the materialized occurrences lag behind the
// rule: instances missing from the window, instances the rule no longer
// generates, or synced instances still carrying an older master.
func (c *Comparator) needsRefresh(arena *recurrence.Arena, master domain.Content) bool {
	occurrences, _, err := c.manager.Expand(arena.Series)
	if err != nil {
		return false
	}
	wanted := make(map[string]bool, len(occurrences))
	for _, occ := range occurrences {
		wanted[occ.InstanceID] = true
		if arena.ByInstance(occ.InstanceID) == nil {
			return true
		}
	}
	for _, e := range arena.Occurrences() {
		if !wanted[e.RecurrenceID()] {
			return true
		}
		if e.IsSynced() && !e.IsPendingDelete() && !matchesMaster(arena, e, master) {
			return true
		}
	}
	return false
}
