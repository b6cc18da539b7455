package reconcile

import (
	"github.com/felixgeelhaar/calsync/internal/calendar/application/recurrence"
	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/calendar/infrastructure/caldav"
)

// Scope is the part of the local store an operation touches.
type Scope string

const (
	ScopeEvent      Scope = "event"      // a standalone event or detached override
	ScopeSeries     Scope = "series"     // a whole recurring series
	ScopeOccurrence Scope = "occurrence" // one instance of a series
	ScopeViewer     Scope = "viewer"     // the syncing user's hash entry only
	ScopeState      Scope = "state"      // sync bookkeeping, no content change
	ScopeWindow     Scope = "window"     // materialization of new instances
)

// LocalOp mutates the local store.
type LocalOp struct {
	Kind  domain.OpKind
	Scope Scope
	Rule  string

	Event *domain.Event
	Arena *recurrence.Arena

	// Object and Source are the remote copy the operation takes content
	// from. Source is the master or the override the op refers to.
	Object *caldav.RemoteObject
	Source *caldav.RemoteEvent

	// Link is the remote UID a never-pushed event is bound to when an
	// identical remote event was found for it.
	Link string
}

// UID returns the remote UID the operation concerns.
func (op LocalOp) UID() string {
	switch {
	case op.Link != "":
		return op.Link
	case op.Object != nil:
		return op.Object.UID
	case op.Event != nil:
		return op.Event.RemoteUID()
	case op.Arena != nil:
		return op.Arena.Series.RemoteUID()
	}
	return ""
}

// RemoteOp mutates the remote store. Every remote operation rewrites or
// removes one whole calendar object.
type RemoteOp struct {
	Kind domain.OpKind
	Rule string
	UID  string

	Event *domain.Event
	Arena *recurrence.Arena

	// Object is the current remote copy, if any.
	Object *caldav.RemoteObject

	// CalendarURL is the calendar a created object goes to.
	CalendarURL string

	// Move marks the delete half of a calendar move: the local side is
	// left alone because a create for the same UID follows.
	Move bool

	Link string
}

// Plan is the outcome of comparing one user's two sides.
type Plan struct {
	LocalDeletes  []LocalOp
	LocalUpdates  []LocalOp
	LocalCreates  []LocalOp
	RemoteDeletes []RemoteOp
	RemoteCreates []RemoteOp
	RemoteUpdates []RemoteOp

	updatesByUID map[string]int
}

func newPlan() *Plan {
	return &Plan{updatesByUID: make(map[string]int)}
}

// Local returns the local operations in application order: deletes, then
// updates, then creates.
func (p *Plan) Local() []LocalOp {
	out := make([]LocalOp, 0, len(p.LocalDeletes)+len(p.LocalUpdates)+len(p.LocalCreates))
	out = append(out, p.LocalDeletes...)
	out = append(out, p.LocalUpdates...)
	return append(out, p.LocalCreates...)
}

// Remote returns the remote operations in application order: deletes,
// then creates, then updates.
func (p *Plan) Remote() []RemoteOp {
	out := make([]RemoteOp, 0, len(p.RemoteDeletes)+len(p.RemoteCreates)+len(p.RemoteUpdates))
	out = append(out, p.RemoteDeletes...)
	out = append(out, p.RemoteCreates...)
	return append(out, p.RemoteUpdates...)
}

// Empty reports whether the plan changes nothing. Bookkeeping operations
// count as changes.
func (p *Plan) Empty() bool {
	return len(p.LocalDeletes)+len(p.LocalUpdates)+len(p.LocalCreates)+
		len(p.RemoteDeletes)+len(p.RemoteCreates)+len(p.RemoteUpdates) == 0
}

func (p *Plan) addLocal(op LocalOp) {
	switch op.Kind {
	case domain.OpDelete:
		p.LocalDeletes = append(p.LocalDeletes, op)
	case domain.OpCreate:
		p.LocalCreates = append(p.LocalCreates, op)
	default:
		p.LocalUpdates = append(p.LocalUpdates, op)
	}
}

// addRemote queues op. Updates of one UID collapse into a single write;
// a series-wide update absorbs event-level ones.
func (p *Plan) addRemote(op RemoteOp) {
	switch op.Kind {
	case domain.OpDelete:
		p.RemoteDeletes = append(p.RemoteDeletes, op)
	case domain.OpCreate:
		p.RemoteCreates = append(p.RemoteCreates, op)
	default:
		if i, ok := p.updatesByUID[op.UID]; ok {
			if op.Arena != nil && p.RemoteUpdates[i].Arena == nil {
				p.RemoteUpdates[i] = op
			}
			return
		}
		p.updatesByUID[op.UID] = len(p.RemoteUpdates)
		p.RemoteUpdates = append(p.RemoteUpdates, op)
	}
}
