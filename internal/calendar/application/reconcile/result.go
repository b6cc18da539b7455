package reconcile

import (
	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

// Status is the outcome of one operation.
type Status int

const (
	Applied Status = iota
	Skipped
)

func (s Status) String() string {
	if s == Applied {
		return "applied"
	}
	return "skipped"
}

// SkipReason explains why an operation was not applied.
type SkipReason string

const (
	ReasonNone          SkipReason = ""
	ReasonApplyFailed   SkipReason = "apply_failed"
	ReasonReadOnly      SkipReason = "calendar_read_only"
	ReasonNoCalendar    SkipReason = "no_target_calendar"
	ReasonAlreadyShared SkipReason = "already_in_store"
	ReasonStale         SkipReason = "stale_operation"
)

// Result reports what happened to one operation. A skipped result never
// stops the batch it belongs to.
type Result struct {
	Side    domain.Side
	Kind    domain.OpKind
	Scope   Scope
	EventID uuid.UUID
	UID     string
	Status  Status
	Reason  SkipReason
	Err     error
	counted bool // whether it changes content, as opposed to bookkeeping
}

func applied(side domain.Side, kind domain.OpKind, scope Scope, eventID uuid.UUID, uid string) Result {
	return Result{Side: side, Kind: kind, Scope: scope, EventID: eventID, UID: uid, Status: Applied, counted: true}
}

func bookkeeping(side domain.Side, kind domain.OpKind, scope Scope, eventID uuid.UUID, uid string) Result {
	return Result{Side: side, Kind: kind, Scope: scope, EventID: eventID, UID: uid, Status: Applied}
}

func skipped(side domain.Side, kind domain.OpKind, scope Scope, eventID uuid.UUID, uid string, reason SkipReason, err error) Result {
	if err != nil && reason == ReasonNone {
		reason = ReasonApplyFailed
	}
	if err != nil {
		err = &domain.ApplyError{Side: side, Op: kind, EventID: eventID.String(), UID: uid, Err: err}
	}
	return Result{Side: side, Kind: kind, Scope: scope, EventID: eventID, UID: uid, Status: Skipped, Reason: reason, Err: err}
}

// Failed reports whether the operation was rejected by a store.
func (r Result) Failed() bool { return r.Status == Skipped && r.Err != nil }

// Tally accumulates results into per-side counts.
func Tally(results []Result) (local, remote domain.SideCounts) {
	for _, r := range results {
		counts := &local
		if r.Side == domain.SideRemote {
			counts = &remote
		}
		switch {
		case r.Failed():
			counts.Failed++
		case r.Status != Applied || !r.counted:
		case r.Kind == domain.OpCreate:
			counts.Created++
		case r.Kind == domain.OpUpdate:
			counts.Updated++
		case r.Kind == domain.OpDelete:
			counts.Deleted++
		}
	}
	return local, remote
}
