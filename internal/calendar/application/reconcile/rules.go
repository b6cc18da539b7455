package reconcile

import (
	"time"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

// Action is the outcome of comparing one local/remote pair.
type Action int

const (
	ActNone Action = iota
	ActRemoteCreate
	ActRemoteUpdate
	ActRemoteDelete
	ActLocalCreate
	ActLocalUpdate
	ActLocalDelete
	ActDropViewer
	ActMarkSynced
	ActMove
	ActAttendeeSkip
)

var actionNames = map[Action]string{
	ActNone:         "none",
	ActRemoteCreate: "remote_create",
	ActRemoteUpdate: "remote_update",
	ActRemoteDelete: "remote_delete",
	ActLocalCreate:  "local_create",
	ActLocalUpdate:  "local_update",
	ActLocalDelete:  "local_delete",
	ActDropViewer:   "drop_viewer",
	ActMarkSynced:   "mark_synced",
	ActMove:         "move",
	ActAttendeeSkip: "attendee_skip",
}

func (a Action) String() string { return actionNames[a] }

// Facts describe one pair as seen from one user's pass. Every field is
// computed up front so the rules below stay pure.
type Facts struct {
	HasLocal           bool
	HasRemote          bool
	LocalLinked        bool // local carries a remote UID
	LocalSynced        bool
	LocalPendingDelete bool
	LocalCancelled     bool
	RemoteCancelled    bool
	SameContent        bool
	RemoteUntouched    bool // remote hash equals the hash this user last agreed on
	KnownToUser        bool // this user has synchronized the event before
	ViewerCurrent      bool // the user's recorded hash equals the local hash
	Organizer          bool
	ReadOnly           bool
	CalendarMoved      bool
	LocalModified      time.Time
	RemoteModified     time.Time
	DefaultWinner      domain.Side
}

// Decision is the action picked for a pair and the rule that picked it.
type Decision struct {
	Action    Action
	Rule      string
	Conflict  bool
	Ambiguous bool
}

func localOnly(f Facts) bool  { return f.HasLocal && !f.HasRemote }
func remoteOnly(f Facts) bool { return !f.HasLocal && f.HasRemote }
func matched(f Facts) bool    { return f.HasLocal && f.HasRemote }

func isNewLocal(f Facts) bool {
	return localOnly(f) && !f.LocalLinked && !f.LocalSynced && !f.LocalPendingDelete
}

func isGoneRemote(f Facts) bool { return localOnly(f) && f.LocalLinked }

func isContentEqual(f Facts) bool { return matched(f) && f.SameContent }

func isConflict(f Facts) bool { return matched(f) && !f.SameContent && !f.LocalSynced }

// isNewerRemote reports whether the remote write wins a conflict. Without a
// remote timestamp the configured default winner decides; equal timestamps
// go to Local.
func isNewerRemote(f Facts) bool {
	if f.RemoteModified.IsZero() {
		return f.DefaultWinner == domain.SideRemote
	}
	return f.RemoteModified.After(f.LocalModified)
}

func isAmbiguous(f Facts) bool { return f.RemoteModified.IsZero() }

type rule struct {
	name string
	when func(Facts) bool
	then Action
}

// decisionTable is evaluated top to bottom; the first matching rule wins.
var decisionTable = []rule{
	// Local without remote identity.
	{"new-local", func(f Facts) bool { return isNewLocal(f) && f.Organizer }, ActRemoteCreate},
	{"new-local-attendee", isNewLocal, ActNone},

	// Local with remote identity, remote copy gone.
	{"remote-gone-unknown-organizer", func(f Facts) bool {
		return isGoneRemote(f) && !f.KnownToUser && f.Organizer && !f.LocalPendingDelete && !f.LocalCancelled
	}, ActRemoteCreate},
	{"remote-gone-unknown", func(f Facts) bool { return isGoneRemote(f) && !f.KnownToUser }, ActNone},
	{"remote-gone-confirms-delete", func(f Facts) bool { return isGoneRemote(f) && f.LocalPendingDelete }, ActLocalDelete},
	{"remote-gone-cancelled", func(f Facts) bool { return isGoneRemote(f) && f.LocalCancelled }, ActNone},
	{"remote-gone", func(f Facts) bool { return isGoneRemote(f) && f.Organizer }, ActLocalDelete},
	{"remote-gone-attendee", isGoneRemote, ActDropViewer},
	{"stale-local", localOnly, ActNone},

	// Remote without local.
	{"new-remote", func(f Facts) bool { return remoteOnly(f) && !f.RemoteCancelled }, ActLocalCreate},
	{"new-remote-cancelled", remoteOnly, ActNone},

	// Matched pairs: deletions first.
	{"pending-delete-read-only", func(f Facts) bool { return matched(f) && f.LocalPendingDelete && f.ReadOnly }, ActNone},
	{"pending-delete", func(f Facts) bool { return matched(f) && f.LocalPendingDelete }, ActRemoteDelete},
	{"remote-cancelled", func(f Facts) bool {
		return matched(f) && f.RemoteCancelled && !f.LocalCancelled && f.Organizer
	}, ActLocalDelete},
	{"remote-cancelled-attendee", func(f Facts) bool { return matched(f) && f.RemoteCancelled && !f.LocalCancelled }, ActDropViewer},

	// Calendar changes travel independently of content.
	{"calendar-move", func(f Facts) bool {
		return matched(f) && f.CalendarMoved && !f.LocalSynced && f.Organizer && !f.ReadOnly
	}, ActMove},
	{"calendar-moved-remotely", func(f Facts) bool { return matched(f) && f.CalendarMoved && f.LocalSynced }, ActLocalUpdate},

	// Same content.
	{"equal-unrecorded", func(f Facts) bool { return isContentEqual(f) && (!f.LocalSynced || !f.ViewerCurrent) }, ActMarkSynced},
	{"equal", isContentEqual, ActNone},

	// Content differs.
	{"read-only", func(f Facts) bool { return matched(f) && f.ReadOnly }, ActLocalUpdate},
	{"local-synced", func(f Facts) bool { return matched(f) && f.LocalSynced }, ActLocalUpdate},
	{"remote-untouched-attendee", func(f Facts) bool { return isConflict(f) && f.RemoteUntouched && !f.Organizer }, ActAttendeeSkip},
	{"remote-untouched", func(f Facts) bool { return isConflict(f) && f.RemoteUntouched }, ActRemoteUpdate},
	{"remote-newer", func(f Facts) bool { return isConflict(f) && isNewerRemote(f) }, ActLocalUpdate},
	{"local-newer-attendee", func(f Facts) bool { return isConflict(f) && !f.Organizer }, ActAttendeeSkip},
	{"local-newer", isConflict, ActRemoteUpdate},
}

// Decide runs the decision table on f.
func Decide(f Facts) Decision {
	for _, r := range decisionTable {
		if !r.when(f) {
			continue
		}
		d := Decision{Action: r.then, Rule: r.name}
		if isConflict(f) && !f.ReadOnly && !f.LocalPendingDelete && !(f.RemoteCancelled && !f.LocalCancelled) {
			d.Conflict = true
			d.Ambiguous = !f.RemoteUntouched && isAmbiguous(f) && r.then != ActMove
		}
		return d
	}
	return Decision{Action: ActNone, Rule: "no-match"}
}
