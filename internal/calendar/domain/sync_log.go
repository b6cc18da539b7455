package domain

import (
	"context"
	"time"

	sharedDomain "github.com/felixgeelhaar/calsync/internal/shared/domain"
	"github.com/google/uuid"
)

// SyncLogState is the lifecycle state of a sync run record.
type SyncLogState string

const (
	SyncLogConnecting SyncLogState = "connecting"
	SyncLogInProgress SyncLogState = "in_progress"
	SyncLogSuccess    SyncLogState = "success"
	SyncLogFailed     SyncLogState = "failed" // finished with user or item errors
	SyncLogError      SyncLogState = "error"  // aborted
)

// LogOperation classifies a sync log line.
type LogOperation string

const (
	LogOpCreate   LogOperation = "create"
	LogOpWrite    LogOperation = "write"
	LogOpDelete   LogOperation = "delete"
	LogOpRead     LogOperation = "read"
	LogOpLogin    LogOperation = "login"
	LogOpConflict LogOperation = "conflict"
	LogOpWarning  LogOperation = "warning"
	LogOpError    LogOperation = "error"
)

// Severity of a sync log line.
type Severity string

const (
	SeverityDebug    Severity = "debug"
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityError    Severity = "error"
	SeverityCritical Severity = "critical"
)

// SyncLog is the persisted record of one sync run.
type SyncLog struct {
	sharedDomain.BaseEntity
	state      SyncLogState
	startedAt  time.Time
	finishedAt time.Time
	local      SideCounts
	remote     SideCounts
	conflicts  int
	users      int
	failures   int
	message    string
}

// NewSyncLog opens a run record in the connecting state.
func NewSyncLog() *SyncLog {
	return &SyncLog{
		BaseEntity: sharedDomain.NewBaseEntity(),
		state:      SyncLogConnecting,
		startedAt:  time.Now().UTC(),
	}
}

// Getters
func (l *SyncLog) State() SyncLogState   { return l.state }
func (l *SyncLog) StartedAt() time.Time  { return l.startedAt }
func (l *SyncLog) FinishedAt() time.Time { return l.finishedAt }
func (l *SyncLog) Local() SideCounts     { return l.local }
func (l *SyncLog) Remote() SideCounts    { return l.remote }
func (l *SyncLog) Conflicts() int        { return l.conflicts }
func (l *SyncLog) Users() int            { return l.users }
func (l *SyncLog) Failures() int         { return l.failures }
func (l *SyncLog) Message() string       { return l.message }

// Duration returns the run time, or the time elapsed so far.
func (l *SyncLog) Duration() time.Duration {
	if l.finishedAt.IsZero() {
		return time.Since(l.startedAt)
	}
	return l.finishedAt.Sub(l.startedAt)
}

// Begin moves the run to in_progress.
func (l *SyncLog) Begin() {
	l.state = SyncLogInProgress
	l.Touch()
}

// RecordUser accumulates one user pass.
func (l *SyncLog) RecordUser(local, remote SideCounts, conflicts int, failed bool) {
	l.users++
	l.local.Add(local)
	l.remote.Add(remote)
	l.conflicts += conflicts
	if failed {
		l.failures++
	}
	l.Touch()
}

// Finish closes the run. A run with failed users or items ends failed.
func (l *SyncLog) Finish() {
	l.finishedAt = time.Now().UTC()
	if l.failures > 0 || l.local.Failed > 0 || l.remote.Failed > 0 {
		l.state = SyncLogFailed
	} else {
		l.state = SyncLogSuccess
	}
	l.Touch()
}

// Abort closes the run in the error state.
func (l *SyncLog) Abort(err error) {
	l.finishedAt = time.Now().UTC()
	l.state = SyncLogError
	if err != nil {
		l.message = err.Error()
	}
	l.Touch()
}

// SyncLogSnapshot is the persisted form of a SyncLog.
type SyncLogSnapshot struct {
	ID         uuid.UUID
	State      SyncLogState
	StartedAt  time.Time
	FinishedAt time.Time
	Local      SideCounts
	Remote     SideCounts
	Conflicts  int
	Users      int
	Failures   int
	Message    string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Snapshot returns the persisted form of the run.
func (l *SyncLog) Snapshot() SyncLogSnapshot {
	return SyncLogSnapshot{
		ID:         l.ID(),
		State:      l.state,
		StartedAt:  l.startedAt,
		FinishedAt: l.finishedAt,
		Local:      l.local,
		Remote:     l.remote,
		Conflicts:  l.conflicts,
		Users:      l.users,
		Failures:   l.failures,
		Message:    l.message,
		CreatedAt:  l.CreatedAt(),
		UpdatedAt:  l.UpdatedAt(),
	}
}

// RehydrateSyncLog recreates a run record from persisted data.
func RehydrateSyncLog(s SyncLogSnapshot) *SyncLog {
	return &SyncLog{
		BaseEntity: sharedDomain.RehydrateBaseEntity(s.ID, s.CreatedAt, s.UpdatedAt),
		state:      s.State,
		startedAt:  s.StartedAt,
		finishedAt: s.FinishedAt,
		local:      s.Local,
		remote:     s.Remote,
		conflicts:  s.Conflicts,
		users:      s.Users,
		failures:   s.Failures,
		message:    s.Message,
	}
}

// SyncLogLine is one notable step of a run.
type SyncLogLine struct {
	ID        uuid.UUID
	LogID     uuid.UUID
	UserID    uuid.UUID
	Operation LogOperation
	Severity  Severity
	EventUID  string
	Message   string
	CreatedAt time.Time
}

// NewSyncLogLine creates a log line stamped now.
func NewSyncLogLine(logID, userID uuid.UUID, op LogOperation, severity Severity, eventUID, message string) SyncLogLine {
	return SyncLogLine{
		ID:        uuid.New(),
		LogID:     logID,
		UserID:    userID,
		Operation: op,
		Severity:  severity,
		EventUID:  eventUID,
		Message:   message,
		CreatedAt: time.Now().UTC(),
	}
}

// SyncLogRepository defines the interface for sync log persistence.
type SyncLogRepository interface {
	// Save persists a run record (create or update).
	Save(ctx context.Context, log *SyncLog) error

	// AddLines appends lines to a run.
	AddLines(ctx context.Context, lines []SyncLogLine) error

	// FindByID finds a run record.
	FindByID(ctx context.Context, id uuid.UUID) (*SyncLog, error)

	// FindRecent returns the latest runs, newest first.
	FindRecent(ctx context.Context, limit int) ([]*SyncLog, error)

	// FindLines returns the lines of a run in insertion order.
	FindLines(ctx context.Context, logID uuid.UUID) ([]SyncLogLine, error)

	// PurgeBefore removes runs started before cutoff together with their
	// lines and reports how many runs were removed.
	PurgeBefore(ctx context.Context, cutoff time.Time) (int, error)
}
