package persistence

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/database"
)

const syncLogColumns = `
	id, state, started_at, finished_at,
	local_created, local_updated, local_deleted, local_failed,
	remote_created, remote_updated, remote_deleted, remote_failed,
	conflicts, users, failures, message, created_at, updated_at`

// SyncLogRepository implements domain.SyncLogRepository.
type SyncLogRepository struct {
	conn database.Connection
}

// NewSyncLogRepository creates a new sync log repository.
func NewSyncLogRepository(conn database.Connection) *SyncLogRepository {
	return &SyncLogRepository{conn: conn}
}

// Save persists a run record (create or update).
func (r *SyncLogRepository) Save(ctx context.Context, log *domain.SyncLog) error {
	s := log.Snapshot()
	query := `
		INSERT INTO sync_logs (` + syncLogColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			state = excluded.state,
			finished_at = excluded.finished_at,
			local_created = excluded.local_created,
			local_updated = excluded.local_updated,
			local_deleted = excluded.local_deleted,
			local_failed = excluded.local_failed,
			remote_created = excluded.remote_created,
			remote_updated = excluded.remote_updated,
			remote_deleted = excluded.remote_deleted,
			remote_failed = excluded.remote_failed,
			conflicts = excluded.conflicts,
			users = excluded.users,
			failures = excluded.failures,
			message = excluded.message,
			updated_at = excluded.updated_at
	`
	_, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx, query,
		s.ID.String(), string(s.State), formatTime(s.StartedAt), formatTime(s.FinishedAt),
		s.Local.Created, s.Local.Updated, s.Local.Deleted, s.Local.Failed,
		s.Remote.Created, s.Remote.Updated, s.Remote.Deleted, s.Remote.Failed,
		s.Conflicts, s.Users, s.Failures, s.Message,
		formatTime(s.CreatedAt), formatTime(s.UpdatedAt),
	)
	return err
}

// AddLines appends lines to a run.
func (r *SyncLogRepository) AddLines(ctx context.Context, lines []domain.SyncLogLine) error {
	if len(lines) == 0 {
		return nil
	}
	return inTx(ctx, r.conn, func(ctx context.Context, exec database.Executor) error {
		for _, l := range lines {
			_, err := exec.Exec(ctx, `
				INSERT INTO sync_log_lines (id, log_id, user_id, operation, severity, event_uid, message, created_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			`, l.ID.String(), l.LogID.String(), formatID(l.UserID), string(l.Operation), string(l.Severity),
				l.EventUID, l.Message, l.CreatedAt.UTC().Format(time.RFC3339Nano))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// FindByID finds a run record.
func (r *SyncLogRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.SyncLog, error) {
	row := database.ExecutorFromContext(ctx, r.conn).QueryRow(ctx,
		`SELECT `+syncLogColumns+` FROM sync_logs WHERE id = ?`, id.String())
	l, err := scanSyncLog(row)
	if database.IsNoRows(err) {
		return nil, nil
	}
	return l, err
}

// FindRecent returns the latest runs, newest first.
func (r *SyncLogRepository) FindRecent(ctx context.Context, limit int) ([]*domain.SyncLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := database.ExecutorFromContext(ctx, r.conn).Query(ctx,
		`SELECT `+syncLogColumns+` FROM sync_logs ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []*domain.SyncLog
	for rows.Next() {
		l, err := scanSyncLog(rows)
		if err != nil {
			return nil, err
		}
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// FindLines returns the lines of a run in insertion order.
func (r *SyncLogRepository) FindLines(ctx context.Context, logID uuid.UUID) ([]domain.SyncLogLine, error) {
	rows, err := database.ExecutorFromContext(ctx, r.conn).Query(ctx, `
		SELECT id, log_id, user_id, operation, severity, event_uid, message, created_at
		FROM sync_log_lines WHERE log_id = ? ORDER BY created_at, id
	`, logID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var lines []domain.SyncLogLine
	for rows.Next() {
		var (
			l                               domain.SyncLogLine
			id, log, user, op, severity, at string
		)
		if err := rows.Scan(&id, &log, &user, &op, &severity, &l.EventUID, &l.Message, &at); err != nil {
			return nil, err
		}
		l.ID = parseID(id)
		l.LogID = parseID(log)
		l.UserID = parseID(user)
		l.Operation = domain.LogOperation(op)
		l.Severity = domain.Severity(severity)
		l.CreatedAt, _ = time.Parse(time.RFC3339Nano, at)
		lines = append(lines, l)
	}
	return lines, rows.Err()
}

// PurgeBefore removes runs started before cutoff together with their lines.
func (r *SyncLogRepository) PurgeBefore(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := inTx(ctx, r.conn, func(ctx context.Context, exec database.Executor) error {
		c := formatTime(cutoff)
		if _, err := exec.Exec(ctx, `DELETE FROM sync_log_lines WHERE log_id IN (SELECT id FROM sync_logs WHERE started_at < ?)`, c); err != nil {
			return err
		}
		res, err := exec.Exec(ctx, `DELETE FROM sync_logs WHERE started_at < ?`, c)
		if err != nil {
			return err
		}
		n = affected(res)
		return nil
	})
	return n, err
}

func scanSyncLog(row database.Row) (*domain.SyncLog, error) {
	var (
		s                            domain.SyncLogSnapshot
		id, state, started, finished string
		created, updated             string
	)
	err := row.Scan(&id, &state, &started, &finished,
		&s.Local.Created, &s.Local.Updated, &s.Local.Deleted, &s.Local.Failed,
		&s.Remote.Created, &s.Remote.Updated, &s.Remote.Deleted, &s.Remote.Failed,
		&s.Conflicts, &s.Users, &s.Failures, &s.Message, &created, &updated)
	if err != nil {
		return nil, err
	}
	s.ID = parseID(id)
	s.State = domain.SyncLogState(state)
	s.StartedAt = parseTime(started)
	s.FinishedAt = parseTime(finished)
	s.CreatedAt = parseTime(created)
	s.UpdatedAt = parseTime(updated)
	return domain.RehydrateSyncLog(s), nil
}
