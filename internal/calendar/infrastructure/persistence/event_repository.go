package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/database"
)

const eventColumns = `
	id, owner_id, calendar_id, series_id, remote_uid, recurrence_instance_id,
	title, description, location, start_at, end_at, all_day, time_zone,
	show_as, status, organizer_email, categories, alarms, content_hash,
	synced, pending_delete, last_write_at, created_at, updated_at`

type alarmRecord struct {
	TriggerSeconds int64  `json:"trigger_seconds"`
	Action         string `json:"action"`
}

// EventRepository implements domain.EventRepository.
type EventRepository struct {
	conn database.Connection
}

// NewEventRepository creates a new event repository.
func NewEventRepository(conn database.Connection) *EventRepository {
	return &EventRepository{conn: conn}
}

// Save persists an event with its attendees and viewer hashes.
func (r *EventRepository) Save(ctx context.Context, event *domain.Event) error {
	s := event.State()

	categories, err := marshalJSON(nonNil(s.Content.Categories))
	if err != nil {
		return fmt.Errorf("failed to encode categories: %w", err)
	}
	alarms := make([]alarmRecord, 0, len(s.Content.Alarms))
	for _, a := range s.Content.Alarms {
		alarms = append(alarms, alarmRecord{TriggerSeconds: int64(a.Trigger / time.Second), Action: a.Action})
	}
	alarmsJSON, err := marshalJSON(alarms)
	if err != nil {
		return fmt.Errorf("failed to encode alarms: %w", err)
	}

	query := `
		INSERT INTO events (` + eventColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = excluded.owner_id,
			calendar_id = excluded.calendar_id,
			series_id = excluded.series_id,
			remote_uid = excluded.remote_uid,
			recurrence_instance_id = excluded.recurrence_instance_id,
			title = excluded.title,
			description = excluded.description,
			location = excluded.location,
			start_at = excluded.start_at,
			end_at = excluded.end_at,
			all_day = excluded.all_day,
			time_zone = excluded.time_zone,
			show_as = excluded.show_as,
			status = excluded.status,
			organizer_email = excluded.organizer_email,
			categories = excluded.categories,
			alarms = excluded.alarms,
			content_hash = excluded.content_hash,
			synced = excluded.synced,
			pending_delete = excluded.pending_delete,
			last_write_at = excluded.last_write_at,
			updated_at = excluded.updated_at
	`

	return inTx(ctx, r.conn, func(ctx context.Context, exec database.Executor) error {
		_, err := exec.Exec(ctx, query,
			s.ID.String(),
			formatID(s.OwnerID),
			formatID(s.CalendarID),
			formatID(s.SeriesID),
			s.RemoteUID,
			s.RecurrenceID,
			s.Content.Title,
			s.Content.Description,
			s.Content.Location,
			formatTime(s.Content.Start),
			formatTime(s.Content.End),
			boolToInt(s.Content.AllDay),
			s.Content.TimeZone,
			string(s.Content.ShowAs),
			string(s.Content.Status),
			s.Content.Organizer,
			categories,
			alarmsJSON,
			s.ContentHash,
			boolToInt(s.Synced),
			boolToInt(s.PendingDelete),
			formatTime(s.LastWriteAt),
			formatTime(s.CreatedAt),
			formatTime(s.UpdatedAt),
		)
		if err != nil {
			return err
		}

		if _, err := exec.Exec(ctx, `DELETE FROM event_attendees WHERE event_id = ?`, s.ID.String()); err != nil {
			return err
		}
		for _, a := range s.Content.Attendees {
			_, err := exec.Exec(ctx, `
				INSERT INTO event_attendees (event_id, email, name, status, user_id, contact_id)
				VALUES (?, ?, ?, ?, ?, ?)
				ON CONFLICT (event_id, email) DO NOTHING
			`, s.ID.String(), a.Email, a.Name, a.Status, formatID(a.UserID), formatID(a.ContactID))
			if err != nil {
				return err
			}
		}

		if _, err := exec.Exec(ctx, `DELETE FROM event_user_hashes WHERE event_id = ?`, s.ID.String()); err != nil {
			return err
		}
		for userID, hash := range s.ViewerHashes {
			_, err := exec.Exec(ctx, `
				INSERT INTO event_user_hashes (event_id, user_id, hash) VALUES (?, ?, ?)
			`, s.ID.String(), userID.String(), hash)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// FindByID finds an event by ID.
func (r *EventRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Event, error) {
	events, err := r.query(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id.String())
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return events[0], nil
}

// FindByRemoteUID finds an event by its remote identity.
func (r *EventRepository) FindByRemoteUID(ctx context.Context, uid, recurrenceID string) (*domain.Event, error) {
	if uid == "" {
		return nil, nil
	}
	events, err := r.query(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE remote_uid = ? AND recurrence_instance_id = ?
	`, uid, recurrenceID)
	if err != nil || len(events) == 0 {
		return nil, err
	}
	return events[0], nil
}

// FindAllByRemoteUID finds every event sharing a remote UID.
func (r *EventRepository) FindAllByRemoteUID(ctx context.Context, uid string) ([]*domain.Event, error) {
	if uid == "" {
		return nil, nil
	}
	return r.query(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE remote_uid = ?
		ORDER BY start_at, recurrence_instance_id
	`, uid)
}

// FindForUser finds events starting on or after since that userID
// organizes, attends or has synchronized.
func (r *EventRepository) FindForUser(ctx context.Context, userID uuid.UUID, since time.Time) ([]*domain.Event, error) {
	id := userID.String()
	return r.query(ctx, `
		SELECT `+eventColumns+` FROM events e
		WHERE e.start_at >= ?
		  AND (e.owner_id = ?
		    OR EXISTS (SELECT 1 FROM event_attendees a WHERE a.event_id = e.id AND a.user_id = ?)
		    OR EXISTS (SELECT 1 FROM event_user_hashes h WHERE h.event_id = e.id AND h.user_id = ?))
		ORDER BY e.start_at, e.id
	`, formatTime(since), id, id, id)
}

// FindBySeries finds the occurrences of a series ordered by start.
func (r *EventRepository) FindBySeries(ctx context.Context, seriesID uuid.UUID) ([]*domain.Event, error) {
	return r.query(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE series_id = ?
		ORDER BY start_at, id
	`, seriesID.String())
}

// Delete removes an event.
func (r *EventRepository) Delete(ctx context.Context, id uuid.UUID) error {
	return inTx(ctx, r.conn, func(ctx context.Context, exec database.Executor) error {
		if _, err := exec.Exec(ctx, `DELETE FROM event_attendees WHERE event_id = ?`, id.String()); err != nil {
			return err
		}
		if _, err := exec.Exec(ctx, `DELETE FROM event_user_hashes WHERE event_id = ?`, id.String()); err != nil {
			return err
		}
		_, err := exec.Exec(ctx, `DELETE FROM events WHERE id = ?`, id.String())
		return err
	})
}

// DeleteByOwner removes every event organized by ownerID.
func (r *EventRepository) DeleteByOwner(ctx context.Context, ownerID uuid.UUID) (int, error) {
	var n int
	err := inTx(ctx, r.conn, func(ctx context.Context, exec database.Executor) error {
		owner := ownerID.String()
		if _, err := exec.Exec(ctx, `DELETE FROM event_attendees WHERE event_id IN (SELECT id FROM events WHERE owner_id = ?)`, owner); err != nil {
			return err
		}
		if _, err := exec.Exec(ctx, `DELETE FROM event_user_hashes WHERE event_id IN (SELECT id FROM events WHERE owner_id = ?)`, owner); err != nil {
			return err
		}
		res, err := exec.Exec(ctx, `DELETE FROM events WHERE owner_id = ?`, owner)
		if err != nil {
			return err
		}
		n = affected(res)
		return nil
	})
	return n, err
}

// query loads events and then their attendees and hashes. Rows are closed
// before the detail queries since SQLite runs on a single connection.
func (r *EventRepository) query(ctx context.Context, query string, args ...any) ([]*domain.Event, error) {
	exec := database.ExecutorFromContext(ctx, r.conn)

	rows, err := exec.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	var states []domain.EventState
	for rows.Next() {
		s, err := scanEvent(rows)
		if err != nil {
			_ = rows.Close()
			return nil, err
		}
		states = append(states, s)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	events := make([]*domain.Event, 0, len(states))
	for i := range states {
		if err := r.loadDetails(ctx, exec, &states[i]); err != nil {
			return nil, err
		}
		events = append(events, domain.RehydrateEvent(states[i]))
	}
	return events, nil
}

func (r *EventRepository) loadDetails(ctx context.Context, exec database.Executor, s *domain.EventState) error {
	rows, err := exec.Query(ctx, `
		SELECT email, name, status, user_id, contact_id
		FROM event_attendees WHERE event_id = ? ORDER BY email
	`, s.ID.String())
	if err != nil {
		return err
	}
	for rows.Next() {
		var a domain.Attendee
		var userID, contactID string
		if err := rows.Scan(&a.Email, &a.Name, &a.Status, &userID, &contactID); err != nil {
			_ = rows.Close()
			return err
		}
		a.UserID = parseID(userID)
		a.ContactID = parseID(contactID)
		s.Content.Attendees = append(s.Content.Attendees, a)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return err
	}
	_ = rows.Close()

	rows, err = exec.Query(ctx, `SELECT user_id, hash FROM event_user_hashes WHERE event_id = ?`, s.ID.String())
	if err != nil {
		return err
	}
	defer rows.Close()
	s.ViewerHashes = make(map[uuid.UUID]string)
	for rows.Next() {
		var userID, hash string
		if err := rows.Scan(&userID, &hash); err != nil {
			return err
		}
		s.ViewerHashes[parseID(userID)] = hash
	}
	return rows.Err()
}

func scanEvent(row database.Row) (domain.EventState, error) {
	var (
		s                                  domain.EventState
		id, ownerID, calendarID, seriesID  string
		startAt, endAt, lastWriteAt        string
		createdAt, updatedAt               string
		showAs, status, categories, alarms string
		allDay, synced, pendingDelete      int
	)
	err := row.Scan(
		&id, &ownerID, &calendarID, &seriesID, &s.RemoteUID, &s.RecurrenceID,
		&s.Content.Title, &s.Content.Description, &s.Content.Location,
		&startAt, &endAt, &allDay, &s.Content.TimeZone,
		&showAs, &status, &s.Content.Organizer, &categories, &alarms, &s.ContentHash,
		&synced, &pendingDelete, &lastWriteAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return domain.EventState{}, err
	}

	s.ID = parseID(id)
	s.OwnerID = parseID(ownerID)
	s.CalendarID = parseID(calendarID)
	s.SeriesID = parseID(seriesID)
	s.Content.Start = parseTime(startAt)
	s.Content.End = parseTime(endAt)
	s.Content.AllDay = allDay == 1
	s.Content.ShowAs = domain.ShowAs(showAs)
	s.Content.Status = domain.Status(status)
	if err := unmarshalJSON(categories, &s.Content.Categories); err != nil {
		return domain.EventState{}, fmt.Errorf("failed to decode categories: %w", err)
	}
	var records []alarmRecord
	if err := unmarshalJSON(alarms, &records); err != nil {
		return domain.EventState{}, fmt.Errorf("failed to decode alarms: %w", err)
	}
	for _, a := range records {
		s.Content.Alarms = append(s.Content.Alarms, domain.Alarm{Trigger: time.Duration(a.TriggerSeconds) * time.Second, Action: a.Action})
	}
	s.Synced = synced == 1
	s.PendingDelete = pendingDelete == 1
	s.LastWriteAt = parseTime(lastWriteAt)
	s.CreatedAt = parseTime(createdAt)
	s.UpdatedAt = parseTime(updatedAt)
	return s, nil
}

func nonNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
