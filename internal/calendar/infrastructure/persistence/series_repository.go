package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/database"
)

const seriesColumns = `
	id, owner_id, remote_uid, rule, time_zone, all_day, dt_start, duration_seconds,
	exdates, head_id, synced_hash, synced, last_write_at, created_at, updated_at`

// SeriesRepository implements domain.RecurrenceSeriesRepository.
type SeriesRepository struct {
	conn database.Connection
}

// NewSeriesRepository creates a new recurrence series repository.
func NewSeriesRepository(conn database.Connection) *SeriesRepository {
	return &SeriesRepository{conn: conn}
}

// Save persists a series (create or update).
func (r *SeriesRepository) Save(ctx context.Context, series *domain.RecurrenceSeries) error {
	s := series.State()
	exDates, err := marshalJSON(nonNil(s.ExDates))
	if err != nil {
		return fmt.Errorf("failed to encode exception dates: %w", err)
	}

	query := `
		INSERT INTO recurrence_series (` + seriesColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			owner_id = excluded.owner_id,
			remote_uid = excluded.remote_uid,
			rule = excluded.rule,
			time_zone = excluded.time_zone,
			all_day = excluded.all_day,
			dt_start = excluded.dt_start,
			duration_seconds = excluded.duration_seconds,
			exdates = excluded.exdates,
			head_id = excluded.head_id,
			synced_hash = excluded.synced_hash,
			synced = excluded.synced,
			last_write_at = excluded.last_write_at,
			updated_at = excluded.updated_at
	`
	_, err = database.ExecutorFromContext(ctx, r.conn).Exec(ctx, query,
		s.ID.String(),
		formatID(s.OwnerID),
		s.RemoteUID,
		s.Rule,
		s.TimeZone,
		boolToInt(s.AllDay),
		formatTime(s.DTStart),
		int64(s.Duration/time.Second),
		exDates,
		formatID(s.HeadID),
		s.SyncedHash,
		boolToInt(s.Synced),
		formatTime(s.LastWriteAt),
		formatTime(s.CreatedAt),
		formatTime(s.UpdatedAt),
	)
	return err
}

// FindByID finds a series by ID.
func (r *SeriesRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.RecurrenceSeries, error) {
	row := database.ExecutorFromContext(ctx, r.conn).QueryRow(ctx,
		`SELECT `+seriesColumns+` FROM recurrence_series WHERE id = ?`, id.String())
	return r.scan(row)
}

// FindByRemoteUID finds the series with a remote UID.
func (r *SeriesRepository) FindByRemoteUID(ctx context.Context, uid string) (*domain.RecurrenceSeries, error) {
	if uid == "" {
		return nil, nil
	}
	row := database.ExecutorFromContext(ctx, r.conn).QueryRow(ctx,
		`SELECT `+seriesColumns+` FROM recurrence_series WHERE remote_uid = ?`, uid)
	return r.scan(row)
}

// Delete removes a series. Occurrences are removed by the caller.
func (r *SeriesRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx,
		`DELETE FROM recurrence_series WHERE id = ?`, id.String())
	return err
}

// DeleteByOwner removes every series organized by ownerID.
func (r *SeriesRepository) DeleteByOwner(ctx context.Context, ownerID uuid.UUID) (int, error) {
	res, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx,
		`DELETE FROM recurrence_series WHERE owner_id = ?`, ownerID.String())
	if err != nil {
		return 0, err
	}
	return affected(res), nil
}

func (r *SeriesRepository) scan(row database.Row) (*domain.RecurrenceSeries, error) {
	var (
		s                                domain.RecurrenceSeriesState
		id, ownerID, headID, exDates     string
		dtStart, lastWrite, created, upd string
		allDay, synced                   int
		durationSeconds                  int64
	)
	err := row.Scan(&id, &ownerID, &s.RemoteUID, &s.Rule, &s.TimeZone, &allDay, &dtStart, &durationSeconds,
		&exDates, &headID, &s.SyncedHash, &synced, &lastWrite, &created, &upd)
	if err != nil {
		if database.IsNoRows(err) {
			return nil, nil
		}
		return nil, err
	}
	s.ID = parseID(id)
	s.OwnerID = parseID(ownerID)
	s.HeadID = parseID(headID)
	s.AllDay = allDay == 1
	s.Synced = synced == 1
	s.DTStart = parseTime(dtStart)
	s.Duration = time.Duration(durationSeconds) * time.Second
	s.LastWriteAt = parseTime(lastWrite)
	s.CreatedAt = parseTime(created)
	s.UpdatedAt = parseTime(upd)
	if err := unmarshalJSON(exDates, &s.ExDates); err != nil {
		return nil, fmt.Errorf("failed to decode exception dates: %w", err)
	}
	return domain.RehydrateRecurrenceSeries(s), nil
}
