package persistence

import (
	"context"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/database"
)

const mappingColumns = `id, user_id, calendar_url, name, is_default, read_only, removed, created_at, updated_at`

// CalendarMappingRepository implements domain.CalendarMappingRepository.
type CalendarMappingRepository struct {
	conn database.Connection
}

// NewCalendarMappingRepository creates a new calendar mapping repository.
func NewCalendarMappingRepository(conn database.Connection) *CalendarMappingRepository {
	return &CalendarMappingRepository{conn: conn}
}

// Save persists a mapping (create or update).
func (r *CalendarMappingRepository) Save(ctx context.Context, m *domain.CalendarMapping) error {
	query := `
		INSERT INTO calendar_mappings (` + mappingColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			is_default = excluded.is_default,
			read_only = excluded.read_only,
			removed = excluded.removed,
			updated_at = excluded.updated_at
	`
	_, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx, query,
		m.ID().String(),
		m.UserID().String(),
		m.CalendarURL(),
		m.Name(),
		boolToInt(m.IsDefault()),
		boolToInt(m.IsReadOnly()),
		boolToInt(m.IsRemoved()),
		formatTime(m.CreatedAt()),
		formatTime(m.UpdatedAt()),
	)
	return err
}

// FindByID finds a mapping by ID.
func (r *CalendarMappingRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.CalendarMapping, error) {
	row := database.ExecutorFromContext(ctx, r.conn).QueryRow(ctx,
		`SELECT `+mappingColumns+` FROM calendar_mappings WHERE id = ?`, id.String())
	m, err := scanMapping(row)
	if database.IsNoRows(err) {
		return nil, nil
	}
	return m, err
}

// FindByUser finds every mapping of a user.
func (r *CalendarMappingRepository) FindByUser(ctx context.Context, userID uuid.UUID) ([]*domain.CalendarMapping, error) {
	rows, err := database.ExecutorFromContext(ctx, r.conn).Query(ctx,
		`SELECT `+mappingColumns+` FROM calendar_mappings WHERE user_id = ? ORDER BY is_default DESC, name`, userID.String())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mappings []*domain.CalendarMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, m)
	}
	return mappings, rows.Err()
}

// FindByUserAndURL finds the mapping of one remote calendar.
func (r *CalendarMappingRepository) FindByUserAndURL(ctx context.Context, userID uuid.UUID, calendarURL string) (*domain.CalendarMapping, error) {
	row := database.ExecutorFromContext(ctx, r.conn).QueryRow(ctx,
		`SELECT `+mappingColumns+` FROM calendar_mappings WHERE user_id = ? AND calendar_url = ?`, userID.String(), calendarURL)
	m, err := scanMapping(row)
	if database.IsNoRows(err) {
		return nil, nil
	}
	return m, err
}

// DeleteByUser removes every mapping of a user.
func (r *CalendarMappingRepository) DeleteByUser(ctx context.Context, userID uuid.UUID) error {
	_, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx,
		`DELETE FROM calendar_mappings WHERE user_id = ?`, userID.String())
	return err
}

func scanMapping(row database.Row) (*domain.CalendarMapping, error) {
	var (
		id, userID, url, name        string
		created, updated             string
		isDefault, readOnly, removed int
	)
	if err := row.Scan(&id, &userID, &url, &name, &isDefault, &readOnly, &removed, &created, &updated); err != nil {
		return nil, err
	}
	return domain.RehydrateCalendarMapping(parseID(id), parseID(userID), url, name,
		isDefault == 1, readOnly == 1, removed == 1, parseTime(created), parseTime(updated)), nil
}
