package persistence

import (
	"context"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/database"
)

const syncStateColumns = `
	id, user_id, last_run_id, last_synced_at, last_sync_hash,
	sync_errors, last_error, created_at, updated_at`

// SyncStateRepository implements domain.SyncStateRepository.
type SyncStateRepository struct {
	conn database.Connection
}

// NewSyncStateRepository creates a new sync state repository.
func NewSyncStateRepository(conn database.Connection) *SyncStateRepository {
	return &SyncStateRepository{conn: conn}
}

// Save persists a sync state (create or update).
func (r *SyncStateRepository) Save(ctx context.Context, state *domain.SyncState) error {
	query := `
		INSERT INTO sync_states (` + syncStateColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET
			last_run_id = excluded.last_run_id,
			last_synced_at = excluded.last_synced_at,
			last_sync_hash = excluded.last_sync_hash,
			sync_errors = excluded.sync_errors,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
	`
	_, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx, query,
		state.ID().String(),
		state.UserID().String(),
		formatID(state.LastRunID()),
		formatTime(state.LastSyncedAt()),
		state.LastSyncHash(),
		state.SyncErrors(),
		state.LastError(),
		formatTime(state.CreatedAt()),
		formatTime(state.UpdatedAt()),
	)
	return err
}

// FindByUser finds the sync state of a user.
func (r *SyncStateRepository) FindByUser(ctx context.Context, userID uuid.UUID) (*domain.SyncState, error) {
	row := database.ExecutorFromContext(ctx, r.conn).QueryRow(ctx,
		`SELECT `+syncStateColumns+` FROM sync_states WHERE user_id = ?`, userID.String())
	state, err := scanSyncState(row)
	if database.IsNoRows(err) {
		return nil, nil
	}
	return state, err
}

// FindAll finds every sync state.
func (r *SyncStateRepository) FindAll(ctx context.Context) ([]*domain.SyncState, error) {
	rows, err := database.ExecutorFromContext(ctx, r.conn).Query(ctx,
		`SELECT `+syncStateColumns+` FROM sync_states ORDER BY last_synced_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*domain.SyncState
	for rows.Next() {
		state, err := scanSyncState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, state)
	}
	return states, rows.Err()
}

// DeleteByUser removes the sync state of a user.
func (r *SyncStateRepository) DeleteByUser(ctx context.Context, userID uuid.UUID) error {
	_, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx,
		`DELETE FROM sync_states WHERE user_id = ?`, userID.String())
	return err
}

func scanSyncState(row database.Row) (*domain.SyncState, error) {
	var (
		id, userID, runID, syncedAt string
		hash, lastError             string
		created, updated            string
		syncErrors                  int
	)
	if err := row.Scan(&id, &userID, &runID, &syncedAt, &hash, &syncErrors, &lastError, &created, &updated); err != nil {
		return nil, err
	}
	return domain.RehydrateSyncState(
		parseID(id),
		parseID(userID),
		parseID(runID),
		parseTime(syncedAt),
		hash,
		syncErrors,
		lastError,
		parseTime(created),
		parseTime(updated),
	), nil
}
