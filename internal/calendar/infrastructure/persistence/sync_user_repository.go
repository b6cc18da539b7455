package persistence

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/crypto"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/database"
)

const syncUserColumns = `
	id, user_id, server_type, server_url, login, secret_enc, auth_mode,
	default_calendar_url, sync_since, enabled, created_at, updated_at`

// SyncUserRepository implements domain.SyncUserRepository. Secrets are
// encrypted with the configured Encrypter before they reach the store.
type SyncUserRepository struct {
	conn      database.Connection
	encrypter crypto.Encrypter
}

// NewSyncUserRepository creates a new sync user repository.
func NewSyncUserRepository(conn database.Connection, encrypter crypto.Encrypter) *SyncUserRepository {
	return &SyncUserRepository{conn: conn, encrypter: encrypter}
}

// Save persists a sync user (create or update).
func (r *SyncUserRepository) Save(ctx context.Context, user *domain.SyncUser) error {
	secret, err := crypto.EncryptString(r.encrypter, user.Secret())
	if err != nil {
		return fmt.Errorf("failed to encrypt secret: %w", err)
	}

	query := `
		INSERT INTO sync_users (` + syncUserColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			server_type = excluded.server_type,
			server_url = excluded.server_url,
			login = excluded.login,
			secret_enc = excluded.secret_enc,
			auth_mode = excluded.auth_mode,
			default_calendar_url = excluded.default_calendar_url,
			sync_since = excluded.sync_since,
			enabled = excluded.enabled,
			updated_at = excluded.updated_at
	`
	_, err = database.ExecutorFromContext(ctx, r.conn).Exec(ctx, query,
		user.ID().String(),
		user.UserID().String(),
		user.ServerType().String(),
		user.ServerURL(),
		user.Login(),
		secret,
		string(user.AuthMode()),
		user.DefaultCalendarURL(),
		formatTime(user.SyncSince()),
		boolToInt(user.IsEnabled()),
		formatTime(user.CreatedAt()),
		formatTime(user.UpdatedAt()),
	)
	if database.IsDuplicateKey(err) {
		return fmt.Errorf("user already has a sync binding: %w", database.ErrDuplicateKey)
	}
	return err
}

// FindByID finds a sync user by ID.
func (r *SyncUserRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.SyncUser, error) {
	return r.one(ctx, `SELECT `+syncUserColumns+` FROM sync_users WHERE id = ?`, id.String())
}

// FindByUserID finds the binding of a local user.
func (r *SyncUserRepository) FindByUserID(ctx context.Context, userID uuid.UUID) (*domain.SyncUser, error) {
	return r.one(ctx, `SELECT `+syncUserColumns+` FROM sync_users WHERE user_id = ?`, userID.String())
}

// FindEnabled finds every enabled binding.
func (r *SyncUserRepository) FindEnabled(ctx context.Context) ([]*domain.SyncUser, error) {
	return r.many(ctx, `SELECT `+syncUserColumns+` FROM sync_users WHERE enabled = 1 ORDER BY login`)
}

// FindAll finds every binding.
func (r *SyncUserRepository) FindAll(ctx context.Context) ([]*domain.SyncUser, error) {
	return r.many(ctx, `SELECT `+syncUserColumns+` FROM sync_users ORDER BY login`)
}

// Delete removes a sync user.
func (r *SyncUserRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx, `DELETE FROM sync_users WHERE id = ?`, id.String())
	return err
}

func (r *SyncUserRepository) one(ctx context.Context, query string, args ...any) (*domain.SyncUser, error) {
	row := database.ExecutorFromContext(ctx, r.conn).QueryRow(ctx, query, args...)
	u, err := r.scan(row)
	if database.IsNoRows(err) {
		return nil, nil
	}
	return u, err
}

func (r *SyncUserRepository) many(ctx context.Context, query string, args ...any) ([]*domain.SyncUser, error) {
	rows, err := database.ExecutorFromContext(ctx, r.conn).Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*domain.SyncUser
	for rows.Next() {
		u, err := r.scan(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (r *SyncUserRepository) scan(row database.Row) (*domain.SyncUser, error) {
	var (
		id, userID, serverType, serverURL, login string
		secret, authMode, defaultCal, since      string
		created, updated                         string
		enabled                                  int
	)
	if err := row.Scan(&id, &userID, &serverType, &serverURL, &login, &secret, &authMode,
		&defaultCal, &since, &enabled, &created, &updated); err != nil {
		return nil, err
	}
	plain, err := crypto.DecryptString(r.encrypter, secret)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt secret for %s: %w", login, err)
	}
	return domain.RehydrateSyncUser(
		parseID(id),
		parseID(userID),
		domain.ParseServerType(serverType),
		serverURL,
		login,
		plain,
		domain.ParseAuthMode(authMode),
		defaultCal,
		parseTime(since),
		enabled == 1,
		parseTime(created),
		parseTime(updated),
	), nil
}
