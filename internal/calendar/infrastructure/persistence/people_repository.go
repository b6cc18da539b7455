package persistence

import (
	"context"
	"strings"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/database"
)

// LocalUserRepository implements domain.LocalUserRepository.
type LocalUserRepository struct {
	conn database.Connection
}

// NewLocalUserRepository creates a new local user repository.
func NewLocalUserRepository(conn database.Connection) *LocalUserRepository {
	return &LocalUserRepository{conn: conn}
}

// Save persists a local user (create or update).
func (r *LocalUserRepository) Save(ctx context.Context, u *domain.LocalUser) error {
	_, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx, `
		INSERT INTO local_users (id, login, name, email, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			login = excluded.login,
			name = excluded.name,
			email = excluded.email,
			updated_at = excluded.updated_at
	`, u.ID().String(), u.Login(), u.Name(), u.Email(), formatTime(u.CreatedAt()), formatTime(u.UpdatedAt()))
	return err
}

// FindByID finds a local user by ID.
func (r *LocalUserRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.LocalUser, error) {
	return r.one(ctx, `SELECT id, login, name, email, created_at, updated_at FROM local_users WHERE id = ?`, id.String())
}

// FindByLogin finds a local user by login, ignoring case.
func (r *LocalUserRepository) FindByLogin(ctx context.Context, login string) (*domain.LocalUser, error) {
	return r.one(ctx, `SELECT id, login, name, email, created_at, updated_at FROM local_users WHERE LOWER(login) = ?`,
		strings.ToLower(strings.TrimSpace(login)))
}

// FindByEmail finds a local user by email.
func (r *LocalUserRepository) FindByEmail(ctx context.Context, email string) (*domain.LocalUser, error) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return nil, nil
	}
	return r.one(ctx, `SELECT id, login, name, email, created_at, updated_at FROM local_users WHERE email = ?`, email)
}

// FindAll finds every local user.
func (r *LocalUserRepository) FindAll(ctx context.Context) ([]*domain.LocalUser, error) {
	rows, err := database.ExecutorFromContext(ctx, r.conn).Query(ctx,
		`SELECT id, login, name, email, created_at, updated_at FROM local_users ORDER BY login`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*domain.LocalUser
	for rows.Next() {
		u, err := scanLocalUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// Delete removes a local user.
func (r *LocalUserRepository) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx, `DELETE FROM local_users WHERE id = ?`, id.String())
	return err
}

func (r *LocalUserRepository) one(ctx context.Context, query string, args ...any) (*domain.LocalUser, error) {
	u, err := scanLocalUser(database.ExecutorFromContext(ctx, r.conn).QueryRow(ctx, query, args...))
	if database.IsNoRows(err) {
		return nil, nil
	}
	return u, err
}

func scanLocalUser(row database.Row) (*domain.LocalUser, error) {
	var id, login, name, email, created, updated string
	if err := row.Scan(&id, &login, &name, &email, &created, &updated); err != nil {
		return nil, err
	}
	return domain.RehydrateLocalUser(parseID(id), login, name, email, parseTime(created), parseTime(updated)), nil
}

// ContactRepository implements domain.ContactRepository.
type ContactRepository struct {
	conn database.Connection
}

// NewContactRepository creates a new contact repository.
func NewContactRepository(conn database.Connection) *ContactRepository {
	return &ContactRepository{conn: conn}
}

// Save persists a contact (create or update).
func (r *ContactRepository) Save(ctx context.Context, c *domain.Contact) error {
	_, err := database.ExecutorFromContext(ctx, r.conn).Exec(ctx, `
		INSERT INTO contacts (id, name, email, placeholder, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			name = excluded.name,
			email = excluded.email,
			placeholder = excluded.placeholder,
			updated_at = excluded.updated_at
	`, c.ID().String(), c.Name(), c.Email(), boolToInt(c.IsPlaceholder()), formatTime(c.CreatedAt()), formatTime(c.UpdatedAt()))
	return err
}

// FindByID finds a contact by ID.
func (r *ContactRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Contact, error) {
	return r.one(ctx, `SELECT id, name, email, placeholder, created_at, updated_at FROM contacts WHERE id = ?`, id.String())
}

// FindByEmail finds a contact by email.
func (r *ContactRepository) FindByEmail(ctx context.Context, email string) (*domain.Contact, error) {
	email = domain.NormalizeEmail(email)
	if email == "" {
		return nil, nil
	}
	return r.one(ctx, `SELECT id, name, email, placeholder, created_at, updated_at FROM contacts WHERE email = ?`, email)
}

func (r *ContactRepository) one(ctx context.Context, query string, args ...any) (*domain.Contact, error) {
	var (
		id, name, email, created, updated string
		placeholder                       int
	)
	err := database.ExecutorFromContext(ctx, r.conn).QueryRow(ctx, query, args...).
		Scan(&id, &name, &email, &placeholder, &created, &updated)
	if database.IsNoRows(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return domain.RehydrateContact(parseID(id), name, email, placeholder == 1, parseTime(created), parseTime(updated)), nil
}
