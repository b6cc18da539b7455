package domain

import (
	"context"
	"errors"
	"strings"
	"time"

	sharedDomain "github.com/felixgeelhaar/calsync/internal/shared/domain"
	"github.com/google/uuid"
)

var ErrEmptyEmail = errors.New("email cannot be empty")

// LocalUser is a user of the local store.
type LocalUser struct {
	sharedDomain.BaseEntity
	login string
	name  string
	email string
}

// NewLocalUser creates a local user.
func NewLocalUser(login, name, email string) (*LocalUser, error) {
	login = strings.TrimSpace(login)
	if login == "" {
		return nil, ErrEmptyLogin
	}
	return &LocalUser{
		BaseEntity: sharedDomain.NewBaseEntity(),
		login:      login,
		name:       strings.TrimSpace(name),
		email:      NormalizeEmail(email),
	}, nil
}

func (u *LocalUser) Login() string { return u.login }
func (u *LocalUser) Name() string  { return u.name }
func (u *LocalUser) Email() string { return u.email }

// Address returns the address the user is known by on the remote side:
// the email when set, otherwise the login.
func (u *LocalUser) Address() string {
	if u.email != "" {
		return u.email
	}
	return strings.ToLower(u.login)
}

// RehydrateLocalUser recreates a local user from persisted data.
func RehydrateLocalUser(id uuid.UUID, login, name, email string, createdAt, updatedAt time.Time) *LocalUser {
	return &LocalUser{
		BaseEntity: sharedDomain.RehydrateBaseEntity(id, createdAt, updatedAt),
		login:      login,
		name:       name,
		email:      email,
	}
}

// Contact is an address book entry for a participant without a local account.
type Contact struct {
	sharedDomain.BaseEntity
	name        string
	email       string
	placeholder bool // created by the sync engine for an unknown address
}

// NewContact creates a contact.
func NewContact(name, email string, placeholder bool) (*Contact, error) {
	email = NormalizeEmail(email)
	if email == "" {
		return nil, ErrEmptyEmail
	}
	if strings.TrimSpace(name) == "" {
		name = email
	}
	return &Contact{
		BaseEntity:  sharedDomain.NewBaseEntity(),
		name:        strings.TrimSpace(name),
		email:       email,
		placeholder: placeholder,
	}, nil
}

func (c *Contact) Name() string        { return c.name }
func (c *Contact) Email() string       { return c.email }
func (c *Contact) IsPlaceholder() bool { return c.placeholder }

// RehydrateContact recreates a contact from persisted data.
func RehydrateContact(id uuid.UUID, name, email string, placeholder bool, createdAt, updatedAt time.Time) *Contact {
	return &Contact{
		BaseEntity:  sharedDomain.RehydrateBaseEntity(id, createdAt, updatedAt),
		name:        name,
		email:       email,
		placeholder: placeholder,
	}
}

// NormalizeEmail strips a mailto: scheme, surrounding space and case.
func NormalizeEmail(s string) string {
	s = strings.TrimSpace(s)
	if len(s) >= 7 && strings.EqualFold(s[:7], "mailto:") {
		s = s[7:]
	}
	return strings.ToLower(strings.TrimSpace(s))
}

// LocalUserRepository defines the interface for local user persistence.
type LocalUserRepository interface {
	Save(ctx context.Context, user *LocalUser) error
	FindByID(ctx context.Context, id uuid.UUID) (*LocalUser, error)
	FindByLogin(ctx context.Context, login string) (*LocalUser, error)
	FindByEmail(ctx context.Context, email string) (*LocalUser, error)
	FindAll(ctx context.Context) ([]*LocalUser, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// ContactRepository defines the interface for contact persistence.
type ContactRepository interface {
	Save(ctx context.Context, contact *Contact) error
	FindByID(ctx context.Context, id uuid.UUID) (*Contact, error)
	FindByEmail(ctx context.Context, email string) (*Contact, error)
}
