// Package identity maps calendar addresses to local users and contacts.
package identity

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/database"
)

// Identity is the local side of a calendar address.
type Identity struct {
	Email     string
	Name      string
	UserID    uuid.UUID
	ContactID uuid.UUID
}

// IsLocalUser reports whether the address belongs to a local user.
func (i Identity) IsLocalUser() bool { return i.UserID != uuid.Nil }

// Resolver looks addresses up in the local user and contact stores.
type Resolver struct {
	users    domain.LocalUserRepository
	contacts domain.ContactRepository
	logger   *slog.Logger
}

// NewResolver creates a resolver.
func NewResolver(users domain.LocalUserRepository, contacts domain.ContactRepository, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{users: users, contacts: contacts, logger: logger}
}

// Session returns a resolver that caches lookups for the duration of one
// user pass.
func (r *Resolver) Session() *Session {
	return &Session{
		resolver:  r,
		byAddress: make(map[string]Identity),
		byUser:    make(map[uuid.UUID]string),
	}
}

// Session is a caching view of a Resolver. It is not safe for concurrent use.
type Session struct {
	resolver  *Resolver
	byAddress map[string]Identity
	byUser    map[uuid.UUID]string
	journal   []string // addresses cached since the oldest open Track
	tracking  int
}

// Track starts recording the addresses cached from now on. Resolving
// inside a unit of work may create placeholder contacts in it; calling
// forget after a rollback evicts those entries so later lookups read the
// store again. Calling keep ends the recording.
func (s *Session) Track() (forget, keep func()) {
	mark := len(s.journal)
	s.tracking++
	done := false
	end := func() {
		if done {
			return
		}
		done = true
		s.tracking--
		if s.tracking == 0 {
			s.journal = s.journal[:0]
		}
	}
	forget = func() {
		if done {
			return
		}
		for _, email := range s.journal[mark:] {
			if id, ok := s.byAddress[email]; ok && id.UserID != uuid.Nil {
				delete(s.byUser, id.UserID)
			}
			delete(s.byAddress, email)
		}
		s.journal = s.journal[:mark]
		end()
	}
	return forget, end
}

func (s *Session) remember(email string, id Identity) {
	s.byAddress[email] = id
	if id.UserID != uuid.Nil {
		s.byUser[id.UserID] = email
	}
	if s.tracking > 0 {
		s.journal = append(s.journal, email)
	}
}

// Resolve maps an address to a local user, matched by email and then by
// login, or to a contact. Unknown addresses get a placeholder contact.
func (s *Session) Resolve(ctx context.Context, address, name string) (Identity, error) {
	email := domain.NormalizeEmail(address)
	if email == "" {
		return Identity{}, domain.ErrEmptyEmail
	}
	if id, ok := s.byAddress[email]; ok {
		return id, nil
	}

	id, err := s.lookup(ctx, email, name)
	if err != nil {
		return Identity{}, err
	}
	s.remember(email, id)
	return id, nil
}

func (s *Session) lookup(ctx context.Context, email, name string) (Identity, error) {
	r := s.resolver

	user, err := r.users.FindByEmail(ctx, email)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to look up user %s: %w", email, err)
	}
	if user == nil {
		user, err = r.users.FindByLogin(ctx, email)
		if err != nil {
			return Identity{}, fmt.Errorf("failed to look up user %s: %w", email, err)
		}
	}
	if user != nil {
		return Identity{Email: email, Name: user.Name(), UserID: user.ID()}, nil
	}

	contact, err := r.contacts.FindByEmail(ctx, email)
	if err != nil {
		return Identity{}, fmt.Errorf("failed to look up contact %s: %w", email, err)
	}
	if contact != nil {
		return Identity{Email: email, Name: contact.Name(), ContactID: contact.ID()}, nil
	}

	contact, err = domain.NewContact(name, email, true)
	if err != nil {
		return Identity{}, err
	}
	if err := r.contacts.Save(ctx, contact); err != nil {
		if !database.IsDuplicateKey(err) {
			return Identity{}, fmt.Errorf("failed to create contact %s: %w", email, err)
		}
		// Created concurrently by another user's pass.
		existing, ferr := r.contacts.FindByEmail(ctx, email)
		if ferr != nil || existing == nil {
			return Identity{}, fmt.Errorf("failed to create contact %s: %w", email, err)
		}
		contact = existing
	} else {
		r.logger.Info("created placeholder contact", "email", email)
	}
	return Identity{Email: email, Name: contact.Name(), ContactID: contact.ID()}, nil
}

// UserAddress returns the calendar address of a local user.
func (s *Session) UserAddress(ctx context.Context, userID uuid.UUID) (string, error) {
	if addr, ok := s.byUser[userID]; ok {
		return addr, nil
	}
	user, err := s.resolver.users.FindByID(ctx, userID)
	if err != nil {
		return "", fmt.Errorf("failed to look up user %s: %w", userID, err)
	}
	if user == nil {
		return "", domain.ErrUserNotFound
	}
	addr := user.Address()
	s.remember(addr, Identity{Email: addr, Name: user.Name(), UserID: userID})
	return addr, nil
}

// ResolveContent links every attendee to a local user or contact and
// returns the local user organizing the event, or uuid.Nil when the
// organizer is not a local user.
func (s *Session) ResolveContent(ctx context.Context, c domain.Content) (domain.Content, uuid.UUID, error) {
	out := c.Clone()
	for i, a := range out.Attendees {
		if strings.TrimSpace(a.Email) == "" {
			continue
		}
		id, err := s.Resolve(ctx, a.Email, a.Name)
		if err != nil {
			return c, uuid.Nil, err
		}
		out.Attendees[i].Email = id.Email
		out.Attendees[i].UserID = id.UserID
		out.Attendees[i].ContactID = id.ContactID
	}

	organizer := uuid.Nil
	if out.Organizer != "" {
		id, err := s.Resolve(ctx, out.Organizer, "")
		if err != nil {
			return c, uuid.Nil, err
		}
		out.Organizer = id.Email
		organizer = id.UserID
	}
	return out, organizer, nil
}
