package identity

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/database"
)

type mockUserRepo struct {
	mock.Mock
}

func (m *mockUserRepo) Save(ctx context.Context, u *domain.LocalUser) error {
	return m.Called(ctx, u).Error(0)
}

func (m *mockUserRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.LocalUser, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.LocalUser), args.Error(1)
}

func (m *mockUserRepo) FindByLogin(ctx context.Context, login string) (*domain.LocalUser, error) {
	args := m.Called(ctx, login)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.LocalUser), args.Error(1)
}

func (m *mockUserRepo) FindByEmail(ctx context.Context, email string) (*domain.LocalUser, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.LocalUser), args.Error(1)
}

func (m *mockUserRepo) FindAll(ctx context.Context) ([]*domain.LocalUser, error) {
	args := m.Called(ctx)
	return args.Get(0).([]*domain.LocalUser), args.Error(1)
}

func (m *mockUserRepo) Delete(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

type mockContactRepo struct {
	mock.Mock
}

func (m *mockContactRepo) Save(ctx context.Context, c *domain.Contact) error {
	return m.Called(ctx, c).Error(0)
}

func (m *mockContactRepo) FindByID(ctx context.Context, id uuid.UUID) (*domain.Contact, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Contact), args.Error(1)
}

func (m *mockContactRepo) FindByEmail(ctx context.Context, email string) (*domain.Contact, error) {
	args := m.Called(ctx, email)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*domain.Contact), args.Error(1)
}

func TestSession_Resolve(t *testing.T) {
	ctx := context.Background()

	t.Run("matches a local user by email and caches it", func(t *testing.T) {
		users := new(mockUserRepo)
		contacts := new(mockContactRepo)
		alice, err := domain.NewLocalUser("alice", "Alice", "alice@example.com")
		require.NoError(t, err)

		users.On("FindByEmail", ctx, "alice@example.com").Return(alice, nil).Once()

		s := NewResolver(users, contacts, nil).Session()
		id, err := s.Resolve(ctx, "mailto:Alice@Example.com", "")
		require.NoError(t, err)
		assert.True(t, id.IsLocalUser())
		assert.Equal(t, alice.ID(), id.UserID)

		again, err := s.Resolve(ctx, "alice@example.com", "")
		require.NoError(t, err)
		assert.Equal(t, id, again)

		addr, err := s.UserAddress(ctx, alice.ID())
		require.NoError(t, err)
		assert.Equal(t, "alice@example.com", addr)

		users.AssertExpectations(t)
	})

	t.Run("falls back to login", func(t *testing.T) {
		users := new(mockUserRepo)
		contacts := new(mockContactRepo)
		bob, err := domain.NewLocalUser("bob@example.com", "Bob", "")
		require.NoError(t, err)

		users.On("FindByEmail", ctx, "bob@example.com").Return(nil, nil)
		users.On("FindByLogin", ctx, "bob@example.com").Return(bob, nil)

		id, err := NewResolver(users, contacts, nil).Session().Resolve(ctx, "bob@example.com", "")
		require.NoError(t, err)
		assert.Equal(t, bob.ID(), id.UserID)
	})

	t.Run("matches an existing contact", func(t *testing.T) {
		users := new(mockUserRepo)
		contacts := new(mockContactRepo)
		carol, err := domain.NewContact("Carol", "carol@example.org", false)
		require.NoError(t, err)

		users.On("FindByEmail", ctx, "carol@example.org").Return(nil, nil)
		users.On("FindByLogin", ctx, "carol@example.org").Return(nil, nil)
		contacts.On("FindByEmail", ctx, "carol@example.org").Return(carol, nil)

		id, err := NewResolver(users, contacts, nil).Session().Resolve(ctx, "carol@example.org", "")
		require.NoError(t, err)
		assert.False(t, id.IsLocalUser())
		assert.Equal(t, carol.ID(), id.ContactID)
		assert.Equal(t, "Carol", id.Name)
	})

	t.Run("creates a placeholder contact", func(t *testing.T) {
		users := new(mockUserRepo)
		contacts := new(mockContactRepo)

		users.On("FindByEmail", ctx, "guest@example.org").Return(nil, nil)
		users.On("FindByLogin", ctx, "guest@example.org").Return(nil, nil)
		contacts.On("FindByEmail", ctx, "guest@example.org").Return(nil, nil)
		contacts.On("Save", ctx, mock.MatchedBy(func(c *domain.Contact) bool {
			return c.IsPlaceholder() && c.Email() == "guest@example.org" && c.Name() == "Guest"
		})).Return(nil)

		id, err := NewResolver(users, contacts, nil).Session().Resolve(ctx, "guest@example.org", "Guest")
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, id.ContactID)
		contacts.AssertExpectations(t)
	})

	t.Run("rereads a contact created concurrently", func(t *testing.T) {
		users := new(mockUserRepo)
		contacts := new(mockContactRepo)
		existing, err := domain.NewContact("", "guest@example.org", true)
		require.NoError(t, err)

		users.On("FindByEmail", ctx, "guest@example.org").Return(nil, nil)
		users.On("FindByLogin", ctx, "guest@example.org").Return(nil, nil)
		contacts.On("FindByEmail", ctx, "guest@example.org").Return(nil, nil).Once()
		contacts.On("Save", ctx, mock.Anything).Return(database.ErrDuplicateKey)
		contacts.On("FindByEmail", ctx, "guest@example.org").Return(existing, nil).Once()

		id, err := NewResolver(users, contacts, nil).Session().Resolve(ctx, "guest@example.org", "")
		require.NoError(t, err)
		assert.Equal(t, existing.ID(), id.ContactID)
	})

	t.Run("forgets a placeholder of a rolled back item", func(t *testing.T) {
		users := new(mockUserRepo)
		contacts := new(mockContactRepo)

		users.On("FindByEmail", ctx, "guest@example.org").Return(nil, nil)
		users.On("FindByLogin", ctx, "guest@example.org").Return(nil, nil)
		contacts.On("FindByEmail", ctx, "guest@example.org").Return(nil, nil)
		contacts.On("Save", ctx, mock.Anything).Return(nil)

		s := NewResolver(users, contacts, nil).Session()
		forget, _ := s.Track()
		first, err := s.Resolve(ctx, "guest@example.org", "")
		require.NoError(t, err)
		forget()

		second, err := s.Resolve(ctx, "guest@example.org", "")
		require.NoError(t, err)
		assert.NotEqual(t, first.ContactID, second.ContactID)
		contacts.AssertNumberOfCalls(t, "Save", 2)
	})

	t.Run("keeps entries of a committed item", func(t *testing.T) {
		users := new(mockUserRepo)
		contacts := new(mockContactRepo)

		users.On("FindByEmail", ctx, "guest@example.org").Return(nil, nil)
		users.On("FindByLogin", ctx, "guest@example.org").Return(nil, nil)
		contacts.On("FindByEmail", ctx, "guest@example.org").Return(nil, nil)
		contacts.On("Save", ctx, mock.Anything).Return(nil)

		s := NewResolver(users, contacts, nil).Session()
		forget, keep := s.Track()
		first, err := s.Resolve(ctx, "guest@example.org", "")
		require.NoError(t, err)
		keep()
		forget()

		second, err := s.Resolve(ctx, "guest@example.org", "")
		require.NoError(t, err)
		assert.Equal(t, first, second)
		contacts.AssertNumberOfCalls(t, "Save", 1)
	})

	t.Run("rejects an empty address", func(t *testing.T) {
		_, err := NewResolver(new(mockUserRepo), new(mockContactRepo), nil).Session().Resolve(ctx, "mailto:", "")
		assert.ErrorIs(t, err, domain.ErrEmptyEmail)
	})
}

func TestSession_ResolveContent(t *testing.T) {
	ctx := context.Background()
	users := new(mockUserRepo)
	contacts := new(mockContactRepo)

	alice, err := domain.NewLocalUser("alice", "Alice", "alice@example.com")
	require.NoError(t, err)
	guest, err := domain.NewContact("", "guest@example.org", true)
	require.NoError(t, err)

	users.On("FindByEmail", ctx, "alice@example.com").Return(alice, nil)
	users.On("FindByEmail", ctx, "guest@example.org").Return(nil, nil)
	users.On("FindByLogin", ctx, "guest@example.org").Return(nil, nil)
	contacts.On("FindByEmail", ctx, "guest@example.org").Return(guest, nil)

	content := domain.Content{
		Title:     "Review",
		Organizer: "ALICE@example.com",
		Attendees: []domain.Attendee{
			{Email: "alice@example.com"},
			{Email: "Guest@example.org"},
		},
	}

	out, organizer, err := NewResolver(users, contacts, nil).Session().ResolveContent(ctx, content)
	require.NoError(t, err)
	assert.Equal(t, alice.ID(), organizer)
	assert.Equal(t, "alice@example.com", out.Organizer)
	assert.Equal(t, alice.ID(), out.Attendees[0].UserID)
	assert.Equal(t, guest.ID(), out.Attendees[1].ContactID)
	assert.Equal(t, "guest@example.org", out.Attendees[1].Email)
	assert.Equal(t, uuid.Nil, content.Attendees[0].UserID)
}
