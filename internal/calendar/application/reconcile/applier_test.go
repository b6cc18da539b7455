package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/calsync/internal/calendar/application/identity"
	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/felixgeelhaar/calsync/internal/calendar/infrastructure/persistence"
	"github.com/felixgeelhaar/calsync/internal/shared/infrastructure/database"
)

var errDiskFull = errors.New("disk full")

// rejectingEvents fails every save of one event.
type rejectingEvents struct {
	domain.EventRepository
	reject uuid.UUID
}

func (r rejectingEvents) Save(ctx context.Context, e *domain.Event) error {
	if e.ID() == r.reject {
		return errDiskFull
	}
	return r.EventRepository.Save(ctx, e)
}

func (h *harness) passContext(userID uuid.UUID) *PassContext {
	return &PassContext{
		UserID:     userID,
		Calendars:  NewCalendarIndex(nil, ""),
		Identities: identity.NewResolver(h.users, persistence.NewContactRepository(h.conn), nil).Session(),
	}
}

func TestLocalApplier_RollbackRestoresEvent(t *testing.T) {
	h := newHarness(t, Config{})
	alice, _ := h.addUser("alice")

	start := time.Now().UTC().Truncate(time.Hour).Add(24 * time.Hour)
	e, err := domain.NewEvent(alice.ID(), meeting("Review", start), domain.OriginSync)
	require.NoError(t, err)
	e.LinkRemote("shared-1", "")
	e.MarkSynced(alice.ID())
	h.saveEvent(e)
	hash := e.ContentHash()

	changed := meeting("Review (moved)", start.Add(time.Hour))
	changed.Attendees = []domain.Attendee{{Email: "guest@example.org", Name: "Guest"}}
	obj := remoteEvent("shared-1", changed)

	applier := NewLocalApplier(
		Stores{Events: rejectingEvents{EventRepository: h.repos.Events, reject: e.ID()}, Series: h.repos.Series},
		database.NewUnitOfWork(h.conn), h.manager)
	pc := h.passContext(alice.ID())

	results := applier.Apply(h.ctx, pc, []LocalOp{{
		Kind: domain.OpUpdate, Scope: ScopeEvent, Rule: "remote-changed",
		Event: e, Object: obj, Source: obj.Master,
	}})
	require.Len(t, results, 1)
	assert.True(t, results[0].Failed())
	assert.ErrorIs(t, results[0].Err, errDiskFull)
	assert.True(t, hasLine(pc.Lines(), domain.LogOpError, "shared-1"))

	assert.Equal(t, "Review", e.Title())
	assert.Equal(t, start, e.Content().Start)
	assert.Empty(t, e.Content().Attendees)
	assert.Equal(t, hash, e.ContentHash())
	assert.True(t, e.IsSynced())

	stored, err := h.repos.Events.FindByID(h.ctx, e.ID())
	require.NoError(t, err)
	assert.Equal(t, stored.Title(), e.Title())

	// The guest placeholder went away with the transaction, so the session
	// must not hand out its id again.
	guest, err := pc.Identities.Resolve(h.ctx, "guest@example.org", "Guest")
	require.NoError(t, err)
	require.NotEqual(t, uuid.Nil, guest.ContactID)
	contact, err := persistence.NewContactRepository(h.conn).FindByID(h.ctx, guest.ContactID)
	require.NoError(t, err)
	assert.NotNil(t, contact)
}

func TestRemoteApplier_RollbackLeavesEventUnlinked(t *testing.T) {
	h := newHarness(t, Config{})
	alice, server := h.addUser("alice")

	start := time.Now().UTC().Truncate(time.Hour).Add(24 * time.Hour)
	e, err := domain.NewEvent(alice.ID(), meeting("Planning", start), domain.OriginUser)
	require.NoError(t, err)
	h.saveEvent(e)

	applier := NewRemoteApplier(
		Stores{Events: rejectingEvents{EventRepository: h.repos.Events, reject: e.ID()}, Series: h.repos.Series},
		database.NewUnitOfWork(h.conn), h.manager)
	pc := h.passContext(alice.ID())

	results := applier.Apply(h.ctx, pc, server, []RemoteOp{{
		Kind: domain.OpCreate, Rule: "local-new", Event: e, CalendarURL: server.personal(),
	}})
	require.Len(t, results, 1)
	assert.False(t, results[0].Failed(), "the remote write went through")
	assert.Equal(t, 1, server.count())
	assert.True(t, hasLine(pc.Lines(), domain.LogOpError, results[0].UID))

	assert.Empty(t, e.RemoteUID())
	assert.False(t, e.IsSynced())
	_, ok := e.ViewerHash(alice.ID())
	assert.False(t, ok)
}
