package recurrence

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

func tenDaySeries(t *testing.T) (*Arena, []*domain.Event) {
	t.Helper()
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m := fixedManager(start, DefaultLimits())
	arena, created, err := m.CreateSeries(uuid.New(), standup(start), "FREQ=DAILY;COUNT=10", domain.OriginSync)
	require.NoError(t, err)
	arena.Series.LinkRemote("series-uid")
	for _, e := range created {
		e.LinkRemote("series-uid", e.RecurrenceID())
		e.MarkSynced(arena.Series.OwnerID())
	}
	return arena, created
}

func TestArena_RemoveHeadReelects(t *testing.T) {
	arena, created := tenDaySeries(t)

	removed := arena.Remove(created[0].ID(), true)
	require.NotNil(t, removed)
	assert.Equal(t, created[1].ID(), arena.Series.HeadID())
	assert.True(t, arena.Series.HasExDate(created[0].RecurrenceID()))
	assert.Nil(t, arena.ByInstance(created[0].RecurrenceID()))
	assert.Equal(t, 9, arena.Len())
}

func TestArena_RemoveWithoutException(t *testing.T) {
	arena, created := tenDaySeries(t)

	arena.Remove(created[5].ID(), false)
	assert.Empty(t, arena.Series.ExDates())
	assert.Equal(t, created[0].ID(), arena.Series.HeadID())
}

func TestArena_Detach(t *testing.T) {
	arena, created := tenDaySeries(t)

	detached, err := arena.Detach(created[0].ID())
	require.NoError(t, err)
	assert.False(t, detached.InSeries())
	assert.Equal(t, "series-uid", detached.RemoteUID())
	assert.Equal(t, "20260302T090000Z", detached.RecurrenceID())
	assert.True(t, arena.Series.HasExDate("20260302T090000Z"))
	assert.Equal(t, created[1].ID(), arena.Series.HeadID())

	_, err = arena.Detach(created[0].ID())
	assert.ErrorIs(t, err, domain.ErrEventNotFound)
}

func TestArena_DetachUnpushedDropsInstance(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m := fixedManager(start, DefaultLimits())
	arena, created, err := m.CreateSeries(uuid.New(), standup(start), "FREQ=DAILY;COUNT=3", domain.OriginUser)
	require.NoError(t, err)

	detached, err := arena.Detach(created[1].ID())
	require.NoError(t, err)
	assert.Empty(t, detached.RecurrenceID())
	assert.True(t, arena.Series.HasExDate("20260303T090000Z"))
}

func TestArena_ElectHeadSkipsPendingDelete(t *testing.T) {
	arena, created := tenDaySeries(t)

	require.True(t, created[0].MarkPendingDelete())
	assert.True(t, arena.ElectHead())
	assert.Equal(t, created[1].ID(), arena.Series.HeadID())
	assert.Len(t, arena.PendingDelete(), 1)
	assert.False(t, arena.AllPendingDelete())

	for _, e := range created {
		e.MarkPendingDelete()
	}
	assert.True(t, arena.AllPendingDelete())
	arena.ElectHead()
	assert.Equal(t, created[0].ID(), arena.Series.HeadID())
}

func TestArena_Unsynced(t *testing.T) {
	arena, created := tenDaySeries(t)
	arena.Series.MarkSynced("hash")
	assert.False(t, arena.Unsynced())

	edited := created[4].Content()
	edited.Title = "Moved"
	require.NoError(t, created[4].Update(edited, domain.OriginUser))
	assert.False(t, arena.Unsynced())

	head := created[0].Content()
	head.Title = "Renamed"
	require.NoError(t, created[0].Update(head, domain.OriginUser))
	assert.True(t, arena.Unsynced())
	assert.False(t, arena.LastWriteAt().Before(created[0].LastWriteAt()))
}

func TestNewArena_IgnoresForeignEvents(t *testing.T) {
	arena, created := tenDaySeries(t)
	other, err := domain.NewEvent(uuid.New(), standup(time.Now()), domain.OriginUser)
	require.NoError(t, err)

	rebuilt := NewArena(arena.Series, append(created, other))
	assert.Equal(t, 10, rebuilt.Len())
	assert.Equal(t, created[0].ID(), rebuilt.Head().ID())
}

func TestArena_SnapshotRestore(t *testing.T) {
	arena, created := tenDaySeries(t)
	restore := arena.Snapshot()

	_, err := arena.Detach(created[0].ID())
	require.NoError(t, err)
	created[3].MarkPendingDelete()
	arena.Series.AddExDate(created[5].RecurrenceID())

	restore()

	assert.Equal(t, 10, arena.Len())
	assert.Equal(t, created[0].ID(), arena.Series.HeadID())
	assert.Empty(t, arena.Series.ExDates())
	assert.True(t, created[0].InSeries())
	assert.Same(t, created[0], arena.ByInstance(created[0].RecurrenceID()))
	assert.False(t, created[3].IsPendingDelete())
	assert.True(t, created[3].IsSynced())
}
