package recurrence

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

func fixedManager(now time.Time, limits Limits) *Manager {
	return NewManager(limits, nil).WithClock(func() time.Time { return now })
}

func standup(start time.Time) domain.Content {
	return domain.Content{
		Title:    "Standup",
		Start:    start,
		End:      start.Add(15 * time.Minute),
		TimeZone: "UTC",
	}
}

func TestManager_ExpandCount(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m := fixedManager(start, DefaultLimits())

	series, err := domain.NewRecurrenceSeries(uuid.New(), "FREQ=DAILY;COUNT=10", start, time.Hour, "UTC", false, domain.OriginUser)
	require.NoError(t, err)
	series.AddExDate("20260304T090000Z")

	occ, truncated, err := m.Expand(series)
	require.NoError(t, err)
	assert.False(t, truncated)
	require.Len(t, occ, 9)
	assert.Equal(t, "20260302T090000Z", occ[0].InstanceID)
	assert.Equal(t, "20260303T090000Z", occ[1].InstanceID)
	assert.Equal(t, "20260305T090000Z", occ[2].InstanceID)
	assert.Equal(t, start.Add(time.Hour), occ[0].End)
}

func TestManager_ExpandHorizonIncludesHistory(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := start.Add(10 * day)
	m := fixedManager(now, Limits{Daily: 30 * day})

	series, err := domain.NewRecurrenceSeries(uuid.New(), "FREQ=DAILY", start, time.Hour, "", false, domain.OriginUser)
	require.NoError(t, err)

	occ, _, err := m.Expand(series)
	require.NoError(t, err)
	require.Len(t, occ, 41)
	assert.True(t, occ[0].Start.Equal(start))
	assert.True(t, occ[40].Start.Equal(now.Add(30*day)))
}

func TestManager_ExpandFutureSeriesAnchorsOnStart(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	start := time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)
	m := fixedManager(now, Limits{Weekly: 28 * day})

	series, err := domain.NewRecurrenceSeries(uuid.New(), "FREQ=WEEKLY", start, time.Hour, "", false, domain.OriginUser)
	require.NoError(t, err)

	occ, _, err := m.Expand(series)
	require.NoError(t, err)
	assert.Len(t, occ, 5)
}

func TestManager_ExpandCap(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	m := fixedManager(start, Limits{MaxOccurrences: 5})

	series, err := domain.NewRecurrenceSeries(uuid.New(), "FREQ=DAILY", start, time.Hour, "", false, domain.OriginUser)
	require.NoError(t, err)

	occ, truncated, err := m.Expand(series)
	require.NoError(t, err)
	assert.True(t, truncated)
	assert.Len(t, occ, 5)
}

func TestManager_ExpandCapKeepsTodayForLongRunningSeries(t *testing.T) {
	start := time.Date(2019, 1, 7, 9, 0, 0, 0, time.UTC)
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	m := fixedManager(now, DefaultLimits())

	series, err := domain.NewRecurrenceSeries(uuid.New(), "FREQ=DAILY", start, time.Hour, "", false, domain.OriginUser)
	require.NoError(t, err)

	occ, truncated, err := m.Expand(series)
	require.NoError(t, err)
	assert.True(t, truncated)
	require.Len(t, occ, 2000)

	ids := make(map[string]bool, len(occ))
	for _, o := range occ {
		ids[o.InstanceID] = true
	}
	assert.True(t, ids["20261019T090000Z"], "today is materialized")
	assert.True(t, ids["20261018T090000Z"], "recent history is materialized")
	assert.False(t, ids["20190107T090000Z"], "oldest history is dropped")
	for i := 1; i < len(occ); i++ {
		assert.True(t, occ[i].Start.After(occ[i-1].Start))
	}
	assert.True(t, occ[len(occ)-1].Start.Before(now.Add(731*day)))
}

func TestManager_ExpandCapPrefersUpcoming(t *testing.T) {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	now := start.Add(10 * day)
	m := fixedManager(now, Limits{Daily: 30 * day, MaxOccurrences: 35})

	series, err := domain.NewRecurrenceSeries(uuid.New(), "FREQ=DAILY", start, time.Hour, "", false, domain.OriginUser)
	require.NoError(t, err)

	occ, truncated, err := m.Expand(series)
	require.NoError(t, err)
	assert.True(t, truncated)
	require.Len(t, occ, 35)
	assert.True(t, occ[0].Start.Equal(start.Add(6*day)))
	assert.True(t, occ[34].Start.Equal(now.Add(30*day)))
}

func TestManager_ExpandKeepsWallClockAcrossDST(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	start := time.Date(2026, 3, 23, 9, 0, 0, 0, berlin)
	m := fixedManager(start, DefaultLimits())

	series, err := domain.NewRecurrenceSeries(uuid.New(), "FREQ=WEEKLY;COUNT=2", start, time.Hour, "Europe/Berlin", false, domain.OriginUser)
	require.NoError(t, err)

	occ, _, err := m.Expand(series)
	require.NoError(t, err)
	require.Len(t, occ, 2)
	assert.Equal(t, "20260323T090000", occ[0].InstanceID)
	assert.Equal(t, "20260330T090000", occ[1].InstanceID)
	assert.Equal(t, 8, occ[0].Start.Hour())
	assert.Equal(t, 7, occ[1].Start.Hour())
}

func TestManager_ExpandAllDay(t *testing.T) {
	start := time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC)
	m := fixedManager(start, DefaultLimits())

	series, err := domain.NewRecurrenceSeries(uuid.New(), "FREQ=YEARLY;COUNT=3", start, 0, "", true, domain.OriginUser)
	require.NoError(t, err)

	occ, _, err := m.Expand(series)
	require.NoError(t, err)
	require.Len(t, occ, 3)
	assert.Equal(t, []string{"20260504", "20270504", "20280504"},
		[]string{occ[0].InstanceID, occ[1].InstanceID, occ[2].InstanceID})
}

func TestManager_CreateSeries(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m := fixedManager(start, DefaultLimits())
	owner := uuid.New()

	arena, created, err := m.CreateSeries(owner, standup(start), "RRULE:FREQ=DAILY;COUNT=10", domain.OriginUser)
	require.NoError(t, err)
	require.Len(t, created, 10)
	assert.Equal(t, 10, arena.Len())
	assert.Equal(t, "FREQ=DAILY;COUNT=10", arena.Series.Rule())
	assert.Equal(t, 15*time.Minute, arena.Series.Duration())

	head := arena.Head()
	require.NotNil(t, head)
	assert.Equal(t, created[0].ID(), head.ID())
	assert.Equal(t, "20260302T090000Z", head.RecurrenceID())

	for _, e := range created {
		assert.Equal(t, arena.Series.ID(), e.SeriesID())
		assert.Equal(t, owner, e.OwnerID())
		assert.Equal(t, "Standup", e.Title())
		assert.Equal(t, 15*time.Minute, e.Content().Duration())
		assert.False(t, e.IsSynced())
	}

	master, ok := arena.MasterContent()
	require.True(t, ok)
	assert.True(t, master.Start.Equal(start))
}

func TestManager_RefreshAfterRuleChange(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m := fixedManager(start, DefaultLimits())

	arena, created, err := m.CreateSeries(uuid.New(), standup(start), "FREQ=DAILY;COUNT=10", domain.OriginSync)
	require.NoError(t, err)

	edited := created[2].Content()
	edited.Location = "Kitchen"
	require.NoError(t, created[2].Update(edited, domain.OriginUser))

	require.NoError(t, arena.Series.SetRule("FREQ=DAILY;COUNT=5", start, 15*time.Minute, "UTC", false, domain.OriginSync))
	master := standup(start)
	master.Title = "Daily sync"

	result, err := m.Refresh(arena, master, domain.OriginSync)
	require.NoError(t, err)
	assert.Len(t, result.Pruned, 5)
	assert.Empty(t, result.Created)
	assert.Len(t, result.Updated, 4)
	assert.Equal(t, 5, arena.Len())
	assert.Empty(t, arena.Series.ExDates())

	assert.Equal(t, "Standup", created[2].Title())
	assert.Equal(t, "Daily sync", created[0].Title())
}

func TestManager_RefreshMaterializesNewInstances(t *testing.T) {
	start := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	m := fixedManager(start, DefaultLimits())

	arena, _, err := m.CreateSeries(uuid.New(), standup(start), "FREQ=DAILY;COUNT=3", domain.OriginSync)
	require.NoError(t, err)

	require.NoError(t, arena.Series.SetRule("FREQ=DAILY;COUNT=5", start, 15*time.Minute, "UTC", false, domain.OriginSync))
	result, err := m.Refresh(arena, standup(start), domain.OriginSync)
	require.NoError(t, err)
	assert.Len(t, result.Created, 2)
	assert.Empty(t, result.Updated)
	assert.Empty(t, result.Pruned)
	assert.Equal(t, 5, arena.Len())
}
