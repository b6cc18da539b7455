package domain_test

import (
	"testing"
	"time"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecurrenceSeries(t *testing.T) {
	start := time.Date(2025, 1, 6, 8, 0, 0, 0, time.UTC)

	s, err := domain.NewRecurrenceSeries(uuid.New(), "RRULE:FREQ=WEEKLY", start, time.Hour, "Europe/Berlin", false, domain.OriginUser)
	require.NoError(t, err)
	assert.Equal(t, "FREQ=WEEKLY", s.Rule())
	assert.False(t, s.IsSynced())
	assert.Empty(t, s.ExDates())

	_, err = domain.NewRecurrenceSeries(uuid.New(), " ", start, time.Hour, "", false, domain.OriginUser)
	assert.ErrorIs(t, err, domain.ErrEmptyRule)
}

func TestRecurrenceSeries_ExDates(t *testing.T) {
	s, err := domain.NewRecurrenceSeries(uuid.New(), "FREQ=DAILY", time.Now(), time.Hour, "", false, domain.OriginUser)
	require.NoError(t, err)

	assert.True(t, s.AddExDate("20250103T090000Z"))
	assert.True(t, s.AddExDate("20250101T090000Z"))
	assert.False(t, s.AddExDate("20250101T090000Z"))
	assert.False(t, s.AddExDate(""))

	assert.Equal(t, []string{"20250101T090000Z", "20250103T090000Z"}, s.ExDates())
	assert.True(t, s.HasExDate("20250103t090000z"))

	s.SetExDates([]string{"b", "a", "a"})
	assert.Equal(t, []string{"A", "B"}, s.ExDates())
}

func TestRecurrenceSeries_Rehydrate(t *testing.T) {
	s, err := domain.NewRecurrenceSeries(uuid.New(), "FREQ=DAILY;COUNT=3", time.Now(), time.Hour, "UTC", false, domain.OriginSync)
	require.NoError(t, err)
	s.LinkRemote("uid-5")
	s.SetHead(uuid.New())
	s.MarkSynced("hash")

	r := domain.RehydrateRecurrenceSeries(s.State())
	assert.Equal(t, s.State(), r.State())
}

func TestInstanceID(t *testing.T) {
	berlin, err := time.LoadLocation("Europe/Berlin")
	require.NoError(t, err)
	start := time.Date(2025, 7, 1, 9, 30, 0, 0, berlin)

	tests := []struct {
		name   string
		tz     string
		allDay bool
		want   string
	}{
		{"zoned", "Europe/Berlin", false, "20250701T093000"},
		{"utc", "", false, "20250701T073000Z"},
		{"all day", "Europe/Berlin", true, "20250701"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := domain.InstanceID(start, tt.tz, tt.allDay)
			assert.Equal(t, tt.want, id)

			back, err := domain.ParseInstanceID(id, tt.tz, tt.allDay)
			require.NoError(t, err)
			if tt.allDay {
				assert.Equal(t, time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC), back)
			} else {
				assert.True(t, start.Equal(back))
			}
		})
	}
}

func TestParseInstanceID_Invalid(t *testing.T) {
	_, err := domain.ParseInstanceID("garbage", "", false)
	assert.Error(t, err)
}
