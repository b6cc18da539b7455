package caldav

import (
	"strings"
	"testing"
	"time"

	"github.com/emersion/go-ical"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

func ics(lines ...string) string {
	return strings.Join(lines, "\r\n") + "\r\n"
}

func decodeICS(t *testing.T, data string) *RemoteObject {
	t.Helper()
	cal, err := Unmarshal([]byte(data))
	require.NoError(t, err)
	obj, err := Decode("/cal/obj.ics", cal)
	require.NoError(t, err)
	return obj
}

func roundTrip(t *testing.T, obj *RemoteObject) *RemoteObject {
	t.Helper()
	cal, err := Encode(obj, time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	data, err := Marshal(cal)
	require.NoError(t, err)
	return decodeICS(t, string(data))
}

var meetingICS = ics(
	"BEGIN:VCALENDAR",
	"VERSION:2.0",
	"PRODID:-//test//EN",
	"BEGIN:VEVENT",
	"UID:meeting-1",
	"DTSTAMP:20260301T080000Z",
	"LAST-MODIFIED:20260301T080000Z",
	"SEQUENCE:3",
	"DTSTART;TZID=Europe/Berlin:20260305T100000",
	"DTEND;TZID=Europe/Berlin:20260305T110000",
	"SUMMARY:Planning",
	"DESCRIPTION:Quarterly planning",
	"LOCATION:Room 4",
	"STATUS:TENTATIVE",
	"TRANSP:TRANSPARENT",
	"CATEGORIES:work,planning",
	"ORGANIZER;CN=Alice:mailto:Alice@Example.com",
	"ATTENDEE;CN=Bob;PARTSTAT=ACCEPTED:mailto:bob@example.com",
	"ATTENDEE;CN=Carol;PARTSTAT=NEEDS-ACTION:mailto:carol@example.com",
	"BEGIN:VALARM",
	"ACTION:DISPLAY",
	"TRIGGER:-PT15M",
	"DESCRIPTION:Planning",
	"END:VALARM",
	"END:VEVENT",
	"END:VCALENDAR",
)

func TestDecode_Fields(t *testing.T) {
	obj := decodeICS(t, meetingICS)

	require.NotNil(t, obj.Master)
	assert.Equal(t, "meeting-1", obj.UID)
	assert.False(t, obj.IsRecurring())

	c := obj.Master.Content
	assert.Equal(t, "Planning", c.Title)
	assert.Equal(t, "Quarterly planning", c.Description)
	assert.Equal(t, "Room 4", c.Location)
	assert.Equal(t, domain.StatusTentative, c.Status)
	assert.Equal(t, domain.ShowAsFree, c.ShowAs)
	assert.ElementsMatch(t, []string{"work", "planning"}, c.Categories)
	assert.Equal(t, "alice@example.com", c.Organizer)
	require.Len(t, c.Attendees, 2)
	assert.Equal(t, "Europe/Berlin", c.TimeZone)
	assert.Equal(t, time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC), c.Start)
	assert.Equal(t, time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC), c.End)
	require.Len(t, c.Alarms, 1)
	assert.Equal(t, -15*time.Minute, c.Alarms[0].Trigger)

	assert.Equal(t, 3, obj.Master.Sequence)
	assert.Equal(t, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC), obj.LastModified())
	assert.Equal(t, domain.ContentHash(c), obj.Master.Hash)
}

func TestDecode_VolatileFieldsDoNotChangeHash(t *testing.T) {
	first := decodeICS(t, meetingICS)

	edited := strings.NewReplacer(
		"SEQUENCE:3", "SEQUENCE:9",
		"LAST-MODIFIED:20260301T080000Z", "LAST-MODIFIED:20260310T120000Z",
		"DTSTAMP:20260301T080000Z", "DTSTAMP:20260310T120000Z",
	).Replace(meetingICS)
	second := decodeICS(t, edited)

	assert.Equal(t, first.Master.Hash, second.Master.Hash)
}

func TestDecode_AttendeeOrderDoesNotChangeHash(t *testing.T) {
	first := decodeICS(t, meetingICS)

	swapped := strings.NewReplacer(
		"ATTENDEE;CN=Bob;PARTSTAT=ACCEPTED:mailto:bob@example.com", "ATTENDEE;CN=Carol;PARTSTAT=NEEDS-ACTION:mailto:carol@example.com",
		"ATTENDEE;CN=Carol;PARTSTAT=NEEDS-ACTION:mailto:carol@example.com", "ATTENDEE;CN=Bob;PARTSTAT=ACCEPTED:mailto:bob@example.com",
	).Replace(meetingICS)
	second := decodeICS(t, swapped)

	assert.Equal(t, first.Master.Hash, second.Master.Hash)
}

func TestEncode_RoundTripKeepsHashAndZone(t *testing.T) {
	obj := decodeICS(t, meetingICS)
	again := roundTrip(t, obj)

	assert.Equal(t, obj.Master.Hash, again.Master.Hash)
	assert.Equal(t, "Europe/Berlin", again.Master.Content.TimeZone)

	cal, err := Encode(obj, time.Now())
	require.NoError(t, err)
	start := cal.Children[0].Props.Get(ical.PropDateTimeStart)
	require.NotNil(t, start)
	assert.Equal(t, "Europe/Berlin", start.Params.Get(ical.ParamTimezoneID))
	assert.Equal(t, "20260305T100000", start.Value)
}

func TestDecode_AllDayEndIsInclusive(t *testing.T) {
	obj := decodeICS(t, ics(
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:holiday",
		"DTSTAMP:20260301T080000Z",
		"DTSTART;VALUE=DATE:20260406",
		"DTEND;VALUE=DATE:20260408",
		"SUMMARY:Easter break",
		"END:VEVENT",
		"END:VCALENDAR",
	))

	c := obj.Master.Content
	assert.True(t, c.AllDay)
	assert.Equal(t, time.Date(2026, 4, 6, 0, 0, 0, 0, time.UTC), c.Start)
	assert.Equal(t, time.Date(2026, 4, 7, 0, 0, 0, 0, time.UTC), c.End)

	cal, err := Encode(obj, time.Now())
	require.NoError(t, err)
	end := cal.Children[0].Props.Get(ical.PropDateTimeEnd)
	require.NotNil(t, end)
	assert.Equal(t, "20260408", end.Value)
	assert.Equal(t, "DATE", end.Params.Get(ical.ParamValue))
}

func TestDecode_SingleDayAllDayWithoutEnd(t *testing.T) {
	obj := decodeICS(t, ics(
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:day",
		"DTSTAMP:20260301T080000Z",
		"DTSTART;VALUE=DATE:20260406",
		"SUMMARY:Day off",
		"END:VEVENT",
		"END:VCALENDAR",
	))
	assert.Equal(t, obj.Master.Content.Start, obj.Master.Content.End)
}

func TestDecode_DurationInsteadOfEnd(t *testing.T) {
	obj := decodeICS(t, ics(
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:call",
		"DTSTAMP:20260301T080000Z",
		"DTSTART:20260305T090000Z",
		"DURATION:PT1H30M",
		"SUMMARY:Call",
		"END:VEVENT",
		"END:VCALENDAR",
	))
	assert.Equal(t, 90*time.Minute, obj.Master.Content.Duration())
	assert.Equal(t, "UTC", obj.Master.Content.TimeZone)
}

var seriesICS = ics(
	"BEGIN:VCALENDAR",
	"VERSION:2.0",
	"PRODID:-//test//EN",
	"BEGIN:VEVENT",
	"UID:standup",
	"DTSTAMP:20260301T080000Z",
	"LAST-MODIFIED:20260301T080000Z",
	"DTSTART;TZID=Europe/Berlin:20260302T090000",
	"DTEND;TZID=Europe/Berlin:20260302T091500",
	"RRULE:FREQ=DAILY;COUNT=10;INTERVAL=1",
	"EXDATE;TZID=Europe/Berlin:20260304T090000",
	"SUMMARY:Standup",
	"END:VEVENT",
	"BEGIN:VEVENT",
	"UID:standup",
	"DTSTAMP:20260301T080000Z",
	"LAST-MODIFIED:20260303T080000Z",
	"RECURRENCE-ID;TZID=Europe/Berlin:20260306T090000",
	"DTSTART;TZID=Europe/Berlin:20260306T100000",
	"DTEND;TZID=Europe/Berlin:20260306T101500",
	"SUMMARY:Standup (moved)",
	"END:VEVENT",
	"END:VCALENDAR",
)

func TestDecode_RecurringWithOverride(t *testing.T) {
	obj := decodeICS(t, seriesICS)

	require.True(t, obj.IsRecurring())
	assert.Equal(t, "FREQ=DAILY;COUNT=10", obj.Master.Rule)
	assert.Equal(t, []string{"20260304T090000"}, obj.Master.ExDates)

	require.Len(t, obj.Overrides, 1)
	ov := obj.Override("20260306T090000")
	require.NotNil(t, ov)
	assert.Equal(t, "Standup (moved)", ov.Content.Title)
	assert.Equal(t, []string{"20260304T090000", "20260306T090000"}, obj.EffectiveExDates())
	assert.Equal(t, time.Date(2026, 3, 3, 8, 0, 0, 0, time.UTC), obj.LastModified())
	assert.NotEmpty(t, obj.SeriesHash())
}

func TestEncode_RecurringRoundTrip(t *testing.T) {
	obj := decodeICS(t, seriesICS)
	// The overridden instance is also listed as an exception internally.
	obj.Master.ExDates = obj.EffectiveExDates()

	cal, err := Encode(obj, time.Now())
	require.NoError(t, err)
	require.Len(t, cal.Children, 2)
	exdates := cal.Children[0].Props[ical.PropExceptionDates]
	require.Len(t, exdates, 1)
	assert.Equal(t, "20260304T090000", exdates[0].Value)

	again := roundTrip(t, obj)
	assert.Equal(t, obj.SeriesHash(), again.SeriesHash())
	assert.Equal(t, obj.Overrides[0].Hash, again.Overrides[0].Hash)
}

func TestEncode_AllDayUntilIsDate(t *testing.T) {
	obj := &RemoteObject{
		UID: "birthday",
		Master: &RemoteEvent{
			UID:  "birthday",
			Rule: "FREQ=YEARLY;UNTIL=20300101T000000Z",
			Content: domain.Content{
				Title:  "Birthday",
				Start:  time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
				End:    time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC),
				AllDay: true,
			},
		},
	}
	cal, err := Encode(obj, time.Now())
	require.NoError(t, err)
	rule := cal.Children[0].Props.Get(ical.PropRecurrenceRule)
	require.NotNil(t, rule)
	assert.Equal(t, "FREQ=YEARLY;UNTIL=20300101", rule.Value)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{
			name: "missing start",
			data: ics("BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//test//EN",
				"BEGIN:VEVENT", "UID:x", "DTSTAMP:20260301T080000Z", "SUMMARY:No start", "END:VEVENT",
				"END:VCALENDAR"),
		},
		{
			name: "missing uid",
			data: ics("BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//test//EN",
				"BEGIN:VEVENT", "DTSTAMP:20260301T080000Z", "DTSTART:20260301T080000Z", "END:VEVENT",
				"END:VCALENDAR"),
		},
		{
			name: "bad rule",
			data: ics("BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//test//EN",
				"BEGIN:VEVENT", "UID:x", "DTSTAMP:20260301T080000Z", "DTSTART:20260301T080000Z",
				"RRULE:FREQ=SOMETIMES", "END:VEVENT",
				"END:VCALENDAR"),
		},
		{
			name: "no events",
			data: ics("BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//test//EN",
				"BEGIN:VTODO", "UID:x", "DTSTAMP:20260301T080000Z", "END:VTODO",
				"END:VCALENDAR"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cal, err := Unmarshal([]byte(tt.data))
			require.NoError(t, err)
			_, err = Decode("/cal/broken.ics", cal)
			require.Error(t, err)
			assert.True(t, domain.IsDecodeError(err))
		})
	}
}

func TestDecode_InvalidDurationIsDecodeError(t *testing.T) {
	for _, wire := range []string{"PT", "15M", "PT15", "P1H"} {
		t.Run(wire, func(t *testing.T) {
			cal, err := Unmarshal([]byte(ics("BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//test//EN",
				"BEGIN:VEVENT", "UID:x", "DTSTAMP:20260301T080000Z", "DTSTART:20260301T080000Z",
				"DURATION:"+wire, "END:VEVENT",
				"END:VCALENDAR")))
			require.NoError(t, err)
			_, err = Decode("/cal/broken.ics", cal)
			require.Error(t, err)
			assert.True(t, domain.IsDecodeError(err))
		})
	}
}

func TestEncode_AlarmTriggersRoundTrip(t *testing.T) {
	start := time.Date(2026, 3, 5, 9, 0, 0, 0, time.UTC)
	triggers := []time.Duration{-15 * time.Minute, -26 * time.Hour, -7 * 24 * time.Hour, 0, 10 * time.Minute}

	content := domain.Content{Title: "Review", Start: start, End: start.Add(time.Hour), TimeZone: "UTC"}
	for _, d := range triggers {
		content.Alarms = append(content.Alarms, domain.Alarm{Trigger: d, Action: "DISPLAY"})
	}
	obj := &RemoteObject{UID: "review", Master: &RemoteEvent{UID: "review", Content: content}}

	again := roundTrip(t, obj)
	got := make([]time.Duration, 0, len(again.Master.Content.Alarms))
	for _, a := range again.Master.Content.Alarms {
		got = append(got, a.Trigger)
	}
	assert.ElementsMatch(t, triggers, got)
}

func TestDecode_UnknownZoneReadsAsUTCWallTime(t *testing.T) {
	obj := decodeICS(t, ics(
		"BEGIN:VCALENDAR",
		"VERSION:2.0",
		"PRODID:-//test//EN",
		"BEGIN:VEVENT",
		"UID:custom-zone",
		"DTSTAMP:20260301T080000Z",
		"DTSTART;TZID=Custom Zone:20260305T100000",
		"DTEND;TZID=Custom Zone:20260305T110000",
		"SUMMARY:Custom",
		"END:VEVENT",
		"END:VCALENDAR",
	))
	c := obj.Master.Content
	assert.Equal(t, "Custom Zone", c.TimeZone)
	assert.Equal(t, time.Date(2026, 3, 5, 10, 0, 0, 0, time.UTC), c.Start)
}

func TestObjectPath(t *testing.T) {
	assert.Equal(t, "/cal/work/abc-123.ics", ObjectPath("/cal/work/", "abc-123"))
	assert.Equal(t, "/cal/work/a_b_c.ics", ObjectPath("/cal/work", "a/b c"))
}
