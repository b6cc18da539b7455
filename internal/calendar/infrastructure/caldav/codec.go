package caldav

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/felixgeelhaar/calsync/internal/calendar/domain"
)

const (
	productID = "-//calsync//CalDAV Sync//EN"

	wireDate        = "20060102"
	wireDateTimeUTC = "20060102T150405Z"
)

var (
	errMissingUID   = errors.New("missing UID")
	errMissingStart = errors.New("missing DTSTART")
	errNoEvents     = errors.New("no VEVENT component")
)

// RemoteEvent is one decoded VEVENT: a standalone event, the master of a
// recurring series, or an override of one instance of a series.
type RemoteEvent struct {
	UID          string
	RecurrenceID string // instance id, set on overrides only
	Content      domain.Content
	Hash         string
	Rule         string   // normalized RRULE, master only
	ExDates      []string // instance ids from EXDATE, master only
	LastModified time.Time
	Sequence     int
}

// IsOverride reports whether the event overrides one instance of a series.
func (e *RemoteEvent) IsOverride() bool { return e.RecurrenceID != "" }

// RemoteObject is one calendar object resource: every VEVENT sharing a UID.
type RemoteObject struct {
	Href        string
	ETag        string
	CalendarURL string
	UID         string
	Master      *RemoteEvent
	Overrides   []*RemoteEvent
}

// IsRecurring reports whether the object carries a recurrence rule.
func (o *RemoteObject) IsRecurring() bool {
	return o.Master != nil && o.Master.Rule != ""
}

// EffectiveExDates returns the instances the master rule must not
// generate: its EXDATE list plus every overridden instance.
func (o *RemoteObject) EffectiveExDates() []string {
	var ids []string
	if o.Master != nil {
		ids = append(ids, o.Master.ExDates...)
	}
	for _, ov := range o.Overrides {
		ids = append(ids, ov.RecurrenceID)
	}
	return domain.NormalizeInstanceIDs(ids)
}

// SeriesHash digests the rule-wide part of a recurring object.
func (o *RemoteObject) SeriesHash() string {
	if !o.IsRecurring() {
		return ""
	}
	return domain.SeriesHash(o.Master.Content, o.Master.Rule, o.EffectiveExDates())
}

// LastModified returns the latest LAST-MODIFIED over all components.
func (o *RemoteObject) LastModified() time.Time {
	var last time.Time
	if o.Master != nil {
		last = o.Master.LastModified
	}
	for _, ov := range o.Overrides {
		if ov.LastModified.After(last) {
			last = ov.LastModified
		}
	}
	return last
}

// Override returns the override of instanceID.
func (o *RemoteObject) Override(instanceID string) *RemoteEvent {
	for _, ov := range o.Overrides {
		if ov.RecurrenceID == instanceID {
			return ov
		}
	}
	return nil
}

// Decode turns a calendar object into a RemoteObject. Volatile properties
// (DTSTAMP, LAST-MODIFIED, SEQUENCE) never reach the content or its hash.
func Decode(href string, cal *ical.Calendar) (*RemoteObject, error) {
	if cal == nil {
		return nil, &domain.DecodeError{Href: href, Err: errNoEvents}
	}

	var comps []*ical.Component
	for _, child := range cal.Children {
		if child.Name == ical.CompEvent {
			comps = append(comps, child)
		}
	}
	if len(comps) == 0 {
		return nil, &domain.DecodeError{Href: href, Err: errNoEvents}
	}

	obj := &RemoteObject{Href: href}
	var overrides []*ical.Component
	for _, comp := range comps {
		if comp.Props.Get(ical.PropRecurrenceID) != nil {
			overrides = append(overrides, comp)
			continue
		}
		if obj.Master != nil {
			return nil, &domain.DecodeError{Href: href, UID: obj.UID, Err: errors.New("more than one master VEVENT")}
		}
		ev, err := decodeEvent(comp, "", false)
		if err != nil {
			return nil, &domain.DecodeError{Href: href, UID: propValue(comp, ical.PropUID), Err: err}
		}
		obj.Master = ev
		obj.UID = ev.UID
	}

	// Instance ids follow the master's zone so both sides derive the same ids.
	tz, allDay := "", false
	if obj.Master != nil {
		tz, allDay = obj.Master.Content.TimeZone, obj.Master.Content.AllDay
	}
	for _, comp := range overrides {
		ev, err := decodeEvent(comp, tz, obj.Master == nil || allDay)
		if err != nil {
			return nil, &domain.DecodeError{Href: href, UID: propValue(comp, ical.PropUID), Err: err}
		}
		if obj.UID == "" {
			obj.UID = ev.UID
		}
		if ev.UID != obj.UID {
			return nil, &domain.DecodeError{Href: href, UID: obj.UID, Err: fmt.Errorf("override has foreign UID %q", ev.UID)}
		}
		obj.Overrides = append(obj.Overrides, ev)
	}
	sort.Slice(obj.Overrides, func(i, j int) bool {
		return obj.Overrides[i].RecurrenceID < obj.Overrides[j].RecurrenceID
	})
	return obj, nil
}

// decodeEvent decodes one VEVENT. For overrides, masterTZ and masterAllDay
// describe the series the RECURRENCE-ID refers to; an override without a
// master falls back to its own RECURRENCE-ID zone.
func decodeEvent(comp *ical.Component, masterTZ string, masterAllDay bool) (*RemoteEvent, error) {
	ev := &RemoteEvent{UID: strings.TrimSpace(propValue(comp, ical.PropUID))}
	if ev.UID == "" {
		return nil, errMissingUID
	}

	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		return nil, errMissingStart
	}
	start, tz, allDay, err := parseTime(startProp)
	if err != nil {
		return nil, fmt.Errorf("invalid DTSTART: %w", err)
	}

	c := &ev.Content
	c.Start, c.TimeZone, c.AllDay = start, tz, allDay
	c.End, err = decodeEnd(comp, start, allDay)
	if err != nil {
		return nil, err
	}

	for name, props := range comp.Props {
		fc, ok := fieldIndex[name]
		if !ok {
			continue
		}
		for i := range props {
			if err := fc.decode(&props[i], c); err != nil {
				return nil, fmt.Errorf("invalid %s: %w", name, err)
			}
		}
	}

	for _, child := range comp.Children {
		if child.Name != ical.CompAlarm {
			continue
		}
		if alarm, ok := decodeAlarm(child, start); ok {
			c.Alarms = append(c.Alarms, alarm)
		}
	}

	if p := comp.Props.Get(ical.PropLastModified); p != nil {
		if t, _, _, err := parseTime(p); err == nil {
			ev.LastModified = t
		}
	}
	if p := comp.Props.Get(ical.PropSequence); p != nil {
		ev.Sequence, _ = p.Int()
	}

	if p := comp.Props.Get(ical.PropRecurrenceID); p != nil {
		t, ridTZ, ridAllDay, err := parseTime(p)
		if err != nil {
			return nil, fmt.Errorf("invalid RECURRENCE-ID: %w", err)
		}
		zone := masterTZ
		if zone == "" {
			zone = ridTZ
		}
		ev.RecurrenceID = domain.InstanceID(t, zone, masterAllDay && ridAllDay)
	} else {
		if p := comp.Props.Get(ical.PropRecurrenceRule); p != nil {
			ev.Rule, err = domain.NormalizeRule(p.Value)
			if err != nil {
				return nil, err
			}
		}
		for _, p := range comp.Props[ical.PropExceptionDates] {
			ids, err := parseExDates(&p, start, tz, allDay)
			if err != nil {
				return nil, fmt.Errorf("invalid EXDATE: %w", err)
			}
			ev.ExDates = append(ev.ExDates, ids...)
		}
		ev.ExDates = domain.NormalizeInstanceIDs(ev.ExDates)
	}

	ev.Content = ev.Content.Normalize()
	if err := ev.Content.Validate(); err != nil {
		return nil, err
	}
	ev.Hash = domain.ContentHash(ev.Content)
	return ev, nil
}

// decodeEnd returns the inclusive internal end. All-day DTEND is exclusive
// on the wire.
func decodeEnd(comp *ical.Component, start time.Time, allDay bool) (time.Time, error) {
	if p := comp.Props.Get(ical.PropDateTimeEnd); p != nil {
		end, _, _, err := parseTime(p)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid DTEND: %w", err)
		}
		if allDay {
			end = end.AddDate(0, 0, -1)
		}
		if end.Before(start) {
			end = start
		}
		return end, nil
	}
	if p := comp.Props.Get(ical.PropDuration); p != nil {
		d, err := p.Duration()
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid DURATION: %w", err)
		}
		end := start.Add(d)
		if allDay && d >= 24*time.Hour {
			end = end.AddDate(0, 0, -1)
		}
		return end, nil
	}
	return start, nil
}

func decodeAlarm(comp *ical.Component, start time.Time) (domain.Alarm, bool) {
	p := comp.Props.Get(ical.PropTrigger)
	if p == nil {
		return domain.Alarm{}, false
	}
	action := strings.ToUpper(strings.TrimSpace(propValue(comp, ical.PropAction)))
	if action == "" {
		action = "DISPLAY"
	}
	if strings.EqualFold(p.Params.Get(ical.ParamValue), "DATE-TIME") {
		t, _, _, err := parseTime(p)
		if err != nil {
			return domain.Alarm{}, false
		}
		return domain.Alarm{Trigger: t.Sub(start), Action: action}, true
	}
	d, err := p.Duration()
	if err != nil {
		return domain.Alarm{}, false
	}
	return domain.Alarm{Trigger: d, Action: action}, true
}

// parseTime reads a DATE or DATE-TIME property. It returns the instant in
// UTC, the zone it was written in ("UTC" for Z values, "" for floating) and
// whether the value is a date.
func parseTime(p *ical.Prop) (time.Time, string, bool, error) {
	return readTime(p.Name, p.Params, strings.TrimSpace(p.Value))
}

// readTime parses one value of a date property. An unknown TZID keeps its
// name and reads as UTC wall time, like every other zone lookup.
func readTime(name string, params ical.Params, v string) (time.Time, string, bool, error) {
	q := ical.NewProp(name)
	q.Value = v
	q.SetValueType(ical.ValueType(strings.ToUpper(params.Get(ical.ParamValue))))

	isDate := q.ValueType() == ical.ValueDate
	tzid := params.Get(ical.ParamTimezoneID)
	loc := time.UTC
	if !isDate {
		loc = domain.LoadLocation(tzid)
	}
	t, err := q.DateTime(loc)
	if err != nil {
		return time.Time{}, "", false, err
	}
	switch {
	case isDate:
		return t, "", true, nil
	case strings.HasSuffix(v, "Z"):
		return t, "UTC", false, nil
	}
	return t.UTC(), tzid, false, nil
}

func parseExDates(p *ical.Prop, start time.Time, tz string, allDay bool) ([]string, error) {
	loc := domain.LoadLocation(tz)
	var ids []string
	for _, v := range strings.Split(p.Value, ",") {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		t, _, isDate, err := readTime(p.Name, p.Params, v)
		if err != nil {
			return nil, err
		}
		if isDate && !allDay {
			// A date exception on a timed series removes that day's instance.
			wall := start.In(loc)
			t = time.Date(t.Year(), t.Month(), t.Day(), wall.Hour(), wall.Minute(), wall.Second(), 0, loc)
		}
		ids = append(ids, domain.InstanceID(t, tz, allDay))
	}
	return ids, nil
}

func propValue(comp *ical.Component, name string) string {
	if p := comp.Props.Get(name); p != nil {
		return p.Value
	}
	return ""
}

// Encode builds the calendar object for obj. The master carries the rule
// and the exception dates that are not overridden; each override is written
// as its own VEVENT with RECURRENCE-ID.
func Encode(obj *RemoteObject, now time.Time) (*ical.Calendar, error) {
	if obj.UID == "" {
		return nil, errMissingUID
	}
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	tz, allDay := "", false
	if obj.Master != nil {
		tz, allDay = obj.Master.Content.TimeZone, obj.Master.Content.AllDay
		overridden := make(map[string]bool, len(obj.Overrides))
		for _, ov := range obj.Overrides {
			overridden[ov.RecurrenceID] = true
		}
		comp := encodeEvent(obj.UID, obj.Master.Content, now)
		if obj.Master.Rule != "" {
			encodeRule(comp, obj.Master.Rule, allDay)
			var exdates []string
			for _, id := range obj.Master.ExDates {
				if !overridden[id] {
					exdates = append(exdates, id)
				}
			}
			if err := encodeExDates(comp, exdates, tz, allDay); err != nil {
				return nil, err
			}
		}
		cal.Children = append(cal.Children, comp)
	}

	for _, ov := range obj.Overrides {
		comp := encodeEvent(obj.UID, ov.Content, now)
		zone, date := tz, allDay
		if obj.Master == nil {
			zone, date = ov.Content.TimeZone, ov.Content.AllDay
		}
		p, err := instanceProp(ical.PropRecurrenceID, ov.RecurrenceID, zone, date)
		if err != nil {
			return nil, err
		}
		comp.Props.Set(p)
		cal.Children = append(cal.Children, comp)
	}
	return cal, nil
}

func encodeEvent(uid string, c domain.Content, now time.Time) *ical.Component {
	c = c.Normalize()
	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, uid)
	ev.Props.SetDateTime(ical.PropDateTimeStamp, now.UTC())
	ev.Props.SetDateTime(ical.PropLastModified, now.UTC())

	ev.Props.Set(timeProp(ical.PropDateTimeStart, c.Start, c.TimeZone, c.AllDay))
	end := c.End
	if c.AllDay {
		end = end.AddDate(0, 0, 1)
	}
	ev.Props.Set(timeProp(ical.PropDateTimeEnd, end, c.TimeZone, c.AllDay))

	for i := range fieldTable {
		fieldTable[i].encode(c, ev.Props)
	}

	for _, a := range c.Alarms {
		alarm := ical.NewComponent(ical.CompAlarm)
		action := strings.ToUpper(a.Action)
		if action == "" {
			action = "DISPLAY"
		}
		alarm.Props.SetText(ical.PropAction, action)
		trigger := ical.NewProp(ical.PropTrigger)
		trigger.SetDuration(a.Trigger)
		alarm.Props.Set(trigger)
		if action == "DISPLAY" {
			alarm.Props.SetText(ical.PropDescription, c.Title)
		}
		ev.Children = append(ev.Children, alarm)
	}
	return ev.Component
}

// timeProp writes t as a DATE, a UTC DATE-TIME or a zoned DATE-TIME.
func timeProp(name string, t time.Time, tz string, allDay bool) *ical.Prop {
	p := ical.NewProp(name)
	if allDay {
		p.SetDate(t.UTC())
		return p
	}
	p.SetDateTime(t.In(domain.LoadLocation(tz)))
	return p
}

func instanceProp(name, instanceID, tz string, allDay bool) (*ical.Prop, error) {
	t, err := domain.ParseInstanceID(instanceID, tz, allDay)
	if err != nil {
		return nil, err
	}
	return timeProp(name, t, tz, allDay || len(instanceID) == len(wireDate)), nil
}

func encodeRule(comp *ical.Component, rule string, allDay bool) {
	p := ical.NewProp(ical.PropRecurrenceRule)
	p.Value = rule
	if allDay {
		// UNTIL must match the DATE type of DTSTART.
		parts := strings.Split(rule, ";")
		for i, part := range parts {
			if v, ok := strings.CutPrefix(part, "UNTIL="); ok && len(v) == len(wireDateTimeUTC) {
				parts[i] = "UNTIL=" + v[:len(wireDate)]
			}
		}
		p.Value = strings.Join(parts, ";")
	}
	comp.Props.Set(p)
}

func encodeExDates(comp *ical.Component, ids []string, tz string, allDay bool) error {
	for _, id := range domain.NormalizeInstanceIDs(ids) {
		p, err := instanceProp(ical.PropExceptionDates, id, tz, allDay)
		if err != nil {
			return err
		}
		comp.Props.Add(p)
	}
	return nil
}

// Marshal serializes a calendar.
func Marshal(cal *ical.Calendar) ([]byte, error) {
	var buf bytes.Buffer
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return nil, fmt.Errorf("failed to encode calendar: %w", err)
	}
	return buf.Bytes(), nil
}

// Unmarshal parses a calendar.
func Unmarshal(data []byte) (*ical.Calendar, error) {
	cal, err := ical.NewDecoder(bytes.NewReader(data)).Decode()
	if err != nil {
		return nil, fmt.Errorf("failed to parse calendar: %w", err)
	}
	return cal, nil
}
