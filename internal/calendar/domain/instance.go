package domain

import (
	"fmt"
	"strings"
	"time"
)

const (
	instanceDateLayout     = "20060102"
	instanceDateTimeLayout = "20060102T150405"
)

// LoadLocation resolves a TZID. Empty and unknown identifiers resolve to UTC.
func LoadLocation(tz string) *time.Location {
	if tz == "" || strings.EqualFold(tz, "UTC") {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

// InstanceID derives the recurrence instance id of an occurrence from its
// start, expressed in the series' original time zone. It is the value used
// in RECURRENCE-ID and EXDATE.
func InstanceID(start time.Time, tz string, allDay bool) string {
	if allDay {
		return start.UTC().Format(instanceDateLayout)
	}
	loc := LoadLocation(tz)
	if loc == time.UTC {
		return start.UTC().Format(instanceDateTimeLayout) + "Z"
	}
	return start.In(loc).Format(instanceDateTimeLayout)
}

// ParseInstanceID is the inverse of InstanceID.
func ParseInstanceID(id, tz string, allDay bool) (time.Time, error) {
	switch {
	case allDay || len(id) == len(instanceDateLayout):
		t, err := time.ParseInLocation(instanceDateLayout, id, time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid instance id %q: %w", id, err)
		}
		return t, nil
	case strings.HasSuffix(id, "Z"):
		t, err := time.ParseInLocation(instanceDateTimeLayout, strings.TrimSuffix(id, "Z"), time.UTC)
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid instance id %q: %w", id, err)
		}
		return t, nil
	default:
		t, err := time.ParseInLocation(instanceDateTimeLayout, id, LoadLocation(tz))
		if err != nil {
			return time.Time{}, fmt.Errorf("invalid instance id %q: %w", id, err)
		}
		return t.UTC(), nil
	}
}

// NormalizeInstanceIDs sorts and deduplicates a list of instance ids.
func NormalizeInstanceIDs(ids []string) []string {
	return sortedUnique(ids, strings.ToUpper)
}
