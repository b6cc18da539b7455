package domain

import (
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const (
	hashDateLayout     = "2006-01-02"
	hashDateTimeLayout = "2006-01-02T15:04:05Z"
)

// ContentHash returns the SHA-1 hex digest of the normalized content.
//
// The digest covers the JSON encoding of a key-sorted map of the semantic
// fields. Unordered lists are sorted first. The time zone is excluded since
// Start and End already pin the instant, and bookkeeping fields such as
// LAST-MODIFIED or SEQUENCE never reach Content.
func ContentHash(c Content) string {
	return digest(hashFields(c.Normalize()))
}

// SeriesHash returns the digest of a series as a whole: the master content
// anchored at DTSTART, the normalized rule and the exception set.
func SeriesHash(master Content, rule string, exDates []string) string {
	fields := hashFields(master.Normalize())
	fields["rrule"] = rule
	fields["exdate"] = sortedUnique(exDates, strings.ToUpper)
	return digest(fields)
}

func hashFields(c Content) map[string]any {
	start, end := hashTime(c.Start, c.AllDay), hashTime(c.End, c.AllDay)

	attendees := make([]string, 0, len(c.Attendees))
	for _, a := range c.Attendees {
		attendees = append(attendees, a.Email)
	}

	alarms := make([]string, 0, len(c.Alarms))
	for _, a := range c.Alarms {
		alarms = append(alarms, fmt.Sprintf("%s:%d", strings.ToUpper(a.Action), int64(a.Trigger/time.Second)))
	}
	sort.Strings(alarms)

	return map[string]any{
		"summary":     c.Title,
		"description": c.Description,
		"location":    c.Location,
		"dtstart":     start,
		"dtend":       end,
		"allday":      c.AllDay,
		"status":      string(c.Status),
		"transp":      string(c.ShowAs),
		"categories":  sortedUnique(c.Categories, func(s string) string { return s }),
		"attendees":   sortedUnique(attendees, strings.ToLower),
		"organizer":   c.Organizer,
		"alarms":      alarms,
	}
}

func hashTime(t time.Time, allDay bool) string {
	if allDay {
		return t.UTC().Format(hashDateLayout)
	}
	return t.UTC().Format(hashDateTimeLayout)
}

// encoding/json writes map keys in sorted order.
func digest(fields map[string]any) string {
	data, err := json.Marshal(fields)
	if err != nil {
		// Only strings, bools and string slices are present.
		panic(fmt.Sprintf("hash fields not encodable: %v", err))
	}
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}
