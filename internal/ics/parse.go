package ics

import (
	"bytes"
	"errors"
	"strconv"
	"strings"
	"time"

	ical "github.com/arran4/golang-ical"

	appLog "sortir/internal/log"
)

// ParsedEvent is the representation of a VEVENT as produced by the ICS
// parser. Recurrence expansion operates on this type.
type ParsedEvent struct {
	UID string
	Seq int

	Summary     string
	Description string
	Location    string
	URL         string

	Start   time.Time
	End     time.Time
	AllDay  bool
	StartTZ string

	RawRRule   string
	ExDates    []time.Time
	Recurrence *time.Time // RECURRENCE-ID (if present) in event's own timezone
	IsOverride bool       // true if this VEVENT is an override for a recurring instance
}

// HasStart reports whether DTSTART was present and parseable.
func (p ParsedEvent) HasStart() bool {
	return !p.Start.IsZero()
}

// ParseICS parses a single ICS payload into a list of ParsedEvent.
//
//   - Only VEVENT components are considered; VTODO, VJOURNAL, VFREEBUSY and
//     VTIMEZONE blocks are ignored.
//   - It relies on the underlying library's VTIMEZONE/TZID handling to
//     construct proper time.Time values (with Location set).
//   - It detects all-day events by inspecting the DTSTART value format.
//   - It records RRULE/EXDATE/RECURRENCE-ID but does not expand recurrences;
//     expansion is done in expand.go.
func ParseICS(body []byte) ([]ParsedEvent, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty ICS body")
	}

	cal, err := ical.ParseCalendar(bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	events := make([]ParsedEvent, 0)
	for _, comp := range cal.Events() {
		events = append(events, parseVEvent(comp))
	}

	return events, nil
}

func parseVEvent(ve *ical.VEvent) ParsedEvent {
	var out ParsedEvent

	if p := ve.GetProperty(ical.ComponentPropertyUniqueId); p != nil {
		out.UID = strings.TrimSpace(p.Value)
	}

	// SEQUENCE (optional, used for overrides/versioning)
	if p := ve.GetProperty(ical.ComponentPropertySequence); p != nil {
		if n, err := strconv.Atoi(strings.TrimSpace(p.Value)); err == nil {
			out.Seq = n
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertySummary); p != nil {
		out.Summary = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyDescription); p != nil {
		out.Description = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentPropertyLocation); p != nil {
		out.Location = unescapeText(p.Value)
	}
	if p := ve.GetProperty(ical.ComponentProperty("URL")); p != nil {
		out.URL = strings.TrimSpace(p.Value)
	}

	dtStartProp := ve.GetProperty(ical.ComponentPropertyDtStart)
	if dtStartProp == nil {
		return out
	}

	start, err := ve.GetStartAt()
	if err != nil {
		appLog.Debug("ics vevent without usable DTSTART", "uid", out.UID, "value", dtStartProp.Value)
		return out
	}
	out.Start = start

	if end, err := ve.GetEndAt(); err == nil {
		out.End = end
	} else {
		out.End = start
	}

	// VALUE=DATE or no 'T' in the value -> all-day
	if params := dtStartProp.ICalParameters; params != nil {
		if vs, ok := params["VALUE"]; ok && len(vs) > 0 && strings.EqualFold(vs[0], "DATE") {
			out.AllDay = true
		}
		if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
			out.StartTZ = tzs[0]
		}
	}
	if !strings.Contains(dtStartProp.Value, "T") {
		out.AllDay = true
	}
	if out.AllDay {
		out.Start = time.Date(start.Year(), start.Month(), start.Day(), 0, 0, 0, 0, start.Location())
		if !out.End.After(out.Start) {
			out.End = out.Start.AddDate(0, 0, 1)
		}
	}

	if p := ve.GetProperty(ical.ComponentPropertyRrule); p != nil {
		out.RawRRule = p.Value
	}

	// EXDATE can appear multiple times, each possibly a comma list.
	for _, p := range ve.GetProperties(ical.ComponentPropertyExdate) {
		for _, part := range strings.Split(p.Value, ",") {
			if t, err := parseICSTime(part, propLocation(p.ICalParameters, start.Location())); err == nil {
				out.ExDates = append(out.ExDates, t)
			}
		}
	}

	// RECURRENCE-ID (overridden instance)
	if p := ve.GetProperty(ical.ComponentProperty("RECURRENCE-ID")); p != nil {
		if t, err := parseICSTime(p.Value, propLocation(p.ICalParameters, start.Location())); err == nil {
			out.Recurrence = &t
			out.IsOverride = true
		}
	}

	return out
}

func propLocation(params map[string][]string, fallback *time.Location) *time.Location {
	if tzs, ok := params["TZID"]; ok && len(tzs) > 0 {
		if loc, err := time.LoadLocation(tzs[0]); err == nil {
			return loc
		}
	}
	return fallback
}

// parseICSTime parses a basic ICS date/date-time string into time.Time.
// Values without a trailing Z are interpreted in loc.
func parseICSTime(v string, loc *time.Location) (time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return time.Time{}, errors.New("empty time value")
	}

	// UTC form, e.g., 20250101T090000Z
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}

	// Local date-time, e.g., 20250101T090000
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, loc)
	}

	// Date-only (all-day), e.g., 20250101
	return time.ParseInLocation("20060102", v, loc)
}

var textUnescaper = strings.NewReplacer(`\n`, "\n", `\N`, "\n", `\,`, ",", `\;`, ";", `\\`, `\`)

func unescapeText(s string) string {
	return strings.TrimSpace(textUnescaper.Replace(s))
}
