package ics

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func calendar(lines ...string) []byte {
	all := append([]string{"BEGIN:VCALENDAR", "VERSION:2.0", "PRODID:-//sortir//test//FR"}, lines...)
	all = append(all, "END:VCALENDAR")
	return []byte(strings.Join(all, "\r\n") + "\r\n")
}

func TestParseICSOnlyVEvents(t *testing.T) {
	body := calendar(
		"BEGIN:VEVENT",
		"UID:concert-1@example.org",
		"DTSTAMP:20260101T000000Z",
		"DTSTART:20261020T190000Z",
		"DTEND:20261020T220000Z",
		"SUMMARY:Concert\\, salle Rameau",
		"LOCATION:Salle Rameau",
		"DESCRIPTION:Orchestre national",
		"URL:https://example.org/concert-1",
		"END:VEVENT",
		"BEGIN:VTODO",
		"UID:todo-1",
		"SUMMARY:Not an event",
		"END:VTODO",
	)

	events, err := ParseICS(body)
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev := events[0]
	assert.Equal(t, "concert-1@example.org", ev.UID)
	assert.Equal(t, "Concert, salle Rameau", ev.Summary)
	assert.Equal(t, "Salle Rameau", ev.Location)
	assert.Equal(t, "https://example.org/concert-1", ev.URL)
	assert.False(t, ev.AllDay)
	assert.True(t, ev.Start.Equal(time.Date(2026, 10, 20, 19, 0, 0, 0, time.UTC)))
}

func TestParseICSAllDayAndMissingStart(t *testing.T) {
	body := calendar(
		"BEGIN:VEVENT",
		"UID:fete",
		"DTSTART;VALUE=DATE:20261101",
		"SUMMARY:Toussaint",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:nodate",
		"SUMMARY:Sans date",
		"END:VEVENT",
	)

	events, err := ParseICS(body)
	require.NoError(t, err)
	require.Len(t, events, 2)

	assert.True(t, events[0].AllDay)
	assert.True(t, events[0].HasStart())
	assert.Equal(t, 24*time.Hour, events[0].End.Sub(events[0].Start))
	assert.False(t, events[1].HasStart())
}

func TestParseICSEmpty(t *testing.T) {
	_, err := ParseICS([]byte("  \n"))
	assert.Error(t, err)
}

func TestExpandRecurring(t *testing.T) {
	body := calendar(
		"BEGIN:VEVENT",
		"UID:marche",
		"DTSTART:20261005T080000Z",
		"DTEND:20261005T120000Z",
		"RRULE:FREQ=WEEKLY;COUNT=6",
		"EXDATE:20261019T080000Z",
		"SUMMARY:Marché",
		"END:VEVENT",
		"BEGIN:VEVENT",
		"UID:marche",
		"RECURRENCE-ID:20261026T080000Z",
		"DTSTART:20261026T090000Z",
		"DTEND:20261026T130000Z",
		"SUMMARY:Marché (décalé)",
		"END:VEVENT",
	)

	events, err := ParseICS(body)
	require.NoError(t, err)

	res, err := ExpandOccurrences(events, ExpandConfig{
		RangeStart: time.Date(2026, 10, 10, 0, 0, 0, 0, time.UTC),
		RangeEnd:   time.Date(2026, 11, 30, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	// 5, 12, 19(excluded), 26(override), 2 Nov, 9 Nov -> 12, 26, 2, 9 in range.
	require.Len(t, res.Occurrences, 4)
	assert.Equal(t, "marche@2026-10-12T08:00:00Z", res.Occurrences[0].UID)
	assert.Equal(t, "Marché (décalé)", res.Occurrences[1].Summary)
	assert.Equal(t, 9, res.Occurrences[1].Start.UTC().Hour())
	assert.Equal(t, "marche@2026-10-26T08:00:00Z", res.Occurrences[1].UID)
	assert.Empty(t, res.TruncatedEvents)
}

func TestExpandCap(t *testing.T) {
	start := time.Date(2026, 10, 1, 10, 0, 0, 0, time.UTC)
	events := []ParsedEvent{{
		UID:      "daily",
		Summary:  "Expo",
		Start:    start,
		End:      start.Add(time.Hour),
		RawRRule: "FREQ=DAILY",
	}}

	res, err := ExpandOccurrences(events, ExpandConfig{
		RangeStart:             start,
		RangeEnd:               start.AddDate(0, 0, 30),
		MaxOccurrencesPerEvent: 5,
	})
	require.NoError(t, err)
	assert.Len(t, res.Occurrences, 5)
	assert.Equal(t, []string{"daily"}, res.TruncatedEvents)
}

func TestExpandRejectsInvertedRange(t *testing.T) {
	now := time.Now()
	_, err := ExpandOccurrences(nil, ExpandConfig{RangeStart: now, RangeEnd: now.Add(-time.Hour)})
	assert.Error(t, err)
}
