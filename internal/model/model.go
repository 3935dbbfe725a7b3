package model

import "time"

// PlaceholderImage is served for every event that has no image of its own.
// It is shared by all sources so the UI degrades uniformly.
const PlaceholderImage = "/static/img/event-placeholder.svg"

// Event is the canonical normalized record served to clients.
type Event struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Date        time.Time `json:"date"`
	Location    string    `json:"location"`
	Image       string    `json:"image"`
	// URL links back to the upstream event page; nil when the source has none.
	URL    *string `json:"url"`
	Source string  `json:"source"`
}

// Kind identifies the upstream format a RawRecord was read from.
type Kind string

const (
	KindJSON Kind = "json"
	KindRSS  Kind = "rss"
	KindICS  Kind = "ics"
	KindHTML Kind = "html"
)

// RawRecord is one source-shaped record before normalization. Fields keeps
// the native field names (flattened with dots for nested JSON objects).
type RawRecord struct {
	Kind   Kind
	Fields map[string]string
}

// NewRawRecord returns an empty record of the given kind.
func NewRawRecord(kind Kind) RawRecord {
	return RawRecord{Kind: kind, Fields: make(map[string]string)}
}

// Set stores v under key, ignoring empty values.
func (r RawRecord) Set(key, v string) {
	if v == "" {
		return
	}
	r.Fields[key] = v
}

// Get returns the value stored under key.
func (r RawRecord) Get(key string) string {
	return r.Fields[key]
}

// Window is an inclusive time range.
type Window struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether t lies inside [Start, End].
func (w Window) Contains(t time.Time) bool {
	return !t.Before(w.Start) && !t.After(w.End)
}

// WindowFrom returns [now, now + days].
func WindowFrom(now time.Time, days int) Window {
	return Window{Start: now, End: now.AddDate(0, 0, days)}
}
