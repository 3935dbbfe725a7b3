// Package normalize maps source-shaped records onto the canonical Event.
//
// Every per-source quirk lives here as a field alias or an override in the
// source's configuration. Normalize is a pure function of its inputs: the
// same record and source always produce the same Event, id included.
package normalize

import (
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/google/uuid"
	"github.com/mattn/go-runewidth"

	"sortir/internal/model"
)

// ErrUnparseable is returned when a record has no field that parses as a
// date. Callers drop such records.
var ErrUnparseable = errors.New("unparseable date")

const (
	DefaultTitle = "Untitled event"

	// MaxDescriptionWidth caps descriptions, in display columns.
	MaxDescriptionWidth = 500
)

// Canonical field names usable as keys in SourceOptions.Fields.
const (
	FieldID          = "id"
	FieldTitle       = "title"
	FieldDescription = "description"
	FieldDate        = "date"
	FieldVenue       = "venue"
	FieldStreet      = "street"
	FieldPostalCode  = "postal_code"
	FieldCity        = "city"
	FieldImage       = "image"
	FieldURL         = "url"
)

var aliases = map[string][]string{
	FieldID:    {"id", "uid", "guid", "recordid", "uuid"},
	FieldTitle: {"title", "name", "titre", "nom"},
	FieldDescription: {
		"description", "content", "longdescription", "desc",
	},
	FieldDate: {
		"startdate", "dtstart", "date", "start", "date_start", "date_debut",
		"firstdate_begin", "begin", "datetime", "pubdate", "published", "updated",
	},
	FieldVenue:      {"location_name", "venue", "place", "lieu", "location", "location.name", "location.venue"},
	FieldStreet:     {"address", "street", "adresse", "location.address", "location.street", "location.adresse"},
	FieldPostalCode: {"postal_code", "postalcode", "zip", "code_postal", "location.postal_code", "location.postalcode", "location.zip"},
	FieldCity:       {"city", "ville", "locality", "commune", "location.city", "location.ville"},
	FieldImage:      {"image", "image_url", "thumbnail", "picture", "cover", "image.0", "image.url"},
	FieldURL:        {"url", "link", "canonicalurl", "permalink"},
}

// SourceOptions carries the per-source normalization settings.
type SourceOptions struct {
	// DefaultTitle replaces a missing title. Empty means DefaultTitle.
	DefaultTitle string
	// Fields maps canonical field names to native field names that are
	// tried before the built-in aliases.
	Fields map[string]string
}

// Normalizer turns RawRecords into Events.
type Normalizer struct {
	loc     *time.Location
	sources map[string]SourceOptions
}

// New creates a Normalizer. Zone-less dates are read in loc, and every
// Event date is expressed in loc. sources may be nil.
func New(loc *time.Location, sources map[string]SourceOptions) *Normalizer {
	if loc == nil {
		loc = time.UTC
	}
	opts := make(map[string]SourceOptions, len(sources))
	for name, o := range sources {
		fields := make(map[string]string, len(o.Fields))
		for k, v := range o.Fields {
			fields[strings.ToLower(k)] = strings.ToLower(v)
		}
		o.Fields = fields
		opts[name] = o
	}
	return &Normalizer{loc: loc, sources: opts}
}

// Normalize builds the Event for raw as produced by source.
func (n *Normalizer) Normalize(raw model.RawRecord, source string) (model.Event, error) {
	if source == "" {
		return model.Event{}, errors.New("normalize: empty source name")
	}
	opts := n.sources[source]
	r := record{fields: lowerKeys(raw.Fields), overrides: opts.Fields}

	date, err := n.date(r)
	if err != nil {
		return model.Event{}, err
	}

	title := collapse(r.first(FieldTitle))
	if title == "" && raw.Kind == model.KindICS {
		title = collapse(r.get("summary"))
	}
	if title == "" {
		title = opts.DefaultTitle
	}
	if title == "" {
		title = DefaultTitle
	}

	desc := r.first(FieldDescription)
	if desc == "" && raw.Kind != model.KindICS {
		desc = r.get("summary")
	}

	ev := model.Event{
		Title:       title,
		Description: Description(desc),
		Date:        date,
		Location:    location(r),
		Image:       r.first(FieldImage),
		Source:      source,
	}
	if ev.Image == "" {
		ev.Image = model.PlaceholderImage
	}
	if u := r.first(FieldURL); u != "" {
		ev.URL = &u
	}

	if native := r.first(FieldID); native != "" {
		ev.ID = source + ":" + native
	} else {
		ev.ID = SynthesizeID(title, date)
	}
	return ev, nil
}

// SynthesizeID derives a stable id from the title and the start time.
func SynthesizeID(title string, date time.Time) string {
	name := strings.ToLower(collapse(title)) + "|" + date.UTC().Format(time.RFC3339)
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(name)).String()
}

// Description strips markup, collapses whitespace and truncates to
// MaxDescriptionWidth display columns.
func Description(s string) string {
	if s == "" {
		return ""
	}
	if strings.ContainsAny(s, "<&") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(s)); err == nil {
			s = doc.Text()
		}
	}
	s = collapse(s)
	if runewidth.StringWidth(s) > MaxDescriptionWidth {
		s = runewidth.Truncate(s, MaxDescriptionWidth, "…")
	}
	return s
}

func (n *Normalizer) date(r record) (time.Time, error) {
	for _, v := range r.all(FieldDate) {
		if t, ok := ParseDate(v, n.loc); ok {
			return t.In(n.loc), nil
		}
	}
	return time.Time{}, ErrUnparseable
}

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	time.RFC822Z,
	time.RFC822,
	time.RFC850,
	time.ANSIC,
	"20060102T150405Z07:00",
	"20060102T150405",
	"20060102",
	"02/01/2006 15:04",
	"02/01/2006",
}

// ParseDate reads s with the supported layouts. Values without a zone are
// interpreted in loc.
func ParseDate(s string, loc *time.Location) (time.Time, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false
	}
	for _, layout := range dateLayouts {
		if t, err := time.ParseInLocation(layout, s, loc); err == nil {
			return t, true
		}
	}
	return parseEpoch(s)
}

// parseEpoch accepts unix seconds (10 digits) or milliseconds (13 digits).
func parseEpoch(s string) (time.Time, bool) {
	if len(s) != 10 && len(s) != 13 {
		return time.Time{}, false
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v <= 0 {
		return time.Time{}, false
	}
	if len(s) == 13 {
		return time.UnixMilli(v), true
	}
	return time.Unix(v, 0), true
}

func location(r record) string {
	var parts []string
	seen := make(map[string]bool)
	add := func(s string) {
		s = collapse(s)
		if s == "" || seen[strings.ToLower(s)] {
			return
		}
		seen[strings.ToLower(s)] = true
		parts = append(parts, s)
	}

	add(r.first(FieldVenue))
	add(r.first(FieldStreet))

	// Postal code and city read as one part: "69001 Lyon".
	pc, city := collapse(r.first(FieldPostalCode)), collapse(r.first(FieldCity))
	switch {
	case pc != "" && city != "":
		add(pc + " " + city)
	default:
		add(pc)
		add(city)
	}
	return strings.Join(parts, ", ")
}

type record struct {
	fields    map[string]string
	overrides map[string]string
}

func (r record) get(key string) string {
	return strings.TrimSpace(r.fields[key])
}

// all returns every non-empty candidate for a canonical field, override
// first, in alias order.
func (r record) all(field string) []string {
	var out []string
	if native, ok := r.overrides[field]; ok {
		if v := r.get(native); v != "" {
			out = append(out, v)
		}
	}
	for _, alias := range aliases[field] {
		if v := r.get(alias); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func (r record) first(field string) string {
	if vals := r.all(field); len(vals) > 0 {
		return vals[0]
	}
	return ""
}

func lowerKeys(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[strings.ToLower(k)] = v
	}
	return out
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

