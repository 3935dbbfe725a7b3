package source

import (
	"context"
	"fmt"
	"time"

	"sortir/internal/config"
	"sortir/internal/fetch"
	"sortir/internal/ics"
	appLog "sortir/internal/log"
	"sortir/internal/model"
)

// ICSAdapter reads an iCalendar feed. Recurring VEVENTs are expanded into
// one record per occurrence inside [start - 1 day, end] of the run's
// window, or [now - 1 day, now + horizon] when the run carries none.
type ICSAdapter struct {
	cfg         config.SourceConfig
	fetcher     *fetch.Fetcher
	horizonDays int
	now         func() time.Time
}

func NewICSAdapter(cfg config.SourceConfig, fetcher *fetch.Fetcher, horizonDays int, now func() time.Time) *ICSAdapter {
	if horizonDays <= 0 {
		horizonDays = 31
	}
	if now == nil {
		now = time.Now
	}
	return &ICSAdapter{cfg: cfg, fetcher: fetcher, horizonDays: horizonDays, now: now}
}

func (a *ICSAdapter) Name() string { return a.cfg.Name }

func (a *ICSAdapter) FetchRaw(ctx context.Context) ([]model.RawRecord, error) {
	tok, err := token(a.cfg)
	if err != nil {
		return nil, NewFetchError(a.cfg.Name, err)
	}

	res, err := a.fetcher.Get(ctx, withTokenParam(a.cfg.URL, a.cfg, tok), requestHeaders(a.cfg, tok))
	if err != nil {
		return nil, NewFetchError(a.cfg.Name, err)
	}

	parsed, err := ics.ParseICS(res.Body)
	if err != nil {
		return nil, NewFetchError(a.cfg.Name, fmt.Errorf("parse ics: %w", err))
	}

	w, ok := WindowFromContext(ctx)
	if !ok {
		w = model.WindowFrom(a.now(), a.horizonDays)
	}
	expanded, err := ics.ExpandOccurrences(parsed, ics.ExpandConfig{
		RangeStart:             w.Start.AddDate(0, 0, -1),
		RangeEnd:               w.End,
		MaxOccurrencesPerEvent: a.cfg.ICS.MaxOccurrences,
	})
	if err != nil {
		return nil, NewFetchError(a.cfg.Name, err)
	}
	if len(expanded.TruncatedEvents) > 0 {
		appLog.Warn("ics occurrences truncated", "source", a.cfg.Name, "uids", expanded.TruncatedEvents)
	}

	out := make([]model.RawRecord, 0, len(expanded.Occurrences))
	for _, occ := range expanded.Occurrences {
		rec := model.NewRawRecord(model.KindICS)
		rec.Set("uid", occ.UID)
		rec.Set("summary", occ.Summary)
		rec.Set("description", occ.Description)
		rec.Set("location", occ.Location)
		rec.Set("url", occ.URL)
		rec.Set("dtstart", formatICSTime(occ.Start, occ.AllDay))
		rec.Set("dtend", formatICSTime(occ.End, occ.AllDay))
		out = append(out, rec)
	}

	// VEVENTs without DTSTART are passed through dateless; the normalizer
	// drops them as unparseable.
	for _, p := range parsed {
		if p.HasStart() {
			continue
		}
		rec := model.NewRawRecord(model.KindICS)
		rec.Set("uid", p.UID)
		rec.Set("summary", p.Summary)
		rec.Set("description", p.Description)
		rec.Set("location", p.Location)
		rec.Set("url", p.URL)
		out = append(out, rec)
	}

	return out, nil
}

// formatICSTime renders all-day values as plain dates so they are read in
// the configured timezone.
func formatICSTime(t time.Time, allDay bool) string {
	if t.IsZero() {
		return ""
	}
	if allDay {
		return t.Format("2006-01-02")
	}
	return t.Format(time.RFC3339)
}
