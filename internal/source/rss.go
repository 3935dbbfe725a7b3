package source

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/mmcdole/gofeed"

	"sortir/internal/config"
	"sortir/internal/fetch"
	"sortir/internal/model"
)

// RSSAdapter reads RSS 2.0 and Atom feeds. Each item becomes one record
// with the fields title, link, pubDate, updated, summary, content, guid,
// image and, for feeds using the RSS event module, startdate and location.
type RSSAdapter struct {
	cfg     config.SourceConfig
	fetcher *fetch.Fetcher
}

func NewRSSAdapter(cfg config.SourceConfig, fetcher *fetch.Fetcher) *RSSAdapter {
	return &RSSAdapter{cfg: cfg, fetcher: fetcher}
}

func (a *RSSAdapter) Name() string { return a.cfg.Name }

func (a *RSSAdapter) FetchRaw(ctx context.Context) ([]model.RawRecord, error) {
	tok, err := token(a.cfg)
	if err != nil {
		return nil, NewFetchError(a.cfg.Name, err)
	}

	res, err := a.fetcher.Get(ctx, withTokenParam(a.cfg.URL, a.cfg, tok), requestHeaders(a.cfg, tok))
	if err != nil {
		return nil, NewFetchError(a.cfg.Name, err)
	}

	feed, err := gofeed.NewParser().Parse(bytes.NewReader(res.Body))
	if err != nil {
		return nil, NewFetchError(a.cfg.Name, fmt.Errorf("parse feed: %w", err))
	}

	out := make([]model.RawRecord, 0, len(feed.Items))
	for _, item := range feed.Items {
		if item == nil {
			continue
		}
		out = append(out, rssRecord(item))
	}
	return out, nil
}

func rssRecord(item *gofeed.Item) model.RawRecord {
	rec := model.NewRawRecord(model.KindRSS)
	rec.Set("title", strings.TrimSpace(item.Title))
	rec.Set("link", strings.TrimSpace(item.Link))
	rec.Set("guid", strings.TrimSpace(item.GUID))
	rec.Set("summary", item.Description)
	rec.Set("content", item.Content)
	rec.Set("pubDate", feedDate(item.PublishedParsed, item.Published))
	rec.Set("updated", feedDate(item.UpdatedParsed, item.Updated))

	if item.Image != nil {
		rec.Set("image", item.Image.URL)
	}
	if rec.Get("image") == "" {
		for _, enc := range item.Enclosures {
			if enc != nil && strings.HasPrefix(enc.Type, "image/") {
				rec.Set("image", enc.URL)
				break
			}
		}
	}

	// RSS event module: <ev:startdate>, <ev:location>.
	if ev, ok := item.Extensions["ev"]; ok {
		for _, name := range []string{"startdate", "location"} {
			if vals := ev[name]; len(vals) > 0 {
				rec.Set(name, strings.TrimSpace(vals[0].Value))
			}
		}
	}
	return rec
}

// feedDate prefers the parser's interpretation and falls back to the raw
// string, leaving the final decision to the normalizer.
func feedDate(parsed *time.Time, raw string) string {
	if parsed != nil && !parsed.IsZero() {
		return parsed.Format(time.RFC3339)
	}
	return strings.TrimSpace(raw)
}
