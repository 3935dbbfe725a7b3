package web

import (
	"net/http"
	"net/url"

	"github.com/gorilla/feeds"

	appLog "sortir/internal/log"
)

// handleRSS renders the same events as /events as an RSS 2.0 feed.
func (s *Server) handleRSS(w http.ResponseWriter, r *http.Request) {
	q, res, ok := s.load(w, r)
	if !ok {
		return
	}

	base := baseURL(r)
	self := base + "/events?agenda=" + url.QueryEscape(q.agenda.Key)
	updated := res.WrittenAt
	if updated.IsZero() {
		updated = s.app.Now()
	}

	feed := &feeds.Feed{
		Title:       "sortir: " + q.agenda.Key,
		Link:        &feeds.Link{Href: self},
		Description: "Upcoming events",
		Created:     updated,
		Updated:     updated,
	}
	for _, ev := range res.Events {
		link := self + "#" + ev.ID
		if ev.URL != nil {
			link = *ev.URL
		}
		feed.Items = append(feed.Items, &feeds.Item{
			Id:          ev.ID,
			Title:       ev.Title,
			Description: ev.Description,
			Link:        &feeds.Link{Href: link},
			Created:     ev.Date,
		})
	}

	body, err := feed.ToRss()
	if err != nil {
		appLog.Error("rss render failed", err, "agenda", q.agenda.Key)
		writeError(w, http.StatusInternalServerError, "failed to render feed")
		return
	}
	w.Header().Set("Content-Type", "application/rss+xml; charset=utf-8")
	w.Header().Set("Last-Modified", updated.UTC().Format(http.TimeFormat))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(body))
}

func baseURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if p := r.Header.Get("X-Forwarded-Proto"); p != "" {
		scheme = p
	}
	return scheme + "://" + r.Host
}

