// Package web exposes the cached agendas over HTTP.
package web

import (
	"embed"
	"encoding/json"
	"errors"
	"io/fs"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"

	"sortir/internal/app"
	"sortir/internal/cache"
	appLog "sortir/internal/log"
	"sortir/internal/model"
)

// defaultWindowDays is used when the request has no windowDays, capped at
// the agenda horizon.
const defaultWindowDays = 31

// Server serves the JSON, RSS and status endpoints. It never aggregates by
// itself; every payload comes from the cache manager.
type Server struct {
	app    *app.App
	router *mux.Router
}

// embeddedStatic holds the shared assets, among them the event placeholder
// image.
//
//go:embed all:static
var embeddedStatic embed.FS

func NewServer(a *app.App) *Server {
	s := &Server{app: a, router: mux.NewRouter()}
	s.registerRoutes()
	return s
}

// Handler returns the router wrapped in the recovery and logging middleware.
// The logger sits outermost so 404s and recovered panics are logged too.
func (s *Server) Handler() http.Handler {
	return logRequests(recoverPanics(s.router))
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet, http.MethodHead)
	s.router.HandleFunc("/events", s.handleEvents).Methods(http.MethodGet)
	s.router.HandleFunc("/api/events", s.handleEvents).Methods(http.MethodGet)
	s.router.HandleFunc("/events.rss", s.handleRSS).Methods(http.MethodGet)
	s.router.HandleFunc("/api/cache", s.handleCache).Methods(http.MethodGet)
	s.router.HandleFunc("/api/sources", s.handleSources).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.app.Metrics().Handler()).Methods(http.MethodGet)
	s.router.PathPrefix("/static/").Handler(http.StripPrefix("/static/", s.staticFileServer()))

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) staticFileServer() http.Handler {
	sub, err := fs.Sub(embeddedStatic, "static")
	if err != nil {
		appLog.Error("failed to initialize embedded static filesystem", err)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "static assets not available", http.StatusServiceUnavailable)
		})
	}
	return http.FileServer(http.FS(sub))
}

type eventsResponse struct {
	Agenda    string        `json:"agenda"`
	Events    []model.Event `json:"events"`
	WrittenAt time.Time     `json:"writtenAt"`
	Stale     bool          `json:"stale"`
}

// eventsQuery is the parsed form of the agenda, windowDays and source
// query parameters.
type eventsQuery struct {
	agenda app.Agenda
	window model.Window
	source string
}

// parseQuery returns the HTTP status to answer with when the query is not
// usable.
func (s *Server) parseQuery(r *http.Request) (eventsQuery, int, error) {
	q := r.URL.Query()

	ag, ok := s.app.Agenda(q.Get("agenda"))
	if !ok {
		return eventsQuery{}, http.StatusNotFound, errors.New("unknown agenda")
	}

	days := min(defaultWindowDays, ag.HorizonDays)
	if raw := q.Get("windowDays"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return eventsQuery{}, http.StatusBadRequest, errors.New("windowDays must be an integer")
		}
		days = max(1, min(n, ag.HorizonDays))
	}

	return eventsQuery{
		agenda: ag,
		window: model.WindowFrom(s.app.Now(), days),
		source: q.Get("source"),
	}, http.StatusOK, nil
}

// load reads the agenda from the cache and re-applies the request window
// and source filter.
func (s *Server) load(w http.ResponseWriter, r *http.Request) (eventsQuery, cache.Result, bool) {
	q, status, err := s.parseQuery(r)
	if err != nil {
		writeError(w, status, err.Error())
		return q, cache.Result{}, false
	}

	res, err := s.app.Cache().Get(r.Context(), q.agenda.Key)
	if err != nil {
		appLog.Error("agenda unavailable", err, "agenda", q.agenda.Key)
		writeError(w, http.StatusServiceUnavailable, "events are temporarily unavailable")
		return q, cache.Result{}, false
	}

	events := make([]model.Event, 0, len(res.Events))
	for _, ev := range res.Events {
		if !q.window.Contains(ev.Date) {
			continue
		}
		if q.source != "" && ev.Source != q.source {
			continue
		}
		events = append(events, ev)
	}
	res.Events = events
	return q, res, true
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q, res, ok := s.load(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, eventsResponse{
		Agenda:    q.agenda.Key,
		Events:    res.Events,
		WrittenAt: res.WrittenAt,
		Stale:     res.Stale,
	})
}

type cacheStatus struct {
	Key       string     `json:"key"`
	State     string     `json:"state"`
	Degraded  bool       `json:"degraded"`
	WrittenAt *time.Time `json:"writtenAt"`
	Age       string     `json:"age,omitempty"`
	Events    int        `json:"events"`
	TTL       string     `json:"ttl"`
	LastError string     `json:"lastError,omitempty"`
}

func (s *Server) handleCache(w http.ResponseWriter, _ *http.Request) {
	now := s.app.Now()
	statuses := s.app.Cache().Status()
	out := make([]cacheStatus, 0, len(statuses))
	for _, st := range statuses {
		cs := cacheStatus{
			Key:       st.Key,
			State:     st.State.String(),
			Degraded:  st.Degraded,
			Events:    st.Count,
			TTL:       st.TTL.String(),
			LastError: st.LastError,
		}
		if !st.WrittenAt.IsZero() {
			wa := st.WrittenAt
			cs.WrittenAt = &wa
			cs.Age = humanize.RelTime(wa, now, "ago", "from now")
		}
		out = append(out, cs)
	}
	writeJSON(w, http.StatusOK, out)
}

type sourceInfo struct {
	Name    string   `json:"name"`
	Type    string   `json:"type"`
	URL     string   `json:"url"`
	Agendas []string `json:"agendas"`
}

func (s *Server) handleSources(w http.ResponseWriter, _ *http.Request) {
	cfg := s.app.Config()
	out := make([]sourceInfo, 0, len(cfg.Sources))
	for _, sc := range cfg.Sources {
		info := sourceInfo{Name: sc.Name, Type: sc.Type, URL: appLog.RedactURL(sc.URL), Agendas: []string{}}
		for _, ag := range s.app.Agendas() {
			for _, name := range ag.Sources {
				if name == sc.Name {
					info.Agendas = append(info.Agendas, ag.Key)
					break
				}
			}
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		appLog.Error("failed to write JSON response", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	type errResp struct {
		Error string `json:"error"`
	}
	writeJSON(w, status, errResp{Error: msg})
}
