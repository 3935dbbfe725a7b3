package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sortir/internal/app"
	"sortir/internal/cache"
	"sortir/internal/config"
	appLog "sortir/internal/log"
	"sortir/internal/metrics"
	"sortir/internal/model"
)

var now = time.Date(2026, 10, 16, 12, 0, 0, 0, time.UTC)

type stubAdapter struct {
	name string
	recs []model.RawRecord
	err  error
}

func (s *stubAdapter) Name() string { return s.name }

func (s *stubAdapter) FetchRaw(context.Context) ([]model.RawRecord, error) {
	return s.recs, s.err
}

func record(title string, date time.Time, kv ...string) model.RawRecord {
	r := model.NewRawRecord(model.KindJSON)
	r.Set("title", title)
	r.Set("date", date.Format(time.RFC3339))
	for i := 0; i+1 < len(kv); i += 2 {
		r.Set(kv[i], kv[i+1])
	}
	return r
}

func newTestServer(t *testing.T, adapters ...*stubAdapter) *Server {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Cache.Dir = t.TempDir()
	cfg.Sources = nil
	opts := []app.Option{
		app.WithNow(func() time.Time { return now }),
		app.WithMetrics(metrics.New()),
		app.WithStore(cache.NewFileStore(t.TempDir())),
	}
	for _, a := range adapters {
		cfg.Sources = append(cfg.Sources, config.SourceConfig{
			Name: a.name,
			Type: config.TypeJSON,
			URL:  "https://" + a.name + ".example.org/api/v1/events?key=secret",
			// Keep the failure path fast.
			Retries: new(int),
		})
		opts = append(opts, app.WithAdapter(a.name, a))
	}
	cfg.Agendas = nil
	cfg.Normalize()

	a, err := app.New(cfg, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return NewServer(a)
}

func get(t *testing.T, s *Server, target string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
	return rec
}

func decodeEvents(t *testing.T, rec *httptest.ResponseRecorder) eventsResponse {
	t.Helper()
	var body eventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestEvents(t *testing.T) {
	s := newTestServer(t,
		&stubAdapter{name: "ville", recs: []model.RawRecord{
			record("Marché", now.Add(2*time.Hour)),
			record("Brocante", now.AddDate(0, 0, 10)),
		}},
		&stubAdapter{name: "musees", recs: []model.RawRecord{record("Expo", now.Add(26*time.Hour))}},
		&stubAdapter{name: "cassé", err: errors.New("connection refused")},
	)

	rec := get(t, s, "/events")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/json")

	body := decodeEvents(t, rec)
	assert.Equal(t, "all", body.Agenda)
	assert.False(t, body.Stale)
	assert.Equal(t, now, body.WrittenAt.UTC())
	require.Len(t, body.Events, 3)
	assert.Equal(t, "Marché", body.Events[0].Title)
	assert.Equal(t, model.PlaceholderImage, body.Events[0].Image)

	body = decodeEvents(t, get(t, s, "/api/events?windowDays=2"))
	assert.Len(t, body.Events, 2)

	body = decodeEvents(t, get(t, s, "/events?source=musees"))
	require.Len(t, body.Events, 1)
	assert.Equal(t, "Expo", body.Events[0].Title)

	body = decodeEvents(t, get(t, s, "/events?windowDays=0"))
	assert.Len(t, body.Events, 1)

	body = decodeEvents(t, get(t, s, "/events?windowDays=400"))
	assert.Len(t, body.Events, 3)
}

func TestEventsEmptyIsNotAnError(t *testing.T) {
	s := newTestServer(t, &stubAdapter{name: "ville"})

	rec := get(t, s, "/events")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, string(mustField(t, rec.Body.Bytes(), "events")))
}

func TestEventsColdCacheTotalFailure(t *testing.T) {
	s := newTestServer(t,
		&stubAdapter{name: "a", err: errors.New("timeout")},
		&stubAdapter{name: "b", err: errors.New("bad gateway")},
	)

	rec := get(t, s, "/events")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var body map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.NotEmpty(t, body["error"])
	assert.NotContains(t, body["error"], "bad gateway")
}

func TestEventsBadQuery(t *testing.T) {
	s := newTestServer(t, &stubAdapter{name: "ville"})

	assert.Equal(t, http.StatusNotFound, get(t, s, "/events?agenda=nowhere").Code)
	assert.Equal(t, http.StatusBadRequest, get(t, s, "/events?windowDays=soon").Code)
}

func TestRSS(t *testing.T) {
	s := newTestServer(t, &stubAdapter{name: "ville", recs: []model.RawRecord{
		record("Marché", now.Add(2*time.Hour), "url", "https://ville.example.org/marche", "id", "m1"),
		record("Bal", now.Add(3*time.Hour)),
	}})

	rec := get(t, s, "/events.rss")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "application/rss+xml")

	body := rec.Body.String()
	assert.Equal(t, 2, strings.Count(body, "<item>"))
	assert.Contains(t, body, "<title>Marché</title>")
	assert.Contains(t, body, "https://ville.example.org/marche")
	assert.Contains(t, body, "ville:m1")
}

func TestCacheAndSourcesStatus(t *testing.T) {
	s := newTestServer(t, &stubAdapter{name: "ville", recs: []model.RawRecord{record("Marché", now.Add(time.Hour))}})

	rec := get(t, s, "/api/cache")
	require.Equal(t, http.StatusOK, rec.Code)
	var statuses []cacheStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "empty", statuses[0].State)
	assert.Nil(t, statuses[0].WrittenAt)

	require.Equal(t, http.StatusOK, get(t, s, "/events").Code)

	require.NoError(t, json.Unmarshal(get(t, s, "/api/cache").Body.Bytes(), &statuses))
	assert.Equal(t, "fresh", statuses[0].State)
	assert.Equal(t, 1, statuses[0].Events)
	assert.NotNil(t, statuses[0].WrittenAt)

	var sources []sourceInfo
	require.NoError(t, json.Unmarshal(get(t, s, "/api/sources").Body.Bytes(), &sources))
	require.Len(t, sources, 1)
	assert.Equal(t, "ville", sources[0].Name)
	assert.NotContains(t, sources[0].URL, "secret")
	assert.Equal(t, []string{"all"}, sources[0].Agendas)
}

func TestHealthMetricsAndStatic(t *testing.T) {
	s := newTestServer(t, &stubAdapter{name: "ville"})

	rec := get(t, s, "/health")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())

	require.Equal(t, http.StatusOK, get(t, s, "/events").Code)
	rec = get(t, s, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "sortir_cache_refresh_total")

	rec = get(t, s, model.PlaceholderImage)
	assert.Equal(t, http.StatusOK, rec.Code)

	assert.Equal(t, http.StatusNotFound, get(t, s, "/nope").Code)
}

func TestRecoverPanics(t *testing.T) {
	h := recoverPanics(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())
}

// requestLogs returns the status of every "http request" line in buf.
func requestLogs(t *testing.T, buf *bytes.Buffer) map[string]float64 {
	t.Helper()
	out := make(map[string]float64)
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		var m map[string]any
		if json.Unmarshal([]byte(line), &m) != nil || m["message"] != "http request" {
			continue
		}
		path, _ := m["path"].(string)
		status, _ := m["status"].(float64)
		out[path] = status
	}
	return out
}

func TestRequestLogCoversNotFoundAndPanics(t *testing.T) {
	var buf bytes.Buffer
	appLog.SetOutput(&buf, "json")
	t.Cleanup(func() { appLog.SetOutput(os.Stderr, "json") })

	s := newTestServer(t, &stubAdapter{name: "ville"})
	s.router.HandleFunc("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	assert.Equal(t, http.StatusNotFound, get(t, s, "/nope").Code)
	rec := get(t, s, "/boom")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.JSONEq(t, `{"error":"internal server error"}`, rec.Body.String())

	logs := requestLogs(t, &buf)
	assert.EqualValues(t, http.StatusNotFound, logs["/nope"])
	assert.EqualValues(t, http.StatusInternalServerError, logs["/boom"])
}

func mustField(t *testing.T, data []byte, name string) json.RawMessage {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(data, &m))
	return m[name]
}
