package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveFetch("a", time.Second, nil)
	m.SetRecords("a", 3)
	m.ObserveRefresh("all", RefreshOK)
	m.SetDegraded("all", true)
	m.SetWrittenAt("all", time.Now())
	assert.Nil(t, m.Registry())
}

func TestCounters(t *testing.T) {
	m := New()
	m.ObserveFetch("a", 10*time.Millisecond, nil)
	m.ObserveFetch("a", 10*time.Millisecond, errors.New("boom"))
	m.ObserveFetch("a", 10*time.Millisecond, errors.New("boom"))
	m.SetDegraded("all", true)

	body := scrape(t, m)
	assert.Contains(t, body, `sortir_source_fetch_total{result="ok",source="a"} 1`)
	assert.Contains(t, body, `sortir_source_fetch_total{result="failed",source="a"} 2`)
	assert.Contains(t, body, `sortir_cache_degraded{key="all"} 1`)
}

func TestHandler(t *testing.T) {
	m := New()
	m.ObserveRefresh("all", RefreshWriteError)

	assert.Contains(t, scrape(t, m), `sortir_cache_refresh_total{key="all",result="write_error"} 1`)
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}
