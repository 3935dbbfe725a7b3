// Package metrics holds the Prometheus collectors of the pipeline. A nil
// *Metrics is valid and records nothing.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sortir"

// Fetch results.
const (
	ResultOK     = "ok"
	ResultFailed = "failed"
)

// Refresh results.
const (
	RefreshOK         = "ok"
	RefreshFailed     = "failed"
	RefreshWriteError = "write_error"
)

type Metrics struct {
	registry *prometheus.Registry

	fetchTotal    *prometheus.CounterVec
	fetchDuration *prometheus.HistogramVec
	records       *prometheus.GaugeVec
	refreshTotal  *prometheus.CounterVec
	degraded      *prometheus.GaugeVec
	writtenAt     *prometheus.GaugeVec
}

// New registers every collector on a private registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		fetchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_fetch_total",
			Help:      "Source fetches by result.",
		}, []string{"source", "result"}),
		fetchDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "source_fetch_duration_seconds",
			Help:      "Duration of source fetches including retries.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"source"}),
		records: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "source_records",
			Help:      "Normalized records produced by a source in its last run.",
		}, []string{"source"}),
		refreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_refresh_total",
			Help:      "Cache refreshes by result.",
		}, []string{"key", "result"}),
		degraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_degraded",
			Help:      "1 while the cache entry is served after a failed refresh.",
		}, []string{"key"}),
		writtenAt: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "cache_written_timestamp_seconds",
			Help:      "Unix time of the last successful cache write.",
		}, []string{"key"}),
	}
	m.registry.MustRegister(
		m.fetchTotal, m.fetchDuration, m.records,
		m.refreshTotal, m.degraded, m.writtenAt,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ObserveFetch(source string, d time.Duration, err error) {
	if m == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultFailed
	}
	m.fetchTotal.WithLabelValues(source, result).Inc()
	m.fetchDuration.WithLabelValues(source).Observe(d.Seconds())
}

func (m *Metrics) SetRecords(source string, n int) {
	if m == nil {
		return
	}
	m.records.WithLabelValues(source).Set(float64(n))
}

func (m *Metrics) ObserveRefresh(key, result string) {
	if m == nil {
		return
	}
	m.refreshTotal.WithLabelValues(key, result).Inc()
}

func (m *Metrics) SetDegraded(key string, degraded bool) {
	if m == nil {
		return
	}
	v := 0.0
	if degraded {
		v = 1
	}
	m.degraded.WithLabelValues(key).Set(v)
}

func (m *Metrics) SetWrittenAt(key string, t time.Time) {
	if m == nil || t.IsZero() {
		return
	}
	m.writtenAt.WithLabelValues(key).Set(float64(t.Unix()))
}
