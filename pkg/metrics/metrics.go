// Package metrics exposes meterscan's Prometheus collectors. All methods are
// safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Outcome label used for successful operations.
const OK = "ok"

// Metrics holds the collectors registered against one registry.
type Metrics struct {
	reg *prometheus.Registry

	extractions   *prometheus.CounterVec
	queries       *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	retrieved     prometheus.Histogram
	retries       *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
}

// New creates a registry with Go and process collectors plus the meterscan
// collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		extractions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meterscan_extractions_total",
				Help: "Extraction requests by outcome (ok or error kind)",
			},
			[]string{"outcome"},
		),
		queries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meterscan_queries_total",
				Help: "Question answering requests by outcome (ok, no_matches or error kind)",
			},
			[]string{"outcome"},
		),
		stageDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "meterscan_stage_duration_seconds",
				Help:    "Duration of pipeline stages",
				Buckets: prometheus.ExponentialBuckets(0.005, 2, 14), // 5ms to ~40s
			},
			[]string{"pipeline", "stage"},
		),
		retrieved: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "meterscan_retrieved_readings",
				Help:    "Readings retrieved per question",
				Buckets: prometheus.LinearBuckets(0, 1, 11),
			},
		),
		retries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meterscan_retries_total",
				Help: "Retried external calls by operation and error kind",
			},
			[]string{"op", "kind"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "meterscan_http_requests_total",
				Help: "HTTP requests by route pattern and status code",
			},
			[]string{"route", "code"},
		),
	}
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.extractions, m.queries, m.stageDuration, m.retrieved, m.retries, m.httpRequests,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.reg
}

// Extraction counts one finished extraction.
func (m *Metrics) Extraction(outcome string) {
	if m == nil {
		return
	}
	m.extractions.WithLabelValues(outcome).Inc()
}

// Query counts one finished question.
func (m *Metrics) Query(outcome string) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(outcome).Inc()
}

// Stage records how long a pipeline stage took.
func (m *Metrics) Stage(pipeline, stage string, d time.Duration) {
	if m == nil {
		return
	}
	m.stageDuration.WithLabelValues(pipeline, stage).Observe(d.Seconds())
}

// Retrieved records the evidence count of one question.
func (m *Metrics) Retrieved(n int) {
	if m == nil {
		return
	}
	m.retrieved.Observe(float64(n))
}

// Retry counts one scheduled retry.
func (m *Metrics) Retry(op, kind string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(op, kind).Inc()
}

// HTTPRequest counts one served request.
func (m *Metrics) HTTPRequest(route, code string) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(route, code).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
