// Package metrics provides Prometheus instrumentation for the flaggate
// server.
//
// All metrics are registered in a custom [prometheus.Registry] (not the global
// default) so that only flaggate metrics appear on the /metrics endpoint.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors used by the flaggate server.
type Metrics struct {
	Registry *prometheus.Registry

	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	CacheHitsTotal      prometheus.Counter
	CacheMissesTotal    prometheus.Counter
	CacheInvalidations  prometheus.Counter
	CacheSize           prometheus.Gauge
	EvaluationsTotal    *prometheus.CounterVec
	StaleServesTotal    prometheus.Counter
	HistoryFailures     prometheus.Counter
	AuthFailuresTotal   prometheus.Counter
}

// New creates and registers all flaggate metrics in a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		Registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flaggate_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "status"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "flaggate_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "status"}),

		CacheHitsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flaggate_cache_hits_total",
			Help: "Total number of flag lookups served from the cache.",
		}),

		CacheMissesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flaggate_cache_misses_total",
			Help: "Total number of flag lookups that went to the flag store.",
		}),

		CacheInvalidations: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flaggate_cache_invalidations_total",
			Help: "Total number of mutation-triggered cache invalidations.",
		}),

		CacheSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "flaggate_cache_size",
			Help: "Number of flag definitions in the in-memory cache.",
		}),

		EvaluationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "flaggate_flag_evaluations_total",
			Help: "Total number of flag evaluations.",
		}, []string{"result"}),

		StaleServesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flaggate_stale_serves_total",
			Help: "Total number of evaluations answered from expired cache entries while the flag store was unreachable.",
		}),

		HistoryFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flaggate_history_write_failures_total",
			Help: "Total number of audit history writes that failed after a successful mutation.",
		}),

		AuthFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "flaggate_auth_failures_total",
			Help: "Total number of failed authentication attempts.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheInvalidations,
		m.CacheSize,
		m.EvaluationsTotal,
		m.StaleServesTotal,
		m.HistoryFailures,
		m.AuthFailuresTotal,
	)

	return m
}

// Handler returns an [http.Handler] that serves Prometheus metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// HTTPMiddleware records request count and latency for every request passing
// through it.
func (m *Metrics) HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(recorder, r)

		status := strconv.Itoa(recorder.status)
		m.HTTPRequestsTotal.WithLabelValues(r.Method, status).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, status).Observe(time.Since(start).Seconds())
	})
}

// RecordEvaluation increments the evaluation counter with the given result.
func (m *Metrics) RecordEvaluation(result bool) {
	m.EvaluationsTotal.WithLabelValues(strconv.FormatBool(result)).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
