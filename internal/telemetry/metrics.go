package telemetry

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	kvErr "github.com/sajjad-MoBe/kvs/internal/errors"
	"github.com/sajjad-MoBe/kvs/internal/storage"
	"github.com/sajjad-MoBe/kvs/internal/wal"
)

// StoreStats is implemented by storage.Store
type StoreStats interface {
	GetMetrics() *storage.StorageMetrics
	WALMetrics() *wal.WALMetrics
}

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry
	factory  promauto.Factory

	// Request metrics
	requestDuration   *prometheus.HistogramVec
	requestTotal      *prometheus.CounterVec
	activeConnections prometheus.Gauge

	// HTTP metrics
	httpDuration *prometheus.HistogramVec
	httpTotal    *prometheus.CounterVec
}

// NewMetrics creates a metrics set on its own registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		factory:  factory,

		requestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kvs_request_duration_seconds",
				Help:    "Duration of protocol requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"op"},
		),
		requestTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvs_requests_total",
				Help: "Total number of protocol requests",
			},
			[]string{"op", "status"},
		),
		activeConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "kvs_active_connections",
				Help: "Number of open client connections",
			},
		),

		httpDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "kvs_http_request_duration_seconds",
				Help:    "Duration of admin HTTP requests in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
		httpTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "kvs_http_requests_total",
				Help: "Total number of admin HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
	}
}

// Registry returns the registry all metrics are registered with
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RegisterStore exposes the store's own counters. Values are read at
// scrape time.
func (m *Metrics) RegisterStore(stats StoreStats) {
	gauge := func(name, help string, value func(*storage.StorageMetrics) int64) {
		m.factory.NewGaugeFunc(prometheus.GaugeOpts{Name: name, Help: help}, func() float64 {
			return float64(value(stats.GetMetrics()))
		})
	}
	counter := func(name, help string, value func(*storage.StorageMetrics) int64) {
		m.factory.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, func() float64 {
			return float64(value(stats.GetMetrics()))
		})
	}

	gauge("kvs_uncompacted_bytes", "Bytes of superseded records awaiting compaction",
		func(s *storage.StorageMetrics) int64 { return s.Uncompacted })
	gauge("kvs_keys", "Number of live keys",
		func(s *storage.StorageMetrics) int64 { return s.TotalKeys })
	counter("kvs_compactions_total", "Total number of compactions",
		func(s *storage.StorageMetrics) int64 { return s.CompactionCount })
	counter("kvs_store_reads_total", "Total number of store reads",
		func(s *storage.StorageMetrics) int64 { return s.ReadCount })
	counter("kvs_store_writes_total", "Total number of store writes",
		func(s *storage.StorageMetrics) int64 { return s.WriteCount })
	counter("kvs_store_removes_total", "Total number of store removes",
		func(s *storage.StorageMetrics) int64 { return s.DeleteCount })
	counter("kvs_store_errors_total", "Total number of failed store operations",
		func(s *storage.StorageMetrics) int64 { return s.ErrorCount })

	segment := func(name, help string, value func(*wal.WALMetrics) int64) {
		m.factory.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, func() float64 {
			return float64(value(stats.WALMetrics()))
		})
	}
	segment("kvs_segments_created_total", "Total number of segment files created",
		func(w *wal.WALMetrics) int64 { return w.SegmentsCreated })
	segment("kvs_appended_records_total", "Total number of records appended to segments",
		func(w *wal.WALMetrics) int64 { return w.TotalEntries })
	segment("kvs_appended_bytes_total", "Total bytes appended to segments",
		func(w *wal.WALMetrics) int64 { return w.TotalSize })
	segment("kvs_segment_reads_total", "Total number of records read back by position",
		func(w *wal.WALMetrics) int64 { return w.ReadCount })
	segment("kvs_segment_errors_total", "Total number of failed segment appends",
		func(w *wal.WALMetrics) int64 { return w.ErrorCount })
	m.factory.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "kvs_active_segment_bytes",
		Help: "Size of the segment currently being appended to",
	}, func() float64 {
		return float64(stats.WALMetrics().CurrentFileSize)
	})
}

// ObserveRequest records one protocol request
func (m *Metrics) ObserveRequest(op string, duration time.Duration, err error) {
	m.requestDuration.WithLabelValues(op).Observe(duration.Seconds())
	m.requestTotal.WithLabelValues(op, Status(err)).Inc()
}

// ConnectionOpened increments the open connection gauge
func (m *Metrics) ConnectionOpened() {
	m.activeConnections.Inc()
}

// ConnectionClosed decrements the open connection gauge
func (m *Metrics) ConnectionClosed() {
	m.activeConnections.Dec()
}

// Status maps an operation result to a metric label
func Status(err error) string {
	if err == nil {
		return "ok"
	}
	if t := kvErr.TypeOf(err); t != "" {
		return strings.ToLower(string(t))
	}
	return "error"
}

// MetricsMiddleware adds Prometheus metrics to requests
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrw, r)

		route := r.URL.Path
		if current := mux.CurrentRoute(r); current != nil {
			if tmpl, err := current.GetPathTemplate(); err == nil {
				route = tmpl
			}
		}
		status := strconv.Itoa(wrw.statusCode)

		m.httpDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		m.httpTotal.WithLabelValues(r.Method, route, status).Inc()
	})
}

// responseWriter captures the status code written by a handler
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
