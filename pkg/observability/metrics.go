package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Plugin lifecycle metrics
	InstallsTotal   *prometheus.CounterVec
	InstallDuration prometheus.Histogram
	UninstallsTotal *prometheus.CounterVec
	PluginsLoaded   prometheus.Gauge
	OpenLoaders     prometheus.Gauge

	// Storage metrics
	StorageOperationsTotal *prometheus.CounterVec

	// Event metrics
	EventsPublishedTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugd_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "plugd_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		InstallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugd_installs_total",
				Help: "Total number of plugin install attempts by outcome",
			},
			[]string{"outcome"},
		),
		InstallDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "plugd_install_duration_seconds",
				Help:    "Plugin install duration in seconds",
				Buckets: []float64{.005, .01, .05, .1, .25, .5, 1, 2.5, 5},
			},
		),
		UninstallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugd_uninstalls_total",
				Help: "Total number of plugin uninstalls by status",
			},
			[]string{"status"},
		),
		PluginsLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plugd_plugins_loaded",
				Help: "Number of plugins currently registered",
			},
		),
		OpenLoaders: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "plugd_open_loaders",
				Help: "Number of plugin packages currently held open",
			},
		),

		StorageOperationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugd_storage_operations_total",
				Help: "Total number of storage operations",
			},
			[]string{"operation", "backend", "status"},
		),

		EventsPublishedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "plugd_events_published_total",
				Help: "Total number of lifecycle events published",
			},
			[]string{"type", "status"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.InstallsTotal,
		m.InstallDuration,
		m.UninstallsTotal,
		m.PluginsLoaded,
		m.OpenLoaders,
		m.StorageOperationsTotal,
		m.EventsPublishedTotal,
	)

	return m
}

// InstallCompleted records one install attempt.
func (m *Metrics) InstallCompleted(outcome string, d time.Duration) {
	m.InstallsTotal.WithLabelValues(outcome).Inc()
	m.InstallDuration.Observe(d.Seconds())
}

// Uninstalled records one uninstall.
func (m *Metrics) Uninstalled(status string) {
	m.UninstallsTotal.WithLabelValues(status).Inc()
}

// SetLoaded sets the registered plugin count.
func (m *Metrics) SetLoaded(n int) {
	m.PluginsLoaded.Set(float64(n))
}

// LoaderOpened records a package handle being opened.
func (m *Metrics) LoaderOpened() {
	m.OpenLoaders.Inc()
}

// LoaderClosed records a package handle being released.
func (m *Metrics) LoaderClosed() {
	m.OpenLoaders.Dec()
}

// StorageOperation records a storage call.
func (m *Metrics) StorageOperation(operation, backend string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.StorageOperationsTotal.WithLabelValues(operation, backend, status).Inc()
}

// EventPublished records a published lifecycle event.
func (m *Metrics) EventPublished(eventType string, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.EventsPublishedTotal.WithLabelValues(eventType, status).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests. Requests are labelled with the
// matched route template so path parameters do not create new series.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tpl, err := current.GetPathTemplate(); err == nil {
					route = tpl
				}
			}

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(router *mux.Router, registry *prometheus.Registry) {
	router.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
}
