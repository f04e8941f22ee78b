// Package metrics exposes Prometheus metrics for the classroom gateway.
// All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the gateway.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Call metrics
	CallsActive  prometheus.Gauge
	CallsTotal   *prometheus.CounterVec
	CallDuration *prometheus.HistogramVec

	// Classroom metrics
	ClassroomsActive prometheus.Gauge
	ErrorsTotal      *prometheus.CounterVec
	ImagesTotal      *prometheus.CounterVec

	// Microphone metrics
	MicRequestsTotal   *prometheus.CounterVec
	MicRequestDuration prometheus.Histogram

	// History metrics
	HistoryFetchesTotal *prometheus.CounterVec
}

// New creates a Metrics instance with its own registry.
func New(namespace string) *Metrics {
	if namespace == "" {
		namespace = "classroom"
	}
	registry := prometheus.NewRegistry()

	httpRequestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)
	httpRequestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 15},
		},
		[]string{"method", "route"},
	)
	callsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "calls_active",
		Help:      "Number of connected tutoring calls",
	})
	callsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "calls_total",
			Help:      "Total number of call connection attempts",
		},
		[]string{"result"},
	)
	callDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "call_duration_seconds",
			Help:      "Connected call duration in seconds",
			Buckets:   []float64{10, 30, 60, 300, 600, 1200, 1800, 3600},
		},
		[]string{"end_reason"},
	)
	classroomsActive := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "classrooms_active",
		Help:      "Number of live classroom controllers",
	})
	errorsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of reported classroom errors",
		},
		[]string{"operation", "kind"},
	)
	imagesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "images_total",
			Help:      "Total number of image uploads",
		},
		[]string{"result"},
	)
	micRequestsTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mic_requests_total",
			Help:      "Total number of hardware microphone requests",
		},
		[]string{"target", "result"},
	)
	micRequestDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "mic_request_duration_seconds",
		Help:      "Hardware microphone request duration in seconds",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	})
	historyFetchesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "history_fetches_total",
			Help:      "Total number of history fetches",
		},
		[]string{"result"},
	)

	registry.MustRegister(
		httpRequestsTotal,
		httpRequestDuration,
		callsActive,
		callsTotal,
		callDuration,
		classroomsActive,
		errorsTotal,
		imagesTotal,
		micRequestsTotal,
		micRequestDuration,
		historyFetchesTotal,
	)

	return &Metrics{
		registry:            registry,
		HTTPRequestsTotal:   httpRequestsTotal,
		HTTPRequestDuration: httpRequestDuration,
		CallsActive:         callsActive,
		CallsTotal:          callsTotal,
		CallDuration:        callDuration,
		ClassroomsActive:    classroomsActive,
		ErrorsTotal:         errorsTotal,
		ImagesTotal:         imagesTotal,
		MicRequestsTotal:    micRequestsTotal,
		MicRequestDuration:  micRequestDuration,
		HistoryFetchesTotal: historyFetchesTotal,
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(status)).Inc()
		m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// RecordCallStart records a call that connected.
func (m *Metrics) RecordCallStart() {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues("connected").Inc()
	m.CallsActive.Inc()
}

// RecordCallFailed records a connection attempt that failed.
func (m *Metrics) RecordCallFailed() {
	if m == nil {
		return
	}
	m.CallsTotal.WithLabelValues("failed").Inc()
}

// RecordCallEnd records a connected call ending.
func (m *Metrics) RecordCallEnd(reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.CallsActive.Dec()
	m.CallDuration.WithLabelValues(reason).Observe(duration.Seconds())
}

// RecordError records an error reported to the learner.
func (m *Metrics) RecordError(operation, kind string) {
	if m == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(operation, kind).Inc()
}

// RecordImage records an image upload outcome.
func (m *Metrics) RecordImage(result string) {
	if m == nil {
		return
	}
	m.ImagesTotal.WithLabelValues(result).Inc()
}

// RecordMicRequest records a completed hardware microphone request.
func (m *Metrics) RecordMicRequest(enabled bool, duration time.Duration, err error) {
	if m == nil {
		return
	}
	target := "disable"
	if enabled {
		target = "enable"
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.MicRequestsTotal.WithLabelValues(target, result).Inc()
	m.MicRequestDuration.Observe(duration.Seconds())
}

// RecordHistoryFetch records a history fetch outcome: ok, error or stale.
func (m *Metrics) RecordHistoryFetch(result string) {
	if m == nil {
		return
	}
	m.HistoryFetchesTotal.WithLabelValues(result).Inc()
}

// SetClassroomsActive sets the number of live controllers.
func (m *Metrics) SetClassroomsActive(n int) {
	if m == nil {
		return
	}
	m.ClassroomsActive.Set(float64(n))
}
