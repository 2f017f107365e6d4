package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HTTPServerMetrics covers the api process: HTTP surface plus the
// search pipeline counters the engine reports through usecase.Metrics.
type HTTPServerMetrics struct {
	registry *prometheus.Registry
	service  string

	requestTotal    *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	requestInFlight prometheus.Gauge

	classificationTotal  *prometheus.CounterVec
	searchTotal          *prometheus.CounterVec
	stateTransitionTotal *prometheus.CounterVec
	rerankFallbackTotal  *prometheus.CounterVec
}

func NewHTTPServerMetrics(service string) *HTTPServerMetrics {
	registry := prometheus.NewRegistry()

	requestTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vcs",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed.",
		},
		[]string{"service", "method", "path", "status"},
	)
	requestDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vcs",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "method", "path"},
	)
	requestInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vcs",
			Subsystem: "http",
			Name:      "in_flight_requests",
			Help:      "Number of in-flight HTTP requests.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	classificationTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vcs",
			Subsystem: "search",
			Name:      "classifications_total",
			Help:      "Query classifications by resolved intent and method.",
		},
		[]string{"service", "intent", "method"},
	)
	searchTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vcs",
			Subsystem: "search",
			Name:      "searches_total",
			Help:      "Completed searches by route and outcome.",
		},
		[]string{"service", "route", "outcome"},
	)
	stateTransitionTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vcs",
			Subsystem: "dialog",
			Name:      "state_transitions_total",
			Help:      "Dialog state machine transitions.",
		},
		[]string{"service", "from", "to"},
	)
	rerankFallbackTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vcs",
			Subsystem: "search",
			Name:      "rerank_fallbacks_total",
			Help:      "Rerank arbitrations that fell back to retrieval order.",
		},
		[]string{"service"},
	)

	registry.MustRegister(
		requestTotal,
		requestDuration,
		requestInFlight,
		classificationTotal,
		searchTotal,
		stateTransitionTotal,
		rerankFallbackTotal,
	)

	return &HTTPServerMetrics{
		registry:             registry,
		service:              service,
		requestTotal:         requestTotal,
		requestDuration:      requestDuration,
		requestInFlight:      requestInFlight,
		classificationTotal:  classificationTotal,
		searchTotal:          searchTotal,
		stateTransitionTotal: stateTransitionTotal,
		rerankFallbackTotal:  rerankFallbackTotal,
	}
}

func (m *HTTPServerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *HTTPServerMetrics) Middleware(service string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		path := normalizePath(r.URL.Path)
		recorder := &statusRecorder{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		m.requestInFlight.Inc()
		defer m.requestInFlight.Dec()

		next.ServeHTTP(recorder, r)

		m.requestTotal.WithLabelValues(
			service,
			r.Method,
			path,
			strconv.Itoa(recorder.statusCode),
		).Inc()
		m.requestDuration.WithLabelValues(service, r.Method, path).Observe(time.Since(start).Seconds())
	})
}

func normalizePath(path string) string {
	switch {
	case strings.HasPrefix(path, "/v1/links/"):
		return "/v1/links/{payload}"
	default:
		return path
	}
}

// RecordClassification and friends implement usecase.Metrics.

func (m *HTTPServerMetrics) RecordClassification(intent, method string) {
	if intent == "" {
		intent = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	m.classificationTotal.WithLabelValues(m.service, intent, method).Inc()
}

func (m *HTTPServerMetrics) RecordSearch(route string, hit bool) {
	if route == "" {
		route = "unknown"
	}
	outcome := "miss"
	if hit {
		outcome = "hit"
	}
	m.searchTotal.WithLabelValues(m.service, route, outcome).Inc()
}

func (m *HTTPServerMetrics) RecordStateTransition(from, to string) {
	m.stateTransitionTotal.WithLabelValues(m.service, from, to).Inc()
}

func (m *HTTPServerMetrics) RecordRerankFallback() {
	m.rerankFallbackTotal.WithLabelValues(m.service).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusRecorder) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusRecorder) Flush() {
	flusher, ok := w.ResponseWriter.(http.Flusher)
	if ok {
		flusher.Flush()
	}
}
