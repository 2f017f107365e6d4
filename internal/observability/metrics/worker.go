package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// WorkerMetrics covers the history worker and the indexer.
type WorkerMetrics struct {
	registry *prometheus.Registry

	eventTotal    *prometheus.CounterVec
	eventDuration *prometheus.HistogramVec
	eventInFlight prometheus.Gauge
	queueLag      *prometheus.HistogramVec
	indexedTotal  *prometheus.CounterVec
}

func NewWorkerMetrics(service string) *WorkerMetrics {
	registry := prometheus.NewRegistry()

	eventTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vcs",
			Subsystem: "worker",
			Name:      "event_process_total",
			Help:      "Total processed search events by status.",
		},
		[]string{"service", "status"},
	)
	eventDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vcs",
			Subsystem: "worker",
			Name:      "event_process_duration_seconds",
			Help:      "Search event processing duration in seconds by status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"service", "status"},
	)
	eventInFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "vcs",
			Subsystem: "worker",
			Name:      "event_process_in_flight",
			Help:      "Number of in-flight search event handlers.",
			ConstLabels: prometheus.Labels{
				"service": service,
			},
		},
	)
	queueLag := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "vcs",
			Subsystem: "worker",
			Name:      "queue_lag_seconds",
			Help:      "Delay between search completion and event processing start.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"service"},
	)
	indexedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "vcs",
			Subsystem: "indexer",
			Name:      "entries_indexed_total",
			Help:      "Total catalog entries upserted into the vector store.",
		},
		[]string{"service", "status"},
	)

	registry.MustRegister(eventTotal, eventDuration, eventInFlight, queueLag, indexedTotal)

	return &WorkerMetrics{
		registry:      registry,
		eventTotal:    eventTotal,
		eventDuration: eventDuration,
		eventInFlight: eventInFlight,
		queueLag:      queueLag,
		indexedTotal:  indexedTotal,
	}
}

func (m *WorkerMetrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *WorkerMetrics) StartEvent() {
	m.eventInFlight.Inc()
}

func (m *WorkerMetrics) FinishEvent(service string, duration time.Duration, err error) {
	m.eventInFlight.Dec()

	status := "success"
	if err != nil {
		status = "error"
	}

	m.eventTotal.WithLabelValues(service, status).Inc()
	m.eventDuration.WithLabelValues(service, status).Observe(duration.Seconds())
}

func (m *WorkerMetrics) ObserveQueueLag(service string, lag time.Duration) {
	if lag < 0 {
		return
	}
	m.queueLag.WithLabelValues(service).Observe(lag.Seconds())
}

func (m *WorkerMetrics) AddIndexedEntries(service string, count int, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	m.indexedTotal.WithLabelValues(service, status).Add(float64(count))
}
