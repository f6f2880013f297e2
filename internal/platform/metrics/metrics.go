package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the stamp server.
type Metrics struct {
	registry            *prometheus.Registry
	requestsTotal       prometheus.Counter
	errorsTotal         prometheus.Counter
	stampsCreatedTotal  prometheus.Counter
	stampsRejectedTotal *prometheus.CounterVec
	broadcastsTotal     prometheus.Counter
	droppedSubscribers  prometheus.Counter
	subscribers         prometheus.Gauge
}

// New creates and registers Prometheus metrics on a private registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stamps_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stamps_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	stampsCreatedTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stamps_created_total",
		Help: "Total number of stamps persisted and broadcast",
	})
	stampsRejectedTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "stamps_rejected_total",
		Help: "Total number of stamp submissions rejected, by reason",
	}, []string{"reason"})
	broadcastsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stamps_broadcasts_total",
		Help: "Total number of per-subscriber event deliveries enqueued",
	})
	droppedSubscribers := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "stamps_dropped_subscribers_total",
		Help: "Subscribers disconnected because their outbound queue was full",
	})
	subscribers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "stamps_subscribers",
		Help: "Number of currently connected realtime subscribers",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		stampsCreatedTotal,
		stampsRejectedTotal,
		broadcastsTotal,
		droppedSubscribers,
		subscribers,
	)

	return &Metrics{
		registry:            registry,
		requestsTotal:       requestsTotal,
		errorsTotal:         errorsTotal,
		stampsCreatedTotal:  stampsCreatedTotal,
		stampsRejectedTotal: stampsRejectedTotal,
		broadcastsTotal:     broadcastsTotal,
		droppedSubscribers:  droppedSubscribers,
		subscribers:         subscribers,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncStampsCreated increments the created stamps counter.
func (m *Metrics) IncStampsCreated() {
	m.stampsCreatedTotal.Inc()
}

// IncStampsRejected increments the rejection counter for reason
// ("validation", "persistence", "unauthenticated", "malformed").
func (m *Metrics) IncStampsRejected(reason string) {
	m.stampsRejectedTotal.WithLabelValues(reason).Inc()
}

// AddBroadcasts adds n delivered events.
func (m *Metrics) AddBroadcasts(n int) {
	m.broadcastsTotal.Add(float64(n))
}

// IncDroppedSubscribers counts a slow subscriber being disconnected.
func (m *Metrics) IncDroppedSubscribers() {
	m.droppedSubscribers.Inc()
}

// SetSubscribers sets the connected subscribers gauge.
func (m *Metrics) SetSubscribers(n int) {
	m.subscribers.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. subscribers).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
