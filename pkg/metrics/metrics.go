package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the analytics service
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	// Observer connection metrics
	Connections      prometheus.Gauge
	ConnectionsTotal *prometheus.CounterVec
	MessagesReceived *prometheus.CounterVec
	MessagesSent     *prometheus.CounterVec

	// Analytics metrics
	EventsProcessed   *prometheus.CounterVec
	EventsDropped     *prometheus.CounterVec
	RoomOccupancy     *prometheus.GaugeVec
	BroadcastDuration prometheus.Histogram

	// Rate limiting metrics
	RateLimitAllowed  prometheus.Counter
	RateLimitRejected prometheus.Counter
	RateLimitFailOpen prometheus.Counter

	gatherer prometheus.Gatherer
}

// New creates a Metrics instance on the default registry
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewWithRegistry creates a Metrics instance with a custom registry
func NewWithRegistry(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formpulse_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "formpulse_http_request_duration_seconds",
				Help:    "HTTP request latencies in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),

		Connections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "formpulse_observer_connections",
				Help: "Number of active observer connections",
			},
		),
		ConnectionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formpulse_observer_connections_total",
				Help: "Total number of observer connections by outcome",
			},
			[]string{"status"},
		),
		MessagesReceived: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formpulse_observer_messages_received_total",
				Help: "Total number of inbound observer messages",
			},
			[]string{"type"},
		),
		MessagesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formpulse_observer_messages_sent_total",
				Help: "Total number of outbound observer messages",
			},
			[]string{"type"},
		),

		EventsProcessed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formpulse_analytics_events_total",
				Help: "Total number of analytics events processed",
			},
			[]string{"event"},
		),
		EventsDropped: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "formpulse_analytics_events_dropped_total",
				Help: "Total number of analytics events dropped",
			},
			[]string{"reason"},
		),
		RoomOccupancy: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "formpulse_room_occupancy",
				Help: "Number of observers per form room",
			},
			[]string{"form_type"},
		),
		BroadcastDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "formpulse_broadcast_duration_seconds",
				Help:    "Time to recompute and broadcast a metrics snapshot",
				Buckets: prometheus.DefBuckets,
			},
		),

		RateLimitAllowed: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "formpulse_ratelimit_allowed_total",
				Help: "Total number of admitted rate-limited requests",
			},
		),
		RateLimitRejected: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "formpulse_ratelimit_rejected_total",
				Help: "Total number of rejected rate-limited requests",
			},
		),
		RateLimitFailOpen: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "formpulse_ratelimit_failopen_total",
				Help: "Total number of requests admitted because the cache was degraded",
			},
		),

		gatherer: gatherer,
	}
}

// Handler returns the Prometheus scrape handler for this metric set
func (m *Metrics) Handler() http.Handler {
	if m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}
