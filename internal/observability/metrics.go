package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "ride_dispatch"

var (
	RidesRequested = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rides_requested_total", Help: "Rides entering the waiting queue"},
		[]string{"origin"},
	)
	AcceptsTotal     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accepts_total", Help: "Successful ride acceptances"})
	CompletionsTotal = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "completions_total", Help: "Completed rides"})
	RejectionsTotal  = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "rejections_total", Help: "Rejected actions by reason code"},
		[]string{"action", "code"},
	)
	AcceptLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "accept_latency_seconds", Help: "Time from request to assignment"})

	OccurrencesGenerated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "occurrences_generated_total", Help: "Occurrences created from bookings"})
	ReservationsTotal    = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "reservations_total", Help: "Solo occurrences reserved against a driver"})
	PoolOffersTotal      = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "pool_offers_total", Help: "Pool offer transitions"},
		[]string{"status"},
	)
	SweepErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "sweep_errors_total", Help: "Failed sweep phases"},
		[]string{"phase"},
	)
	SweepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{Namespace: namespace, Name: "sweep_phase_duration_seconds", Help: "Sweep phase latency", Buckets: prometheus.DefBuckets},
		[]string{"phase"},
	)

	DriversConnected = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_connected", Help: "Driver sessions connected to this instance"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
