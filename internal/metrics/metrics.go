package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "reservation_service"

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests currently being processed",
		},
	)

	// Business metrics
	reservationsCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_created_total",
			Help:      "Reservations created, by type",
		},
		[]string{"type"}, // pista, prive
	)

	reservationsCanceled = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reservations_canceled_total",
			Help:      "Reservations canceled, by source",
		},
		[]string{"source"}, // owner, event
	)

	joinRequestsSubmitted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "join_requests_submitted_total",
			Help:      "Join requests created",
		},
	)

	joinDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "join_request_decisions_total",
			Help:      "Join request outcomes, by result and reason",
		},
		[]string{"result", "reason"}, // approved/rejected; owner_rejected, seats_exhausted, ...
	)

	txRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tx_retries_total",
			Help:      "Transactions retried after an infrastructure error",
		},
	)

	notificationsFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_failed_total",
			Help:      "Best-effort notifications that could not be delivered",
		},
		[]string{"type"},
	)

	// Messaging metrics
	outboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbox_messages_total",
			Help:      "Outbox publish attempts, by result",
		},
		[]string{"result"}, // sent, retry, dead
	)

	catalogMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_messages_total",
			Help:      "Catalog messages consumed, by routing key and outcome",
		},
		[]string{"routing_key", "outcome"}, // applied, duplicate, dropped, requeued
	)
)

// RecordHTTPRequest records HTTP RED metrics for one request.
func RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(statusCode)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func InFlightInc() { httpRequestsInFlight.Inc() }
func InFlightDec() { httpRequestsInFlight.Dec() }

func RecordReservationCreated(typ string) {
	reservationsCreated.WithLabelValues(typ).Inc()
}

func RecordReservationCanceled(source string) {
	reservationsCanceled.WithLabelValues(source).Inc()
}

func RecordJoinRequestSubmitted() {
	joinRequestsSubmitted.Inc()
}

// RecordJoinDecision counts a request leaving pending. reason is empty for approvals.
func RecordJoinDecision(result, reason string) {
	joinDecisions.WithLabelValues(result, reason).Inc()
}

func RecordTxRetry() {
	txRetries.Inc()
}

func RecordNotificationFailed(typ string) {
	notificationsFailed.WithLabelValues(typ).Inc()
}

func RecordOutboxPublish(result string) {
	outboxPublished.WithLabelValues(result).Inc()
}

func RecordCatalogMessage(routingKey, outcome string) {
	catalogMessages.WithLabelValues(routingKey, outcome).Inc()
}

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}
