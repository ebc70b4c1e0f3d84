package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for the service. It is constructed
// once by the composition root and passed to the components that record into
// it; there is no package-level instance.
type Collector struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Outbound webhook metrics
	WebhookCalls    *prometheus.CounterVec
	WebhookDuration *prometheus.HistogramVec

	// Reliability layer metrics
	RetryAttempts    *prometheus.CounterVec
	BreakerTrips     *prometheus.CounterVec
	RateLimitBlocked *prometheus.CounterVec
	IdempotencyHits  prometheus.Counter
	IdempotencyMiss  prometheus.Counter
	CallbackChecks   *prometheus.CounterVec
	AlertsFired      *prometheus.CounterVec
}

// NewCollector creates a metrics collector backed by its own registry so
// tests can construct collectors independently.
func NewCollector(namespace string) *Collector {
	registry := prometheus.NewRegistry()

	httpRequests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	httpDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	webhookCalls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_calls_total",
			Help:      "Total number of outbound webhook calls",
		},
		[]string{"host", "outcome"},
	)

	webhookDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "webhook_call_duration_seconds",
			Help:      "Outbound webhook call duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"host"},
	)

	retryAttempts := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_attempts_total",
			Help:      "Total number of retry engine attempts",
		},
		[]string{"operation", "outcome"},
	)

	breakerTrips := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_trips_total",
			Help:      "Total number of circuit breaker open transitions",
		},
		[]string{"operation"},
	)

	rateLimitBlocked := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_blocked_total",
			Help:      "Total number of requests blocked by a rate limit rule",
		},
		[]string{"rule"},
	)

	idempotencyHits := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_hits_total",
			Help:      "Total number of responses replayed from the idempotency cache",
		},
	)

	idempotencyMiss := prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idempotency_misses_total",
			Help:      "Total number of idempotency cache misses",
		},
	)

	callbackChecks := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "callback_verifications_total",
			Help:      "Total number of inbound callback verification outcomes",
		},
		[]string{"result"},
	)

	alertsFired := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_fired_total",
			Help:      "Total number of alerts fired",
		},
		[]string{"rule", "severity"},
	)

	registry.MustRegister(
		httpRequests,
		httpDuration,
		webhookCalls,
		webhookDuration,
		retryAttempts,
		breakerTrips,
		rateLimitBlocked,
		idempotencyHits,
		idempotencyMiss,
		callbackChecks,
		alertsFired,
	)

	return &Collector{
		registry:         registry,
		HTTPRequests:     httpRequests,
		HTTPDuration:     httpDuration,
		WebhookCalls:     webhookCalls,
		WebhookDuration:  webhookDuration,
		RetryAttempts:    retryAttempts,
		BreakerTrips:     breakerTrips,
		RateLimitBlocked: rateLimitBlocked,
		IdempotencyHits:  idempotencyHits,
		IdempotencyMiss:  idempotencyMiss,
		CallbackChecks:   callbackChecks,
		AlertsFired:      alertsFired,
	}
}

// Registry exposes the underlying registry for the /metrics handler.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}
