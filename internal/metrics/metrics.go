package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifylab_http_requests_total",
			Help: "Total HTTP requests by method, route, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "notifylab_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	banditDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifylab_bandit_decisions_total",
			Help: "Bandit selector decisions by kind and reason",
		},
		[]string{"decision", "reason"},
	)

	resolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifylab_resolutions_total",
			Help: "Resolved messages by the path that produced them",
		},
		[]string{"path"},
	)

	generatorOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifylab_generator_outcomes_total",
			Help: "Generator call outcomes",
		},
		[]string{"outcome"},
	)

	generatorLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "notifylab_generator_latency_seconds",
			Help:    "Latency of generator calls including failures",
			Buckets: []float64{.1, .25, .5, 1, 2, 5, 10, 30},
		},
	)

	variantsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifylab_variants_created_total",
			Help: "Variants admitted as new rows",
		},
	)

	eventsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifylab_events_total",
			Help: "Submitted events by result",
		},
		[]string{"result"},
	)

	sqsMessagesInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notifylab_sqs_messages_in_flight",
			Help: "Current event batches being processed from SQS",
		},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "notifylab_idempotency_hits_total",
			Help: "Resolutions served from the idempotency cache",
		},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "notifylab_rate_limit_rejections_total",
			Help: "Requests rejected by the rate limiter",
		},
		[]string{"key"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "notifylab_circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open)",
		},
		[]string{"name"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "notifylab_db_connections_active",
			Help: "Acquired database connections",
		},
	)
)

// Resolution paths
const (
	PathExploit   = "exploit"
	PathGenerated = "generated"
	PathReused    = "reused_duplicate"
	PathFallback  = "fallback"
	PathEphemeral = "ephemeral"
)

// Generator outcomes
const (
	OutcomeSuccess   = "success"
	OutcomeFailure   = "failure"
	OutcomeEphemeral = "ephemeral"
	OutcomeDuplicate = "duplicate"
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordDecision records one bandit decision
func RecordDecision(decision, reason string) {
	banditDecisions.WithLabelValues(decision, reason).Inc()
}

// RecordResolution records which path produced a resolved message
func RecordResolution(path string) {
	resolutions.WithLabelValues(path).Inc()
}

// RecordGeneratorCall records the outcome and latency of one generator call
func RecordGeneratorCall(outcome string, latency time.Duration) {
	RecordGeneratorOutcome(outcome)
	generatorLatency.Observe(latency.Seconds())
}

// RecordGeneratorOutcome counts an outcome without a latency sample
func RecordGeneratorOutcome(outcome string) {
	generatorOutcomes.WithLabelValues(outcome).Inc()
}

// RecordVariantCreated counts a newly admitted variant
func RecordVariantCreated() {
	variantsCreated.Inc()
}

// RecordEvents records how many submitted events were stored and dropped
func RecordEvents(recorded, dropped int) {
	eventsIngested.WithLabelValues("recorded").Add(float64(recorded))
	eventsIngested.WithLabelValues("dropped").Add(float64(dropped))
}

// SetSQSMessagesInFlight sets the current in-flight message count
func SetSQSMessagesInFlight(count int) {
	sqsMessagesInFlight.Set(float64(count))
}

// RecordIdempotencyHit records a cache hit for idempotency
func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(key string) {
	rateLimitRejections.WithLabelValues(key).Inc()
}

// SetBreakerState publishes a breaker state as a number
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

// SetDBConnections sets acquired database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics, labelled
// with the chi route pattern when one matched
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		RecordRequest(r.Method, path, wrapped.status, time.Since(start))
	})
}
