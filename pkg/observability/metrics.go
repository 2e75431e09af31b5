package observability

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Event pipeline counters
	eventsReceivedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aixgo_events_received_total",
			Help: "Total number of relay events delivered to the dispatcher",
		},
	)

	eventsQueuedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aixgo_events_queued_total",
			Help: "Total number of events accepted onto the work queue",
		},
	)

	eventsDroppedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "aixgo_events_dropped_total",
			Help: "Total number of events dropped, by reason",
		},
		[]string{"reason"},
	)

	rateLimitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aixgo_rate_limited_total",
			Help: "Total number of events rejected by the rate limiter",
		},
	)

	processorErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aixgo_processor_errors_total",
			Help: "Total number of processor pipeline errors",
		},
	)

	// AI client metrics
	aiCallsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aixgo_ai_calls_total",
			Help: "Total number of AI completion calls",
		},
	)

	aiFallbacksTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aixgo_ai_fallbacks_total",
			Help: "Total number of AI calls that exhausted retries and fell back",
		},
	)

	breakerState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aixgo_breaker_state",
			Help: "AI circuit breaker state: 0=closed, 1=open, 2=half-open",
		},
	)

	// Relay metrics
	relayConnected = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "aixgo_relay_connected",
			Help: "Whether a relay connection is currently up (1) or down (0)",
		},
		[]string{"url"},
	)

	// Accounting metrics
	satsCreditedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aixgo_sats_credited_total",
			Help: "Total sats credited via receipts",
		},
	)

	satsDebitedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "aixgo_sats_debited_total",
			Help: "Total sats debited for replies",
		},
	)

	// Work queue gauges
	queueLength = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aixgo_queue_length",
			Help: "Current number of tasks pending in the work queue",
		},
	)

	queueInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "aixgo_queue_in_flight",
			Help: "Current number of tasks executing concurrently",
		},
	)

	initOnce sync.Once
)

// InitMetrics initializes Prometheus metrics
func InitMetrics() {
	initOnce.Do(func() {
		prometheus.MustRegister(
			eventsReceivedTotal,
			eventsQueuedTotal,
			eventsDroppedTotal,
			rateLimitedTotal,
			processorErrorsTotal,
			aiCallsTotal,
			aiFallbacksTotal,
			breakerState,
			relayConnected,
			satsCreditedTotal,
			satsDebitedTotal,
			queueLength,
			queueInFlight,
		)
	})
}

// MetricsHandler returns an HTTP handler for Prometheus metrics
func MetricsHandler() http.Handler {
	return promhttp.Handler()
}

// RecordEventReceived increments the received-event counter.
func RecordEventReceived() { eventsReceivedTotal.Inc() }

// RecordEventQueued increments the queued-event counter.
func RecordEventQueued() { eventsQueuedTotal.Inc() }

// RecordEventDropped increments the dropped-event counter for reason.
func RecordEventDropped(reason string) { eventsDroppedTotal.WithLabelValues(reason).Inc() }

// RecordRateLimited increments the rate-limited counter.
func RecordRateLimited() { rateLimitedTotal.Inc() }

// RecordProcessorError increments the processor error counter.
func RecordProcessorError() { processorErrorsTotal.Inc() }

// RecordAICall increments the AI call counter.
func RecordAICall() { aiCallsTotal.Inc() }

// RecordAIFallback increments the AI fallback counter.
func RecordAIFallback() { aiFallbacksTotal.Inc() }

// SetBreakerState sets the breaker-state gauge (0 closed, 1 open, 2 half-open).
func SetBreakerState(state int) { breakerState.Set(float64(state)) }

// SetRelayConnected sets the per-relay connected gauge.
func SetRelayConnected(url string, connected bool) {
	v := 0.0
	if connected {
		v = 1.0
	}
	relayConnected.WithLabelValues(url).Set(v)
}

// RecordSatsCredited adds sats to the credited counter.
func RecordSatsCredited(sats int64) { satsCreditedTotal.Add(float64(sats)) }

// RecordSatsDebited adds sats to the debited counter.
func RecordSatsDebited(sats int64) { satsDebitedTotal.Add(float64(sats)) }

// SetQueueStats sets the queue length/in-flight gauges.
func SetQueueStats(length, inFlight int) {
	queueLength.Set(float64(length))
	queueInFlight.Set(float64(inFlight))
}
