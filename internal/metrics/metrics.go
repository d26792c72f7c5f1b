package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metric definitions for the auction tracker

var (
	// HTTP metrics
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nat",
			Subsystem: "api",
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "handler", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nat",
			Subsystem: "api",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~32s
		},
		[]string{"method", "handler"},
	)

	// Bid domain metrics
	bidsPlaced = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nat",
			Subsystem: "bid",
			Name:      "placed_total",
			Help:      "Total number of bids placed upstream",
		},
		[]string{"strategy", "outcome"},
	)

	maxBidReached = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nat",
			Subsystem: "bid",
			Name:      "max_bid_reached_total",
			Help:      "Times the engine stopped because the computed bid exceeded the budget",
		},
		[]string{"strategy"},
	)

	bidRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nat",
			Subsystem: "bid",
			Name:      "retry_total",
			Help:      "Total number of bid retry attempts",
		},
	)

	outbidReflexes = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nat",
			Subsystem: "bid",
			Name:      "outbid_reflex_total",
			Help:      "Accepted-but-outbid responses that scheduled a follow-up bid",
		},
	)

	// Monitor metrics
	activeMonitors = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nat",
			Subsystem: "monitor",
			Name:      "active",
			Help:      "Number of auctions currently monitored",
		},
	)

	pollDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "nat",
			Subsystem: "monitor",
			Name:      "poll_duration_seconds",
			Help:      "Upstream poll duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12), // 10ms to ~40s
		},
		[]string{"transport"},
	)

	pollMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nat",
			Subsystem: "monitor",
			Name:      "poll_misses_total",
			Help:      "Poll ticks skipped because the previous fetch was still in flight",
		},
	)

	pollFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nat",
			Subsystem: "monitor",
			Name:      "poll_failures_total",
			Help:      "Upstream polls that returned an error",
		},
	)

	auctionsEnded = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nat",
			Subsystem: "monitor",
			Name:      "ended_total",
			Help:      "Auctions that reached the terminal state",
		},
	)

	// SSE metrics
	sseConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nat",
			Subsystem: "sse",
			Name:      "connected",
			Help:      "Number of live SSE subscriptions",
		},
	)

	sseReconnects = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nat",
			Subsystem: "sse",
			Name:      "reconnect_total",
			Help:      "SSE reconnect attempts",
		},
	)

	sseFallbacks = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nat",
			Subsystem: "sse",
			Name:      "fallback_total",
			Help:      "Subscriptions abandoned in favor of polling",
		},
	)

	// Store metrics
	storeFallbackWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "nat",
			Subsystem: "store",
			Name:      "fallback_writes_total",
			Help:      "Writes served by the in-memory fallback",
		},
		[]string{"op"},
	)

	storeConnected = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nat",
			Subsystem: "store",
			Name:      "connected",
			Help:      "Whether the durable backend is reachable (1) or not (0)",
		},
	)

	// WebSocket metrics
	wsSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "nat",
			Subsystem: "ws",
			Name:      "sessions_active",
			Help:      "Number of connected WebSocket sessions",
		},
	)

	wsDroppedSessions = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nat",
			Subsystem: "ws",
			Name:      "dropped_sessions_total",
			Help:      "Sessions dropped for not draining their send queue",
		},
	)

	wsMessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "nat",
			Subsystem: "ws",
			Name:      "messages_dropped_total",
			Help:      "Outbound messages discarded because a session queue was full",
		},
	)
)

// Handler returns the Prometheus metrics handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// InstrumentHTTPHandler wraps an HTTP handler with metrics collection
func InstrumentHTTPHandler(handlerName string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Create a response writer wrapper to capture status code
		wrapped := &responseWriter{
			ResponseWriter: w,
			statusCode:     http.StatusOK,
		}

		// Execute the handler
		handler(wrapped, r)

		// Record metrics
		duration := time.Since(start).Seconds()
		status := statusCodeClass(wrapped.statusCode)

		httpRequestsTotal.WithLabelValues(r.Method, handlerName, status).Inc()
		httpRequestDuration.WithLabelValues(r.Method, handlerName).Observe(duration)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// statusCodeClass returns the status code class (2xx, 3xx, 4xx, 5xx)
func statusCodeClass(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// RecordBidPlaced records a bid attempt outcome
func RecordBidPlaced(strategy, outcome string) {
	bidsPlaced.WithLabelValues(strategy, outcome).Inc()
}

// RecordMaxBidReached records a budget-exceeded decision
func RecordMaxBidReached(strategy string) {
	maxBidReached.WithLabelValues(strategy).Inc()
}

// RecordBidRetry records one bid retry attempt
func RecordBidRetry() {
	bidRetries.Inc()
}

// RecordOutbidReflex records a scheduled follow-up bid
func RecordOutbidReflex() {
	outbidReflexes.Inc()
}

// UpdateActiveMonitors updates the monitored-auction gauge
func UpdateActiveMonitors(count float64) {
	activeMonitors.Set(count)
}

// RecordPollDuration records an upstream poll
func RecordPollDuration(transport string, duration time.Duration) {
	pollDuration.WithLabelValues(transport).Observe(duration.Seconds())
}

// RecordPollMiss records a skipped overlapping poll tick
func RecordPollMiss() {
	pollMisses.Inc()
}

// RecordPollFailure records a failed upstream poll
func RecordPollFailure() {
	pollFailures.Inc()
}

// RecordAuctionEnded records a terminal transition
func RecordAuctionEnded() {
	auctionsEnded.Inc()
}

// UpdateSSEConnections updates the live-subscription gauge
func UpdateSSEConnections(count float64) {
	sseConnected.Set(count)
}

// RecordSSEReconnect records one reconnect attempt
func RecordSSEReconnect() {
	sseReconnects.Inc()
}

// RecordSSEFallback records a subscription giving up
func RecordSSEFallback() {
	sseFallbacks.Inc()
}

// RecordStoreFallbackWrite records a write served by the fallback map
func RecordStoreFallbackWrite(op string) {
	storeFallbackWrites.WithLabelValues(op).Inc()
}

// UpdateStoreConnected flips the durable-backend gauge
func UpdateStoreConnected(connected bool) {
	if connected {
		storeConnected.Set(1)
	} else {
		storeConnected.Set(0)
	}
}

// UpdateWSSessions updates the session gauge
func UpdateWSSessions(count float64) {
	wsSessions.Set(count)
}

// RecordWSSessionDropped records a slow session drop
func RecordWSSessionDropped() {
	wsDroppedSessions.Inc()
}

// RecordWSMessageDropped records a discarded outbound message
func RecordWSMessageDropped() {
	wsMessagesDropped.Inc()
}
