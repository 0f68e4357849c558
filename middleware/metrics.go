package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "endpoint", "status"},
	)

	httpRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "endpoint"},
	)

	paymentProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "payment_processed_total",
			Help: "Total number of payments processed",
		},
		[]string{"status"},
	)

	gatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "payment_gateway_request_duration_seconds",
			Help:    "Payment gateway call duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation", "outcome"},
	)

	settlementItemsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_items_processed_total",
			Help: "Total number of settlement items processed",
		},
		[]string{"status"},
	)

	settlementRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "settlement_runs_total",
			Help: "Total number of settlement engine runs",
		},
		[]string{"result"},
	)

	settlementsExhaustedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "settlements_exhausted_total",
			Help: "Total number of settlements that reached the attempt cap",
		},
	)

	eventsConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "events_consumed_total",
			Help: "Total number of consumed events",
		},
		[]string{"event_type", "result"},
	)

	outboxPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_published_total",
			Help: "Total number of outbox events published",
		},
		[]string{"topic"},
	)

	circuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"name"},
	)
)

func init() {
	prometheus.MustRegister(httpRequestsTotal)
	prometheus.MustRegister(httpRequestDuration)
	prometheus.MustRegister(paymentProcessedTotal)
	prometheus.MustRegister(gatewayRequestDuration)
	prometheus.MustRegister(settlementItemsTotal)
	prometheus.MustRegister(settlementRunsTotal)
	prometheus.MustRegister(settlementsExhaustedTotal)
	prometheus.MustRegister(eventsConsumedTotal)
	prometheus.MustRegister(outboxPublishedTotal)
	prometheus.MustRegister(circuitBreakerState)
}

func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		c.Next()

		status := strconv.Itoa(c.Writer.Status())
		duration := time.Since(start).Seconds()

		httpRequestsTotal.WithLabelValues(c.Request.Method, path, status).Inc()
		httpRequestDuration.WithLabelValues(c.Request.Method, path).Observe(duration)
	}
}

func PrometheusHandler() gin.HandlerFunc {
	return gin.WrapH(promhttp.Handler())
}

func RecordPaymentProcessed(status string) {
	paymentProcessedTotal.WithLabelValues(status).Inc()
}

func RecordGatewayRequest(operation, outcome string, duration time.Duration) {
	gatewayRequestDuration.WithLabelValues(operation, outcome).Observe(duration.Seconds())
}

func RecordSettlementItem(status string) {
	settlementItemsTotal.WithLabelValues(status).Inc()
}

func RecordSettlementRun(result string) {
	settlementRunsTotal.WithLabelValues(result).Inc()
}

func RecordSettlementExhausted() {
	settlementsExhaustedTotal.Inc()
}

func RecordEventConsumed(eventType, result string) {
	eventsConsumedTotal.WithLabelValues(eventType, result).Inc()
}

func RecordOutboxPublished(topic string) {
	outboxPublishedTotal.WithLabelValues(topic).Inc()
}

func RecordCircuitState(name string, state int) {
	circuitBreakerState.WithLabelValues(name).Set(float64(state))
}
