// Package metrics provides Prometheus instrumentation for the settlement
// engine.
package metrics

import (
	"context"
	"database/sql"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "settlement",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests by method, path pattern, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	// HTTPRequestDuration observes request latency by method and path.
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "settlement",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	// PaymentsInitiatedTotal counts gateway orders created.
	PaymentsInitiatedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "payments_initiated_total",
		Help:      "Total payments initiated at the gateway.",
	})

	// PaymentsCapturedTotal counts successful captures by resulting status.
	PaymentsCapturedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "payments_captured_total",
		Help:      "Total captured payments by resulting status.",
	}, []string{"status"})

	// PaymentsFailedTotal counts gateway-denied captures.
	PaymentsFailedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "payments_failed_total",
		Help:      "Total payments denied by the gateway.",
	})

	// PaymentsRefundedTotal counts refunds sent through the gateway.
	PaymentsRefundedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "payments_refunded_total",
		Help:      "Total payments refunded.",
	})

	// EscrowReleasedTotal counts escrow releases to workers.
	EscrowReleasedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "escrow_released_total",
		Help:      "Total escrow holds released to the recipient.",
	})

	// ContractsCreatedTotal counts contracts by free-allowance kind.
	ContractsCreatedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "contracts_created_total",
		Help:      "Total contracts created by commission kind (paid, lifetime_free, monthly_free).",
	}, []string{"kind"})

	// ContractsCompletedTotal counts completed contracts.
	ContractsCompletedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "contracts_completed_total",
		Help:      "Total contracts completed.",
	})

	// DisputesOpenedTotal counts disputes by priority.
	DisputesOpenedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "disputes_opened_total",
		Help:      "Total disputes opened by priority.",
	}, []string{"priority"})

	// DisputesResolvedTotal counts resolutions by decision.
	DisputesResolvedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "disputes_resolved_total",
		Help:      "Total disputes resolved by decision.",
	}, []string{"decision"})

	// EventDeliveriesTotal counts outbound event deliveries by result.
	EventDeliveriesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "settlement",
		Name:      "event_deliveries_total",
		Help:      "Total settlement event deliveries by result.",
	}, []string{"result"})

	// StuckPendingPayments tracks payments stuck in pending past the
	// reconciliation threshold.
	StuckPendingPayments = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement",
		Name:      "stuck_pending_payments",
		Help:      "Payments pending beyond the reconciliation threshold.",
	})

	// DBOpenConnections tracks open database connections.
	DBOpenConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement", Name: "db_open_connections",
		Help: "Number of open database connections.",
	})
	// DBIdleConnections tracks idle database connections.
	DBIdleConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement", Name: "db_idle_connections",
		Help: "Number of idle database connections.",
	})
	// DBInUseConnections tracks in-use database connections.
	DBInUseConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement", Name: "db_in_use_connections",
		Help: "Number of in-use database connections.",
	})
	// DBWaitCount tracks the total number of connections waited for.
	DBWaitCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement", Name: "db_wait_count_total",
		Help: "Total number of connections waited for.",
	})
	// DBWaitDuration tracks total time waited for connections.
	DBWaitDuration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement", Name: "db_wait_duration_seconds_total",
		Help: "Total time waited for connections in seconds.",
	})
	// GoroutineCount tracks the current number of goroutines.
	GoroutineCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "settlement", Name: "goroutines",
		Help: "Current number of goroutines.",
	})
)

func init() {
	prometheus.MustRegister(
		HTTPRequestsTotal,
		HTTPRequestDuration,
		PaymentsInitiatedTotal,
		PaymentsCapturedTotal,
		PaymentsFailedTotal,
		PaymentsRefundedTotal,
		EscrowReleasedTotal,
		ContractsCreatedTotal,
		ContractsCompletedTotal,
		DisputesOpenedTotal,
		DisputesResolvedTotal,
		EventDeliveriesTotal,
		StuckPendingPayments,
		DBOpenConnections,
		DBIdleConnections,
		DBInUseConnections,
		DBWaitCount,
		DBWaitDuration,
		GoroutineCount,
	)
}

// StartDBStatsCollector periodically samples sql.DBStats and runtime
// goroutine count into Prometheus gauges. Call in a goroutine; exits
// when ctx is done.
func StartDBStatsCollector(ctx context.Context, db *sql.DB, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := db.Stats()
			DBOpenConnections.Set(float64(stats.OpenConnections))
			DBIdleConnections.Set(float64(stats.Idle))
			DBInUseConnections.Set(float64(stats.InUse))
			DBWaitCount.Set(float64(stats.WaitCount))
			DBWaitDuration.Set(stats.WaitDuration.Seconds())
			GoroutineCount.Set(float64(runtime.NumGoroutine()))
		}
	}
}

// Middleware returns a gin middleware that records request metrics.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		timer := prometheus.NewTimer(HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(), // Uses route pattern, not actual path (avoids cardinality explosion)
		))

		c.Next()

		timer.ObserveDuration()
		HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			statusBucket(c.Writer.Status()),
		).Inc()
	}
}

// Handler returns the Prometheus metrics HTTP handler for /metrics endpoint.
func Handler() gin.HandlerFunc {
	h := promhttp.Handler()
	return func(c *gin.Context) {
		h.ServeHTTP(c.Writer, c.Request)
	}
}

// statusBucket groups HTTP status codes into buckets (2xx, 3xx, 4xx, 5xx).
func statusBucket(code int) string {
	switch {
	case code < 200:
		return "1xx"
	case code < 300:
		return "2xx"
	case code < 400:
		return "3xx"
	case code < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
