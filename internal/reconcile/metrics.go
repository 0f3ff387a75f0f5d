package reconcile

import "github.com/prometheus/client_golang/prometheus"

var (
	reconcileDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "settlement",
		Subsystem: "reconcile",
		Name:      "run_duration_seconds",
		Help:      "Duration of reconciliation sweeps in seconds.",
		Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
	})

	reconcileErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "settlement",
		Subsystem: "reconcile",
		Name:      "errors_total",
		Help:      "Total reconciliation sweep errors.",
	})
)

func init() {
	prometheus.MustRegister(reconcileDuration, reconcileErrors)
}
