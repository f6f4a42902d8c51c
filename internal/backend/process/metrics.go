package process

import "github.com/prometheus/client_golang/prometheus"

// Metric label values for worker outcomes.
const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeKilled    = "killed"
)

var (
	activeWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "rf_process_active_workers",
			Help: "Number of currently running worker processes.",
		},
	)

	workerDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rf_process_worker_seconds",
			Help:    "Lifetime of worker processes from start to reap, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	workersTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rf_process_workers_total",
			Help: "Total number of worker processes reaped, by outcome.",
		},
		[]string{"outcome"},
	)

	killEscalations = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rf_process_kill_escalations_total",
			Help: "Number of workers that ignored SIGTERM and were sent SIGKILL.",
		},
	)
)

func init() {
	prometheus.MustRegister(activeWorkers)
	prometheus.MustRegister(workerDuration)
	prometheus.MustRegister(workersTotal)
	prometheus.MustRegister(killEscalations)

	// Pre-initialize label combinations so they appear in /metrics with
	// value 0 from startup.
	workersTotal.WithLabelValues(outcomeCompleted)
	workersTotal.WithLabelValues(outcomeFailed)
	workersTotal.WithLabelValues(outcomeKilled)
}
