package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksSubmitted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rf_tasks_submitted_total",
			Help: "Total number of admitted task submissions.",
		},
		[]string{"function"},
	)

	tasksRejected = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rf_tasks_rejected_total",
			Help: "Total number of submissions rejected at the concurrency ceiling.",
		},
		[]string{"function"},
	)

	tasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rf_tasks_finished_total",
			Help: "Total number of tasks that reached a terminal status.",
		},
		[]string{"function", "status"},
	)

	tasksRunning = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "rf_tasks_running",
			Help: "Number of tasks currently RUNNING.",
		},
		[]string{"function"},
	)

	taskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rf_task_duration_seconds",
			Help:    "Time from task start to terminal status, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"function"},
	)

	sweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "rf_sweep_duration_seconds",
			Help:    "Duration of one timeout sweep, in seconds.",
			Buckets: prometheus.DefBuckets,
		},
	)

	tasksPurged = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "rf_tasks_purged_total",
			Help: "Total number of finished task records removed by retention.",
		},
	)
)

func init() {
	prometheus.MustRegister(tasksSubmitted)
	prometheus.MustRegister(tasksRejected)
	prometheus.MustRegister(tasksFinished)
	prometheus.MustRegister(tasksRunning)
	prometheus.MustRegister(taskDuration)
	prometheus.MustRegister(sweepDuration)
	prometheus.MustRegister(tasksPurged)
}
