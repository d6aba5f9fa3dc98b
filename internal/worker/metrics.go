package worker

import "github.com/prometheus/client_golang/prometheus"

var (
	tasksProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchd_worker_tasks_total",
			Help: "Tasks processed by outcome.",
		},
		[]string{"outcome"},
	)

	taskLeasesLostTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "benchd_worker_task_leases_lost_total",
			Help: "Task leases lost to reclamation while a drive was running.",
		},
	)

	taskDriveSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "benchd_worker_task_drive_seconds",
			Help:    "Wall time spent driving a run per task.",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 14),
		},
	)
)

func init() {
	prometheus.MustRegister(tasksProcessedTotal)
	prometheus.MustRegister(taskLeasesLostTotal)
	prometheus.MustRegister(taskDriveSeconds)
}
