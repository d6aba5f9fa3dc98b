package scheduler

import "github.com/prometheus/client_golang/prometheus"

var (
	admissionQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "benchd_admission_queue_depth",
			Help: "Number of runs waiting for asset admission.",
		},
	)

	taskQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "benchd_task_queue_depth",
			Help: "Number of unclaimed tasks on the run queue.",
		},
	)

	admissionWaitSeconds = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "benchd_admission_wait_seconds",
			Help:    "Time from run submission to full asset admission.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
		},
	)

	admissionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchd_admissions_total",
			Help: "Admission attempts by outcome.",
		},
		[]string{"result"},
	)

	admissionRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "benchd_admission_retries_total",
			Help: "Admission attempts rolled back after a partial acquisition.",
		},
	)

	staleReclaimsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "benchd_stale_reclaims_total",
			Help: "Expired leases reclaimed by the recovery scan.",
		},
	)
)

func init() {
	prometheus.MustRegister(admissionQueueDepth)
	prometheus.MustRegister(taskQueueDepth)
	prometheus.MustRegister(admissionWaitSeconds)
	prometheus.MustRegister(admissionsTotal)
	prometheus.MustRegister(admissionRetriesTotal)
	prometheus.MustRegister(staleReclaimsTotal)
}
