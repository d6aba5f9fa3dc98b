package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchd_steps_executed_total",
			Help: "Protocol steps executed by outcome.",
		},
		[]string{"outcome"},
	)

	uncertainOpenedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "benchd_uncertain_changes_opened_total",
			Help: "Uncertain state changes opened by failed steps.",
		},
	)

	uncertainResolvedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchd_uncertain_changes_resolved_total",
			Help: "Uncertain state changes resolved by outcome.",
		},
		[]string{"resolution"},
	)

	runsFinishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "benchd_runs_finished_total",
			Help: "Runs reaching a terminal status.",
		},
		[]string{"status"},
	)
)

func init() {
	prometheus.MustRegister(stepsTotal)
	prometheus.MustRegister(uncertainOpenedTotal)
	prometheus.MustRegister(uncertainResolvedTotal)
	prometheus.MustRegister(runsFinishedTotal)
}
