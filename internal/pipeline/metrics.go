package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	workflowTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "simflow_workflow_transitions_total",
			Help: "Total number of applied workflow status transitions.",
		},
		[]string{"from", "to"},
	)

	staleTransitions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "simflow_workflow_stale_transitions_total",
			Help: "Total number of transitions rejected because the workflow had moved on.",
		},
	)

	stageDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "simflow_stage_duration_seconds",
			Help:    "Time spent handling one stage message.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"step", "outcome"},
	)

	poolWorkers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "simflow_stage_workers",
			Help: "Number of running consumers per step.",
		},
		[]string{"step"},
	)
)

func init() {
	prometheus.MustRegister(workflowTransitions)
	prometheus.MustRegister(staleTransitions)
	prometheus.MustRegister(stageDuration)
	prometheus.MustRegister(poolWorkers)
}
