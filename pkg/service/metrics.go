package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "stepflow"

// engineMetrics holds the collectors of one engine. They are registered only
// when the engine is given a registerer.
type engineMetrics struct {
	workflowsStarted  prometheus.Counter
	workflowsFinished *prometheus.CounterVec
	workflowsActive   prometheus.Gauge
	stepTransitions   *prometheus.CounterVec
	stepDuration      *prometheus.HistogramVec
	lockRetries       prometheus.Counter
	compensations     *prometheus.CounterVec
}

func newEngineMetrics(reg prometheus.Registerer) *engineMetrics {
	m := &engineMetrics{
		workflowsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "workflows_started_total",
			Help:      "Total number of workflows whose locks were acquired and execution began",
		}),
		workflowsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "workflows_finished_total",
			Help:      "Total number of workflows that reached a terminal status",
		}, []string{"status"}),
		workflowsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "workflows_active",
			Help:      "Number of workflows currently executing in this process",
		}),
		stepTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "step_transitions_total",
			Help:      "Total number of step status transitions",
		}, []string{"status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "step_duration_seconds",
			Help:      "Time from dispatch to settlement of a step",
			Buckets:   []float64{.01, .05, .1, .5, 1, 5, 30, 60, 300, 1800},
		}, []string{"target", "status"}),
		lockRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "lock_retry_aborts_total",
			Help:      "Total number of workflows aborted because their locks were busy",
		}),
		compensations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "compensations_total",
			Help:      "Total number of steps processed during rollback",
		}, []string{"result"}), // result: undone, noop, error
	}
	if reg != nil {
		reg.MustRegister(
			m.workflowsStarted,
			m.workflowsFinished,
			m.workflowsActive,
			m.stepTransitions,
			m.stepDuration,
			m.lockRetries,
			m.compensations,
		)
	}
	return m
}
