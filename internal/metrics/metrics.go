// Package metrics exposes Prometheus instrumentation for the pipeline engine.
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

// Metrics holds the engine's collectors. All names are prefixed with
// "infrafactory_".
type Metrics struct {
	TransitionsTotal   *prometheus.CounterVec
	TerminalTotal      *prometheus.CounterVec
	RetriesTotal       prometheus.Counter
	GateDecisionsTotal *prometheus.CounterVec
	StageDuration      *prometheus.HistogramVec
	CollaboratorErrors *prometheus.CounterVec
	RollbacksTotal     *prometheus.CounterVec
}

// New returns the process-wide metrics, registering them on first use.
func New() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = &Metrics{
			TransitionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "infrafactory_transitions_total",
					Help: "Stage transitions taken by the pipeline engine",
				},
				[]string{"from", "to"},
			),
			TerminalTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "infrafactory_pipelines_terminal_total",
					Help: "Pipelines that reached a terminal state",
				},
				[]string{"state"},
			),
			RetriesTotal: promauto.NewCounter(
				prometheus.CounterOpts{
					Name: "infrafactory_implementation_retries_total",
					Help: "Review to implementation retry loops taken",
				},
			),
			GateDecisionsTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "infrafactory_gate_decisions_total",
					Help: "Approval gate outcomes",
				},
				[]string{"gate", "outcome"},
			),
			StageDuration: promauto.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "infrafactory_stage_duration_seconds",
					Help:    "Wall time spent executing a stage",
					Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
				},
				[]string{"stage"},
			),
			CollaboratorErrors: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "infrafactory_collaborator_failures_total",
					Help: "Collaborator calls that failed after all retries",
				},
				[]string{"collaborator"},
			),
			RollbacksTotal: promauto.NewCounterVec(
				prometheus.CounterOpts{
					Name: "infrafactory_rollbacks_total",
					Help: "Deployment rollbacks by result",
				},
				[]string{"result"},
			),
		}
	})
	return globalMetrics
}
