// Package metrics counts patch operations.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Namespace prefixes every metric name.
const Namespace = "layerpatch"

// Outcomes of an operation
const (
	OutcomeApplied  = "applied"
	OutcomeCanceled = "canceled"
	OutcomeFailed   = "failed"
	OutcomeConflict = "conflict"
)

// Metrics records what the engine does.
type Metrics interface {
	IncOperation(operation, outcome string)
	ObserveOperation(operation string, durationSeconds float64)
	AddConflicts(n int)
	IncTaskExecuted(content string)
}

// Noop implements Metrics without emitting anything.
type Noop struct{}

func (Noop) IncOperation(string, string)      {}
func (Noop) ObserveOperation(string, float64) {}
func (Noop) AddConflicts(int)                 {}
func (Noop) IncTaskExecuted(string)           {}

// Prom implements Metrics backed by Prometheus collectors.
type Prom struct {
	operations    *prometheus.CounterVec
	duration      *prometheus.HistogramVec
	conflicts     prometheus.Counter
	tasksExecuted *prometheus.CounterVec
}

// NewProm creates the collectors and registers them with reg.
func NewProm(reg prometheus.Registerer) *Prom {
	p := &Prom{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "operations_total",
			Help:      "Patch operations by operation and outcome",
		}, []string{"operation", "outcome"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "operation_duration_seconds",
			Help:      "Duration of patch operations",
			Buckets:   prometheus.DefBuckets,
		}, []string{"operation"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "conflicts_total",
			Help:      "Content conflicts detected while preparing operations",
		}),
		tasksExecuted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "tasks_executed_total",
			Help:      "Content tasks executed by content type",
		}, []string{"content"}),
	}
	reg.MustRegister(p.operations, p.duration, p.conflicts, p.tasksExecuted)
	return p
}

func (p *Prom) IncOperation(operation, outcome string) {
	p.operations.WithLabelValues(operation, outcome).Inc()
}

func (p *Prom) ObserveOperation(operation string, durationSeconds float64) {
	p.duration.WithLabelValues(operation).Observe(durationSeconds)
}

func (p *Prom) AddConflicts(n int) {
	p.conflicts.Add(float64(n))
}

func (p *Prom) IncTaskExecuted(content string) {
	p.tasksExecuted.WithLabelValues(content).Inc()
}

// WriteTextfile writes the metrics gathered by g in the text exposition
// format, for pickup by a textfile collector.
func WriteTextfile(path string, g prometheus.Gatherer) error {
	return prometheus.WriteToTextfile(path, g)
}
