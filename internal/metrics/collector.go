// Package metrics holds the single MetricsCollector shared by the scheduler,
// safety monitor, circuit breakers and resource monitor. It is constructed once
// by the orchestrator, passed by reference into each component and
// unregistered on shutdown. All methods are safe on a nil *Collector.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "autopilot"

// Collector exposes Prometheus collectors describing scheduler and safety activity.
type Collector struct {
	reg prometheus.Registerer

	tasksSubmitted *prometheus.CounterVec
	tasksFinished  *prometheus.CounterVec
	taskDuration   *prometheus.HistogramVec
	transitions    *prometheus.CounterVec
	queueDepth     prometheus.Gauge
	inflight       prometheus.Gauge
	decompositions prometheus.Counter
	violations     *prometheus.CounterVec
	emergencyStops prometheus.Counter
	breakerState   *prometheus.GaugeVec
	adaptations    *prometheus.CounterVec
	resourceUsage  *prometheus.GaugeVec
	resourceSpikes *prometheus.CounterVec
	processorRetry prometheus.Counter
	collectors     []prometheus.Collector
}

// New registers a fresh set of collectors on reg. Registration errors are
// returned rather than panicking so that tests can detect duplicate wiring.
func New(reg prometheus.Registerer) (*Collector, error) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}

	c := &Collector{
		reg: reg,

		tasksSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "tasks_submitted_total",
			Help: "Tasks accepted by the scheduler.",
		}, []string{"type"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "tasks_finished_total",
			Help: "Tasks that reached a terminal state.",
		}, []string{"type", "outcome"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "task_execution_seconds",
			Help:    "Wall time spent in the task processor.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 14),
		}, []string{"type"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "state_transitions_total",
			Help: "Task state transitions.",
		}, []string{"from", "to"}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "queue_depth",
			Help: "Tasks waiting in the priority queue.",
		}),
		inflight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "workers_busy",
			Help: "Tasks currently executing on the worker pool.",
		}),
		decompositions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "scheduler", Name: "decompositions_total",
			Help: "Tasks split into subtasks.",
		}),
		violations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "safety", Name: "violations_total",
			Help: "Safety violations emitted by policy evaluation.",
		}, []string{"policy", "risk"}),
		emergencyStops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "safety", Name: "emergency_stops_total",
			Help: "Emergency stops triggered.",
		}),
		breakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "breaker", Name: "state",
			Help: "Circuit breaker state (0 closed, 1 half-open, 2 open).",
		}, []string{"name"}),
		adaptations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "adaptation", Name: "applied_total",
			Help: "Adaptation opportunities applied to the session.",
		}, []string{"kind"}),
		resourceUsage: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "resource", Name: "usage_percent",
			Help: "Latest sampled resource usage.",
		}, []string{"resource"}),
		resourceSpikes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "resource", Name: "spikes_total",
			Help: "Samples flagged as spikes against the rolling average.",
		}, []string{"resource"}),
		processorRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "processor", Name: "retries_total",
			Help: "Processor calls retried after a transient failure.",
		}),
	}

	c.collectors = []prometheus.Collector{
		c.tasksSubmitted, c.tasksFinished, c.taskDuration, c.transitions,
		c.queueDepth, c.inflight, c.decompositions, c.violations,
		c.emergencyStops, c.breakerState, c.adaptations, c.resourceUsage,
		c.resourceSpikes, c.processorRetry,
	}
	for i, collector := range c.collectors {
		if err := reg.Register(collector); err != nil {
			for _, registered := range c.collectors[:i] {
				reg.Unregister(registered)
			}
			return nil, err
		}
	}

	return c, nil
}

// Close unregisters every collector.
func (c *Collector) Close() {
	if c == nil {
		return
	}
	for _, collector := range c.collectors {
		c.reg.Unregister(collector)
	}
}

func (c *Collector) TaskSubmitted(taskType string) {
	if c == nil {
		return
	}
	c.tasksSubmitted.WithLabelValues(taskType).Inc()
}

// TaskFinished records a terminal outcome ("completed" or "failed").
func (c *Collector) TaskFinished(taskType, outcome string) {
	if c == nil {
		return
	}
	c.tasksFinished.WithLabelValues(taskType, outcome).Inc()
}

func (c *Collector) ObserveExecution(taskType string, d time.Duration) {
	if c == nil {
		return
	}
	c.taskDuration.WithLabelValues(taskType).Observe(d.Seconds())
}

func (c *Collector) Transition(from, to string) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(from, to).Inc()
}

func (c *Collector) SetQueueDepth(n int) {
	if c == nil {
		return
	}
	c.queueDepth.Set(float64(n))
}

func (c *Collector) SetInflight(n int) {
	if c == nil {
		return
	}
	c.inflight.Set(float64(n))
}

func (c *Collector) Decomposed() {
	if c == nil {
		return
	}
	c.decompositions.Inc()
}

func (c *Collector) Violation(policy, risk string) {
	if c == nil {
		return
	}
	c.violations.WithLabelValues(policy, risk).Inc()
}

func (c *Collector) EmergencyStop() {
	if c == nil {
		return
	}
	c.emergencyStops.Inc()
}

// BreakerState records the numeric state of the named breaker.
func (c *Collector) BreakerState(name string, state float64) {
	if c == nil {
		return
	}
	c.breakerState.WithLabelValues(name).Set(state)
}

func (c *Collector) AdaptationApplied(kind string) {
	if c == nil {
		return
	}
	c.adaptations.WithLabelValues(kind).Inc()
}

func (c *Collector) ResourceUsage(resource string, percent float64) {
	if c == nil {
		return
	}
	c.resourceUsage.WithLabelValues(resource).Set(percent)
}

func (c *Collector) ResourceSpike(resource string) {
	if c == nil {
		return
	}
	c.resourceSpikes.WithLabelValues(resource).Inc()
}

func (c *Collector) ProcessorRetry() {
	if c == nil {
		return
	}
	c.processorRetry.Inc()
}
