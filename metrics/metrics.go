// Package metrics exports agent telemetry to Prometheus by implementing
// core.Observer.
package metrics

import (
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/hupe1980/opsmesh/core"
)

// DefaultNamespace prefixes every metric name.
const DefaultNamespace = "opsmesh"

// Observer records executions, retries, task outcomes and progress reports.
// A nil *Observer discards everything.
type Observer struct {
	executions      *prometheus.CounterVec
	executionTime   *prometheus.HistogramVec
	activeExecution *prometheus.GaugeVec
	retries         *prometheus.CounterVec
	tasks           *prometheus.CounterVec
	taskTime        *prometheus.HistogramVec
	progress        *prometheus.CounterVec
}

var _ core.Observer = (*Observer)(nil)

// NewObserver registers the agent metrics with reg (the default registerer
// when nil). Collectors that are already registered are reused, so several
// observers may share a registry.
func NewObserver(namespace string, reg prometheus.Registerer) (*Observer, error) {
	if namespace == "" {
		namespace = DefaultNamespace
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &Observer{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_executions_total",
			Help:      "Agent executions by outcome.",
		}, []string{"agent", "outcome"}),
		executionTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "agent_execution_duration_seconds",
			Help:      "Latency of agent executions including retries.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"agent"}),
		activeExecution: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "agent_executions_active",
			Help:      "Executions currently in flight.",
		}, []string{"agent"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "agent_retries_total",
			Help:      "Retried execution attempts.",
		}, []string{"agent"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_total",
			Help:      "Finished sub-agent tasks by type and status.",
		}, []string{"agent", "type", "status"}),
		taskTime: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_duration_seconds",
			Help:      "Execution time of sub-agent tasks.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"agent", "type"}),
		progress: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_reports_total",
			Help:      "Progress reports emitted by agents.",
		}, []string{"agent"}),
	}

	var err error
	if o.executions, err = register(reg, o.executions); err != nil {
		return nil, err
	}
	if o.executionTime, err = register(reg, o.executionTime); err != nil {
		return nil, err
	}
	if o.activeExecution, err = register(reg, o.activeExecution); err != nil {
		return nil, err
	}
	if o.retries, err = register(reg, o.retries); err != nil {
		return nil, err
	}
	if o.tasks, err = register(reg, o.tasks); err != nil {
		return nil, err
	}
	if o.taskTime, err = register(reg, o.taskTime); err != nil {
		return nil, err
	}
	if o.progress, err = register(reg, o.progress); err != nil {
		return nil, err
	}

	return o, nil
}

// MustNewObserver is NewObserver that panics on registration errors.
func MustNewObserver(namespace string, reg prometheus.Registerer) *Observer {
	o, err := NewObserver(namespace, reg)
	if err != nil {
		panic(err)
	}
	return o
}

// register adds c to reg or returns the collector registered before it.
func register[C prometheus.Collector](reg prometheus.Registerer, c C) (C, error) {
	err := reg.Register(c)
	if err == nil {
		return c, nil
	}

	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(C); ok {
			return existing, nil
		}
	}

	return c, fmt.Errorf("register collector: %w", err)
}

// ExecutionStarted implements core.Observer.
func (o *Observer) ExecutionStarted(agentID string) {
	if o == nil {
		return
	}
	o.activeExecution.WithLabelValues(agentID).Inc()
}

// ExecutionFinished implements core.Observer.
func (o *Observer) ExecutionFinished(agentID string, success bool, d time.Duration) {
	if o == nil {
		return
	}
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	o.activeExecution.WithLabelValues(agentID).Dec()
	o.executions.WithLabelValues(agentID, outcome).Inc()
	o.executionTime.WithLabelValues(agentID).Observe(d.Seconds())
}

// ExecutionRetried implements core.Observer.
func (o *Observer) ExecutionRetried(agentID string, _ int) {
	if o == nil {
		return
	}
	o.retries.WithLabelValues(agentID).Inc()
}

// TaskFinished implements core.Observer.
func (o *Observer) TaskFinished(agentID, taskType string, status core.TaskStatus, d time.Duration) {
	if o == nil {
		return
	}
	o.tasks.WithLabelValues(agentID, taskType, string(status)).Inc()
	o.taskTime.WithLabelValues(agentID, taskType).Observe(d.Seconds())
}

// ProgressReported implements core.Observer.
func (o *Observer) ProgressReported(agentID string) {
	if o == nil {
		return
	}
	o.progress.WithLabelValues(agentID).Inc()
}
