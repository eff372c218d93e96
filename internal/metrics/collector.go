// Package metrics provides internal Prometheus metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Collector registers and records orchestration metrics.
type Collector struct {
	executionsTotal    *prometheus.CounterVec
	executionDuration  *prometheus.HistogramVec
	activeExecutions   *prometheus.GaugeVec
	stepsTotal         *prometheus.CounterVec
	stepDuration       *prometheus.HistogramVec
	stepRetriesTotal   *prometheus.CounterVec
	approvalsTotal     *prometheus.CounterVec
	approvalWaitTime   *prometheus.HistogramVec
	checkpointsTotal   *prometheus.CounterVec
	rollbacksTotal     *prometheus.CounterVec
	compensationsTotal *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector creates a collector registering all metrics under namespace
// with the default Prometheus registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	c.executionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Total number of workflow executions by terminal status",
		},
		[]string{"workflow_id", "status"},
	)

	c.executionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Workflow execution duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
		},
		[]string{"workflow_id"},
	)

	c.activeExecutions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_executions",
			Help:      "Number of currently running workflow executions",
		},
		[]string{"workflow_id"},
	)

	c.stepsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Total number of step runs by terminal status",
		},
		[]string{"workflow_id", "step_id", "status"},
	)

	c.stepDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Step run duration in seconds, including retries and approval waits",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 300},
		},
		[]string{"workflow_id", "step_id"},
	)

	c.stepRetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "step_retries_total",
			Help:      "Total number of step retry attempts by matched condition",
		},
		[]string{"workflow_id", "step_id", "condition"},
	)

	c.approvalsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "approvals_total",
			Help:      "Total number of approval resolutions by outcome",
		},
		[]string{"workflow_id", "status"},
	)

	c.approvalWaitTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "approval_wait_seconds",
			Help:      "Time spent awaiting approval resolutions",
			Buckets:   []float64{1, 10, 60, 300, 900, 3600, 14400},
		},
		[]string{"workflow_id"},
	)

	c.checkpointsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoints_total",
			Help:      "Total number of checkpoints appended",
		},
		[]string{"workflow_id"},
	)

	c.rollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollbacks_total",
			Help:      "Total number of rollback passes by outcome",
		},
		[]string{"workflow_id", "outcome"}, // outcome: complete, partial
	)

	c.compensationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compensations_total",
			Help:      "Total number of compensating actions by result",
		},
		[]string{"workflow_id", "result"}, // result: compensated, uncompensated
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// A nil Collector is valid and records nothing, so callers don't need to
// guard every site when metrics are disabled.

// ExecutionStarted marks an execution as running.
func (c *Collector) ExecutionStarted(workflowID string) {
	if c == nil {
		return
	}
	c.activeExecutions.WithLabelValues(workflowID).Inc()
}

// RecordExecution records a terminal execution outcome.
func (c *Collector) RecordExecution(workflowID, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.activeExecutions.WithLabelValues(workflowID).Dec()
	c.executionsTotal.WithLabelValues(workflowID, status).Inc()
	c.executionDuration.WithLabelValues(workflowID).Observe(duration.Seconds())
}

// RecordStep records a terminal step outcome.
func (c *Collector) RecordStep(workflowID, stepID, status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.stepsTotal.WithLabelValues(workflowID, stepID, status).Inc()
	c.stepDuration.WithLabelValues(workflowID, stepID).Observe(duration.Seconds())
}

// RecordStepRetry records one scheduled retry attempt.
func (c *Collector) RecordStepRetry(workflowID, stepID, condition string) {
	if c == nil {
		return
	}
	c.stepRetriesTotal.WithLabelValues(workflowID, stepID, condition).Inc()
}

// RecordApproval records an approval resolution outcome and the time spent
// waiting for it.
func (c *Collector) RecordApproval(workflowID, status string, wait time.Duration) {
	if c == nil {
		return
	}
	c.approvalsTotal.WithLabelValues(workflowID, status).Inc()
	c.approvalWaitTime.WithLabelValues(workflowID).Observe(wait.Seconds())
}

// RecordCheckpoint records one appended checkpoint.
func (c *Collector) RecordCheckpoint(workflowID string) {
	if c == nil {
		return
	}
	c.checkpointsTotal.WithLabelValues(workflowID).Inc()
}

// RecordRollback records a finished rollback pass.
func (c *Collector) RecordRollback(workflowID string, compensated, uncompensated int) {
	if c == nil {
		return
	}
	outcome := "complete"
	if uncompensated > 0 {
		outcome = "partial"
	}
	c.rollbacksTotal.WithLabelValues(workflowID, outcome).Inc()
	c.compensationsTotal.WithLabelValues(workflowID, "compensated").Add(float64(compensated))
	c.compensationsTotal.WithLabelValues(workflowID, "uncompensated").Add(float64(uncompensated))
}
