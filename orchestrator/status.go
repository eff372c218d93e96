// Package orchestrator drives workflow executions: it resolves the stage
// order, fans each stage out concurrently, runs the per-step state machine
// with retries, approvals, and checkpoints, and exposes cancellation and
// rollback over running and finished executions.
package orchestrator

import (
	"time"

	"github.com/takt-io/takt/retry"
)

// StepStatus is the lifecycle state of one step within an execution.
type StepStatus string

const (
	// StepPending means dependencies are not yet satisfied.
	StepPending StepStatus = "pending"
	// StepReady means all dependencies succeeded and the step may run.
	StepReady StepStatus = "ready"
	// StepRunning means an invocation attempt is in flight.
	StepRunning StepStatus = "running"
	// StepAwaitingApproval means the step is blocked on an approval request.
	StepAwaitingApproval StepStatus = "awaiting_approval"
	// StepSucceeded means the step completed and its checkpoint is durable.
	StepSucceeded StepStatus = "succeeded"
	// StepFailed means the step failed permanently (retries exhausted, a
	// non-retryable error, or a rejected/timed-out approval).
	StepFailed StepStatus = "failed"
	// StepSkipped means the step never ran: a dependency failed or the
	// execution was cancelled first.
	StepSkipped StepStatus = "skipped"
	// StepCompensated means the step's effects were undone by a rollback.
	StepCompensated StepStatus = "compensated"
)

// Terminal reports whether the status is a terminal state of the step
// state machine.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepSucceeded, StepFailed, StepSkipped, StepCompensated:
		return true
	}
	return false
}

// ExecutionStatus is the overall state of an execution.
type ExecutionStatus string

const (
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionSucceeded ExecutionStatus = "succeeded"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	// ExecutionRolledBack means a rollback compensated every targeted step.
	ExecutionRolledBack ExecutionStatus = "rolled_back"
	// ExecutionPartiallyCompensated means a rollback left one or more steps
	// uncompensated.
	ExecutionPartiallyCompensated ExecutionStatus = "partially_compensated"
)

// Terminal reports whether the execution reached a final state.
func (s ExecutionStatus) Terminal() bool {
	return s != ExecutionRunning
}

// StepState is the complete per-step trail of one execution.
type StepState struct {
	StepID string     `json:"step_id"`
	Status StepStatus `json:"status"`
	// Attempts is the retry history of the step's invocation, when the
	// policy records it.
	Attempts []retry.Attempt `json:"attempts,omitempty"`
	// Error describes the permanent failure, if any.
	Error string `json:"error,omitempty"`
	// ApprovalRequestID links the step to its approval request, if any.
	ApprovalRequestID string    `json:"approval_request_id,omitempty"`
	StartedAt         time.Time `json:"started_at,omitempty"`
	FinishedAt        time.Time `json:"finished_at,omitempty"`
}
