package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/takt-io/takt/checkpoint"
	"github.com/takt-io/takt/retry"
	"github.com/takt-io/takt/workflow"
)

// ExecutionContext is the live state of one workflow execution: per-step
// states, committed outputs, and the completion order the rollback manager
// unwinds. All accessors return copies; only the owning run mutates state.
type ExecutionContext struct {
	id       string
	def      *workflow.Definition
	inputs   map[string]any
	cancel   context.CancelFunc
	finished chan struct{}

	mu          sync.RWMutex
	status      ExecutionStatus
	steps       map[string]*StepState
	outputs     map[string]map[string]any
	completions []checkpoint.StepCompletion
	compensated map[string]bool
	startedAt   time.Time
	finishedAt  time.Time
	err         error
}

func newExecutionContext(id string, def *workflow.Definition, inputs map[string]any, cancel context.CancelFunc) *ExecutionContext {
	steps := make(map[string]*StepState, len(def.Steps))
	for i := range def.Steps {
		steps[def.Steps[i].ID] = &StepState{
			StepID: def.Steps[i].ID,
			Status: StepPending,
		}
	}
	return &ExecutionContext{
		id:          id,
		def:         def,
		inputs:      checkpoint.CloneValues(inputs),
		cancel:      cancel,
		finished:    make(chan struct{}),
		status:      ExecutionRunning,
		steps:       steps,
		outputs:     make(map[string]map[string]any),
		compensated: make(map[string]bool),
		startedAt:   time.Now(),
	}
}

// ID returns the execution id.
func (e *ExecutionContext) ID() string { return e.id }

// WorkflowID returns the id of the executed workflow definition.
func (e *ExecutionContext) WorkflowID() string { return e.def.ID }

// WorkflowVersion returns the version of the executed workflow definition.
func (e *ExecutionContext) WorkflowVersion() string { return e.def.Version }

// Inputs returns a copy of the workflow inputs.
func (e *ExecutionContext) Inputs() map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return checkpoint.CloneValues(e.inputs)
}

// Status returns the current execution status.
func (e *ExecutionContext) Status() ExecutionStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.status
}

// Err returns the failure that terminated the execution, if any.
func (e *ExecutionContext) Err() error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.err
}

// StartedAt returns when the execution began.
func (e *ExecutionContext) StartedAt() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.startedAt
}

// FinishedAt returns when the execution reached a terminal status, or the
// zero time while it is still running.
func (e *ExecutionContext) FinishedAt() time.Time {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.finishedAt
}

// Done returns a channel closed when the execution reaches a terminal
// status.
func (e *ExecutionContext) Done() <-chan struct{} { return e.finished }

// StepState returns a copy of one step's state.
func (e *ExecutionContext) StepState(stepID string) (StepState, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	state, ok := e.steps[stepID]
	if !ok {
		return StepState{}, false
	}
	return copyStepState(state), true
}

// StepStates returns a copy of every step's state, in declaration order.
func (e *ExecutionContext) StepStates() []StepState {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]StepState, 0, len(e.def.Steps))
	for i := range e.def.Steps {
		out = append(out, copyStepState(e.steps[e.def.Steps[i].ID]))
	}
	return out
}

// Outputs returns a deep copy of the committed step outputs.
func (e *ExecutionContext) Outputs() map[string]map[string]any {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return checkpoint.CloneOutputs(e.outputs)
}

// Cancel requests cancellation of the execution. Steps at a suspension
// point are released immediately; non-terminal steps end up Skipped.
func (e *ExecutionContext) Cancel() {
	if e.cancel != nil {
		e.cancel()
	}
}

// CompletionsAfter returns, in completion order, the succeeded and not yet
// compensated steps with a step index greater than stepIndex.
func (e *ExecutionContext) CompletionsAfter(stepIndex int) []checkpoint.StepCompletion {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var out []checkpoint.StepCompletion
	for _, c := range e.completions {
		if c.StepIndex > stepIndex && !e.compensated[c.StepID] {
			out = append(out, c)
		}
	}
	return out
}

// MarkCompensated transitions a step to Compensated.
func (e *ExecutionContext) MarkCompensated(stepID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compensated[stepID] = true
	if state, ok := e.steps[stepID]; ok {
		state.Status = StepCompensated
	}
}

// RestoreOutputs replaces the visible step outputs, typically with a deep
// copy of a checkpoint snapshot.
func (e *ExecutionContext) RestoreOutputs(outputs map[string]map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outputs = outputs
}

// setStatus transitions a step. Start/finish timestamps follow the status.
func (e *ExecutionContext) setStepStatus(stepID string, status StepStatus) {
	e.mu.Lock()
	defer e.mu.Unlock()
	state, ok := e.steps[stepID]
	if !ok {
		return
	}
	state.Status = status
	switch status {
	case StepRunning:
		if state.StartedAt.IsZero() {
			state.StartedAt = time.Now()
		}
	case StepSucceeded, StepFailed, StepSkipped:
		state.FinishedAt = time.Now()
	}
}

func (e *ExecutionContext) setStepError(stepID string, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok := e.steps[stepID]; ok {
		state.Error = err.Error()
	}
}

func (e *ExecutionContext) setStepApproval(stepID, requestID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok := e.steps[stepID]; ok {
		state.ApprovalRequestID = requestID
	}
}

func (e *ExecutionContext) appendAttempt(stepID string, attempt retry.Attempt) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if state, ok := e.steps[stepID]; ok {
		state.Attempts = append(state.Attempts, attempt)
	}
}

// commitSuccess makes a step's outputs visible and records its completion.
// Called only after the step's checkpoint is durable.
func (e *ExecutionContext) commitSuccess(stepID string, stepIndex int, outputs map[string]any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.outputs[stepID] = checkpoint.CloneValues(outputs)
	e.completions = append(e.completions, checkpoint.StepCompletion{
		StepID:    stepID,
		StepIndex: stepIndex,
	})
	if state, ok := e.steps[stepID]; ok {
		state.Status = StepSucceeded
		state.FinishedAt = time.Now()
	}
}

// checkpointSnapshot captures the outputs and statuses a checkpoint
// records, with the finishing step already included.
func (e *ExecutionContext) checkpointSnapshot(stepID string, outputs map[string]any) (map[string]map[string]any, map[string]string) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	snapOutputs := checkpoint.CloneOutputs(e.outputs)
	snapOutputs[stepID] = checkpoint.CloneValues(outputs)

	statuses := make(map[string]string, len(e.steps))
	for id, state := range e.steps {
		statuses[id] = string(state.Status)
	}
	statuses[stepID] = string(StepSucceeded)
	return snapOutputs, statuses
}

// skipNonTerminal marks every step not yet in a terminal state as Skipped.
func (e *ExecutionContext) skipNonTerminal() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	var skipped []string
	for _, state := range e.steps {
		if !state.Status.Terminal() {
			state.Status = StepSkipped
			state.FinishedAt = time.Now()
			skipped = append(skipped, state.StepID)
		}
	}
	return skipped
}

func (e *ExecutionContext) finish(status ExecutionStatus, err error) {
	e.mu.Lock()
	e.status = status
	e.err = err
	e.finishedAt = time.Now()
	e.mu.Unlock()
	close(e.finished)
}

// setRollbackStatus records the outcome of a rollback pass on a finished
// execution.
func (e *ExecutionContext) setRollbackStatus(partial bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if partial {
		e.status = ExecutionPartiallyCompensated
	} else {
		e.status = ExecutionRolledBack
	}
}

func (e *ExecutionContext) stepStatus(stepID string) StepStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if state, ok := e.steps[stepID]; ok {
		return state.Status
	}
	return ""
}

func copyStepState(s *StepState) StepState {
	out := *s
	out.Attempts = make([]retry.Attempt, len(s.Attempts))
	copy(out.Attempts, s.Attempts)
	return out
}

var _ checkpoint.Execution = (*ExecutionContext)(nil)
