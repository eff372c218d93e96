package checkpoint

import (
	"context"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/takt-io/takt/agent"
	"github.com/takt-io/takt/audit"
	"github.com/takt-io/takt/types"
)

// Compensation is the registered undo action for one step.
type Compensation struct {
	ActionType string
	Parameters map[string]any
}

// Result reports the outcome of one rollback pass.
type Result struct {
	ExecutionID string
	ToStepIndex int
	// Compensated lists step ids compensated by this pass, in the order
	// they were compensated (reverse completion order).
	Compensated []string
	// Uncompensated lists step ids that could not be compensated, either
	// because no compensation was registered or its invocation failed.
	Uncompensated []string
	// RestoredSequence is the sequence of the checkpoint whose outputs
	// were restored, or zero when the execution was reset to its initial
	// (empty) outputs.
	RestoredSequence int64
}

// Partial reports whether any step was left uncompensated.
func (r *Result) Partial() bool { return len(r.Uncompensated) > 0 }

// PartialError returns a ROLLBACK_PARTIAL error describing the
// uncompensated steps, or nil when the rollback was complete.
func (r *Result) PartialError() error {
	if !r.Partial() {
		return nil
	}
	return types.NewErrorf(types.ErrRollbackPartial,
		"rollback of execution %s left %d steps uncompensated: %s",
		r.ExecutionID, len(r.Uncompensated), strings.Join(r.Uncompensated, ", "))
}

// Manager rolls executions back to an earlier step index: it compensates
// completed steps in reverse completion order and restores the outputs of
// the latest checkpoint at or before the target index. One rollback per
// execution runs at a time.
type Manager struct {
	store       Store
	compensator agent.Compensator
	sink        *audit.BestEffort
	logger      *zap.Logger

	mu            sync.Mutex
	locks         map[string]*sync.Mutex
	compensations map[string]map[string]Compensation
}

// NewManager creates a rollback manager over the given checkpoint store and
// compensating-action invoker.
func NewManager(store Store, compensator agent.Compensator, sink audit.Sink, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		store:         store,
		compensator:   compensator,
		sink:          audit.NewBestEffort(sink, logger),
		logger:        logger.With(zap.String("component", "rollback_manager")),
		locks:         make(map[string]*sync.Mutex),
		compensations: make(map[string]map[string]Compensation),
	}
}

// RegisterCompensation records the undo action for a step of an execution.
// Steps without a registered compensation are reported as uncompensated by
// Rollback.
func (m *Manager) RegisterCompensation(executionID, stepID string, c Compensation) {
	m.mu.Lock()
	defer m.mu.Unlock()
	byStep, ok := m.compensations[executionID]
	if !ok {
		byStep = make(map[string]Compensation)
		m.compensations[executionID] = byStep
	}
	byStep[stepID] = c
}

// Forget drops the compensation registrations of a finished execution.
func (m *Manager) Forget(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.compensations, executionID)
	delete(m.locks, executionID)
}

func (m *Manager) lockFor(executionID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.locks[executionID]
	if !ok {
		l = &sync.Mutex{}
		m.locks[executionID] = l
	}
	return l
}

func (m *Manager) compensationFor(executionID, stepID string) (Compensation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.compensations[executionID][stepID]
	return c, ok
}

// Rollback compensates every uncompensated completed step with index greater
// than toStepIndex, newest completion first, then restores outputs from the
// latest checkpoint at or before toStepIndex. A missing or failing
// compensation does not abort the pass; it is recorded in the result.
// Rolling back an already rolled-back execution is a no-op.
func (m *Manager) Rollback(ctx context.Context, exec Execution, toStepIndex int) (*Result, error) {
	lock := m.lockFor(exec.ID())
	lock.Lock()
	defer lock.Unlock()

	result := &Result{ExecutionID: exec.ID(), ToStepIndex: toStepIndex}
	completions := exec.CompletionsAfter(toStepIndex)

	m.logger.Info("rollback started",
		zap.String("execution_id", exec.ID()),
		zap.Int("to_step_index", toStepIndex),
		zap.Int("steps_to_compensate", len(completions)),
	)
	m.sink.Emit(ctx, audit.Event{
		Type:        audit.EventRollbackStarted,
		ExecutionID: exec.ID(),
		Data: map[string]any{
			"to_step_index": toStepIndex,
			"steps":         len(completions),
		},
	})

	for i := len(completions) - 1; i >= 0; i-- {
		if err := ctx.Err(); err != nil {
			return nil, types.NewError(types.ErrCancelled, "rollback cancelled").WithCause(err)
		}
		step := completions[i]

		comp, ok := m.compensationFor(exec.ID(), step.StepID)
		if !ok {
			m.logger.Warn("no compensation registered",
				zap.String("execution_id", exec.ID()),
				zap.String("step_id", step.StepID),
			)
			result.Uncompensated = append(result.Uncompensated, step.StepID)
			continue
		}

		err := m.compensator.Compensate(ctx, exec.ID(), step.StepID, comp.ActionType, comp.Parameters)
		if err != nil {
			m.logger.Warn("compensation failed",
				zap.String("execution_id", exec.ID()),
				zap.String("step_id", step.StepID),
				zap.String("action_type", comp.ActionType),
				zap.Error(err),
			)
			result.Uncompensated = append(result.Uncompensated, step.StepID)
			continue
		}

		exec.MarkCompensated(step.StepID)
		result.Compensated = append(result.Compensated, step.StepID)
	}

	cp, err := m.store.LatestBefore(ctx, exec.ID(), toStepIndex)
	switch {
	case err == nil:
		exec.RestoreOutputs(CloneOutputs(cp.Outputs))
		result.RestoredSequence = cp.Sequence
	case types.IsCode(err, types.ErrNotFound):
		// No checkpoint survives the target index: back to initial state.
		exec.RestoreOutputs(make(map[string]map[string]any))
	default:
		return nil, err
	}

	m.logger.Info("rollback completed",
		zap.String("execution_id", exec.ID()),
		zap.Int("compensated", len(result.Compensated)),
		zap.Int("uncompensated", len(result.Uncompensated)),
		zap.Int64("restored_sequence", result.RestoredSequence),
	)
	m.sink.Emit(ctx, audit.Event{
		Type:        audit.EventRollbackCompleted,
		ExecutionID: exec.ID(),
		Data: map[string]any{
			"compensated":   result.Compensated,
			"uncompensated": result.Uncompensated,
			"partial":       result.Partial(),
		},
	})

	return result, nil
}
