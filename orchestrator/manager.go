package orchestrator

import (
	"sort"
	"sync"

	"github.com/takt-io/takt/types"
)

// ExecutionManager is the registry of executions the orchestrator has
// started, running and finished alike.
type ExecutionManager struct {
	mu         sync.RWMutex
	executions map[string]*ExecutionContext
}

// NewExecutionManager creates an empty registry.
func NewExecutionManager() *ExecutionManager {
	return &ExecutionManager{executions: make(map[string]*ExecutionContext)}
}

func (m *ExecutionManager) register(exec *ExecutionContext) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[exec.ID()] = exec
}

// Get returns the execution with the given id.
func (m *ExecutionManager) Get(executionID string) (*ExecutionContext, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	exec, ok := m.executions[executionID]
	if !ok {
		return nil, types.NewErrorf(types.ErrNotFound, "execution %s not found", executionID)
	}
	return exec, nil
}

// List returns all known executions ordered by start time.
func (m *ExecutionManager) List() []*ExecutionContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*ExecutionContext, 0, len(m.executions))
	for _, exec := range m.executions {
		out = append(out, exec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt().Before(out[j].StartedAt()) })
	return out
}

// ListByWorkflow returns the known executions of one workflow ordered by
// start time.
func (m *ExecutionManager) ListByWorkflow(workflowID string) []*ExecutionContext {
	return m.filter(func(exec *ExecutionContext) bool {
		return exec.WorkflowID() == workflowID
	})
}

// ListByStatus returns the known executions in the given status ordered by
// start time.
func (m *ExecutionManager) ListByStatus(status ExecutionStatus) []*ExecutionContext {
	return m.filter(func(exec *ExecutionContext) bool {
		return exec.Status() == status
	})
}

func (m *ExecutionManager) filter(keep func(*ExecutionContext) bool) []*ExecutionContext {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*ExecutionContext
	for _, exec := range m.executions {
		if keep(exec) {
			out = append(out, exec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt().Before(out[j].StartedAt()) })
	return out
}

// Remove drops a finished execution from the registry.
func (m *ExecutionManager) Remove(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.executions, executionID)
}
