package checkpoint

import (
	"context"
	"fmt"
)

// Transaction groups a span of step executions so that a failure inside the
// span rolls the execution back to where the span began. Commit is a no-op;
// the checkpoints written during the span are already durable.
type Transaction struct {
	manager   *Manager
	exec      Execution
	fromIndex int
	done      bool
}

// Begin opens a transaction that, on rollback, returns the execution to the
// state it had before any step with index greater than fromStepIndex ran.
func (m *Manager) Begin(exec Execution, fromStepIndex int) *Transaction {
	return &Transaction{manager: m, exec: exec, fromIndex: fromStepIndex}
}

// Commit marks the transaction finished. The state reached inside the span
// stands as-is.
func (t *Transaction) Commit() {
	t.done = true
}

// Rollback compensates everything executed since Begin. Calling Rollback
// after Commit, or a second time, is a no-op.
func (t *Transaction) Rollback(ctx context.Context) (*Result, error) {
	if t.done {
		return &Result{ExecutionID: t.exec.ID(), ToStepIndex: t.fromIndex}, nil
	}
	t.done = true
	return t.manager.Rollback(ctx, t.exec, t.fromIndex)
}

// RunInTransaction executes fn inside a transaction: an error from fn
// triggers an automatic rollback to fromStepIndex, and the original error is
// returned (annotated if the rollback itself fails or is partial).
func (m *Manager) RunInTransaction(ctx context.Context, exec Execution, fromStepIndex int, fn func(ctx context.Context) error) error {
	txn := m.Begin(exec, fromStepIndex)
	if err := fn(ctx); err != nil {
		result, rbErr := txn.Rollback(ctx)
		if rbErr != nil {
			return fmt.Errorf("%w (rollback failed: %v)", err, rbErr)
		}
		if result.Partial() {
			return fmt.Errorf("%w (rollback partial: %v)", err, result.PartialError())
		}
		return err
	}
	txn.Commit()
	return nil
}
