// Package agent defines the calling convention between the execution core
// and external agents. The core never implements agent reasoning; it hands
// resolved inputs to an Invoker and consumes the returned outputs.
package agent

import (
	"context"
	"time"

	"github.com/takt-io/takt/types"
)

// Invocation carries everything an external agent needs for one attempt.
type Invocation struct {
	// AgentRef identifies the target agent in the host framework.
	AgentRef string
	// Inputs are the step's input bindings, fully resolved.
	Inputs map[string]any
	// Timeout is the per-attempt budget. Zero means no per-attempt limit.
	Timeout time.Duration
}

// Result holds the outputs of a successful invocation.
type Result struct {
	Outputs map[string]any
}

// Invoker executes a single agent invocation. Retries re-invoke from
// scratch: every call is a new attempt, never a replay. Idempotent agent
// behavior is recommended but not assumed.
type Invoker interface {
	Invoke(ctx context.Context, inv Invocation) (*Result, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, inv Invocation) (*Result, error)

func (f InvokerFunc) Invoke(ctx context.Context, inv Invocation) (*Result, error) {
	return f(ctx, inv)
}

// Compensator invokes the undo operation registered for a step during
// rollback. ActionType selects the tool or agent behavior; parameters are
// passed through verbatim.
type Compensator interface {
	Compensate(ctx context.Context, executionID, stepID, actionType string, params map[string]any) error
}

// CompensatorFunc adapts a function to the Compensator interface.
type CompensatorFunc func(ctx context.Context, executionID, stepID, actionType string, params map[string]any) error

func (f CompensatorFunc) Compensate(ctx context.Context, executionID, stepID, actionType string, params map[string]any) error {
	return f(ctx, executionID, stepID, actionType, params)
}

// InvokeWithTimeout runs the invoker honoring inv.Timeout, translating a
// deadline hit into a retryable timeout error so retry policies can act
// on it.
func InvokeWithTimeout(ctx context.Context, invoker Invoker, inv Invocation) (*Result, error) {
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	result, err := invoker.Invoke(ctx, inv)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, types.NewErrorf(types.ErrTimeout, "agent %s exceeded %s budget", inv.AgentRef, inv.Timeout).
				WithRetryable(true).
				WithCause(err)
		}
		return nil, err
	}
	return result, nil
}
