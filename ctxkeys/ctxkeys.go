// Package ctxkeys carries execution identity through context so that
// invokers and compensators can correlate their own logs and side effects
// with the run that triggered them.
package ctxkeys

import "context"

type contextKey string

const (
	executionIDKey contextKey = "execution_id"
	workflowIDKey  contextKey = "workflow_id"
	stepIDKey      contextKey = "step_id"
)

// WithExecutionID stores the execution id.
func WithExecutionID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, executionIDKey, id)
}

// ExecutionID returns the execution id, if set.
func ExecutionID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(executionIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithWorkflowID stores the workflow id.
func WithWorkflowID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, workflowIDKey, id)
}

// WorkflowID returns the workflow id, if set.
func WorkflowID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(workflowIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// WithStepID stores the id of the step being invoked.
func WithStepID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, stepIDKey, id)
}

// StepID returns the step id, if set.
func StepID(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(stepIDKey).(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}
