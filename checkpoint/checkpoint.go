// Package checkpoint implements execution checkpointing and rollback: an
// append-only checkpoint log per execution, pluggable stores (memory, Redis,
// MongoDB), and a rollback manager that compensates completed steps in
// reverse completion order.
package checkpoint

import (
	"context"
	"time"
)

// Checkpoint is an immutable snapshot of execution state captured after a
// step completes and before its success becomes visible to dependants.
type Checkpoint struct {
	ID          string `json:"id" bson:"_id"`
	ExecutionID string `json:"execution_id" bson:"execution_id"`
	// Sequence is assigned by the store on append and increases
	// monotonically within an execution.
	Sequence  int64  `json:"sequence" bson:"sequence"`
	StepID    string `json:"step_id" bson:"step_id"`
	StepIndex int    `json:"step_index" bson:"step_index"`
	// Outputs maps step id to that step's output values at capture time.
	Outputs map[string]map[string]any `json:"outputs" bson:"outputs"`
	// Statuses maps step id to its status string at capture time.
	Statuses  map[string]string `json:"statuses" bson:"statuses"`
	CreatedAt time.Time         `json:"created_at" bson:"created_at"`
}

// Store persists checkpoints. Appends are ordered per execution; reads
// return checkpoints in sequence order.
type Store interface {
	// Append persists the checkpoint, assigning its Sequence. The stored
	// record is immutable afterwards.
	Append(ctx context.Context, cp *Checkpoint) error
	// List returns all checkpoints of an execution in sequence order.
	List(ctx context.Context, executionID string) ([]*Checkpoint, error)
	// LatestBefore returns the most recent checkpoint whose StepIndex is
	// at most stepIndex, or a NOT_FOUND error when none exists.
	LatestBefore(ctx context.Context, executionID string, stepIndex int) (*Checkpoint, error)
}

// StepCompletion identifies one completed step in completion order.
type StepCompletion struct {
	StepID    string
	StepIndex int
}

// Execution is the view of a running execution the rollback manager needs.
// It is implemented by the orchestrator's execution context.
type Execution interface {
	ID() string
	// CompletionsAfter returns, in completion order, the steps that
	// succeeded with a step index greater than stepIndex and have not been
	// compensated.
	CompletionsAfter(stepIndex int) []StepCompletion
	// MarkCompensated transitions the step to the Compensated status.
	MarkCompensated(stepID string)
	// RestoreOutputs replaces the execution's visible step outputs.
	RestoreOutputs(outputs map[string]map[string]any)
}

// CloneOutputs deep-copies a step-outputs map so that later mutation of
// either side cannot leak into the other.
func CloneOutputs(in map[string]map[string]any) map[string]map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]map[string]any, len(in))
	for step, vals := range in {
		out[step] = CloneValues(vals)
	}
	return out
}

// CloneValues deep-copies a single step's output values. Nested
// map[string]any and []any values are copied recursively; scalars are
// copied by value.
func CloneValues(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch tv := v.(type) {
	case map[string]any:
		return CloneValues(tv)
	case []any:
		out := make([]any, len(tv))
		for i, e := range tv {
			out[i] = cloneValue(e)
		}
		return out
	default:
		return v
	}
}

func cloneStatuses(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneCheckpoint(cp *Checkpoint) *Checkpoint {
	out := *cp
	out.Outputs = CloneOutputs(cp.Outputs)
	out.Statuses = cloneStatuses(cp.Statuses)
	return &out
}
