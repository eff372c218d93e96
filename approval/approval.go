// Package approval implements the approval-gate subsystem: creating,
// awaiting, and resolving approval requests that block step progress until
// an external (human or automatic) decision is made.
//
// Resolution is protected by a single-writer compare-and-set: when a human
// resolution and a timeout fire concurrently, exactly one terminal outcome
// is recorded and the loser is a no-op.
package approval

import (
	"context"
	"time"
)

// Status is the lifecycle state of an approval request.
type Status string

const (
	// StatusPending means the request awaits a decision.
	StatusPending Status = "pending"
	// StatusApproved means the request was approved.
	StatusApproved Status = "approved"
	// StatusRejected means the request was explicitly rejected.
	StatusRejected Status = "rejected"
	// StatusTimedOut means no decision arrived within the wait budget.
	StatusTimedOut Status = "timed_out"
)

// Terminal reports whether the status is a terminal state.
func (s Status) Terminal() bool {
	return s == StatusApproved || s == StatusRejected || s == StatusTimedOut
}

// Decision is an external resolution verdict.
type Decision string

const (
	DecisionApprove Decision = "approve"
	DecisionReject  Decision = "reject"
)

// AutoApproveResolver is the synthetic resolver identity recorded on
// requests approved by the auto-approve mode, distinguishable from any
// human resolver.
const AutoApproveResolver = "takt:auto-approver"

// Request is one approval request owned by the Gate.
type Request struct {
	ID          string         `json:"id"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id"`
	Status      Status         `json:"status"`
	Context     map[string]any `json:"context,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	ResolvedAt  time.Time      `json:"resolved_at,omitempty"`
	// Resolver identifies who resolved the request: a human identity or
	// AutoApproveResolver.
	Resolver string `json:"resolver,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Store persists approval requests. Only save and ordered-read semantics
// are required; the Gate is the single writer for any request.
type Store interface {
	Save(ctx context.Context, req *Request) error
	Get(ctx context.Context, id string) (*Request, error)
	ListByExecution(ctx context.Context, executionID string) ([]*Request, error)
}
