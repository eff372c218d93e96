// Package audit delivers structured orchestration events (step transitions,
// approvals, checkpoints, rollbacks) to an append-only stream. Delivery is
// best-effort: sink failures are logged and never abort orchestration.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// EventType identifies the kind of orchestration event.
type EventType string

const (
	// EventStepTransition is emitted on every step status change.
	EventStepTransition EventType = "step.transition"
	// EventStepRetry is emitted before a retry attempt is scheduled.
	EventStepRetry EventType = "step.retry"
	// EventApprovalRequested is emitted when an approval request is created.
	EventApprovalRequested EventType = "approval.requested"
	// EventApprovalResolved is emitted when a request reaches a terminal state
	// through a human resolver or a timeout.
	EventApprovalResolved EventType = "approval.resolved"
	// EventApprovalAutoApproved is emitted instead of EventApprovalResolved
	// when a request is approved by the auto-approve mode, so audit consumers
	// can separate synthetic approvals from genuine human ones.
	EventApprovalAutoApproved EventType = "approval.auto_approved"
	// EventCheckpointCreated is emitted after a checkpoint is appended.
	EventCheckpointCreated EventType = "checkpoint.created"
	// EventRollbackStarted is emitted when a rollback begins.
	EventRollbackStarted EventType = "rollback.started"
	// EventRollbackCompleted is emitted when a rollback finishes, complete
	// or partial.
	EventRollbackCompleted EventType = "rollback.completed"
	// EventExecutionCompleted is emitted when an execution reaches a
	// terminal status.
	EventExecutionCompleted EventType = "execution.completed"
)

// Event is a single entry in the audit stream.
type Event struct {
	Type        EventType      `json:"type"`
	ExecutionID string         `json:"execution_id"`
	StepID      string         `json:"step_id,omitempty"`
	At          time.Time      `json:"at"`
	Data        map[string]any `json:"data,omitempty"`
}

// Sink receives orchestration events.
type Sink interface {
	Emit(ctx context.Context, event Event) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, event Event) error

func (f SinkFunc) Emit(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// NopSink discards all events.
type NopSink struct{}

func (NopSink) Emit(ctx context.Context, event Event) error { return nil }

// BestEffort wraps a sink so that emission never fails: errors are logged
// at warn level and swallowed. Orchestration code emits through this wrapper.
type BestEffort struct {
	sink   Sink
	logger *zap.Logger
}

// NewBestEffort creates a best-effort wrapper around sink. A nil sink is
// treated as NopSink.
func NewBestEffort(sink Sink, logger *zap.Logger) *BestEffort {
	if sink == nil {
		sink = NopSink{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BestEffort{
		sink:   sink,
		logger: logger.With(zap.String("component", "audit")),
	}
}

// Emit delivers the event, stamping At if unset. It never returns an error.
func (b *BestEffort) Emit(ctx context.Context, event Event) {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	if err := b.sink.Emit(ctx, event); err != nil {
		b.logger.Warn("audit event delivery failed",
			zap.String("event_type", string(event.Type)),
			zap.String("execution_id", event.ExecutionID),
			zap.Error(err),
		)
	}
}

// Fanout delivers each event to multiple sinks. Each sink failure is
// independent; the first error is returned after all sinks were attempted.
type Fanout []Sink

func (f Fanout) Emit(ctx context.Context, event Event) error {
	var first error
	for _, s := range f {
		if err := s.Emit(ctx, event); err != nil && first == nil {
			first = err
		}
	}
	return first
}
