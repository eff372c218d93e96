package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/takt-io/takt/agent"
	"github.com/takt-io/takt/approval"
	"github.com/takt-io/takt/audit"
	"github.com/takt-io/takt/checkpoint"
	"github.com/takt-io/takt/ctxkeys"
	"github.com/takt-io/takt/retry"
	"github.com/takt-io/takt/types"
	"github.com/takt-io/takt/workflow"
)

// runStep drives one step through its state machine: approval gate, input
// binding resolution, retried invocation, checkpoint, and output commit.
// The returned error is the step's permanent failure; the caller decides
// whether it halts the execution.
func (o *Orchestrator) runStep(ctx context.Context, exec *ExecutionContext, step *workflow.StepDefinition) error {
	stepIndex := exec.def.StepIndex(step.ID)
	started := time.Now()

	// Invokers and compensators correlate their side effects through the
	// identity on the context.
	ctx = ctxkeys.WithExecutionID(ctx, exec.ID())
	ctx = ctxkeys.WithWorkflowID(ctx, exec.WorkflowID())
	ctx = ctxkeys.WithStepID(ctx, step.ID)

	ctx, span := o.tracer.Start(ctx, "takt.step")
	span.SetAttributes(
		attribute.String("takt.execution_id", exec.ID()),
		attribute.String("takt.workflow_id", exec.WorkflowID()),
		attribute.String("takt.step_id", step.ID),
		attribute.String("takt.agent_ref", step.AgentRef),
	)
	defer span.End()

	logger := o.logger.With(
		zap.String("execution_id", exec.ID()),
		zap.String("step_id", step.ID),
	)

	o.transitionStep(ctx, exec, step.ID, StepReady)

	if step.RequiresApproval {
		if err := o.awaitApproval(ctx, exec, step); err != nil {
			if ctx.Err() != nil {
				// Cancelled while awaiting; the stage loop skips the step.
				return nil
			}
			o.failStep(ctx, exec, step.ID, started, err)
			span.SetStatus(codes.Error, err.Error())
			return err
		}
	}

	if err := ctx.Err(); err != nil {
		// Cancelled before the step ran; the stage loop marks it Skipped.
		return nil
	}

	inputs, err := workflow.ResolveBindings(step, exec.inputs, exec.Outputs())
	if err != nil {
		o.failStep(ctx, exec, step.ID, started, err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	o.transitionStep(ctx, exec, step.ID, StepRunning)

	outputs, err := o.invokeWithRetries(ctx, exec, step, inputs)
	if err != nil {
		if ctx.Err() != nil {
			// Cancellation during the invocation or backoff; in-flight
			// results are discarded and the stage loop skips the step.
			return nil
		}
		o.failStep(ctx, exec, step.ID, started, err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	if ctx.Err() != nil {
		// The invocation finished after cancellation; its result is
		// discarded rather than committed.
		logger.Info("discarding in-flight result of cancelled execution")
		return nil
	}

	// The checkpoint must be durable before the success becomes visible
	// to dependants.
	snapOutputs, snapStatuses := exec.checkpointSnapshot(step.ID, outputs)
	cp := &checkpoint.Checkpoint{
		ExecutionID: exec.ID(),
		StepID:      step.ID,
		StepIndex:   stepIndex,
		Outputs:     snapOutputs,
		Statuses:    snapStatuses,
	}
	if err := o.checkpoints.Append(ctx, cp); err != nil {
		err = types.NewErrorf(types.ErrInternal, "failed to checkpoint step %s", step.ID).
			WithStep(step.ID).
			WithCause(err)
		o.failStep(ctx, exec, step.ID, started, err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	o.metrics.RecordCheckpoint(exec.WorkflowID())
	o.sink.Emit(ctx, audit.Event{
		Type:        audit.EventCheckpointCreated,
		ExecutionID: exec.ID(),
		StepID:      step.ID,
		Data:        map[string]any{"sequence": cp.Sequence},
	})

	exec.commitSuccess(step.ID, stepIndex, outputs)
	o.emitTransition(ctx, exec, step.ID, StepSucceeded)
	o.metrics.RecordStep(exec.WorkflowID(), step.ID, string(StepSucceeded), time.Since(started))
	logger.Info("step succeeded",
		zap.Int64("checkpoint_sequence", cp.Sequence),
		zap.Duration("duration", time.Since(started)),
	)
	return nil
}

// awaitApproval blocks the step on an approval request until it is
// approved, rejected, or timed out.
func (o *Orchestrator) awaitApproval(ctx context.Context, exec *ExecutionContext, step *workflow.StepDefinition) error {
	o.transitionStep(ctx, exec, step.ID, StepAwaitingApproval)
	waitStart := time.Now()

	req, err := o.gate.CreateRequest(ctx, exec.ID(), step.ID, map[string]any{
		"workflow_id": exec.WorkflowID(),
		"agent_ref":   step.AgentRef,
	})
	if err != nil {
		return types.NewErrorf(types.ErrInternal, "failed to create approval request for step %s", step.ID).
			WithStep(step.ID).
			WithCause(err)
	}
	exec.setStepApproval(step.ID, req.ID)

	if !req.Status.Terminal() {
		req, err = o.gate.WaitForResolution(ctx, req.ID, o.approvalTimeout)
		if err != nil {
			return err
		}
	}

	o.metrics.RecordApproval(exec.WorkflowID(), string(req.Status), time.Since(waitStart))

	switch req.Status {
	case approval.StatusApproved:
		return nil
	case approval.StatusRejected:
		return types.NewErrorf(types.ErrApprovalRejected, "step %s was rejected by %s: %s", step.ID, req.Resolver, req.Reason).
			WithStep(step.ID)
	case approval.StatusTimedOut:
		return types.NewErrorf(types.ErrApprovalTimeout, "approval for step %s timed out after %s", step.ID, o.approvalTimeout).
			WithStep(step.ID)
	default:
		return types.NewErrorf(types.ErrInternal, "approval request %s in unexpected state %s", req.ID, req.Status).
			WithStep(step.ID)
	}
}

// invokeWithRetries runs the step's agent invocation under its retry
// policy. Attempt history is copied onto the step state.
func (o *Orchestrator) invokeWithRetries(ctx context.Context, exec *ExecutionContext, step *workflow.StepDefinition, inputs map[string]any) (map[string]any, error) {
	policy := o.effectivePolicy(step)
	policy.OnRetry = func(attempt int, err error, delay time.Duration) {
		condition := string(types.GetErrorCode(err))
		if condition == "" {
			condition = "other"
		}
		o.sink.Emit(ctx, audit.Event{
			Type:        audit.EventStepRetry,
			ExecutionID: exec.ID(),
			StepID:      step.ID,
			Data: map[string]any{
				"attempt": attempt,
				"error":   err.Error(),
				"delay":   delay.String(),
			},
		})
		o.metrics.RecordStepRetry(exec.WorkflowID(), step.ID, condition)
	}

	executor := retry.NewExecutor(policy, o.logger)

	timeout := step.Timeout.AsDuration()
	if timeout == 0 {
		timeout = o.defaultStepTimeout
	}

	result, err := executor.DoWithResult(ctx, func(ctx context.Context) (any, error) {
		res, err := agent.InvokeWithTimeout(ctx, o.invoker, agent.Invocation{
			AgentRef: step.AgentRef,
			Inputs:   inputs,
			Timeout:  timeout,
		})
		if err != nil {
			return nil, err
		}
		return res.Outputs, nil
	})

	for _, attempt := range executor.History() {
		exec.appendAttempt(step.ID, attempt)
	}

	if err != nil {
		return nil, err
	}
	outputs, _ := result.(map[string]any)
	return outputs, nil
}

// effectivePolicy resolves the step's retry policy: the step override or
// the orchestrator default, with conditions filled in for policies that
// came from YAML (conditions are not serializable).
func (o *Orchestrator) effectivePolicy(step *workflow.StepDefinition) *retry.Policy {
	base := step.RetryPolicy
	if base == nil {
		base = o.defaultRetryPolicy
	}
	policy := *base
	if policy.Conditions == nil {
		policy.Conditions = retry.DefaultPolicy().Conditions
	}
	return &policy
}

func (o *Orchestrator) transitionStep(ctx context.Context, exec *ExecutionContext, stepID string, status StepStatus) {
	exec.setStepStatus(stepID, status)
	o.emitTransition(ctx, exec, stepID, status)
}

func (o *Orchestrator) emitTransition(ctx context.Context, exec *ExecutionContext, stepID string, status StepStatus) {
	o.sink.Emit(ctx, audit.Event{
		Type:        audit.EventStepTransition,
		ExecutionID: exec.ID(),
		StepID:      stepID,
		Data:        map[string]any{"status": string(status)},
	})
}

func (o *Orchestrator) failStep(ctx context.Context, exec *ExecutionContext, stepID string, started time.Time, err error) {
	exec.setStepError(stepID, err)
	exec.setStepStatus(stepID, StepFailed)
	o.emitTransition(ctx, exec, stepID, StepFailed)
	o.metrics.RecordStep(exec.WorkflowID(), stepID, string(StepFailed), time.Since(started))
	o.logger.Warn("step failed",
		zap.String("execution_id", exec.ID()),
		zap.String("step_id", stepID),
		zap.Error(err),
	)
}
