package orchestrator

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/takt-io/takt/agent"
	"github.com/takt-io/takt/approval"
	"github.com/takt-io/takt/audit"
	"github.com/takt-io/takt/checkpoint"
	"github.com/takt-io/takt/internal/metrics"
	"github.com/takt-io/takt/internal/telemetry"
	"github.com/takt-io/takt/retry"
	"github.com/takt-io/takt/types"
	"github.com/takt-io/takt/workflow"
)

// TrailRecorder persists the complete trail of a terminal execution. The
// history package provides the relational implementation.
type TrailRecorder interface {
	RecordExecution(ctx context.Context, exec *ExecutionContext) error
}

// Options configures an Orchestrator. Invoker is required; everything else
// has a working default.
type Options struct {
	// Invoker executes agent invocations.
	Invoker agent.Invoker
	// Compensator executes compensating actions during rollback. Defaults
	// to the Invoker when it also implements agent.Compensator, otherwise
	// rollbacks report every step uncompensated.
	Compensator agent.Compensator
	// CheckpointStore persists checkpoints. Defaults to an in-memory store.
	CheckpointStore checkpoint.Store
	// ApprovalStore persists approval requests. Defaults to in-memory.
	ApprovalStore approval.Store
	// AuditSink receives orchestration events. Defaults to none.
	AuditSink audit.Sink
	// Recorder persists terminal execution trails. Optional.
	Recorder TrailRecorder
	// Metrics records Prometheus metrics. Optional.
	Metrics *metrics.Collector
	// AutoApprove resolves approval requests immediately with the
	// synthetic resolver.
	AutoApprove bool
	// ApprovalTimeout bounds approval waits. Defaults to one hour.
	ApprovalTimeout time.Duration
	// DefaultStepTimeout applies to steps without a timeout of their own.
	DefaultStepTimeout time.Duration
	// DefaultRetryPolicy applies to steps without a policy of their own.
	// Defaults to retry.DefaultPolicy.
	DefaultRetryPolicy *retry.Policy
	// Logger is the base logger. Defaults to a nop logger.
	Logger *zap.Logger
}

// Orchestrator executes workflow definitions stage by stage and exposes
// status, cancellation, approval resolution, and rollback over executions.
type Orchestrator struct {
	resolver           *workflow.Resolver
	invoker            agent.Invoker
	gate               *approval.Gate
	checkpoints        checkpoint.Store
	rollback           *checkpoint.Manager
	sink               *audit.BestEffort
	recorder           TrailRecorder
	metrics            *metrics.Collector
	approvalTimeout    time.Duration
	defaultStepTimeout time.Duration
	defaultRetryPolicy *retry.Policy
	tracer             trace.Tracer
	logger             *zap.Logger

	executions *ExecutionManager
}

// New creates an orchestrator from options.
func New(opts Options) (*Orchestrator, error) {
	if opts.Invoker == nil {
		return nil, types.NewError(types.ErrConfiguration, "orchestrator requires an agent invoker")
	}

	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	store := opts.CheckpointStore
	if store == nil {
		store = checkpoint.NewMemoryStore()
	}
	compensator := opts.Compensator
	if compensator == nil {
		if c, ok := opts.Invoker.(agent.Compensator); ok {
			compensator = c
		} else {
			compensator = agent.CompensatorFunc(func(ctx context.Context, executionID, stepID, actionType string, params map[string]any) error {
				return types.NewErrorf(types.ErrConfiguration, "no compensator configured for action %s", actionType)
			})
		}
	}
	approvalTimeout := opts.ApprovalTimeout
	if approvalTimeout <= 0 {
		approvalTimeout = time.Hour
	}
	defaultPolicy := opts.DefaultRetryPolicy
	if defaultPolicy == nil {
		defaultPolicy = retry.DefaultPolicy()
	}

	return &Orchestrator{
		resolver:           workflow.NewResolver(logger),
		invoker:            opts.Invoker,
		gate:               approval.NewGate(opts.ApprovalStore, opts.AuditSink, opts.AutoApprove, logger),
		checkpoints:        store,
		rollback:           checkpoint.NewManager(store, compensator, opts.AuditSink, logger),
		sink:               audit.NewBestEffort(opts.AuditSink, logger),
		recorder:           opts.Recorder,
		metrics:            opts.Metrics,
		approvalTimeout:    approvalTimeout,
		defaultStepTimeout: opts.DefaultStepTimeout,
		defaultRetryPolicy: defaultPolicy,
		tracer:             telemetry.Tracer("takt/orchestrator"),
		logger:             logger.With(zap.String("component", "orchestrator")),
		executions:         NewExecutionManager(),
	}, nil
}

// Gate exposes the approval gate, for hosts that surface approvals in
// their own UI.
func (o *Orchestrator) Gate() *approval.Gate { return o.gate }

// Execute runs a workflow to a terminal status and returns its execution
// context. Configuration problems (invalid graph, cycles) fail before any
// step runs. Cancelling ctx, or calling Cancel with the execution id from
// another goroutine, skips every step not yet terminal.
func (o *Orchestrator) Execute(ctx context.Context, def *workflow.Definition, inputs map[string]any) (*ExecutionContext, error) {
	stages, err := o.resolver.Resolve(def)
	if err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	exec := newExecutionContext(uuid.NewString(), def, inputs, cancel)
	o.executions.register(exec)

	for i := range def.Steps {
		step := &def.Steps[i]
		if step.Compensation != nil {
			o.rollback.RegisterCompensation(exec.ID(), step.ID, checkpoint.Compensation{
				ActionType: step.Compensation.ActionType,
				Parameters: step.Compensation.Parameters,
			})
		}
	}

	runCtx, span := o.tracer.Start(runCtx, "takt.execution")
	span.SetAttributes(
		attribute.String("takt.execution_id", exec.ID()),
		attribute.String("takt.workflow_id", def.ID),
	)
	defer span.End()

	o.metrics.ExecutionStarted(def.ID)
	o.logger.Info("execution started",
		zap.String("execution_id", exec.ID()),
		zap.String("workflow_id", def.ID),
		zap.Int("steps", len(def.Steps)),
		zap.Int("stages", len(stages)),
	)

	o.runStages(runCtx, exec, stages)
	// The terminal trail is flushed even when the run was cancelled.
	o.finishExecution(context.WithoutCancel(ctx), exec, runCtx.Err() != nil)
	return exec, nil
}

// runStages advances stage by stage. A stage's steps run concurrently; the
// next stage starts only when every step of the current one is terminal.
func (o *Orchestrator) runStages(ctx context.Context, exec *ExecutionContext, stages []workflow.Stage) {
	for _, stage := range stages {
		if ctx.Err() != nil {
			return
		}

		// The zero-value errgroup deliberately carries no shared context:
		// one step's failure must not cancel its stage siblings.
		var g errgroup.Group
		for _, stepID := range stage {
			step, _ := exec.def.Step(stepID)

			if !o.dependenciesSucceeded(exec, step) {
				exec.setStepStatus(step.ID, StepSkipped)
				o.emitTransition(ctx, exec, step.ID, StepSkipped)
				continue
			}

			g.Go(func() error {
				return o.runStep(ctx, exec, step)
			})
		}
		_ = g.Wait()

		if ctx.Err() != nil {
			return
		}
		if o.shouldHalt(exec, stage) {
			return
		}
	}
}

// dependenciesSucceeded reports whether every dependency of the step
// succeeded. A failed-but-continue dependency still blocks its dependants;
// continue_on_failure lets the rest of the graph proceed, not the failed
// step's own downstream.
func (o *Orchestrator) dependenciesSucceeded(exec *ExecutionContext, step *workflow.StepDefinition) bool {
	for _, dep := range step.DependsOn {
		if exec.stepStatus(dep) != StepSucceeded {
			return false
		}
	}
	return true
}

// shouldHalt reports whether a stage failure halts the run: any step of
// the stage failed without continue_on_failure.
func (o *Orchestrator) shouldHalt(exec *ExecutionContext, stage workflow.Stage) bool {
	for _, stepID := range stage {
		if exec.stepStatus(stepID) != StepFailed {
			continue
		}
		step, _ := exec.def.Step(stepID)
		if !step.ContinueOnFailure {
			return true
		}
	}
	return false
}

// finishExecution settles the terminal status, skips whatever never ran,
// and flushes the trail to the recorder and audit stream.
func (o *Orchestrator) finishExecution(ctx context.Context, exec *ExecutionContext, cancelled bool) {
	skipped := exec.skipNonTerminal()
	for _, stepID := range skipped {
		o.emitTransition(ctx, exec, stepID, StepSkipped)
	}

	status := ExecutionSucceeded
	var execErr error
	for _, state := range exec.StepStates() {
		if state.Status == StepFailed {
			step, _ := exec.def.Step(state.StepID)
			if step.ContinueOnFailure {
				continue
			}
			status = ExecutionFailed
			execErr = types.NewErrorf(types.ErrInternal, "step %s failed: %s", state.StepID, state.Error).
				WithStep(state.StepID)
		}
	}
	if cancelled {
		status = ExecutionCancelled
		execErr = types.NewError(types.ErrCancelled, "execution cancelled")
	}

	exec.finish(status, execErr)

	o.metrics.RecordExecution(exec.WorkflowID(), string(status), time.Since(exec.StartedAt()))
	o.sink.Emit(ctx, audit.Event{
		Type:        audit.EventExecutionCompleted,
		ExecutionID: exec.ID(),
		Data: map[string]any{
			"status":    string(status),
			"cancelled": cancelled,
		},
	})
	o.logger.Info("execution finished",
		zap.String("execution_id", exec.ID()),
		zap.String("status", string(status)),
		zap.Duration("duration", time.Since(exec.StartedAt())),
	)

	if o.recorder != nil {
		if err := o.recorder.RecordExecution(ctx, exec); err != nil {
			o.logger.Warn("failed to record execution trail",
				zap.String("execution_id", exec.ID()),
				zap.Error(err),
			)
		}
	}
}

// Cancel cancels a running execution. Steps blocked in an invocation,
// backoff, or approval wait are released immediately.
func (o *Orchestrator) Cancel(executionID string) error {
	exec, err := o.executions.Get(executionID)
	if err != nil {
		return err
	}
	exec.Cancel()
	return nil
}

// Executions returns the registry of known executions.
func (o *Orchestrator) Executions() *ExecutionManager { return o.executions }

// GetStatus returns the execution context for an id.
func (o *Orchestrator) GetStatus(executionID string) (*ExecutionContext, error) {
	return o.executions.Get(executionID)
}

// ResolveApproval applies an external approval decision.
func (o *Orchestrator) ResolveApproval(ctx context.Context, requestID string, decision approval.Decision, resolver, reason string) (*approval.Request, error) {
	return o.gate.Resolve(ctx, requestID, decision, resolver, reason)
}

// Rollback compensates an execution back to toStepIndex. A partial
// rollback (missing or failed compensations) is reported in the result,
// not as an error, and leaves the execution PartiallyCompensated.
func (o *Orchestrator) Rollback(ctx context.Context, executionID string, toStepIndex int) (*checkpoint.Result, error) {
	exec, err := o.executions.Get(executionID)
	if err != nil {
		return nil, err
	}
	if !exec.Status().Terminal() {
		return nil, types.NewErrorf(types.ErrConfiguration, "execution %s is still running", executionID)
	}

	result, err := o.rollback.Rollback(ctx, exec, toStepIndex)
	if err != nil {
		return nil, err
	}

	if len(result.Compensated) > 0 || len(result.Uncompensated) > 0 {
		exec.setRollbackStatus(result.Partial())
	}
	o.metrics.RecordRollback(exec.WorkflowID(), len(result.Compensated), len(result.Uncompensated))
	return result, nil
}
