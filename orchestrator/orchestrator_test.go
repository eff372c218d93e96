package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/takt-io/takt/agent"
	"github.com/takt-io/takt/approval"
	"github.com/takt-io/takt/audit"
	"github.com/takt-io/takt/checkpoint"
	"github.com/takt-io/takt/retry"
	"github.com/takt-io/takt/types"
	"github.com/takt-io/takt/workflow"
)

// scriptedInvoker dispatches to per-agent behaviors and counts invocations.
type scriptedInvoker struct {
	mu       sync.Mutex
	behavior map[string]func(ctx context.Context, inv agent.Invocation) (*agent.Result, error)
	calls    map[string]int
}

func newScriptedInvoker() *scriptedInvoker {
	return &scriptedInvoker{
		behavior: make(map[string]func(ctx context.Context, inv agent.Invocation) (*agent.Result, error)),
		calls:    make(map[string]int),
	}
}

func (s *scriptedInvoker) on(agentRef string, fn func(ctx context.Context, inv agent.Invocation) (*agent.Result, error)) {
	s.behavior[agentRef] = fn
}

// onOutputs registers a behavior returning fixed outputs.
func (s *scriptedInvoker) onOutputs(agentRef string, outputs map[string]any) {
	s.on(agentRef, func(ctx context.Context, inv agent.Invocation) (*agent.Result, error) {
		return &agent.Result{Outputs: outputs}, nil
	})
}

func (s *scriptedInvoker) Invoke(ctx context.Context, inv agent.Invocation) (*agent.Result, error) {
	s.mu.Lock()
	s.calls[inv.AgentRef]++
	n := s.calls[inv.AgentRef]
	fn := s.behavior[inv.AgentRef]
	s.mu.Unlock()

	if fn == nil {
		return nil, types.NewErrorf(types.ErrNotFound, "no behavior for agent %s", inv.AgentRef)
	}
	_ = n
	return fn(ctx, inv)
}

func (s *scriptedInvoker) callCount(agentRef string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[agentRef]
}

func fastRetryPolicy(maxRetries int) *retry.Policy {
	return &retry.Policy{
		MaxRetries:    maxRetries,
		InitialDelay:  time.Millisecond,
		MaxDelay:      5 * time.Millisecond,
		Exponential:   true,
		RecordHistory: true,
		Conditions:    []retry.Condition{retry.OnNetworkErrors(), retry.OnTimeouts()},
	}
}

type testHarness struct {
	orch    *Orchestrator
	invoker *scriptedInvoker
	sink    *audit.MemorySink
	store   *checkpoint.MemoryStore
}

func newHarness(t *testing.T, mutate func(*Options)) *testHarness {
	t.Helper()
	invoker := newScriptedInvoker()
	sink := audit.NewMemorySink()
	store := checkpoint.NewMemoryStore()

	opts := Options{
		Invoker:            invoker,
		CheckpointStore:    store,
		AuditSink:          sink,
		DefaultRetryPolicy: fastRetryPolicy(3),
		ApprovalTimeout:    time.Second,
		Logger:             zap.NewNop(),
	}
	if mutate != nil {
		mutate(&opts)
	}
	orch, err := New(opts)
	require.NoError(t, err)
	return &testHarness{orch: orch, invoker: invoker, sink: sink, store: store}
}

// abcWorkflow is the continuation-policy scenario: a and b are independent
// and run in the first stage, c depends on a and runs in the second. b
// always fails permanently.
func abcWorkflow(continueOnFailure bool) *workflow.Definition {
	return &workflow.Definition{
		ID: "abc",
		Steps: []workflow.StepDefinition{
			{ID: "a", AgentRef: "agent-a", OutputNames: []string{"value"}},
			{ID: "b", AgentRef: "agent-b", ContinueOnFailure: continueOnFailure},
			{ID: "c", AgentRef: "agent-c", DependsOn: []string{"a"},
				InputBindings: map[string]string{"from_a": "steps.a.value"}},
		},
	}
}

func TestExecute_LinearSuccess(t *testing.T) {
	h := newHarness(t, nil)
	h.invoker.onOutputs("agent-a", map[string]any{"value": 1})
	h.invoker.on("agent-c", func(ctx context.Context, inv agent.Invocation) (*agent.Result, error) {
		return &agent.Result{Outputs: map[string]any{"echo": inv.Inputs["from_a"]}}, nil
	})
	h.invoker.onOutputs("agent-b", map[string]any{})

	def := abcWorkflow(false)
	exec, err := h.orch.Execute(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Equal(t, ExecutionSucceeded, exec.Status())
	for _, state := range exec.StepStates() {
		assert.Equal(t, StepSucceeded, state.Status, "step %s", state.StepID)
	}

	// Bindings carried a's output into c.
	outputs := exec.Outputs()
	assert.Equal(t, 1, outputs["c"]["echo"])

	// One checkpoint per succeeded step, in completion order.
	cps, err := h.store.List(context.Background(), exec.ID())
	require.NoError(t, err)
	require.Len(t, cps, 3)
	assert.Equal(t, "c", cps[2].StepID)
}

func TestExecute_HaltOnFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.invoker.onOutputs("agent-a", map[string]any{"value": 1})
	h.invoker.on("agent-b", func(ctx context.Context, inv agent.Invocation) (*agent.Result, error) {
		return nil, types.NewError(types.ErrConfiguration, "permanently broken")
	})
	h.invoker.onOutputs("agent-c", map[string]any{})

	exec, err := h.orch.Execute(context.Background(), abcWorkflow(false), nil)
	require.NoError(t, err)

	assert.Equal(t, ExecutionFailed, exec.Status())
	a, _ := exec.StepState("a")
	b, _ := exec.StepState("b")
	c, _ := exec.StepState("c")
	assert.Equal(t, StepSucceeded, a.Status)
	assert.Equal(t, StepFailed, b.Status)
	assert.Equal(t, StepSkipped, c.Status, "halt prevents later stages from running")
	assert.Zero(t, h.invoker.callCount("agent-c"))

	// A non-retryable error is never retried.
	assert.Equal(t, 1, h.invoker.callCount("agent-b"))
}

func TestExecute_ContinueOnFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.invoker.onOutputs("agent-a", map[string]any{"value": 1})
	h.invoker.on("agent-b", func(ctx context.Context, inv agent.Invocation) (*agent.Result, error) {
		return nil, types.NewError(types.ErrConfiguration, "permanently broken")
	})
	h.invoker.on("agent-c", func(ctx context.Context, inv agent.Invocation) (*agent.Result, error) {
		return &agent.Result{Outputs: map[string]any{"echo": inv.Inputs["from_a"]}}, nil
	})

	exec, err := h.orch.Execute(context.Background(), abcWorkflow(true), nil)
	require.NoError(t, err)

	// b's failure is tolerated; the run proceeds and counts as succeeded.
	assert.Equal(t, ExecutionSucceeded, exec.Status())
	b, _ := exec.StepState("b")
	c, _ := exec.StepState("c")
	assert.Equal(t, StepFailed, b.Status)
	assert.Equal(t, StepSucceeded, c.Status)
}

func TestExecute_FailedDependencySkipsDependants(t *testing.T) {
	h := newHarness(t, nil)
	h.invoker.on("agent-a", func(ctx context.Context, inv agent.Invocation) (*agent.Result, error) {
		return nil, types.NewError(types.ErrConfiguration, "broken")
	})
	h.invoker.onOutputs("agent-b", map[string]any{})
	h.invoker.onOutputs("agent-c", map[string]any{})

	def := &workflow.Definition{
		ID: "dep-skip",
		Steps: []workflow.StepDefinition{
			{ID: "a", AgentRef: "agent-a", ContinueOnFailure: true},
			{ID: "b", AgentRef: "agent-b"},
			{ID: "c", AgentRef: "agent-c", DependsOn: []string{"a"}},
		},
	}

	exec, err := h.orch.Execute(context.Background(), def, nil)
	require.NoError(t, err)

	// continue_on_failure lets the rest of the graph run, but a's own
	// dependants never do.
	c, _ := exec.StepState("c")
	b, _ := exec.StepState("b")
	assert.Equal(t, StepSkipped, c.Status)
	assert.Equal(t, StepSucceeded, b.Status)
	assert.Zero(t, h.invoker.callCount("agent-c"))
}

func TestExecute_RetriesTransientFailures(t *testing.T) {
	h := newHarness(t, nil)
	h.invoker.on("flaky", func(ctx context.Context, inv agent.Invocation) (*agent.Result, error) {
		if h.invoker.callCount("flaky") <= 2 {
			return nil, types.NewError(types.ErrNetwork, "connection reset")
		}
		return &agent.Result{Outputs: map[string]any{"ok": true}}, nil
	})

	def := &workflow.Definition{
		ID:    "retry-wf",
		Steps: []workflow.StepDefinition{{ID: "s", AgentRef: "flaky"}},
	}

	exec, err := h.orch.Execute(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Equal(t, ExecutionSucceeded, exec.Status())
	assert.Equal(t, 3, h.invoker.callCount("flaky"))

	state, _ := exec.StepState("s")
	require.Len(t, state.Attempts, 2, "two retries were recorded before success")
	assert.Equal(t, 1, state.Attempts[0].Attempt)
	assert.Equal(t, 2, state.Attempts[1].Attempt)

	retryEvents := h.sink.EventsOfType(audit.EventStepRetry)
	assert.Len(t, retryEvents, 2)
}

func TestExecute_RetriesExhausted(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.DefaultRetryPolicy = fastRetryPolicy(2)
	})
	h.invoker.on("flaky", func(ctx context.Context, inv agent.Invocation) (*agent.Result, error) {
		return nil, types.NewError(types.ErrNetwork, "connection reset")
	})

	def := &workflow.Definition{
		ID:    "retry-wf",
		Steps: []workflow.StepDefinition{{ID: "s", AgentRef: "flaky"}},
	}

	exec, err := h.orch.Execute(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Equal(t, ExecutionFailed, exec.Status())
	assert.Equal(t, 3, h.invoker.callCount("flaky"), "initial attempt plus two retries")
	state, _ := exec.StepState("s")
	assert.Equal(t, StepFailed, state.Status)
	assert.Contains(t, state.Error, "retries exhausted")
}

func TestExecute_InvalidWorkflowFailsBeforeAnyStep(t *testing.T) {
	h := newHarness(t, nil)
	def := &workflow.Definition{
		ID: "cyclic",
		Steps: []workflow.StepDefinition{
			{ID: "a", AgentRef: "x", DependsOn: []string{"b"}},
			{ID: "b", AgentRef: "x", DependsOn: []string{"a"}},
		},
	}

	_, err := h.orch.Execute(context.Background(), def, nil)
	require.Error(t, err)
	assert.Equal(t, types.ErrConfiguration, types.GetErrorCode(err))
	assert.Zero(t, h.invoker.callCount("x"))
}

func TestExecute_StageConcurrencyIsolation(t *testing.T) {
	// A failing sibling must not cancel the other steps of its stage.
	h := newHarness(t, nil)

	slowDone := make(chan struct{})
	h.invoker.on("slow", func(ctx context.Context, inv agent.Invocation) (*agent.Result, error) {
		defer close(slowDone)
		select {
		case <-time.After(50 * time.Millisecond):
			return &agent.Result{Outputs: map[string]any{"ok": true}}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	})
	h.invoker.on("failing", func(ctx context.Context, inv agent.Invocation) (*agent.Result, error) {
		return nil, types.NewError(types.ErrConfiguration, "instant failure")
	})

	def := &workflow.Definition{
		ID: "siblings",
		Steps: []workflow.StepDefinition{
			{ID: "slow", AgentRef: "slow"},
			{ID: "fail", AgentRef: "failing"},
		},
	}

	exec, err := h.orch.Execute(context.Background(), def, nil)
	require.NoError(t, err)

	slow, _ := exec.StepState("slow")
	assert.Equal(t, StepSucceeded, slow.Status, "sibling failure must not cancel the slow step")
	assert.Equal(t, ExecutionFailed, exec.Status())
}

func TestExecute_CancellationSkipsAndDiscards(t *testing.T) {
	h := newHarness(t, nil)

	started := make(chan struct{})
	h.invoker.on("blocking", func(ctx context.Context, inv agent.Invocation) (*agent.Result, error) {
		close(started)
		<-ctx.Done()
		return nil, ctx.Err()
	})
	h.invoker.onOutputs("later", map[string]any{})

	def := &workflow.Definition{
		ID: "cancellable",
		Steps: []workflow.StepDefinition{
			{ID: "first", AgentRef: "blocking"},
			{ID: "second", AgentRef: "later", DependsOn: []string{"first"}},
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	exec, err := h.orch.Execute(ctx, def, nil)
	require.NoError(t, err)

	assert.Equal(t, ExecutionCancelled, exec.Status())
	first, _ := exec.StepState("first")
	second, _ := exec.StepState("second")
	assert.Equal(t, StepSkipped, first.Status)
	assert.Equal(t, StepSkipped, second.Status)
	assert.Empty(t, exec.Outputs(), "in-flight results are discarded")
	assert.Zero(t, h.invoker.callCount("later"))
}

func TestExecute_CancelByID(t *testing.T) {
	h := newHarness(t, nil)

	started := make(chan struct{})
	var once sync.Once
	h.invoker.on("blocking", func(ctx context.Context, inv agent.Invocation) (*agent.Result, error) {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return nil, ctx.Err()
	})

	def := &workflow.Definition{
		ID:    "cancel-by-id",
		Steps: []workflow.StepDefinition{{ID: "s", AgentRef: "blocking"}},
	}

	type result struct {
		exec *ExecutionContext
		err  error
	}
	done := make(chan result, 1)
	go func() {
		exec, err := h.orch.Execute(context.Background(), def, nil)
		done <- result{exec, err}
	}()

	<-started
	// The execution id is observable through the audit stream while the
	// run is in flight.
	var execID string
	require.Eventually(t, func() bool {
		events := h.sink.EventsOfType(audit.EventStepTransition)
		if len(events) == 0 {
			return false
		}
		execID = events[0].ExecutionID
		return true
	}, time.Second, time.Millisecond)

	require.NoError(t, h.orch.Cancel(execID))

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, ExecutionCancelled, res.exec.Status())
	case <-time.After(2 * time.Second):
		t.Fatal("execution did not finish after cancellation")
	}

	assert.Error(t, h.orch.Cancel("unknown-id"))
}

func TestExecute_AutoApprove(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.AutoApprove = true
	})
	h.invoker.onOutputs("gated", map[string]any{"ok": true})

	def := &workflow.Definition{
		ID:    "gated-wf",
		Steps: []workflow.StepDefinition{{ID: "g", AgentRef: "gated", RequiresApproval: true}},
	}

	exec, err := h.orch.Execute(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Equal(t, ExecutionSucceeded, exec.Status())
	state, _ := exec.StepState("g")
	assert.NotEmpty(t, state.ApprovalRequestID)

	// The synthetic approval is auditable as such.
	auto := h.sink.EventsOfType(audit.EventApprovalAutoApproved)
	require.Len(t, auto, 1)
	assert.Equal(t, approval.AutoApproveResolver, auto[0].Data["resolver"])
}

func TestExecute_HumanApproval(t *testing.T) {
	h := newHarness(t, nil)
	h.invoker.onOutputs("gated", map[string]any{"ok": true})

	def := &workflow.Definition{
		ID:    "gated-wf",
		Steps: []workflow.StepDefinition{{ID: "g", AgentRef: "gated", RequiresApproval: true}},
	}

	go func() {
		// Approve as soon as the request shows up on the audit stream.
		for i := 0; i < 1000; i++ {
			reqs := h.sink.EventsOfType(audit.EventApprovalRequested)
			if len(reqs) > 0 {
				id, _ := reqs[0].Data["request_id"].(string)
				_, _ = h.orch.ResolveApproval(context.Background(), id, approval.DecisionApprove, "reviewer", "ship it")
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	exec, err := h.orch.Execute(context.Background(), def, nil)
	require.NoError(t, err)
	assert.Equal(t, ExecutionSucceeded, exec.Status())
}

func TestExecute_ApprovalRejected(t *testing.T) {
	h := newHarness(t, nil)
	h.invoker.onOutputs("gated", map[string]any{})

	def := &workflow.Definition{
		ID:    "gated-wf",
		Steps: []workflow.StepDefinition{{ID: "g", AgentRef: "gated", RequiresApproval: true}},
	}

	go func() {
		for i := 0; i < 1000; i++ {
			reqs := h.sink.EventsOfType(audit.EventApprovalRequested)
			if len(reqs) > 0 {
				id, _ := reqs[0].Data["request_id"].(string)
				_, _ = h.orch.ResolveApproval(context.Background(), id, approval.DecisionReject, "reviewer", "too risky")
				return
			}
			time.Sleep(time.Millisecond)
		}
	}()

	exec, err := h.orch.Execute(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Equal(t, ExecutionFailed, exec.Status())
	state, _ := exec.StepState("g")
	assert.Equal(t, StepFailed, state.Status)
	assert.Contains(t, state.Error, "APPROVAL_REJECTED")
	assert.Zero(t, h.invoker.callCount("gated"), "a rejected step never invokes its agent")
}

func TestExecute_ApprovalTimeout(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.ApprovalTimeout = 20 * time.Millisecond
	})
	h.invoker.onOutputs("gated", map[string]any{})

	def := &workflow.Definition{
		ID:    "gated-wf",
		Steps: []workflow.StepDefinition{{ID: "g", AgentRef: "gated", RequiresApproval: true}},
	}

	exec, err := h.orch.Execute(context.Background(), def, nil)
	require.NoError(t, err)

	assert.Equal(t, ExecutionFailed, exec.Status())
	state, _ := exec.StepState("g")
	assert.Contains(t, state.Error, "APPROVAL_TIMEOUT")
}

func TestExecute_GetStatus(t *testing.T) {
	h := newHarness(t, nil)
	h.invoker.onOutputs("a", map[string]any{})

	def := &workflow.Definition{
		ID:    "status-wf",
		Steps: []workflow.StepDefinition{{ID: "s", AgentRef: "a"}},
	}

	exec, err := h.orch.Execute(context.Background(), def, nil)
	require.NoError(t, err)

	got, err := h.orch.GetStatus(exec.ID())
	require.NoError(t, err)
	assert.Same(t, exec, got)

	_, err = h.orch.GetStatus("missing")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}
