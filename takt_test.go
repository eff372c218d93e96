package takt

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/takt-io/takt/agent"
	"github.com/takt-io/takt/config"
	"github.com/takt-io/takt/orchestrator"
	"github.com/takt-io/takt/workflow"
)

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Database.Name = ":memory:"
	cfg.Audit.Backend = "noop"
	return cfg
}

func echoInvoker() agent.Invoker {
	return agent.InvokerFunc(func(ctx context.Context, inv agent.Invocation) (*agent.Result, error) {
		return &agent.Result{Outputs: map[string]any{"echo": inv.Inputs["msg"]}}, nil
	})
}

func helloWorkflow() *workflow.Definition {
	return &workflow.Definition{
		ID: "hello",
		Steps: []workflow.StepDefinition{
			{ID: "greet", AgentRef: "echo", InputBindings: map[string]string{"msg": "inputs.name"}},
		},
	}
}

func TestNew_RequiresInvoker(t *testing.T) {
	_, err := New(context.Background(), WithConfig(testConfig()), WithoutMetrics())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invoker")
}

func TestNew_RejectsInvalidConfig(t *testing.T) {
	cfg := testConfig()
	cfg.Orchestrator.CheckpointBackend = "carrier-pigeon"
	_, err := New(context.Background(),
		WithConfig(cfg),
		WithInvoker(echoInvoker()),
		WithoutMetrics(),
	)
	require.Error(t, err)
}

func TestNew_RunsWorkflowWithHistory(t *testing.T) {
	ctx := context.Background()
	rt, err := New(ctx,
		WithConfig(testConfig()),
		WithInvoker(echoInvoker()),
		WithLogger(zap.NewNop()),
		WithoutMetrics(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	require.NotNil(t, rt.History, "the default config enables the sqlite history")

	exec, err := rt.Orchestrator.Execute(ctx, helloWorkflow(), map[string]any{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExecutionSucceeded, exec.Status())

	record, err := rt.History.Get(ctx, exec.ID())
	require.NoError(t, err)
	assert.Equal(t, string(orchestrator.ExecutionSucceeded), record.Status)
}

func TestNew_RedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig()
	cfg.Database.Driver = ""
	cfg.Orchestrator.CheckpointBackend = "redis"
	cfg.Redis.Addr = mr.Addr()
	cfg.Audit.Backend = "redis"

	ctx := context.Background()
	rt, err := New(ctx,
		WithConfig(cfg),
		WithInvoker(echoInvoker()),
		WithLogger(zap.NewNop()),
		WithoutMetrics(),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = rt.Close(context.Background()) })
	assert.Nil(t, rt.History, "no database driver means no history")

	exec, err := rt.Orchestrator.Execute(ctx, helloWorkflow(), map[string]any{"name": "ada"})
	require.NoError(t, err)
	assert.Equal(t, orchestrator.ExecutionSucceeded, exec.Status())

	assert.NotEmpty(t, mr.Keys(), "checkpoints and audit events land in redis")
}

func TestRuntime_CloseIsReentrant(t *testing.T) {
	rt, err := New(context.Background(),
		WithConfig(testConfig()),
		WithInvoker(echoInvoker()),
		WithLogger(zap.NewNop()),
		WithoutMetrics(),
	)
	require.NoError(t, err)

	require.NoError(t, rt.Close(context.Background()))
	require.NoError(t, rt.Close(context.Background()))
}
