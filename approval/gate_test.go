package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/takt-io/takt/audit"
	"github.com/takt-io/takt/types"
)

func TestGate_CreateAndResolve(t *testing.T) {
	gate := NewGate(NewMemoryStore(), nil, false, zap.NewNop())
	ctx := context.Background()

	req, err := gate.CreateRequest(ctx, "exec-1", "deploy", map[string]any{"env": "prod"})
	require.NoError(t, err)
	assert.Equal(t, StatusPending, req.Status)
	assert.Equal(t, "deploy", req.StepID)

	resolved, err := gate.Resolve(ctx, req.ID, DecisionApprove, "alice", "looks good")
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, resolved.Status)
	assert.Equal(t, "alice", resolved.Resolver)
	assert.False(t, resolved.ResolvedAt.IsZero())
}

func TestGate_AutoApproveMode(t *testing.T) {
	sink := audit.NewMemorySink()
	gate := NewGate(NewMemoryStore(), sink, true, zap.NewNop())

	req, err := gate.CreateRequest(context.Background(), "exec-1", "deploy", nil)
	require.NoError(t, err)

	// The returned request is already Approved with the synthetic resolver.
	assert.Equal(t, StatusApproved, req.Status)
	assert.Equal(t, AutoApproveResolver, req.Resolver)

	// A distinct auto-approved event separates synthetic approvals from
	// human ones.
	auto := sink.EventsOfType(audit.EventApprovalAutoApproved)
	require.Len(t, auto, 1)
	assert.Equal(t, req.ID, auto[0].Data["request_id"])
	assert.Empty(t, sink.EventsOfType(audit.EventApprovalResolved))
}

func TestGate_WaitForResolution_Approved(t *testing.T) {
	gate := NewGate(NewMemoryStore(), nil, false, zap.NewNop())
	ctx := context.Background()

	req, err := gate.CreateRequest(ctx, "exec-1", "deploy", nil)
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = gate.Resolve(ctx, req.ID, DecisionApprove, "bob", "")
	}()

	resolved, err := gate.WaitForResolution(ctx, req.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, resolved.Status)
	assert.Equal(t, "bob", resolved.Resolver)
}

func TestGate_WaitForResolution_Timeout(t *testing.T) {
	gate := NewGate(NewMemoryStore(), nil, false, zap.NewNop())
	ctx := context.Background()

	req, err := gate.CreateRequest(ctx, "exec-1", "deploy", nil)
	require.NoError(t, err)

	resolved, err := gate.WaitForResolution(ctx, req.ID, 20*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, resolved.Status)

	// A late human resolution is a no-op returning the recorded outcome.
	after, err := gate.Resolve(ctx, req.ID, DecisionApprove, "late-human", "")
	require.NoError(t, err)
	assert.Equal(t, StatusTimedOut, after.Status)
}

func TestGate_WaitForResolution_Cancellable(t *testing.T) {
	gate := NewGate(NewMemoryStore(), nil, false, zap.NewNop())
	req, err := gate.CreateRequest(context.Background(), "exec-1", "deploy", nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := gate.WaitForResolution(ctx, req.ID, time.Hour)
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.Equal(t, types.ErrCancelled, types.GetErrorCode(err))
	case <-time.After(time.Second):
		t.Fatal("approval wait did not cancel promptly")
	}
}

func TestGate_ResolutionTimeoutRace_ExactlyOneTerminalState(t *testing.T) {
	// Run the race repeatedly: a human resolution and a timeout firing
	// concurrently must record exactly one terminal outcome.
	for i := 0; i < 50; i++ {
		gate := NewGate(NewMemoryStore(), nil, false, zap.NewNop())
		ctx := context.Background()

		req, err := gate.CreateRequest(ctx, "exec-1", "deploy", nil)
		require.NoError(t, err)

		var wg sync.WaitGroup
		results := make([]Status, 2)

		wg.Add(2)
		go func() {
			defer wg.Done()
			resolved, err := gate.WaitForResolution(ctx, req.ID, time.Microsecond)
			require.NoError(t, err)
			results[0] = resolved.Status
		}()
		go func() {
			defer wg.Done()
			resolved, err := gate.Resolve(ctx, req.ID, DecisionApprove, "racer", "")
			require.NoError(t, err)
			results[1] = resolved.Status
		}()
		wg.Wait()

		// Both observers converge on the same single terminal state.
		assert.Equal(t, results[0], results[1], "iteration %d recorded divergent outcomes", i)
		assert.True(t, results[0].Terminal())

		final, err := gate.Get(ctx, req.ID)
		require.NoError(t, err)
		assert.Equal(t, results[0], final.Status)
	}
}

func TestGate_ResolveIsIdempotent(t *testing.T) {
	gate := NewGate(NewMemoryStore(), nil, false, zap.NewNop())
	ctx := context.Background()

	req, err := gate.CreateRequest(ctx, "exec-1", "deploy", nil)
	require.NoError(t, err)

	first, err := gate.Resolve(ctx, req.ID, DecisionReject, "carol", "not safe")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, first.Status)

	second, err := gate.Resolve(ctx, req.ID, DecisionApprove, "dave", "override attempt")
	require.NoError(t, err)
	assert.Equal(t, StatusRejected, second.Status)
	assert.Equal(t, "carol", second.Resolver)
}

func TestGate_UnknownRequest(t *testing.T) {
	gate := NewGate(NewMemoryStore(), nil, false, zap.NewNop())

	_, err := gate.Resolve(context.Background(), "missing", DecisionApprove, "x", "")
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))

	_, err = gate.WaitForResolution(context.Background(), "missing", time.Millisecond)
	require.Error(t, err)
	assert.Equal(t, types.ErrNotFound, types.GetErrorCode(err))
}
