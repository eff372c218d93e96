package audit

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestMemorySink_RecordsInOrder(t *testing.T) {
	sink := NewMemorySink()
	ctx := context.Background()

	require.NoError(t, sink.Emit(ctx, Event{Type: EventStepTransition, ExecutionID: "e1", StepID: "a"}))
	require.NoError(t, sink.Emit(ctx, Event{Type: EventApprovalAutoApproved, ExecutionID: "e1", StepID: "b"}))
	require.NoError(t, sink.Emit(ctx, Event{Type: EventStepTransition, ExecutionID: "e1", StepID: "c"}))

	events := sink.Events()
	require.Len(t, events, 3)
	assert.Equal(t, "a", events[0].StepID)
	assert.Equal(t, "c", events[2].StepID)

	auto := sink.EventsOfType(EventApprovalAutoApproved)
	require.Len(t, auto, 1)
	assert.Equal(t, "b", auto[0].StepID)
}

func TestBestEffort_SwallowsErrors(t *testing.T) {
	failing := SinkFunc(func(ctx context.Context, event Event) error {
		return errors.New("sink down")
	})

	be := NewBestEffort(failing, zap.NewNop())
	// Must not panic or propagate the sink failure.
	be.Emit(context.Background(), Event{Type: EventRollbackStarted, ExecutionID: "e1"})
}

func TestBestEffort_StampsTimestamp(t *testing.T) {
	sink := NewMemorySink()
	be := NewBestEffort(sink, zap.NewNop())

	be.Emit(context.Background(), Event{Type: EventStepTransition, ExecutionID: "e1"})

	events := sink.Events()
	require.Len(t, events, 1)
	assert.False(t, events[0].At.IsZero())
}

func TestFanout_AttemptsAllSinks(t *testing.T) {
	recorded := NewMemorySink()
	failing := SinkFunc(func(ctx context.Context, event Event) error {
		return errors.New("first sink down")
	})

	fanout := Fanout{failing, recorded}
	err := fanout.Emit(context.Background(), Event{Type: EventStepTransition, ExecutionID: "e1"})

	assert.Error(t, err)
	assert.Len(t, recorded.Events(), 1)
}

func TestRedisStreamSink_Emit(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	sink := NewRedisStreamSink(client, "takt:audit:test", 0)
	ctx := context.Background()

	ev := Event{
		Type:        EventCheckpointCreated,
		ExecutionID: "exec-1",
		StepID:      "fetch",
		Data:        map[string]any{"sequence": float64(3)},
	}
	require.NoError(t, sink.Emit(ctx, ev))

	entries, err := client.XRange(ctx, "takt:audit:test", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, string(EventCheckpointCreated), entries[0].Values["type"])
	assert.Equal(t, "exec-1", entries[0].Values["execution_id"])

	var decoded Event
	require.NoError(t, json.Unmarshal([]byte(entries[0].Values["payload"].(string)), &decoded))
	assert.Equal(t, "fetch", decoded.StepID)
	assert.Equal(t, ev.Data, decoded.Data)
}
