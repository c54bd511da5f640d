package events

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventBus_EmitReachesSubscribers(t *testing.T) {
	bus := NewEventBus()

	var got atomic.Int32
	bus.SubscribeMany([]EventType{EventSessionStarted, EventSessionFinished}, "counter", func(ctx context.Context, e Event) error {
		got.Add(1)
		return nil
	})
	bus.Subscribe(EventSessionFailed, "panicky", func(ctx context.Context, e Event) error {
		panic("boom")
	})

	bus.Emit(context.Background(), Event{Type: EventSessionStarted})
	bus.Emit(context.Background(), Event{Type: EventSessionFinished})
	bus.Emit(context.Background(), Event{Type: EventSessionFailed})
	bus.Stop()

	assert.Equal(t, int32(2), got.Load())

	// Emitting after Stop is dropped.
	bus.Emit(context.Background(), Event{Type: EventSessionStarted})
	assert.Equal(t, int32(2), got.Load())
	bus.Stop()
}

func TestEventBus_EmitSyncReturnsFirstError(t *testing.T) {
	bus := NewEventBus()
	defer bus.Stop()

	failure := errors.New("publish failed")
	bus.Subscribe(EventGenerationCompleted, "ok", func(ctx context.Context, e Event) error { return nil })
	bus.Subscribe(EventGenerationCompleted, "bad", func(ctx context.Context, e Event) error { return failure })

	err := bus.EmitSync(context.Background(), Event{Type: EventGenerationCompleted})
	require.ErrorIs(t, err, failure)

	bus.Unsubscribe(EventGenerationCompleted, "bad")
	assert.Equal(t, 1, bus.HandlerCount(EventGenerationCompleted))
	require.NoError(t, bus.EmitSync(context.Background(), Event{Type: EventGenerationCompleted}))
}

func TestSessionState_JSON(t *testing.T) {
	data, err := SessionRunning.MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"running"`, string(data))
	assert.Equal(t, "unknown", SessionState(42).String())
}
