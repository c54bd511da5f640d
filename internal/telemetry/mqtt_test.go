package telemetry

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stagehand-project/stagehand/internal/config"
	"github.com/stagehand-project/stagehand/internal/events"
)

type doneToken struct{}

func (doneToken) Wait() bool                     { return true }
func (doneToken) WaitTimeout(time.Duration) bool { return true }
func (doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (doneToken) Error() error { return nil }

type message struct {
	topic string
	body  map[string]any
}

// fakeClient records publishes; every other method panics via the nil
// embedded interface.
type fakeClient struct {
	mqtt.Client
	mu        sync.Mutex
	connected bool
	messages  []message
}

func (c *fakeClient) IsConnected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

func (c *fakeClient) Connect() mqtt.Token {
	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()
	return doneToken{}
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload any) mqtt.Token {
	var body map[string]any
	if err := json.Unmarshal(payload.([]byte), &body); err != nil {
		panic(err)
	}
	c.mu.Lock()
	c.messages = append(c.messages, message{topic: topic, body: body})
	c.mu.Unlock()
	return doneToken{}
}

func (c *fakeClient) all() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.messages...)
}

func testHandler(bus *events.EventBus, client mqtt.Client) *MQTTHandler {
	h := newHandler(config.MQTTConfig{Enabled: true}, bus, client, map[string]any{"hostname": "ci-7"})
	h.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return h
}

func TestBuildMessage(t *testing.T) {
	h := testHandler(nil, &fakeClient{})
	msg := h.buildMessage(map[string]any{"k": 1})

	assert.Equal(t, "ci-7", msg["hostname"])
	assert.Equal(t, "2026-03-01T12:00:00Z", msg["timestamp"])
	assert.Equal(t, map[string]any{"k": 1}, msg["payload"])
}

func TestEventsRouteToTopics(t *testing.T) {
	bus := events.NewEventBus()
	client := &fakeClient{connected: true}
	h := testHandler(bus, client)
	h.Subscribe()

	ctx := context.Background()
	bus.Emit(ctx, events.Event{
		Type:    events.EventSessionFailed,
		Source:  "replay:session-1",
		Payload: events.SessionPayload{SessionID: "session-1", State: events.SessionFailed, Error: "boom"},
	})
	bus.Emit(ctx, events.Event{
		Type:    events.EventGenerationCompleted,
		Payload: events.GenerationPayload{Artifact: "lobby", Actions: 12},
	})
	bus.Stop()

	got := client.all()
	require.Len(t, got, 2)

	byTopic := map[string]map[string]any{}
	for _, m := range got {
		byTopic[m.topic] = m.body
	}

	session := byTopic["stagehand/session"]
	require.NotNil(t, session)
	inner := session["payload"].(map[string]any)
	assert.Equal(t, "session_failed", inner["event"])
	assert.Equal(t, "failed", inner["payload"].(map[string]any)["state"])
	assert.Equal(t, "ci-7", session["hostname"])

	gen := byTopic["stagehand/generation"]
	require.NotNil(t, gen)
	assert.Equal(t, float64(12), gen["payload"].(map[string]any)["payload"].(map[string]any)["actions"])
}

func TestPublishSkipsWhenDisconnected(t *testing.T) {
	client := &fakeClient{}
	h := testHandler(nil, client)
	h.PublishShutdown()
	assert.Empty(t, client.all())
}

func TestUnsubscribe(t *testing.T) {
	bus := events.NewEventBus()
	h := testHandler(bus, &fakeClient{})
	h.Subscribe()
	assert.Equal(t, 1, bus.HandlerCount(events.EventShutdown))
	h.Unsubscribe()
	assert.Zero(t, bus.HandlerCount(events.EventShutdown))
}

func TestNewMQTTHandlerDisabled(t *testing.T) {
	_, err := NewMQTTHandler(config.MQTTConfig{}, events.NewEventBus(), "dev")
	assert.ErrorIs(t, err, ErrDisabled)
}

func TestStart_ForwardsUntilCancelled(t *testing.T) {
	bus := events.NewEventBus()
	defer bus.Stop()
	client := &fakeClient{}
	h := testHandler(bus, client)
	h.cfg.TopicPrefix = "stagehand"

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.Start(ctx) }()

	require.Eventually(t, func() bool {
		return bus.HandlerCount(events.EventHeartbeat) == 1
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, bus.EmitSync(ctx, events.Event{
		Type:    events.EventHeartbeat,
		Source:  "scheduler",
		Payload: events.HeartbeatPayload{Sessions: 3},
	}))

	cancel()
	require.NoError(t, <-done)

	msgs := client.all()
	require.Len(t, msgs, 2)
	assert.Equal(t, "stagehand/status", msgs[0].topic)
	assert.Equal(t, "stagehand/admin", msgs[1].topic)
	assert.False(t, client.IsConnected())
	assert.Zero(t, bus.HandlerCount(events.EventHeartbeat))
}
