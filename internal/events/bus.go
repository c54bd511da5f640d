package events

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
)

// HandlerFunc is a function that handles an event.
type HandlerFunc func(ctx context.Context, event Event) error

// EventBus is an asynchronous publish-subscribe bus. Replay sessions,
// generation runs and the capture proxy publish on it; telemetry and the
// status API subscribe.
type EventBus struct {
	mu       sync.RWMutex
	handlers map[EventType][]handlerEntry
	stopped  bool
	inflight sync.WaitGroup
}

type handlerEntry struct {
	name    string
	handler HandlerFunc
}

// NewEventBus creates a new EventBus instance.
func NewEventBus() *EventBus {
	return &EventBus{
		handlers: make(map[EventType][]handlerEntry),
	}
}

// Subscribe registers a handler for an event type. The name identifies the
// handler for Unsubscribe and in logs.
func (eb *EventBus) Subscribe(eventType EventType, name string, handler HandlerFunc) {
	eb.SubscribeMany([]EventType{eventType}, name, handler)
}

// SubscribeMany registers one handler for several event types.
func (eb *EventBus) SubscribeMany(types []EventType, name string, handler HandlerFunc) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	for _, t := range types {
		eb.handlers[t] = append(eb.handlers[t], handlerEntry{name: name, handler: handler})
		log.Debug().
			Str("event", string(t)).
			Str("handler", name).
			Msg("subscribed to event")
	}
}

// Unsubscribe removes a named handler from a specific event type.
func (eb *EventBus) Unsubscribe(eventType EventType, name string) {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	handlers := eb.handlers[eventType]
	filtered := handlers[:0:0]
	for _, h := range handlers {
		if h.name != name {
			filtered = append(filtered, h)
		}
	}
	if len(filtered) == 0 {
		delete(eb.handlers, eventType)
	} else {
		eb.handlers[eventType] = filtered
	}
}

// snapshot returns the handlers for t, or nil once the bus is stopped.
func (eb *EventBus) snapshot(t EventType) []handlerEntry {
	eb.mu.RLock()
	defer eb.mu.RUnlock()

	if eb.stopped {
		return nil
	}
	handlers := eb.handlers[t]
	out := make([]handlerEntry, len(handlers))
	copy(out, handlers)
	return out
}

// Emit publishes an event to every subscribed handler without waiting.
// Each handler runs in its own goroutine; Stop waits for them.
func (eb *EventBus) Emit(ctx context.Context, event Event) {
	// Register in-flight work under the read lock so Stop cannot start
	// waiting between the snapshot and the Add.
	eb.mu.RLock()
	if eb.stopped || len(eb.handlers[event.Type]) == 0 {
		eb.mu.RUnlock()
		return
	}
	handlers := make([]handlerEntry, len(eb.handlers[event.Type]))
	copy(handlers, eb.handlers[event.Type])
	eb.inflight.Add(len(handlers))
	eb.mu.RUnlock()

	log.Trace().
		Str("event", string(event.Type)).
		Str("source", event.Source).
		Int("handlers", len(handlers)).
		Msg("emitting event")

	for _, h := range handlers {
		h := h
		go func() {
			defer eb.inflight.Done()
			invoke(ctx, h, event)
		}()
	}
}

// EmitSync publishes an event and waits for all handlers to complete.
// Returns the first error encountered, if any.
func (eb *EventBus) EmitSync(ctx context.Context, event Event) error {
	handlers := eb.snapshot(event.Type)

	var (
		wg       sync.WaitGroup
		errOnce  sync.Once
		firstErr error
	)
	wg.Add(len(handlers))
	for _, h := range handlers {
		h := h
		go func() {
			defer wg.Done()
			if err := invoke(ctx, h, event); err != nil {
				errOnce.Do(func() { firstErr = err })
			}
		}()
	}
	wg.Wait()
	return firstErr
}

// invoke runs one handler, turning a panic into a logged error.
func invoke(ctx context.Context, h handlerEntry, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("event", string(event.Type)).
				Str("handler", h.name).
				Interface("panic", r).
				Msg("handler panicked")
			err = fmt.Errorf("handler %s panicked: %v", h.name, r)
		}
	}()

	if err = h.handler(ctx, event); err != nil {
		log.Error().
			Err(err).
			Str("event", string(event.Type)).
			Str("handler", h.name).
			Msg("handler returned error")
	}
	return err
}

// Stop stops accepting events and waits for in-flight handlers. Calling it
// more than once is a no-op.
func (eb *EventBus) Stop() {
	eb.mu.Lock()
	if eb.stopped {
		eb.mu.Unlock()
		return
	}
	eb.stopped = true
	eb.mu.Unlock()

	eb.inflight.Wait()
	log.Debug().Msg("event bus stopped")
}

// HandlerCount returns the number of handlers registered for a specific event type.
func (eb *EventBus) HandlerCount(eventType EventType) int {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.handlers[eventType])
}
