package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventSessionChanged     EventType = "session.changed"
	EventInProgressChanged  EventType = "session.in_progress"
	EventSessionCancelled   EventType = "session.cancelled"
	EventTurnStarted        EventType = "turn.started"
	EventTurnCompleted      EventType = "turn.completed"
	EventToolCallStarted    EventType = "tool.call.started"
	EventToolCallCompleted  EventType = "tool.call.completed"
	EventAgentCreated       EventType = "agent.created"
	EventAgentRemoved       EventType = "agent.removed"
	EventAgentReset         EventType = "agent.reset"
	EventAgentTaskStarted   EventType = "agent.task.started"
	EventAgentTaskCompleted EventType = "agent.task.completed"
	EventServerConnected    EventType = "external.server.connected"
	EventServerDisconnected EventType = "external.server.disconnected"
	EventServerDiscovered   EventType = "external.server.discovered"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for change notifications.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
