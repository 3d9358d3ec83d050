package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

// Client-facing events. Their names are part of the realtime contract.
const (
	EventNewMessage EventType = "new_message"
	EventNewCard    EventType = "new_card"
)

// Internal lifecycle events, consumed by logging and metrics.
const (
	EventTurnStarted       EventType = "turn.started"
	EventTurnCompleted     EventType = "turn.completed"
	EventTurnFailed        EventType = "turn.failed"
	EventToolCallStarted   EventType = "tool.call.started"
	EventToolCallCompleted EventType = "tool.call.completed"
	EventLLMCallStarted    EventType = "llm.call.started"
	EventLLMCallCompleted  EventType = "llm.call.completed"
	EventChatCreated       EventType = "chat.created"
)

// Client reports whether the event is delivered to realtime subscribers.
func (t EventType) Client() bool {
	return t == EventNewMessage || t == EventNewCard
}

// Event is the envelope published on the event bus. Room scopes delivery to
// the subscribers of one project.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Room      string          `json:"room,omitempty"`
	ChatID    string          `json:"chat_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// MessageEvent is the payload of new_message.
type MessageEvent struct {
	ID        string        `json:"id"`
	ChatID    string        `json:"chat_id"`
	UserID    string        `json:"user_id"`
	Content   []ContentPart `json:"content"`
	Timestamp string        `json:"timestamp"`
	Role      string        `json:"role"`
}

// Read-model roles.
const (
	ViewRoleUser = "user"
	ViewRoleAI   = "ai"
)

// FormatTimestamp renders a message timestamp for clients.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// NewMessageEvent builds the new_message payload for a text message.
func NewMessageEvent(m Message) MessageEvent {
	role := ViewRoleUser
	if m.Role == RoleAssistant || m.Role == RoleCard {
		role = ViewRoleAI
	}
	return MessageEvent{
		ID:        m.ID,
		ChatID:    m.ChatID,
		UserID:    m.Actor(),
		Content:   []ContentPart{TextPart(m.Content)},
		Timestamp: FormatTimestamp(m.Timestamp),
		Role:      role,
	}
}

// CardEvent is the payload of new_card.
type CardEvent struct {
	Cards Paper `json:"cards"`
}

// TurnEvent is the payload of the turn.* lifecycle events.
type TurnEvent struct {
	ChatID     string  `json:"chat_id"`
	Iterations int     `json:"iterations"`
	DurationMS float64 `json:"duration_ms"`
	Error      string  `json:"error,omitempty"`
	Code       string  `json:"code,omitempty"`
}

// ToolCallEvent is the payload of the tool.call.* events.
type ToolCallEvent struct {
	Tool       string  `json:"tool"`
	CallID     string  `json:"call_id"`
	IsError    bool    `json:"is_error"`
	DurationMS float64 `json:"duration_ms,omitempty"`
}

// LLMCallEvent is the payload of llm.call.completed.
type LLMCallEvent struct {
	Gateway      string       `json:"gateway"`
	Model        string       `json:"model"`
	FinishReason FinishReason `json:"finish_reason,omitempty"`
	Usage        Usage        `json:"usage"`
	DurationMS   float64      `json:"duration_ms"`
	Error        string       `json:"error,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
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

// NewEvent marshals payload into an Event stamped with the current time.
func NewEvent(t EventType, room, chatID string, payload any) Event {
	ev := Event{Type: t, Timestamp: time.Now(), Room: room, ChatID: chatID}
	if payload != nil {
		if b, err := json.Marshal(payload); err == nil {
			ev.Payload = b
		}
	}
	return ev
}
