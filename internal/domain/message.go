package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies who produced a persisted chat message. It is a closed set;
// the zero value is invalid.
type Role uint8

const (
	RoleUser Role = iota + 1
	RoleAssistant
	RoleTool
	RoleCard
)

// Reserved actor ids stored in place of a user id for non-user roles.
const (
	ActorAssistant = "system"
	ActorTool      = "tool"
	ActorCard      = "card"
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAssistant:
		return "assistant"
	case RoleTool:
		return "tool"
	case RoleCard:
		return "card"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// Valid reports whether r is one of the defined roles.
func (r Role) Valid() bool { return r >= RoleUser && r <= RoleCard }

// ParseRole is the inverse of Role.String.
func ParseRole(s string) (Role, error) {
	switch s {
	case "user":
		return RoleUser, nil
	case "assistant":
		return RoleAssistant, nil
	case "tool":
		return RoleTool, nil
	case "card":
		return RoleCard, nil
	}
	return 0, fmt.Errorf("unknown role %q: %w", s, ErrInvalidInput)
}

func (r Role) MarshalText() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("marshal %s: %w", r, ErrInvalidInput)
	}
	return []byte(r.String()), nil
}

func (r *Role) UnmarshalText(b []byte) error {
	parsed, err := ParseRole(string(b))
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// RoleFromActor maps a stored actor id back to its role. Any id that is not
// reserved belongs to a user.
func RoleFromActor(actor string) Role {
	switch actor {
	case ActorAssistant:
		return RoleAssistant
	case ActorTool:
		return RoleTool
	case ActorCard:
		return RoleCard
	default:
		return RoleUser
	}
}

// Message is one immutable entry in a chat's log.
type Message struct {
	ID               string     `json:"id"`
	ChatID           string     `json:"chat_id"`
	Role             Role       `json:"role"`
	AuthorID         string     `json:"author_id,omitempty"` // user id, RoleUser only
	Content          string     `json:"content"`
	Attachments      []string   `json:"attachments,omitempty"`
	Timestamp        time.Time  `json:"timestamp"`
	PendingToolCalls []ToolCall `json:"pending_tool_calls,omitempty"`
}

// Actor returns the id stored in the actor column: the author for user
// messages, a reserved id otherwise.
func (m Message) Actor() string {
	switch m.Role {
	case RoleAssistant:
		return ActorAssistant
	case RoleTool:
		return ActorTool
	case RoleCard:
		return ActorCard
	default:
		return m.AuthorID
	}
}

// HasPendingCalls reports whether the message records a tool-call request.
func (m Message) HasPendingCalls() bool { return len(m.PendingToolCalls) > 0 }

// Validate checks the structural invariants a store enforces on append.
func (m Message) Validate() error {
	if m.ChatID == "" {
		return fmt.Errorf("message chat_id is required: %w", ErrInvalidInput)
	}
	if !m.Role.Valid() {
		return fmt.Errorf("message role %s: %w", m.Role, ErrInvalidInput)
	}
	if m.Role == RoleUser && m.AuthorID == "" {
		return fmt.Errorf("user message without author: %w", ErrInvalidInput)
	}
	if m.Role == RoleUser && isReservedActor(m.AuthorID) {
		return fmt.Errorf("user id %q is reserved: %w", m.AuthorID, ErrInvalidInput)
	}
	if m.HasPendingCalls() {
		if m.Role != RoleAssistant {
			return fmt.Errorf("pending tool calls on %s message: %w", m.Role, ErrInvalidInput)
		}
		if m.Content != "" {
			return fmt.Errorf("message with pending tool calls must have empty content: %w", ErrInvalidInput)
		}
	}
	return nil
}

func isReservedActor(id string) bool {
	return id == ActorAssistant || id == ActorTool || id == ActorCard
}

// LatestUserMessage returns the newest user-role message in a log ordered by
// timestamp, or false if there is none.
func LatestUserMessage(log []Message) (Message, bool) {
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].Role == RoleUser {
			return log[i], true
		}
	}
	return Message{}, false
}

// NextTimestamp returns the timestamp for a message appended after last,
// keeping per-chat timestamps strictly increasing at microsecond precision.
func NextTimestamp(last, now time.Time) time.Time {
	now = now.UTC().Truncate(time.Microsecond)
	if last.IsZero() {
		return now
	}
	floor := last.UTC().Truncate(time.Microsecond).Add(time.Microsecond)
	if now.Before(floor) {
		return floor
	}
	return now
}

// ContextRole is the role of an entry in the model input.
type ContextRole string

const (
	ContextSystem    ContextRole = "system"
	ContextUser      ContextRole = "user"
	ContextAssistant ContextRole = "assistant"
	ContextTool      ContextRole = "tool"
)

// Content part types understood by the model gateway.
const (
	PartText     = "text"
	PartImageURL = "image_url"
	PartFile     = "file"
)

// ContentPart is one element of a multi-part user turn.
type ContentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *ImageURL `json:"image_url,omitempty"`
	File     *FilePart `json:"file,omitempty"`
}

// ImageURL carries an inline data URL or a remote image URL.
type ImageURL struct {
	URL string `json:"url"`
}

// FilePart carries a named file as a data URL or a remote URL.
type FilePart struct {
	Filename string `json:"filename"`
	FileData string `json:"file_data"`
}

// TextPart is a convenience constructor for a text content part.
func TextPart(s string) ContentPart { return ContentPart{Type: PartText, Text: s} }

// ContextMessage is one entry of the model input. User turns use Parts;
// other roles use Content. Raw, when set, is the verbatim wire entry and
// takes precedence over every other field.
type ContextMessage struct {
	Role       ContextRole     `json:"role"`
	Content    string          `json:"content,omitempty"`
	Parts      []ContentPart   `json:"parts,omitempty"`
	ToolCalls  []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Raw        json.RawMessage `json:"raw,omitempty"`
}

// ChatRequest is sent to a model gateway.
type ChatRequest struct {
	Model          string           `json:"model"`
	Messages       []ContextMessage `json:"messages"`
	Tools          []ToolSchema     `json:"tools,omitempty"`
	MaxTokens      int              `json:"max_tokens,omitempty"`
	Temperature    float64          `json:"temperature,omitempty"`
	ResponseFormat *ResponseFormat  `json:"response_format,omitempty"`
}

// ResponseFormat requests schema-constrained JSON output.
type ResponseFormat struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Strict      bool            `json:"strict"`
	Schema      json.RawMessage `json:"schema"`
}

// FinishReason is the gateway's signal for why generation stopped.
type FinishReason string

const (
	FinishStop      FinishReason = "stop"
	FinishToolCalls FinishReason = "tool_calls"
	FinishLength    FinishReason = "length"
)

// ChatResponse is returned from a model gateway.
type ChatResponse struct {
	ID           string         `json:"id"`
	Model        string         `json:"model"`
	FinishReason FinishReason   `json:"finish_reason"`
	Message      ContextMessage `json:"message"`
	Usage        Usage          `json:"usage"`
	CreatedAt    time.Time      `json:"created_at"`
}

// WantsTools reports whether the response asks for tool execution. Some
// upstream models report "stop" while still returning tool calls.
func (r *ChatResponse) WantsTools() bool {
	return r.FinishReason == FinishToolCalls || len(r.Message.ToolCalls) > 0
}

// Usage tracks token consumption.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}
