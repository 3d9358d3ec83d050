package domain

import (
	"context"
	"encoding/json"
	"fmt"
)

// ToolSchema describes a tool for the function-calling protocol.
type ToolSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ToolCall represents the model's request to invoke a tool. Arguments holds
// JSON text exactly as the model produced it.
type ToolCall struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResult is the outcome of executing a tool. Body is the JSON value
// serialized into the tool envelope's content.
type ToolResult struct {
	ToolCallID  string          `json:"tool_call_id"`
	Body        json.RawMessage `json:"body"`
	IsError     bool            `json:"is_error"`
	IsRetryable bool            `json:"is_retryable,omitempty"`
}

// Tool is the interface every tool must implement.
type Tool interface {
	Name() string
	Description() string
	Schema() ToolSchema
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolExecutor abstracts tool lookup and execution.
type ToolExecutor interface {
	Get(name string) (Tool, error)
	Schemas() []ToolSchema
	// Execute runs the named tool. Unknown tools and argument problems are
	// reported as error results, not as errors.
	Execute(ctx context.Context, name string, args json.RawMessage) (*ToolResult, error)
}

// wireToolCall is the OpenAI-style shape used both on the wire and in the
// pending_tool_calls column.
type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

// EncodeToolCalls serializes calls to the persisted wire form.
func EncodeToolCalls(calls []ToolCall) (string, error) {
	if len(calls) == 0 {
		return "", nil
	}
	wire := make([]wireToolCall, len(calls))
	for i, c := range calls {
		wire[i].ID = c.ID
		wire[i].Type = "function"
		wire[i].Function.Name = c.Name
		wire[i].Function.Arguments = string(c.Arguments)
	}
	b, err := json.Marshal(wire)
	if err != nil {
		return "", fmt.Errorf("encode tool calls: %w", err)
	}
	return string(b), nil
}

// DecodeToolCalls parses the persisted wire form. An empty string decodes to
// no calls.
func DecodeToolCalls(s string) ([]ToolCall, error) {
	if s == "" || s == "null" {
		return nil, nil
	}
	var wire []wireToolCall
	if err := json.Unmarshal([]byte(s), &wire); err != nil {
		return nil, fmt.Errorf("decode tool calls: %w: %w", ErrInvalidInput, err)
	}
	calls := make([]ToolCall, len(wire))
	for i, w := range wire {
		calls[i] = ToolCall{ID: w.ID, Name: w.Function.Name, Arguments: json.RawMessage(w.Function.Arguments)}
	}
	return calls, nil
}

// ToolEnvelope is the persisted content of a tool-role message.
type ToolEnvelope struct {
	Role       string `json:"role"`
	ToolCallID string `json:"tool_call_id"`
	Content    string `json:"content"`
}

// NewToolEnvelope builds the serialized envelope for a tool result. The body
// is stored as JSON text inside content.
func NewToolEnvelope(callID string, body json.RawMessage) (string, error) {
	if len(body) == 0 {
		body = json.RawMessage(`""`)
	}
	b, err := json.Marshal(ToolEnvelope{Role: "tool", ToolCallID: callID, Content: string(body)})
	if err != nil {
		return "", fmt.Errorf("encode tool envelope: %w", err)
	}
	return string(b), nil
}

// ParseToolEnvelope decodes a tool-role message's content.
func ParseToolEnvelope(content string) (ToolEnvelope, error) {
	var env ToolEnvelope
	if err := json.Unmarshal([]byte(content), &env); err != nil {
		return env, fmt.Errorf("decode tool envelope: %w: %w", ErrInvalidInput, err)
	}
	if env.ToolCallID == "" {
		return env, fmt.Errorf("tool envelope without tool_call_id: %w", ErrInvalidInput)
	}
	return env, nil
}
