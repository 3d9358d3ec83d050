package domain

import "context"

// ModelGateway is the interface for any chat-completion backend.
type ModelGateway interface {
	// Chat sends a request and returns a complete response.
	Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error)
	// Name returns the gateway's identifier (e.g., "openrouter", "bedrock").
	Name() string
}
