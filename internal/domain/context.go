package domain

import "context"

type ctxKey string

const (
	chatCtxKey ctxKey = "chat_id"
	roomCtxKey ctxKey = "room"
)

// ContextWithChatID returns a new context carrying the chat ID.
func ContextWithChatID(ctx context.Context, chatID string) context.Context {
	return context.WithValue(ctx, chatCtxKey, chatID)
}

// ChatIDFromContext extracts the chat ID from the context.
// Returns empty string if not set.
func ChatIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(chatCtxKey).(string); ok {
		return v
	}
	return ""
}

// ContextWithRoom returns a new context carrying the realtime room (project ID)
// that events raised during the turn are scoped to.
func ContextWithRoom(ctx context.Context, room string) context.Context {
	return context.WithValue(ctx, roomCtxKey, room)
}

// RoomFromContext extracts the realtime room from the context.
func RoomFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(roomCtxKey).(string); ok {
		return v
	}
	return ""
}
