package scheduling

import (
	"context"
	"fmt"
	"log/slog"

	"reskit/internal/domain"
)

// ChatSource lists chats and their message logs.
type ChatSource interface {
	ListChats(ctx context.Context) ([]domain.Chat, error)
	ListByChat(ctx context.Context, chatID string) ([]domain.Message, error)
}

// Trigger starts a turn for a chat in the background.
type Trigger interface {
	Trigger(chatID string) bool
}

// Recovery re-triggers chats whose newest user message is newer than the
// answered cursor, which happens when a turn was interrupted by a crash or
// restart.
type Recovery struct {
	chats  ChatSource
	turns  Trigger
	logger *slog.Logger
}

// NewRecovery creates a recovery sweep.
func NewRecovery(chats ChatSource, turns Trigger, logger *slog.Logger) *Recovery {
	return &Recovery{chats: chats, turns: turns, logger: logger}
}

// Sweep checks every chat once and returns the number of turns triggered.
func (r *Recovery) Sweep(ctx context.Context) (int, error) {
	chats, err := r.chats.ListChats(ctx)
	if err != nil {
		return 0, fmt.Errorf("recovery: list chats: %w", err)
	}

	triggered := 0
	for _, chat := range chats {
		if err := ctx.Err(); err != nil {
			return triggered, err
		}
		msgs, err := r.chats.ListByChat(ctx, chat.ID)
		if err != nil {
			r.logger.Warn("recovery: list messages failed", "chat_id", chat.ID, "error", err)
			continue
		}
		latest, ok := domain.LatestUserMessage(msgs)
		if !ok || !chat.NeedsAnswer(latest.Timestamp) {
			continue
		}
		if r.turns.Trigger(chat.ID) {
			triggered++
			r.logger.Info("recovery: re-triggered unanswered chat", "chat_id", chat.ID)
		}
	}
	return triggered, nil
}

// Action adapts Sweep to a scheduler action.
func (r *Recovery) Action() func(ctx context.Context) error {
	return func(ctx context.Context) error {
		_, err := r.Sweep(ctx)
		return err
	}
}
