package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"reskit/internal/domain"
	"reskit/internal/infra/tracer"
)

// PaperCardTool persists one card message per resolved paper in the chat
// running the turn and pushes each card to the chat's room.
type PaperCardTool struct {
	papers   domain.PaperSource
	messages domain.MessageStore
	bus      domain.EventBus
	logger   *slog.Logger
}

// NewPaperCardTool creates the send_paper_card tool. bus may be nil.
func NewPaperCardTool(papers domain.PaperSource, messages domain.MessageStore, bus domain.EventBus, logger *slog.Logger) *PaperCardTool {
	return &PaperCardTool{papers: papers, messages: messages, bus: bus, logger: logger}
}

func (t *PaperCardTool) Name() string { return "send_paper_card" }
func (t *PaperCardTool) Description() string {
	return "Send a card to the user with details about specific papers. Use this to send details of papers the user has asked for. " +
		"Follow the function call with a precurser message to the user indicating that the card has been sent. " +
		"No need to mention information about the card in the main response."
}

func (t *PaperCardTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters:  arxivIDsSchema("A list of arXiv IDs of the papers to include in the card."),
	}
}

func (t *PaperCardTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.send_paper_card", t.logger, params,
		func(ctx context.Context, span trace.Span, p arxivIDsParams) (any, error) {
			chatID := domain.ChatIDFromContext(ctx)
			if chatID == "" {
				return nil, fmt.Errorf("send_paper_card needs an active chat")
			}
			ids := cleanIDs(p.ArxivIDs)
			if err := ValidateMaxItems("arxiv_ids", ids, maxArxivIDs); err != nil {
				return nil, err
			}

			var papers []domain.Paper
			if len(ids) > 0 {
				var err error
				if papers, err = t.papers.ByIDs(ctx, ids); err != nil {
					return nil, err
				}
			}

			room := domain.RoomFromContext(ctx)
			for _, paper := range papers {
				payload, err := json.Marshal(paper)
				if err != nil {
					return nil, fmt.Errorf("encode card: %w", err)
				}
				card := &domain.Message{ChatID: chatID, Role: domain.RoleCard, Content: string(payload)}
				if _, err := t.messages.Append(ctx, card); err != nil {
					return nil, fmt.Errorf("persist card %s: %w", paper.ArxivID, err)
				}
				if t.bus != nil {
					t.bus.Publish(ctx, domain.NewEvent(domain.EventNewCard, room, chatID, domain.CardEvent{Cards: paper}))
				}
			}
			span.SetAttributes(tracer.IntAttr("cards.sent", len(papers)))
			t.logger.Debug("paper cards sent", "chat_id", chatID, "cards", len(papers))

			return "Sent paper card for arXiv IDs " + strings.Join(p.ArxivIDs, ","), nil
		},
	)
}
