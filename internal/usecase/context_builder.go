package usecase

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"reskit/internal/domain"
)

// DefaultSystemPrompt is the persona instruction placed first in every
// model request.
const DefaultSystemPrompt = "You are ResKit, an AI assistant that helps researchers analyse academic papers and do their own research. Provide concise, accurate, and relevant information based on the user's queries about research topics, papers, and authors. If you don't know the answer, just say you don't know. Do not make up answers."

// ContextDirectory is the directory access the context builder needs.
type ContextDirectory interface {
	GetUser(ctx context.Context, id string) (*domain.User, error)
	GetFile(ctx context.Context, id string) (*domain.File, error)
}

// ContextBuilderConfig holds the fixed parts of every model request.
type ContextBuilderConfig struct {
	SystemPrompt string
	Model        string
	MaxTokens    int
}

// ContextBuilder reconstructs the model input from a chat's persisted log.
// It holds no per-chat state; the same log always yields the same request.
type ContextBuilder struct {
	cfg    ContextBuilderConfig
	dir    ContextDirectory
	logger *slog.Logger
}

// NewContextBuilder creates a new context builder.
func NewContextBuilder(cfg ContextBuilderConfig, dir ContextDirectory, logger *slog.Logger) *ContextBuilder {
	if cfg.SystemPrompt == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	return &ContextBuilder{cfg: cfg, dir: dir, logger: logger}
}

// Build assembles the system prompt followed by one entry per message in
// timestamp order. An empty history is ErrChatNotFound.
func (cb *ContextBuilder) Build(ctx context.Context, history []domain.Message, tools []domain.ToolSchema) (domain.ChatRequest, error) {
	if len(history) == 0 {
		return domain.ChatRequest{}, domain.ErrChatNotFound
	}

	hist := RepairTranscript(history)
	messages := make([]domain.ContextMessage, 0, 1+len(hist))
	messages = append(messages, domain.ContextMessage{
		Role:    domain.ContextSystem,
		Content: cb.cfg.SystemPrompt,
	})

	users := make(map[string]string)
	for _, msg := range hist {
		entry, err := cb.render(ctx, msg, users)
		if err != nil {
			return domain.ChatRequest{}, err
		}
		messages = append(messages, entry)
	}

	return domain.ChatRequest{
		Model:     cb.cfg.Model,
		Messages:  messages,
		Tools:     tools,
		MaxTokens: cb.cfg.MaxTokens,
	}, nil
}

func (cb *ContextBuilder) render(ctx context.Context, msg domain.Message, users map[string]string) (domain.ContextMessage, error) {
	switch msg.Role {
	case domain.RoleUser:
		return cb.renderUser(ctx, msg, users)

	case domain.RoleAssistant:
		if msg.HasPendingCalls() {
			return domain.ContextMessage{
				Role:      domain.ContextAssistant,
				ToolCalls: msg.PendingToolCalls,
			}, nil
		}
		return domain.ContextMessage{Role: domain.ContextAssistant, Content: msg.Content}, nil

	case domain.RoleTool:
		entry := domain.ContextMessage{Role: domain.ContextTool, Raw: []byte(msg.Content)}
		if env, err := domain.ParseToolEnvelope(msg.Content); err == nil {
			entry.ToolCallID = env.ToolCallID
			entry.Content = env.Content
		}
		return entry, nil

	case domain.RoleCard:
		return domain.ContextMessage{Role: domain.ContextAssistant, Content: msg.Content}, nil
	}
	return domain.ContextMessage{}, fmt.Errorf("render message %s: role %s: %w", msg.ID, msg.Role, domain.ErrInvalidInput)
}

func (cb *ContextBuilder) renderUser(ctx context.Context, msg domain.Message, users map[string]string) (domain.ContextMessage, error) {
	name, err := cb.username(ctx, msg.AuthorID, users)
	if err != nil {
		return domain.ContextMessage{}, err
	}

	parts := []domain.ContentPart{domain.TextPart(name + ": " + msg.Content)}
	for _, fileID := range msg.Attachments {
		f, err := cb.dir.GetFile(ctx, fileID)
		if errors.Is(err, domain.ErrNotFound) {
			cb.logger.Warn("attachment missing, skipped", "message_id", msg.ID, "file_id", fileID)
			continue
		}
		if err != nil {
			return domain.ContextMessage{}, fmt.Errorf("load attachment %s: %w", fileID, err)
		}
		if part, ok := attachmentPart(f); ok {
			parts = append(parts, part)
		}
	}
	return domain.ContextMessage{Role: domain.ContextUser, Parts: parts}, nil
}

func (cb *ContextBuilder) username(ctx context.Context, userID string, cache map[string]string) (string, error) {
	if name, ok := cache[userID]; ok {
		return name, nil
	}
	u, err := cb.dir.GetUser(ctx, userID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		cb.logger.Warn("message author not found, using id", "user_id", userID)
		cache[userID] = userID
		return userID, nil
	case err != nil:
		return "", fmt.Errorf("load user %s: %w", userID, err)
	}
	cache[userID] = u.Username
	return u.Username, nil
}

// attachmentPart inlines a file as a content part. Images and PDFs are
// supported; any other type is dropped.
func attachmentPart(f *domain.File) (domain.ContentPart, bool) {
	switch ext := f.Ext(); ext {
	case "png", "jpg", "jpeg", "gif":
		return domain.ContentPart{
			Type:     domain.PartImageURL,
			ImageURL: &domain.ImageURL{URL: "data:image/" + ext + ";base64," + base64.StdEncoding.EncodeToString(f.Data)},
		}, true
	case "pdf":
		return domain.ContentPart{
			Type: domain.PartFile,
			File: &domain.FilePart{
				Filename: f.Name,
				FileData: "data:application/pdf;base64," + base64.StdEncoding.EncodeToString(f.Data),
			},
		}, true
	}
	return domain.ContentPart{}, false
}
