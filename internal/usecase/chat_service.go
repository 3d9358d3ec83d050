package usecase

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"reskit/internal/domain"
)

// TurnTrigger schedules a turn for a chat.
type TurnTrigger interface {
	Trigger(chatID string) bool
}

// ChatServiceDeps holds injected dependencies for ChatService.
type ChatServiceDeps struct {
	Store  domain.Store
	Papers domain.PaperSource
	Turns  TurnTrigger
	Bus    domain.EventBus // optional
	Logger *slog.Logger
	Now    func() time.Time // optional, for tests
	NewID  func(time.Time) string
}

// ChatService is the request-facing surface: sending and reading chat
// messages, uploads, paper search and project management.
type ChatService struct {
	deps ChatServiceDeps
}

// NewChatService creates a chat service.
func NewChatService(deps ChatServiceDeps) *ChatService {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewID == nil {
		deps.NewID = newID
	}
	return &ChatService{deps: deps}
}

// SendResult identifies the message accepted by SendMessage.
type SendResult struct {
	ChatID    string `json:"chat_id"`
	MessageID string `json:"message_id"`
}

// SendMessage appends a user message to the project's chat, creating the
// chat on first use, then publishes it and triggers a turn.
func (s *ChatService) SendMessage(ctx context.Context, userID, projectID, text string, attachments []string) (*SendResult, error) {
	const op = "ChatService.SendMessage"
	if projectID == "" || text == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "project id and message content are required")
	}

	project, err := s.deps.Store.GetProject(ctx, projectID)
	if err != nil {
		return nil, domain.NewDomainError(op, err, projectID)
	}

	chat, err := s.chatFor(ctx, userID, project)
	if err != nil {
		return nil, domain.NewDomainError(op, err, projectID)
	}

	for _, fileID := range attachments {
		f, err := s.deps.Store.GetFile(ctx, fileID)
		if err != nil {
			return nil, domain.NewDomainError(op, err, fileID)
		}
		if f.OwnerID != userID {
			return nil, domain.NewDomainError(op, domain.ErrUnauthorizedFile, fileID)
		}
		if err := s.deps.Store.ShareFile(ctx, fileID, chat.Members); err != nil {
			return nil, domain.NewDomainError(op, err, "share "+fileID)
		}
	}

	msg := &domain.Message{
		ChatID:      chat.ID,
		Role:        domain.RoleUser,
		AuthorID:    userID,
		Content:     text,
		Attachments: attachments,
	}
	if _, err := s.deps.Store.Append(ctx, msg); err != nil {
		return nil, domain.NewDomainError(op, err, "append")
	}

	roomCtx := domain.ContextWithRoom(domain.ContextWithChatID(ctx, chat.ID), project.ID)
	publishEvent(s.deps.Bus, roomCtx, domain.EventNewMessage, domain.NewMessageEvent(*msg))

	if s.deps.Turns != nil && !s.deps.Turns.Trigger(chat.ID) {
		s.deps.Logger.Warn("turn trigger rejected, shutting down", "chat_id", chat.ID)
	}
	return &SendResult{ChatID: chat.ID, MessageID: msg.ID}, nil
}

// chatFor returns the project's chat, creating it when the sender may.
func (s *ChatService) chatFor(ctx context.Context, userID string, project *domain.Project) (*domain.Chat, error) {
	chat, err := s.deps.Store.ChatByProject(ctx, project.ID)
	if err == nil {
		if !chat.HasMember(userID) && !project.IsMember(userID) {
			return nil, domain.ErrUnauthorizedChat
		}
		return chat, nil
	}
	if !errors.Is(err, domain.ErrChatNotFound) {
		return nil, err
	}
	if !project.IsMember(userID) {
		return nil, domain.ErrUnauthorizedChat
	}

	now := s.deps.Now()
	chat = &domain.Chat{
		ID:        s.deps.NewID(now),
		ProjectID: project.ID,
		Members:   project.ChatMembers(userID),
		CreatedAt: now.UTC(),
	}
	if err := s.deps.Store.CreateChat(ctx, chat); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			// Lost a creation race; use the winner's chat.
			return s.deps.Store.ChatByProject(ctx, project.ID)
		}
		return nil, err
	}
	s.deps.Logger.Info("chat created", "chat_id", chat.ID, "project_id", project.ID)
	publishEvent(s.deps.Bus, domain.ContextWithRoom(ctx, project.ID), domain.EventChatCreated, chat)
	return chat, nil
}

// ViewPart is one content element of a message as shown to clients. Text
// holds a string, or the decoded payload for cards.
type ViewPart struct {
	Type     string           `json:"type"`
	Text     any              `json:"text,omitempty"`
	ImageURL *domain.ImageURL `json:"image_url,omitempty"`
	File     *domain.FilePart `json:"file,omitempty"`
}

// MessageView is the client-facing rendering of a message.
type MessageView struct {
	ID        string            `json:"id"`
	ChatID    string            `json:"chat_id"`
	UserID    string            `json:"user_id"`
	Username  string            `json:"username"`
	Content   []ViewPart        `json:"content"`
	Timestamp string            `json:"timestamp"`
	ToolCalls []domain.ToolCall `json:"tool_calls"`
	Role      string            `json:"role"`
}

// ReadMessages returns the project's visible messages newer than after. A
// zero after returns all of them.
func (s *ChatService) ReadMessages(ctx context.Context, userID, projectID string, after time.Time) ([]MessageView, error) {
	const op = "ChatService.ReadMessages"

	project, err := s.deps.Store.GetProject(ctx, projectID)
	if err != nil {
		return nil, domain.NewDomainError(op, err, projectID)
	}
	chat, err := s.deps.Store.ChatByProject(ctx, project.ID)
	if errors.Is(err, domain.ErrChatNotFound) {
		return []MessageView{}, nil
	}
	if err != nil {
		return nil, domain.NewDomainError(op, err, projectID)
	}
	if !chat.HasMember(userID) && project.OwnerID != userID {
		return nil, domain.NewDomainError(op, domain.ErrUnauthorizedChat, chat.ID)
	}

	log, err := s.deps.Store.ListByChat(ctx, chat.ID)
	if err != nil {
		return nil, domain.NewDomainError(op, err, chat.ID)
	}

	names := make(map[string]string)
	views := make([]MessageView, 0, len(log))
	for _, m := range log {
		if !m.Timestamp.After(after) || m.Role == domain.RoleTool || m.Content == "" {
			continue
		}
		v, err := s.view(ctx, m, names)
		if err != nil {
			return nil, domain.NewDomainError(op, err, m.ID)
		}
		views = append(views, v)
	}
	return views, nil
}

func (s *ChatService) view(ctx context.Context, m domain.Message, names map[string]string) (MessageView, error) {
	var text any = m.Content
	if m.Role == domain.RoleCard {
		text = json.RawMessage(m.Content)
		if !json.Valid(json.RawMessage(m.Content)) {
			text = m.Content
		}
	}
	parts := []ViewPart{{Type: domain.PartText, Text: text}}

	for _, fileID := range m.Attachments {
		f, err := s.deps.Store.GetFile(ctx, fileID)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return MessageView{}, err
		}
		if p, ok := attachmentPart(f); ok {
			parts = append(parts, ViewPart{Type: p.Type, ImageURL: p.ImageURL, File: p.File})
		}
	}

	role := domain.ViewRoleUser
	if m.Role == domain.RoleAssistant || m.Role == domain.RoleCard {
		role = domain.ViewRoleAI
	}
	return MessageView{
		ID:        m.ID,
		ChatID:    m.ChatID,
		UserID:    m.Actor(),
		Username:  s.username(ctx, m.Actor(), names),
		Content:   parts,
		Timestamp: domain.FormatTimestamp(m.Timestamp),
		ToolCalls: m.PendingToolCalls,
		Role:      role,
	}, nil
}

func (s *ChatService) username(ctx context.Context, id string, cache map[string]string) string {
	if name, ok := cache[id]; ok {
		return name
	}
	name := "Unknown"
	if u, err := s.deps.Store.GetUser(ctx, id); err == nil {
		name = u.Username
	}
	cache[id] = name
	return name
}

// ParseAfter parses the read cursor sent by clients. Both RFC 3339 and the
// zone-less form with a trailing "Z" are accepted. Empty means no cursor.
func ParseAfter(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	t, err := time.Parse("2006-01-02T15:04:05.999999999", strings.TrimSuffix(s, "Z"))
	if err != nil {
		return time.Time{}, fmt.Errorf("after %q: %w", s, domain.ErrInvalidInput)
	}
	return t, nil
}

// UploadFile stores an attachment owned by userID.
func (s *ChatService) UploadFile(ctx context.Context, userID, name string, data []byte) (*domain.File, error) {
	const op = "ChatService.UploadFile"
	name = strings.TrimSpace(name)
	if name == "" || len(data) == 0 {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "file name and data are required")
	}
	now := s.deps.Now()
	f := &domain.File{
		ID:        s.deps.NewID(now),
		Name:      name,
		OwnerID:   userID,
		Data:      data,
		CreatedAt: now.UTC(),
	}
	if err := s.deps.Store.SaveFile(ctx, f); err != nil {
		return nil, domain.NewDomainError(op, err, name)
	}
	return f, nil
}

// UploadBase64 decodes a base64 payload and stores it as a file.
func (s *ChatService) UploadBase64(ctx context.Context, userID, name, payload string) (*domain.File, error) {
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, domain.NewDomainError("ChatService.UploadBase64", domain.ErrInvalidInput, "data is not base64")
	}
	return s.UploadFile(ctx, userID, name, data)
}

// SearchPapers queries the paper source. Category defaults to "all".
func (s *ChatService) SearchPapers(ctx context.Context, query, category string) ([]domain.Paper, error) {
	const op = "ChatService.SearchPapers"
	if strings.TrimSpace(query) == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "query parameter is required")
	}
	if category == "" {
		category = "all"
	}
	papers, err := s.deps.Papers.Search(ctx, query, category)
	if err != nil {
		return nil, domain.NewDomainError(op, err, query)
	}
	return papers, nil
}

// CreateProject creates a project owned by userID.
func (s *ChatService) CreateProject(ctx context.Context, userID, name, description string, members []string, public bool) (*domain.Project, error) {
	const op = "ChatService.CreateProject"
	if strings.TrimSpace(name) == "" {
		return nil, domain.NewDomainError(op, domain.ErrInvalidInput, "project name is required")
	}
	now := s.deps.Now()
	p := &domain.Project{
		ID:          s.deps.NewID(now),
		Name:        name,
		Description: description,
		OwnerID:     userID,
		Members:     dedupe(members, userID),
		IsPublic:    public,
		CreatedAt:   now.UTC(),
	}
	if err := s.deps.Store.SaveProject(ctx, p); err != nil {
		return nil, domain.NewDomainError(op, err, name)
	}
	return p, nil
}

// GetProject returns a project the user may view.
func (s *ChatService) GetProject(ctx context.Context, userID, projectID string) (*domain.Project, error) {
	const op = "ChatService.GetProject"
	p, err := s.deps.Store.GetProject(ctx, projectID)
	if err != nil {
		return nil, domain.NewDomainError(op, err, projectID)
	}
	if !p.CanView(userID) {
		return nil, domain.NewDomainError(op, domain.ErrUnauthorizedProject, projectID)
	}
	return p, nil
}

// ListProjects returns the projects the user owns or belongs to.
func (s *ChatService) ListProjects(ctx context.Context, userID string) ([]domain.Project, error) {
	projects, err := s.deps.Store.ListProjects(ctx, userID)
	if err != nil {
		return nil, domain.NewDomainError("ChatService.ListProjects", err, userID)
	}
	return projects, nil
}

func dedupe(ids []string, exclude string) []string {
	seen := map[string]bool{exclude: true}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
