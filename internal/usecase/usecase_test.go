package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"reskit/internal/domain"
)

// --- Mocks ---

// memStore is a minimal in-memory domain.Store for usecase tests.
type memStore struct {
	mu       sync.Mutex
	seq      int
	now      func() time.Time
	messages map[string][]domain.Message
	chats    map[string]*domain.Chat
	users    map[string]*domain.User
	projects map[string]*domain.Project
	files    map[string]*domain.File
	appendFn func(*domain.Message) error // optional failure hook
}

func newMemStore() *memStore {
	return &memStore{
		now:      time.Now,
		messages: make(map[string][]domain.Message),
		chats:    make(map[string]*domain.Chat),
		users:    make(map[string]*domain.User),
		projects: make(map[string]*domain.Project),
		files:    make(map[string]*domain.File),
	}
}

func (s *memStore) Append(_ context.Context, msg *domain.Message) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}
	if s.appendFn != nil {
		if err := s.appendFn(msg); err != nil {
			return "", err
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	if msg.ID == "" {
		msg.ID = fmt.Sprintf("m%03d", s.seq)
	}
	var last time.Time
	if log := s.messages[msg.ChatID]; len(log) > 0 {
		last = log[len(log)-1].Timestamp
	}
	msg.Timestamp = domain.NextTimestamp(last, s.now())
	s.messages[msg.ChatID] = append(s.messages[msg.ChatID], *msg)
	return msg.ID, nil
}

func (s *memStore) ListByChat(_ context.Context, chatID string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages[chatID]), nil
}

func (s *memStore) CreateChat(_ context.Context, chat *domain.Chat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chats {
		if c.ProjectID == chat.ProjectID {
			return fmt.Errorf("chat for project %s: %w", chat.ProjectID, domain.ErrDuplicate)
		}
	}
	cp := *chat
	s.chats[chat.ID] = &cp
	return nil
}

func (s *memStore) GetChat(_ context.Context, chatID string) (*domain.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return nil, domain.ErrChatNotFound
	}
	cp := *c
	return &cp, nil
}

func (s *memStore) ChatByProject(_ context.Context, projectID string) (*domain.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.chats {
		if c.ProjectID == projectID {
			cp := *c
			return &cp, nil
		}
	}
	return nil, domain.ErrChatNotFound
}

func (s *memStore) ListChats(_ context.Context) ([]domain.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.Chat, 0, len(s.chats))
	for _, c := range s.chats {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) MarkAnswered(_ context.Context, chatID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.chats[chatID]
	if !ok {
		return domain.ErrChatNotFound
	}
	if at.After(c.AnsweredAt) {
		c.AnsweredAt = at
	}
	return nil
}

func (s *memStore) SaveUser(_ context.Context, u *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *u
	s.users[u.ID] = &cp
	return nil
}

func (s *memStore) GetUser(_ context.Context, id string) (*domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return nil, domain.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *memStore) SaveProject(_ context.Context, p *domain.Project) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *p
	s.projects[p.ID] = &cp
	return nil
}

func (s *memStore) GetProject(_ context.Context, id string) (*domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return nil, domain.ErrProjectNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *memStore) ListProjects(_ context.Context, userID string) ([]domain.Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Project
	for _, p := range s.projects {
		if p.IsMember(userID) {
			out = append(out, *p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memStore) SaveFile(_ context.Context, f *domain.File) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *f
	s.files[f.ID] = &cp
	return nil
}

func (s *memStore) GetFile(_ context.Context, id string) (*domain.File, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[id]
	if !ok {
		return nil, domain.ErrFileNotFound
	}
	cp := *f
	cp.Members = slices.Clone(f.Members)
	return &cp, nil
}

func (s *memStore) ShareFile(_ context.Context, fileID string, members []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[fileID]
	if !ok {
		return domain.ErrFileNotFound
	}
	f.ShareWith(members)
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) log(chatID string) []domain.Message {
	msgs, _ := s.ListByChat(context.Background(), chatID)
	return msgs
}

// seedChat creates a user, a project and its chat, returning the chat.
func (s *memStore) seedChat(chatID, projectID, userID, username string) *domain.Chat {
	ctx := context.Background()
	_ = s.SaveUser(ctx, &domain.User{ID: userID, Username: username})
	_ = s.SaveProject(ctx, &domain.Project{ID: projectID, Name: "p", OwnerID: userID})
	chat := &domain.Chat{ID: chatID, ProjectID: projectID, Members: []string{userID}}
	_ = s.CreateChat(ctx, chat)
	return chat
}

func (s *memStore) addUserMessage(chatID, userID, text string, attachments ...string) domain.Message {
	msg := &domain.Message{ChatID: chatID, Role: domain.RoleUser, AuthorID: userID, Content: text, Attachments: attachments}
	if _, err := s.Append(context.Background(), msg); err != nil {
		panic(err)
	}
	return *msg
}

// mockGateway replays scripted responses and records every request.
type mockGateway struct {
	mu        sync.Mutex
	responses []*domain.ChatResponse
	errs      []error
	requests  []domain.ChatRequest
	delay     time.Duration
}

func (g *mockGateway) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	idx := len(g.requests)
	g.requests = append(g.requests, req)
	if idx < len(g.errs) && g.errs[idx] != nil {
		return nil, g.errs[idx]
	}
	if idx >= len(g.responses) {
		return answer("fallback"), nil
	}
	return g.responses[idx], nil
}

func (g *mockGateway) Name() string { return "mock" }

func (g *mockGateway) calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.requests)
}

func answer(text string) *domain.ChatResponse {
	return &domain.ChatResponse{
		FinishReason: domain.FinishStop,
		Message:      domain.ContextMessage{Role: domain.ContextAssistant, Content: text},
	}
}

func toolCalls(calls ...domain.ToolCall) *domain.ChatResponse {
	return &domain.ChatResponse{
		FinishReason: domain.FinishToolCalls,
		Message:      domain.ContextMessage{Role: domain.ContextAssistant, ToolCalls: calls},
	}
}

func call(id, name, args string) domain.ToolCall {
	return domain.ToolCall{ID: id, Name: name, Arguments: json.RawMessage(args)}
}

// mockTools is a ToolExecutor backed by plain functions.
type mockTools struct {
	mu    sync.Mutex
	fns   map[string]func(ctx context.Context, args json.RawMessage) (*domain.ToolResult, error)
	calls []string
}

func newMockTools() *mockTools {
	return &mockTools{fns: make(map[string]func(context.Context, json.RawMessage) (*domain.ToolResult, error))}
}

func (m *mockTools) on(name string, fn func(ctx context.Context, args json.RawMessage) (*domain.ToolResult, error)) *mockTools {
	m.fns[name] = fn
	return m
}

func (m *mockTools) Get(name string) (domain.Tool, error) {
	return nil, domain.ErrToolNotFound
}

func (m *mockTools) Schemas() []domain.ToolSchema {
	names := make([]string, 0, len(m.fns))
	for n := range m.fns {
		names = append(names, n)
	}
	sort.Strings(names)
	out := make([]domain.ToolSchema, len(names))
	for i, n := range names {
		out[i] = domain.ToolSchema{Name: n, Parameters: json.RawMessage(`{"type":"object"}`)}
	}
	return out
}

func (m *mockTools) Execute(ctx context.Context, name string, args json.RawMessage) (*domain.ToolResult, error) {
	m.mu.Lock()
	m.calls = append(m.calls, name)
	fn, ok := m.fns[name]
	m.mu.Unlock()
	if !ok {
		return textResult("Error: Unknown tool " + name), nil
	}
	return fn(ctx, args)
}

func textResult(s string) *domain.ToolResult {
	b, _ := json.Marshal(s)
	return &domain.ToolResult{Body: b}
}

// recordingBus is a synchronous EventBus that keeps every event.
type recordingBus struct {
	mu     sync.Mutex
	events []domain.Event
}

func (b *recordingBus) Publish(_ context.Context, e domain.Event) {
	b.mu.Lock()
	b.events = append(b.events, e)
	b.mu.Unlock()
}
func (b *recordingBus) Subscribe(domain.EventType, domain.EventHandler) func() { return func() {} }
func (b *recordingBus) SubscribeAll(domain.EventHandler) func()                 { return func() {} }
func (b *recordingBus) Close()                                                  {}

func (b *recordingBus) ofType(t domain.EventType) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.Event
	for _, e := range b.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type orchestratorFixture struct {
	store   *memStore
	gateway *mockGateway
	tools   *mockTools
	bus     *recordingBus
	orch    *Orchestrator
}

func newOrchestratorFixture(gw *mockGateway, tools *mockTools, mutate ...func(*OrchestratorDeps)) *orchestratorFixture {
	store := newMemStore()
	bus := &recordingBus{}
	deps := OrchestratorDeps{
		Gateway:        gw,
		Tools:          tools,
		Messages:       store,
		Chats:          store,
		ContextBuilder: NewContextBuilder(ContextBuilderConfig{Model: "test-model", MaxTokens: 5000}, store, newTestLogger()),
		Logger:         newTestLogger(),
		Bus:            bus,
		Locker:         NewChatLocker(nil),
	}
	for _, m := range mutate {
		m(&deps)
	}
	return &orchestratorFixture{store: store, gateway: gw, tools: tools, bus: bus, orch: NewOrchestrator(deps)}
}
