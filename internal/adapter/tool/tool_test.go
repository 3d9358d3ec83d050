package tool

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"

	"reskit/internal/domain"
)

// nopLogger returns a logger that discards output.
func nopLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// bodyText decodes a result body that holds a JSON string.
func bodyText(t *testing.T, res *domain.ToolResult) string {
	t.Helper()
	var s string
	if err := json.Unmarshal(res.Body, &s); err != nil {
		t.Fatalf("body %s is not a JSON string: %v", res.Body, err)
	}
	return s
}

// stubTool is a minimal tool with a configurable schema.
type stubTool struct {
	name   string
	schema json.RawMessage
	calls  int
	params json.RawMessage
}

func (s *stubTool) Name() string        { return s.name }
func (s *stubTool) Description() string { return "stub" }
func (s *stubTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{Name: s.name, Description: "stub", Parameters: s.schema}
}
func (s *stubTool) Execute(_ context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	s.calls++
	s.params = params
	return TextResult("ok"), nil
}

// fakePapers is an in-memory domain.PaperSource.
type fakePapers struct {
	mu       sync.Mutex
	byID     map[string]domain.Paper
	results  []domain.Paper
	err      error
	query    string
	category string
	lookups  [][]string
}

func newFakePapers(papers ...domain.Paper) *fakePapers {
	f := &fakePapers{byID: make(map[string]domain.Paper), results: papers}
	for _, p := range papers {
		f.byID[p.ArxivID] = p
	}
	return f
}

func (f *fakePapers) Search(_ context.Context, query, category string) ([]domain.Paper, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.query, f.category = query, category
	return f.results, f.err
}

func (f *fakePapers) ByIDs(_ context.Context, ids []string) ([]domain.Paper, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups = append(f.lookups, ids)
	if f.err != nil {
		return nil, f.err
	}
	var out []domain.Paper
	for _, id := range ids {
		if p, ok := f.byID[id]; ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// recordingStore is a domain.MessageStore that keeps appended messages.
type recordingStore struct {
	mu   sync.Mutex
	msgs []domain.Message
	err  error
}

func (s *recordingStore) Append(_ context.Context, msg *domain.Message) (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if err := msg.Validate(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	msg.ID = "card-" + string(rune('a'+len(s.msgs)))
	s.msgs = append(s.msgs, *msg)
	return msg.ID, nil
}

func (s *recordingStore) ListByChat(_ context.Context, chatID string) ([]domain.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Message
	for _, m := range s.msgs {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out, nil
}

// recordingBus keeps every published event.
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

// fakeGateway returns a canned response and records the request.
type fakeGateway struct {
	content string
	err     error
	req     domain.ChatRequest
}

func (g *fakeGateway) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	g.req = req
	if g.err != nil {
		return nil, g.err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &domain.ChatResponse{
		FinishReason: domain.FinishStop,
		Message:      domain.ContextMessage{Role: domain.ContextAssistant, Content: g.content},
	}, nil
}

func (g *fakeGateway) Name() string { return "fake" }

// --- Registry tests ---

func TestRegistryBasic(t *testing.T) {
	reg := NewRegistry(nil)
	if err := reg.Register(&stubTool{name: "test"}); err != nil {
		t.Fatal(err)
	}

	tool, err := reg.Get("test")
	if err != nil {
		t.Fatal(err)
	}
	if tool.Name() != "test" {
		t.Errorf("Name = %q, want %q", tool.Name(), "test")
	}

	schemas := reg.Schemas()
	if len(schemas) != 1 {
		t.Errorf("Schemas len = %d, want 1", len(schemas))
	}
}

func TestRegistryNotFound(t *testing.T) {
	reg := NewRegistry(nil)
	_, err := reg.Get("nonexistent")
	if !errors.Is(err, domain.ErrToolNotFound) {
		t.Errorf("expected ErrToolNotFound, got %v", err)
	}
}

func TestRegistryDuplicate(t *testing.T) {
	reg := NewRegistry(nil)
	_ = reg.Register(&stubTool{name: "dup"})
	if err := reg.Register(&stubTool{name: "dup"}); !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
}

func TestRegistrySchemasSorted(t *testing.T) {
	reg := NewRegistry(nil)
	for _, n := range []string{"send_paper_card", "get_relations_from_text", "search_arxiv", "read_from_arxiv"} {
		if err := reg.Register(&stubTool{name: n}); err != nil {
			t.Fatal(err)
		}
	}
	var got []string
	for _, s := range reg.Schemas() {
		got = append(got, s.Name)
	}
	want := "get_relations_from_text,read_from_arxiv,search_arxiv,send_paper_card"
	if strings.Join(got, ",") != want {
		t.Errorf("schemas = %v, want %s", got, want)
	}
}

func TestRegistryExecuteUnknownTool(t *testing.T) {
	reg := NewRegistry(nopLogger())
	res, err := reg.Execute(context.Background(), "delete_universe", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("unknown tool must not error: %v", err)
	}
	if !res.IsError {
		t.Error("expected error result")
	}
	if got := bodyText(t, res); got != "Error: Unknown tool delete_universe" {
		t.Errorf("body = %q", got)
	}
}

func TestRegistryExecuteValidatesArguments(t *testing.T) {
	stub := &stubTool{name: "typed", schema: json.RawMessage(`{
		"type": "object",
		"properties": {"query": {"type": "string"}},
		"required": ["query"]
	}`)}
	reg := NewRegistry(nopLogger())
	if err := reg.Register(stub); err != nil {
		t.Fatal(err)
	}

	res, _ := reg.Execute(context.Background(), "typed", json.RawMessage(`{"query": 7}`))
	if !res.IsError {
		t.Fatal("wrong argument type should be rejected")
	}
	if stub.calls != 0 {
		t.Error("inner tool must not run on invalid arguments")
	}

	res, _ = reg.Execute(context.Background(), "typed", nil)
	if res.IsError {
		t.Fatalf("missing required argument should be relaxed, got %s", res.Body)
	}
	if string(stub.params) != `{}` {
		t.Errorf("empty args forwarded as %q, want {}", stub.params)
	}
}

func TestRegistryRateLimit(t *testing.T) {
	reg := NewRegistry(nil, WithRatePerMinute(1))
	_ = reg.Register(&stubTool{name: "busy"})

	first, _ := reg.Execute(context.Background(), "busy", nil)
	if first.IsError {
		t.Fatal("first call should pass")
	}
	second, _ := reg.Execute(context.Background(), "busy", nil)
	if !second.IsError || !second.IsRetryable {
		t.Fatalf("second call should be rate limited, got %+v", second)
	}
	if !strings.Contains(bodyText(t, second), "rate limited") {
		t.Errorf("body = %s", second.Body)
	}
}

func TestRegistryList(t *testing.T) {
	reg := NewRegistry(nil)
	_ = reg.Register(&stubTool{name: "b"})
	_ = reg.Register(&stubTool{name: "a"})
	list := reg.List()
	if len(list) != 2 || list[0].Name() != "a" {
		t.Errorf("List = %v", list)
	}
}

// --- Validation helpers ---

func TestValidateHelpers(t *testing.T) {
	if err := ValidateEnum("category", "", "cs"); err != nil {
		t.Errorf("empty enum value should pass: %v", err)
	}
	if err := ValidateEnum("category", "bio", "cs", "math"); err == nil || !strings.Contains(err.Error(), "cs, math") {
		t.Errorf("ValidateEnum = %v", err)
	}
	if err := ValidateMaxLength("text", "abcd", 3); err == nil {
		t.Error("expected length error")
	}
	if err := ValidateMaxItems("ids", []string{"1", "2"}, 1); err == nil {
		t.Error("expected item count error")
	}
}
