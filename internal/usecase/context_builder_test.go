package usecase

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reskit/internal/domain"
)

func newTestBuilder(store *memStore) *ContextBuilder {
	return NewContextBuilder(ContextBuilderConfig{Model: "m", MaxTokens: 100}, store, newTestLogger())
}

func TestContextBuilderEmptyHistory(t *testing.T) {
	cb := newTestBuilder(newMemStore())
	_, err := cb.Build(context.Background(), nil, nil)
	assert.ErrorIs(t, err, domain.ErrChatNotFound)
}

func TestContextBuilderRendersEveryRole(t *testing.T) {
	store := newMemStore()
	store.seedChat("c1", "p1", "u1", "ada")
	ctx := context.Background()

	store.addUserMessage("c1", "u1", "find papers")
	calls := []domain.ToolCall{call("call_1", "send_paper_card", `{"arxiv_ids":["1706.03762"]}`)}
	_, err := store.Append(ctx, &domain.Message{ChatID: "c1", Role: domain.RoleAssistant, PendingToolCalls: calls})
	require.NoError(t, err)
	card := `{"title":"Attention Is All You Need","arxiv_id":"1706.03762"}`
	_, err = store.Append(ctx, &domain.Message{ChatID: "c1", Role: domain.RoleCard, Content: card})
	require.NoError(t, err)
	env, _ := domain.NewToolEnvelope("call_1", json.RawMessage(`"Sent paper card for arXiv IDs 1706.03762"`))
	_, err = store.Append(ctx, &domain.Message{ChatID: "c1", Role: domain.RoleTool, Content: env})
	require.NoError(t, err)
	_, err = store.Append(ctx, &domain.Message{ChatID: "c1", Role: domain.RoleAssistant, Content: "Card sent."})
	require.NoError(t, err)

	req, err := newTestBuilder(store).Build(ctx, store.log("c1"), nil)
	require.NoError(t, err)

	msgs := req.Messages
	require.Len(t, msgs, 6)
	assert.Equal(t, domain.ContextSystem, msgs[0].Role)

	assert.Equal(t, domain.ContextUser, msgs[1].Role)
	require.Len(t, msgs[1].Parts, 1)
	assert.Equal(t, "ada: find papers", msgs[1].Parts[0].Text)

	assert.Equal(t, domain.ContextAssistant, msgs[2].Role)
	assert.Empty(t, msgs[2].Content)
	assert.Equal(t, calls, msgs[2].ToolCalls)

	assert.Equal(t, domain.ContextAssistant, msgs[3].Role)
	assert.Equal(t, card, msgs[3].Content)

	assert.Equal(t, domain.ContextTool, msgs[4].Role)
	assert.Equal(t, env, string(msgs[4].Raw))
	assert.Equal(t, "call_1", msgs[4].ToolCallID)

	assert.Equal(t, "Card sent.", msgs[5].Content)
}

func TestContextBuilderAttachments(t *testing.T) {
	store := newMemStore()
	store.seedChat("c1", "p1", "u1", "ada")
	ctx := context.Background()
	png := []byte{0x89, 'P', 'N', 'G'}
	pdf := []byte("%PDF-1.4")
	require.NoError(t, store.SaveFile(ctx, &domain.File{ID: "f-img", Name: "plot.png", OwnerID: "u1", Data: png}))
	require.NoError(t, store.SaveFile(ctx, &domain.File{ID: "f-pdf", Name: "paper.pdf", OwnerID: "u1", Data: pdf}))
	require.NoError(t, store.SaveFile(ctx, &domain.File{ID: "f-txt", Name: "notes.txt", OwnerID: "u1", Data: []byte("x")}))

	store.addUserMessage("c1", "u1", "look", "f-img", "f-missing", "f-pdf", "f-txt")

	req, err := newTestBuilder(store).Build(ctx, store.log("c1"), nil)
	require.NoError(t, err)

	parts := req.Messages[1].Parts
	require.Len(t, parts, 3, "missing and unsupported files are dropped")
	assert.Equal(t, domain.PartText, parts[0].Type)

	assert.Equal(t, domain.PartImageURL, parts[1].Type)
	assert.Equal(t, "data:image/png;base64,"+base64.StdEncoding.EncodeToString(png), parts[1].ImageURL.URL)

	assert.Equal(t, domain.PartFile, parts[2].Type)
	assert.Equal(t, "paper.pdf", parts[2].File.Filename)
	assert.Equal(t, "data:application/pdf;base64,"+base64.StdEncoding.EncodeToString(pdf), parts[2].File.FileData)
}

func TestContextBuilderUnknownAuthorFallsBackToID(t *testing.T) {
	store := newMemStore()
	store.seedChat("c1", "p1", "u1", "ada")
	store.addUserMessage("c1", "ghost", "boo")

	req, err := newTestBuilder(store).Build(context.Background(), store.log("c1"), nil)
	require.NoError(t, err)
	assert.Equal(t, "ghost: boo", req.Messages[1].Parts[0].Text)
}

func TestContextBuilderDeterministic(t *testing.T) {
	store := newMemStore()
	store.seedChat("c1", "p1", "u1", "ada")
	ctx := context.Background()
	require.NoError(t, store.SaveFile(ctx, &domain.File{ID: "f1", Name: "a.gif", OwnerID: "u1", Data: []byte("GIF89a")}))
	store.addUserMessage("c1", "u1", "hello", "f1")
	// Two calls left unanswered exercise the repair path as well.
	_, err := store.Append(ctx, &domain.Message{ChatID: "c1", Role: domain.RoleAssistant, PendingToolCalls: []domain.ToolCall{
		call("b", "search_arxiv", `{"query":"x"}`),
		call("a", "read_from_arxiv", `{"arxiv_ids":["1"]}`),
	}})
	require.NoError(t, err)

	tools := []domain.ToolSchema{{Name: "search_arxiv", Parameters: json.RawMessage(`{"type":"object"}`)}}
	cb := newTestBuilder(store)
	first, err := cb.Build(ctx, store.log("c1"), tools)
	require.NoError(t, err)
	second, err := cb.Build(ctx, store.log("c1"), tools)
	require.NoError(t, err)

	b1, err := json.Marshal(first)
	require.NoError(t, err)
	b2, err := json.Marshal(second)
	require.NoError(t, err)
	assert.True(t, bytes.Equal(b1, b2), "builds differ:\n%s\n%s", b1, b2)
}

func TestContextBuilderRepairsUnansweredCalls(t *testing.T) {
	store := newMemStore()
	store.seedChat("c1", "p1", "u1", "ada")
	ctx := context.Background()
	store.addUserMessage("c1", "u1", "hello")
	_, err := store.Append(ctx, &domain.Message{ChatID: "c1", Role: domain.RoleAssistant, PendingToolCalls: []domain.ToolCall{
		call("answered", "search_arxiv", `{}`),
		call("lost", "read_from_arxiv", `{}`),
	}})
	require.NoError(t, err)
	env, _ := domain.NewToolEnvelope("answered", json.RawMessage(`[]`))
	_, err = store.Append(ctx, &domain.Message{ChatID: "c1", Role: domain.RoleTool, Content: env})
	require.NoError(t, err)

	before := len(store.log("c1"))
	req, err := newTestBuilder(store).Build(ctx, store.log("c1"), nil)
	require.NoError(t, err)

	msgs := req.Messages
	require.Len(t, msgs, 5)
	assert.Equal(t, "answered", msgs[3].ToolCallID)
	assert.Equal(t, "lost", msgs[4].ToolCallID)
	assert.JSONEq(t, `"`+missingResultText+`"`, msgs[4].Content)
	assert.Len(t, store.log("c1"), before, "repair never writes to the store")
}
