package usecase

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"reskit/internal/domain"
)

func toolMsg(t *testing.T, callID, body string) domain.Message {
	t.Helper()
	env, err := domain.NewToolEnvelope(callID, json.RawMessage(body))
	require.NoError(t, err)
	return domain.Message{Role: domain.RoleTool, Content: env}
}

func envelopeID(t *testing.T, m domain.Message) string {
	t.Helper()
	env, err := domain.ParseToolEnvelope(m.Content)
	require.NoError(t, err)
	return env.ToolCallID
}

func TestRepairTranscript_Empty(t *testing.T) {
	assert.Nil(t, RepairTranscript(nil))
}

func TestRepairTranscript_NoToolCalls(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleUser, AuthorID: "u", Content: "hello"},
		{Role: domain.RoleAssistant, Content: "hi there"},
		{Role: domain.RoleUser, AuthorID: "u", Content: "how are you?"},
	}
	assert.Equal(t, msgs, RepairTranscript(msgs))
}

func TestRepairTranscript_ValidToolChain(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleUser, AuthorID: "u", Content: "use the tool"},
		{Role: domain.RoleAssistant, PendingToolCalls: []domain.ToolCall{{ID: "call_1", Name: "search_arxiv"}}},
		{Role: domain.RoleCard, Content: `{"title":"x"}`},
		toolMsg(t, "call_1", `"ok"`),
		{Role: domain.RoleAssistant, Content: "done"},
	}
	assert.Equal(t, msgs, RepairTranscript(msgs))
}

func TestRepairTranscript_MissingToolResultAtEnd(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleUser, AuthorID: "u", Content: "use the tools"},
		{Role: domain.RoleAssistant, PendingToolCalls: []domain.ToolCall{{ID: "a"}, {ID: "b"}, {ID: "c"}}},
		toolMsg(t, "b", `"ok"`),
	}
	result := RepairTranscript(msgs)
	require.Len(t, result, 5)
	assert.Equal(t, "b", envelopeID(t, result[2]))
	assert.Equal(t, "a", envelopeID(t, result[3]))
	assert.Equal(t, "c", envelopeID(t, result[4]))
}

func TestRepairTranscript_UserMessageInsideBatch(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleAssistant, PendingToolCalls: []domain.ToolCall{{ID: "a"}}},
		{Role: domain.RoleUser, AuthorID: "u2", Content: "meanwhile"},
		toolMsg(t, "a", `"late"`),
	}
	result := RepairTranscript(msgs)
	require.Len(t, result, 3, "a late result still answers its call")
	assert.Equal(t, domain.RoleAssistant, result[0].Role)
	assert.Equal(t, "a", envelopeID(t, result[1]))
	assert.Equal(t, "meanwhile", result[2].Content, "user message follows the batch results")
}

func TestRepairTranscript_HeldUserMessagesKeepOrder(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleUser, AuthorID: "u", Content: "find papers"},
		{Role: domain.RoleAssistant, PendingToolCalls: []domain.ToolCall{{ID: "a"}, {ID: "b"}}},
		toolMsg(t, "a", `"first"`),
		{Role: domain.RoleUser, AuthorID: "u2", Content: "one"},
		{Role: domain.RoleCard, Content: `{"title":"x"}`},
		{Role: domain.RoleUser, AuthorID: "u", Content: "two"},
	}
	result := RepairTranscript(msgs)
	require.Len(t, result, 7)
	assert.Equal(t, "find papers", result[0].Content)
	assert.Equal(t, domain.RoleAssistant, result[1].Role)
	assert.Equal(t, "a", envelopeID(t, result[2]))
	assert.Equal(t, domain.RoleCard, result[3].Role, "cards keep their log position")
	assert.Equal(t, "b", envelopeID(t, result[4]), "synthetic result for the unanswered call")
	assert.Equal(t, "one", result[5].Content)
	assert.Equal(t, "two", result[6].Content)
}

func TestRepairTranscript_HeldUserBeforeNextAssistant(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleAssistant, PendingToolCalls: []domain.ToolCall{{ID: "a"}}},
		{Role: domain.RoleUser, AuthorID: "u", Content: "meanwhile"},
		toolMsg(t, "a", `"ok"`),
		{Role: domain.RoleAssistant, Content: "answer"},
	}
	result := RepairTranscript(msgs)
	require.Len(t, result, 4)
	assert.Equal(t, "a", envelopeID(t, result[1]))
	assert.Equal(t, "meanwhile", result[2].Content)
	assert.Equal(t, "answer", result[3].Content)
}

func TestRepairTranscript_BatchClosedByNextAssistant(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleAssistant, PendingToolCalls: []domain.ToolCall{{ID: "a"}}},
		{Role: domain.RoleAssistant, Content: "moving on"},
		toolMsg(t, "a", `"too late"`),
	}
	result := RepairTranscript(msgs)
	require.Len(t, result, 3)
	assert.Equal(t, "a", envelopeID(t, result[1]))
	env, _ := domain.ParseToolEnvelope(result[1].Content)
	assert.JSONEq(t, `"`+missingResultText+`"`, env.Content)
	assert.Equal(t, "moving on", result[2].Content, "the orphaned late result is dropped")
}

func TestRepairTranscript_DropsOrphansAndDuplicates(t *testing.T) {
	msgs := []domain.Message{
		{Role: domain.RoleUser, AuthorID: "u", Content: "hi"},
		toolMsg(t, "nobody", `"orphan"`),
		{Role: domain.RoleTool, Content: "not an envelope"},
		{Role: domain.RoleAssistant, PendingToolCalls: []domain.ToolCall{{ID: "a"}}},
		toolMsg(t, "a", `"first"`),
		toolMsg(t, "a", `"second"`),
	}
	result := RepairTranscript(msgs)
	require.Len(t, result, 3)
	env, _ := domain.ParseToolEnvelope(result[2].Content)
	assert.JSONEq(t, `"first"`, env.Content)
}
