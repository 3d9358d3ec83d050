package usecase

import (
	"encoding/json"

	"reskit/internal/domain"
)

// missingResultText is the body of a synthetic result for a tool call that
// has no tool message in the log, typically because a turn crashed between
// recording the calls and persisting every result.
const missingResultText = "Error: tool call did not produce a result"

// RepairTranscript returns a copy of history in which every pending tool
// call has exactly one tool message:
//  1. A call with no matching tool message gets a synthetic error result,
//     placed where its batch closes (the next assistant message or the end).
//  2. A tool message whose envelope names no open call, or repeats an
//     already answered call, is dropped.
//  3. A user message written while a batch is open is held back and placed
//     right after the batch's results, so tool results always follow their
//     calls directly.
//
// Card messages keep their log position and never close a batch. The repair
// affects the model input only; nothing is written back to the store.
func RepairTranscript(history []domain.Message) []domain.Message {
	if len(history) == 0 {
		return history
	}

	result := make([]domain.Message, 0, len(history))
	var batch []domain.ToolCall
	var held []domain.Message
	answered := make(map[string]bool)

	closeBatch := func() {
		for _, call := range batch {
			if !answered[call.ID] {
				result = append(result, syntheticResult(call))
			}
		}
		result = append(result, held...)
		batch = nil
		held = nil
		clear(answered)
	}

	for _, msg := range history {
		switch msg.Role {
		case domain.RoleAssistant:
			closeBatch()
			for _, call := range msg.PendingToolCalls {
				if call.ID != "" {
					batch = append(batch, call)
				}
			}
			result = append(result, msg)

		case domain.RoleTool:
			env, err := domain.ParseToolEnvelope(msg.Content)
			if err != nil || answered[env.ToolCallID] || !inBatch(batch, env.ToolCallID) {
				continue
			}
			answered[env.ToolCallID] = true
			result = append(result, msg)

		case domain.RoleUser:
			if len(batch) > 0 {
				held = append(held, msg)
				continue
			}
			result = append(result, msg)

		default:
			result = append(result, msg)
		}
	}
	closeBatch()

	return result
}

func inBatch(batch []domain.ToolCall, id string) bool {
	for _, c := range batch {
		if c.ID == id {
			return true
		}
	}
	return false
}

func syntheticResult(call domain.ToolCall) domain.Message {
	body, _ := json.Marshal(missingResultText)
	content, _ := domain.NewToolEnvelope(call.ID, body)
	return domain.Message{Role: domain.RoleTool, Content: content}
}
