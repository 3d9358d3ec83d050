package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/trace"

	"reskit/internal/domain"
	"reskit/internal/infra/tracer"
)

// Turn state names, used in logs and span events.
const (
	StateBuildingContext = "BUILDING_CONTEXT"
	StateCallingModel    = "CALLING_MODEL"
	StateExecutingTools  = "EXECUTING_TOOLS"
	StateTerminated      = "TERMINATED"
)

const (
	defaultMaxIterations  = 10
	defaultGatewayTimeout = 120 * time.Second
	defaultToolTimeout    = 60 * time.Second
)

// OrchestratorDeps holds injected dependencies for the orchestration loop.
type OrchestratorDeps struct {
	Gateway        domain.ModelGateway
	Tools          domain.ToolExecutor
	Messages       domain.MessageStore
	Chats          domain.ChatStore
	ContextBuilder *ContextBuilder
	Logger         *slog.Logger
	Bus            domain.EventBus // optional, nil = no events
	Locker         *ChatLocker     // optional, nil = caller serializes turns
	MaxIterations  int
	GatewayTimeout time.Duration
	ToolTimeout    time.Duration
	Now            func() time.Time // optional, for tests
}

// Orchestrator runs the turn state machine for one chat at a time.
type Orchestrator struct {
	deps OrchestratorDeps
}

// NewOrchestrator creates an orchestrator, filling unset limits with defaults.
func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	if deps.MaxIterations <= 0 {
		deps.MaxIterations = defaultMaxIterations
	}
	if deps.GatewayTimeout <= 0 {
		deps.GatewayTimeout = defaultGatewayTimeout
	}
	if deps.ToolTimeout <= 0 {
		deps.ToolTimeout = defaultToolTimeout
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	return &Orchestrator{deps: deps}
}

// RunTurn answers the newest user message of the chat. It returns nil
// without calling the model when that message is already answered.
func (o *Orchestrator) RunTurn(ctx context.Context, chatID string) error {
	const op = "Orchestrator.RunTurn"

	ctx, span := tracer.StartSpan(ctx, "turn.run",
		trace.WithAttributes(tracer.StringAttr("chat.id", chatID)),
	)
	defer span.End()

	if o.deps.Locker != nil {
		unlock, err := o.deps.Locker.Lock(ctx, chatID)
		if err != nil {
			return domain.NewDomainError(op, err, "chat lock")
		}
		defer unlock()
	}

	chat, err := o.deps.Chats.GetChat(ctx, chatID)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.NewDomainError(op, err, chatID)
	}
	ctx = domain.ContextWithChatID(ctx, chat.ID)
	ctx = domain.ContextWithRoom(ctx, chat.ProjectID)
	logger := o.deps.Logger.With("chat_id", chat.ID)

	history, err := o.deps.Messages.ListByChat(ctx, chat.ID)
	if err != nil {
		tracer.RecordError(span, err)
		return domain.NewDomainError(op, err, "load history")
	}
	if len(history) == 0 {
		tracer.RecordError(span, domain.ErrChatNotFound)
		return domain.NewDomainError(op, domain.ErrChatNotFound, "chat has no messages")
	}
	if latest, ok := domain.LatestUserMessage(history); !ok || !chat.NeedsAnswer(latest.Timestamp) {
		logger.Debug("nothing to answer")
		tracer.SetOK(span)
		return nil
	}

	start := o.deps.Now()
	o.publish(ctx, domain.EventTurnStarted, domain.TurnEvent{ChatID: chat.ID})

	iterations, err := o.loop(ctx, logger, span, chat, history)
	elapsed := float64(o.deps.Now().Sub(start)) / float64(time.Millisecond)
	if err != nil {
		logger.Error("turn failed", "iterations", iterations, "error", err)
		o.publish(ctx, domain.EventTurnFailed, domain.TurnEvent{
			ChatID:     chat.ID,
			Iterations: iterations,
			DurationMS: elapsed,
			Error:      err.Error(),
			Code:       string(domain.ErrorCodeOf(err)),
		})
		tracer.RecordError(span, err)
		return domain.NewDomainError(op, err, "")
	}

	logger.Info("turn completed", "iterations", iterations)
	o.publish(ctx, domain.EventTurnCompleted, domain.TurnEvent{
		ChatID:     chat.ID,
		Iterations: iterations,
		DurationMS: elapsed,
	})
	tracer.SetOK(span)
	return nil
}

// loop drives BUILDING_CONTEXT -> CALLING_MODEL -> {TERMINATED | EXECUTING_TOOLS}
// and returns the number of model calls made.
func (o *Orchestrator) loop(ctx context.Context, logger *slog.Logger, span trace.Span, chat *domain.Chat, history []domain.Message) (int, error) {
	var usage domain.Usage

	for i := 0; i < o.deps.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return i, fmt.Errorf("%w: %w", domain.ErrTurnCancelled, err)
		}
		span.AddEvent(StateBuildingContext, trace.WithAttributes(tracer.IntAttr("iteration", i)))

		// The log is the only source of truth; reload it every iteration.
		if i > 0 {
			var err error
			history, err = o.deps.Messages.ListByChat(ctx, chat.ID)
			if err != nil {
				return i, fmt.Errorf("load history: %w", err)
			}
		}
		req, err := o.deps.ContextBuilder.Build(ctx, history, o.deps.Tools.Schemas())
		if err != nil {
			return i, err
		}

		span.AddEvent(StateCallingModel, trace.WithAttributes(tracer.IntAttr("iteration", i)))
		resp, err := o.callGateway(ctx, req)
		if err != nil {
			return i + 1, err
		}
		usage.PromptTokens += resp.Usage.PromptTokens
		usage.CompletionTokens += resp.Usage.CompletionTokens
		usage.TotalTokens += resp.Usage.TotalTokens

		logger.Debug("model response",
			"iteration", i,
			"finish_reason", string(resp.FinishReason),
			"tool_calls", len(resp.Message.ToolCalls),
			"tokens", resp.Usage.TotalTokens,
		)

		if !resp.WantsTools() {
			span.AddEvent(StateTerminated, trace.WithAttributes(tracer.IntAttr("iteration", i)))
			if err := o.terminate(ctx, chat, history, resp.Message.Content); err != nil {
				return i + 1, err
			}
			logger.Debug("turn usage", "prompt_tokens", usage.PromptTokens, "completion_tokens", usage.CompletionTokens)
			return i + 1, nil
		}

		span.AddEvent(StateExecutingTools, trace.WithAttributes(tracer.IntAttr("iteration", i)))
		if err := o.executeTools(ctx, logger, chat, resp.Message.ToolCalls); err != nil {
			return i + 1, err
		}
	}

	return o.deps.MaxIterations, domain.ErrMaxIterations
}

func (o *Orchestrator) callGateway(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.deps.GatewayTimeout)
	defer cancel()
	callCtx, span := tracer.StartSpan(callCtx, "llm.chat",
		trace.WithAttributes(tracer.StringAttr("llm.gateway", o.deps.Gateway.Name())),
	)
	defer span.End()

	o.publish(ctx, domain.EventLLMCallStarted, nil)
	start := o.deps.Now()
	resp, err := o.deps.Gateway.Chat(callCtx, req)
	ev := domain.LLMCallEvent{
		Gateway:    o.deps.Gateway.Name(),
		Model:      req.Model,
		DurationMS: float64(o.deps.Now().Sub(start)) / float64(time.Millisecond),
	}

	if err == nil && resp == nil {
		err = fmt.Errorf("%w: empty response", domain.ErrMalformedResponse)
	}
	if err != nil {
		switch {
		case ctx.Err() != nil:
			err = fmt.Errorf("%w: %w", domain.ErrTurnCancelled, ctx.Err())
		case errors.Is(callCtx.Err(), context.DeadlineExceeded):
			err = fmt.Errorf("model gateway after %s: %w", o.deps.GatewayTimeout, domain.ErrTimeout)
		}
		ev.Error = err.Error()
		tracer.RecordError(span, err)
		o.publish(ctx, domain.EventLLMCallCompleted, ev)
		return nil, err
	}
	tracer.SetOK(span)

	ev.FinishReason = resp.FinishReason
	ev.Usage = resp.Usage
	o.publish(ctx, domain.EventLLMCallCompleted, ev)

	if resp.FinishReason == domain.FinishToolCalls && len(resp.Message.ToolCalls) == 0 {
		return nil, fmt.Errorf("%w: finish_reason tool_calls without calls", domain.ErrMalformedResponse)
	}
	return resp, nil
}

// terminate persists the final answer, publishes it and advances the
// answered cursor to the newest user message the model saw.
func (o *Orchestrator) terminate(ctx context.Context, chat *domain.Chat, history []domain.Message, content string) error {
	msg := &domain.Message{
		ChatID:  chat.ID,
		Role:    domain.RoleAssistant,
		Content: content,
	}
	if _, err := o.deps.Messages.Append(ctx, msg); err != nil {
		return fmt.Errorf("persist answer: %w", err)
	}
	o.publish(ctx, domain.EventNewMessage, domain.NewMessageEvent(*msg))

	if latest, ok := domain.LatestUserMessage(history); ok {
		if err := o.deps.Chats.MarkAnswered(ctx, chat.ID, latest.Timestamp); err != nil {
			return fmt.Errorf("advance answered cursor: %w", err)
		}
	}
	return nil
}

// executeTools records the call batch, then runs and persists each call in
// order. Every call gets exactly one tool message before this returns.
func (o *Orchestrator) executeTools(ctx context.Context, logger *slog.Logger, chat *domain.Chat, calls []domain.ToolCall) error {
	calls = assignCallIDs(calls, o.deps.Now())

	record := &domain.Message{
		ChatID:           chat.ID,
		Role:             domain.RoleAssistant,
		PendingToolCalls: calls,
	}
	if _, err := o.deps.Messages.Append(ctx, record); err != nil {
		return fmt.Errorf("persist tool calls: %w", err)
	}

	for _, call := range calls {
		result := o.runTool(ctx, logger, call)
		content, err := domain.NewToolEnvelope(call.ID, result.Body)
		if err != nil {
			return err
		}
		if _, err := o.deps.Messages.Append(ctx, &domain.Message{
			ChatID:  chat.ID,
			Role:    domain.RoleTool,
			Content: content,
		}); err != nil {
			return fmt.Errorf("persist tool result %s: %w", call.ID, err)
		}
	}
	return nil
}

// runTool executes one call with a deadline. Errors, timeouts and panics are
// folded into an error result so the turn continues.
func (o *Orchestrator) runTool(ctx context.Context, logger *slog.Logger, call domain.ToolCall) (result *domain.ToolResult) {
	ctx, span := tracer.StartSpan(ctx, "tool."+call.Name,
		trace.WithAttributes(tracer.StringAttr("tool.call_id", call.ID)),
	)
	defer span.End()

	toolCtx, cancel := context.WithTimeout(ctx, o.deps.ToolTimeout)
	defer cancel()

	o.publish(ctx, domain.EventToolCallStarted, domain.ToolCallEvent{Tool: call.Name, CallID: call.ID})
	start := o.deps.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error("tool panicked", "tool", call.Name, "panic", r)
			result = errorResult(call.ID, fmt.Sprintf("Error: tool %s failed: %v", call.Name, r))
		}
		if result.IsError {
			span.SetAttributes(tracer.StringAttr("tool.error", "true"))
		} else {
			tracer.SetOK(span)
		}
		o.publish(ctx, domain.EventToolCallCompleted, domain.ToolCallEvent{
			Tool:       call.Name,
			CallID:     call.ID,
			IsError:    result.IsError,
			DurationMS: float64(o.deps.Now().Sub(start)) / float64(time.Millisecond),
		})
	}()

	res, err := o.deps.Tools.Execute(toolCtx, call.Name, call.Arguments)
	switch {
	case err != nil && errors.Is(toolCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil:
		logger.Warn("tool timed out", "tool", call.Name, "timeout", o.deps.ToolTimeout)
		return errorResult(call.ID, fmt.Sprintf("Error: tool %s timed out after %s", call.Name, o.deps.ToolTimeout))
	case err != nil:
		logger.Warn("tool failed", "tool", call.Name, "error", err)
		tracer.RecordError(span, err)
		return errorResult(call.ID, "Error: "+err.Error())
	case res == nil:
		return errorResult(call.ID, fmt.Sprintf("Error: tool %s returned no result", call.Name))
	}
	res.ToolCallID = call.ID
	return res
}

func errorResult(callID, text string) *domain.ToolResult {
	body, _ := json.Marshal(text)
	return &domain.ToolResult{ToolCallID: callID, Body: body, IsError: true}
}

// assignCallIDs fills in missing call ids so every result can be paired
// with its request.
func assignCallIDs(calls []domain.ToolCall, now time.Time) []domain.ToolCall {
	out := make([]domain.ToolCall, len(calls))
	for i, c := range calls {
		if c.ID == "" {
			c.ID = "call_" + newID(now)
		}
		if len(c.Arguments) == 0 {
			c.Arguments = json.RawMessage(`{}`)
		}
		out[i] = c
	}
	return out
}

func (o *Orchestrator) publish(ctx context.Context, t domain.EventType, payload any) {
	publishEvent(o.deps.Bus, ctx, t, payload)
}
