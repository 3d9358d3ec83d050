package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"

	"reskit/internal/domain"
	"reskit/internal/infra/config"
	"reskit/internal/infra/tracer"
)

var _ domain.ModelGateway = (*OpenAIProvider)(nil)

// OpenAIProvider implements domain.ModelGateway for any OpenAI-compatible
// chat completions API.
type OpenAIProvider struct {
	name    string
	model   string
	apiKey  string
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// NewOpenAIProvider creates a provider with configured timeouts.
func NewOpenAIProvider(cfg config.ProviderConfig, logger *slog.Logger) *OpenAIProvider {
	return newOpenAIProvider(cfg, "https://api.openai.com/v1", NewHTTPClient(cfg), logger)
}

func newOpenAIProvider(cfg config.ProviderConfig, defaultURL string, client *http.Client, logger *slog.Logger) *OpenAIProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultURL
	}
	return &OpenAIProvider{
		name:    cfg.Name,
		model:   cfg.Model,
		apiKey:  cfg.APIKey,
		baseURL: baseURL,
		client:  client,
		logger:  logger,
	}
}

// Chat implements domain.ModelGateway.
func (p *OpenAIProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if req.Model == "" {
		req.Model = p.model
	}

	ctx, span := tracer.StartSpan(ctx, "llm.http",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", req.Model),
		),
	)
	defer span.End()

	wire, err := toOpenAIRequest(req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	body, err := json.Marshal(wire)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	headers := map[string]string{}
	if p.apiKey != "" {
		headers["Authorization"] = "Bearer " + p.apiKey
	}

	respBody, err := doJSONRequest(ctx, p.client, p.baseURL+"/chat/completions", body, headers)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	var oaiResp openaiResponse
	if err := json.Unmarshal(respBody, &oaiResp); err != nil {
		err = fmt.Errorf("%w: unmarshal response: %w", domain.ErrMalformedResponse, err)
		tracer.RecordError(span, err)
		return nil, err
	}

	result, err := fromOpenAIResponse(oaiResp)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}
	setUsageAttrs(span, result.Usage)
	tracer.SetOK(span)
	logChatCompleted(p.logger, p.name, result)

	return result, nil
}

// Name implements domain.ModelGateway.
func (p *OpenAIProvider) Name() string { return p.name }

// --- OpenAI API wire types ---

type openaiRequest struct {
	Model          string                `json:"model"`
	Messages       []json.RawMessage     `json:"messages"`
	Tools          []openaiTool          `json:"tools,omitempty"`
	MaxTokens      int                   `json:"max_tokens,omitempty"`
	Temperature    *float64              `json:"temperature,omitempty"`
	ResponseFormat *openaiResponseFormat `json:"response_format,omitempty"`
}

// openaiMessage is an outgoing message. Content is a string, a list of
// content parts, or absent.
type openaiMessage struct {
	Role       string           `json:"role"`
	Content    any              `json:"content,omitempty"`
	ToolCalls  []openaiToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openaiContentPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openaiImageURL `json:"image_url,omitempty"`
	File     *openaiFile     `json:"file,omitempty"`
}

type openaiImageURL struct {
	URL string `json:"url"`
}

type openaiFile struct {
	Filename string `json:"filename"`
	FileData string `json:"file_data"`
}

type openaiTool struct {
	Type     string             `json:"type"`
	Function openaiToolFunction `json:"function"`
}

type openaiToolFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

type openaiToolCall struct {
	ID       string                 `json:"id"`
	Type     string                 `json:"type"`
	Function openaiToolCallFunction `json:"function"`
}

type openaiToolCallFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type openaiResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openaiJSONSchema `json:"json_schema,omitempty"`
}

type openaiJSONSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Strict      bool            `json:"strict"`
	Schema      json.RawMessage `json:"schema"`
}

type openaiResponse struct {
	ID      string         `json:"id"`
	Model   string         `json:"model"`
	Choices []openaiChoice `json:"choices"`
	Usage   openaiUsage    `json:"usage"`
	Created int64          `json:"created"`
	Error   *openaiError   `json:"error,omitempty"`
}

type openaiError struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
}

type openaiChoice struct {
	Index        int                   `json:"index"`
	Message      openaiResponseMessage `json:"message"`
	FinishReason string                `json:"finish_reason"`
}

type openaiResponseMessage struct {
	Role      string           `json:"role"`
	Content   *string          `json:"content"`
	ToolCalls []openaiToolCall `json:"tool_calls,omitempty"`
}

type openaiUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

func toOpenAIRequest(req domain.ChatRequest) (openaiRequest, error) {
	oaiReq := openaiRequest{
		Model:    req.Model,
		Messages: make([]json.RawMessage, 0, len(req.Messages)),
	}

	for i, m := range req.Messages {
		raw, err := toOpenAIMessage(m)
		if err != nil {
			return openaiRequest{}, fmt.Errorf("message %d: %w", i, err)
		}
		oaiReq.Messages = append(oaiReq.Messages, raw)
	}

	if req.MaxTokens > 0 {
		oaiReq.MaxTokens = req.MaxTokens
	}
	if req.Temperature > 0 {
		oaiReq.Temperature = &req.Temperature
	}

	if len(req.Tools) > 0 {
		oaiReq.Tools = make([]openaiTool, len(req.Tools))
		for i, t := range req.Tools {
			oaiReq.Tools[i] = openaiTool{
				Type: "function",
				Function: openaiToolFunction{
					Name:        t.Name,
					Description: t.Description,
					Parameters:  t.Parameters,
				},
			}
		}
	}

	if rf := req.ResponseFormat; rf != nil {
		oaiReq.ResponseFormat = &openaiResponseFormat{
			Type: "json_schema",
			JSONSchema: &openaiJSONSchema{
				Name:        rf.Name,
				Description: rf.Description,
				Strict:      rf.Strict,
				Schema:      rf.Schema,
			},
		}
	}

	return oaiReq, nil
}

// toOpenAIMessage encodes one context entry. Raw entries are sent verbatim.
func toOpenAIMessage(m domain.ContextMessage) (json.RawMessage, error) {
	if len(m.Raw) > 0 {
		if !json.Valid(m.Raw) {
			return nil, fmt.Errorf("raw entry is not valid JSON: %w", domain.ErrInvalidInput)
		}
		return m.Raw, nil
	}

	msg := openaiMessage{Role: string(m.Role), ToolCallID: m.ToolCallID}
	switch {
	case len(m.Parts) > 0:
		parts := make([]openaiContentPart, len(m.Parts))
		for i, p := range m.Parts {
			parts[i] = openaiContentPart{Type: p.Type, Text: p.Text}
			if p.ImageURL != nil {
				parts[i].ImageURL = &openaiImageURL{URL: p.ImageURL.URL}
			}
			if p.File != nil {
				parts[i].File = &openaiFile{Filename: p.File.Filename, FileData: p.File.FileData}
			}
		}
		msg.Content = parts
	case m.Content != "" || len(m.ToolCalls) == 0:
		msg.Content = m.Content
	}

	if len(m.ToolCalls) > 0 {
		msg.ToolCalls = make([]openaiToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			args := string(tc.Arguments)
			if args == "" {
				args = "{}"
			}
			msg.ToolCalls[i] = openaiToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openaiToolCallFunction{
					Name:      tc.Name,
					Arguments: args,
				},
			}
		}
	}

	return json.Marshal(msg)
}

func fromOpenAIResponse(resp openaiResponse) (*domain.ChatResponse, error) {
	if resp.Error != nil {
		return nil, fmt.Errorf("%w: upstream error %v: %s", domain.ErrProviderError, resp.Error.Code, resp.Error.Message)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices", domain.ErrMalformedResponse)
	}

	result := &domain.ChatResponse{
		ID:    resp.ID,
		Model: resp.Model,
		Usage: domain.Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
		CreatedAt: time.Unix(resp.Created, 0).UTC(),
	}

	choice := resp.Choices[0]
	msg := domain.ContextMessage{Role: domain.ContextAssistant}
	if choice.Message.Content != nil {
		msg.Content = *choice.Message.Content
	}
	if len(choice.Message.ToolCalls) > 0 {
		msg.ToolCalls = make([]domain.ToolCall, len(choice.Message.ToolCalls))
		for i, tc := range choice.Message.ToolCalls {
			msg.ToolCalls[i] = domain.ToolCall{
				ID:        tc.ID,
				Name:      tc.Function.Name,
				Arguments: json.RawMessage(tc.Function.Arguments),
			}
		}
	}
	result.Message = msg
	result.FinishReason = mapFinishReason(choice.FinishReason, len(msg.ToolCalls) > 0)

	return result, nil
}

// mapFinishReason normalizes upstream finish reasons. Legacy function_call
// and missing reasons resolve by whether calls are present.
func mapFinishReason(reason string, hasCalls bool) domain.FinishReason {
	switch reason {
	case "stop":
		return domain.FinishStop
	case "tool_calls", "function_call":
		return domain.FinishToolCalls
	case "length":
		return domain.FinishLength
	case "":
		if hasCalls {
			return domain.FinishToolCalls
		}
		return domain.FinishStop
	default:
		return domain.FinishReason(reason)
	}
}
