//go:build bedrock

package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"
	"go.opentelemetry.io/otel/trace"

	"reskit/internal/domain"
	"reskit/internal/infra/config"
	"reskit/internal/infra/tracer"
)

var _ domain.ModelGateway = (*BedrockProvider)(nil)

// bedrockConverseAPI abstracts the Bedrock runtime methods for testability.
type bedrockConverseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// BedrockProvider implements domain.ModelGateway via the AWS Bedrock
// Converse API.
type BedrockProvider struct {
	name   string
	model  string
	client bedrockConverseAPI
	logger *slog.Logger
}

// NewBedrockProvider creates a Bedrock gateway using the default AWS
// credential chain.
func NewBedrockProvider(cfg config.ProviderConfig, logger *slog.Logger) (*BedrockProvider, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
	)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return newBedrockProviderWithClient(cfg.Name, cfg.Model, bedrockruntime.NewFromConfig(awsCfg), logger), nil
}

func newBedrockProviderWithClient(name, model string, client bedrockConverseAPI, logger *slog.Logger) *BedrockProvider {
	return &BedrockProvider{
		name:   name,
		model:  model,
		client: client,
		logger: logger,
	}
}

// Chat implements domain.ModelGateway.
func (p *BedrockProvider) Chat(ctx context.Context, req domain.ChatRequest) (*domain.ChatResponse, error) {
	if req.Model == "" {
		req.Model = p.model
	}

	ctx, span := tracer.StartSpan(ctx, "llm.bedrock",
		trace.WithAttributes(
			tracer.StringAttr("llm.provider", p.name),
			tracer.StringAttr("llm.model", req.Model),
		),
	)
	defer span.End()

	input, err := toBedrockConverseInput(req)
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	output, err := p.client.Converse(ctx, input)
	if err != nil {
		err = mapBedrockError(err)
		tracer.RecordError(span, err)
		return nil, err
	}

	result := fromBedrockConverseOutput(output, req)
	setUsageAttrs(span, result.Usage)
	tracer.SetOK(span)
	logChatCompleted(p.logger, p.name, result)

	return result, nil
}

// Name implements domain.ModelGateway.
func (p *BedrockProvider) Name() string { return p.name }

// --- Bedrock request/response conversion ---

func toBedrockConverseInput(req domain.ChatRequest) (*bedrockruntime.ConverseInput, error) {
	input := &bedrockruntime.ConverseInput{
		ModelId: aws.String(req.Model),
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	input.InferenceConfig = &types.InferenceConfiguration{
		MaxTokens: aws.Int32(int32(maxTokens)),
	}
	if req.Temperature > 0 {
		input.InferenceConfig.Temperature = aws.Float32(float32(req.Temperature))
	}

	for i, m := range req.Messages {
		if m.Role == domain.ContextSystem {
			input.System = append(input.System, &types.SystemContentBlockMemberText{Value: m.Content})
			continue
		}
		msg, err := toBedrockMessage(m)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		input.Messages = appendBedrockMessage(input.Messages, msg)
	}

	tools := req.Tools
	if rf := req.ResponseFormat; rf != nil {
		// Structured output is a single forced tool whose input is the answer.
		tools = []domain.ToolSchema{{Name: rf.Name, Description: rf.Description, Parameters: rf.Schema}}
	}
	if len(tools) > 0 {
		input.ToolConfig = toBedrockToolConfig(tools)
		if req.ResponseFormat != nil {
			input.ToolConfig.ToolChoice = &types.ToolChoiceMemberTool{
				Value: types.SpecificToolChoice{Name: aws.String(req.ResponseFormat.Name)},
			}
		}
	}

	return input, nil
}

// appendBedrockMessage merges consecutive same-role messages; Converse
// requires alternating roles and tool results arrive one per message.
func appendBedrockMessage(msgs []types.Message, msg types.Message) []types.Message {
	if n := len(msgs); n > 0 && msgs[n-1].Role == msg.Role {
		msgs[n-1].Content = append(msgs[n-1].Content, msg.Content...)
		return msgs
	}
	return append(msgs, msg)
}

func toBedrockMessage(m domain.ContextMessage) (types.Message, error) {
	switch m.Role {
	case domain.ContextTool:
		callID, content := m.ToolCallID, m.Content
		if len(m.Raw) > 0 {
			env, err := domain.ParseToolEnvelope(string(m.Raw))
			if err != nil {
				return types.Message{}, err
			}
			callID, content = env.ToolCallID, env.Content
		}
		return types.Message{
			Role: types.ConversationRoleUser,
			Content: []types.ContentBlock{
				&types.ContentBlockMemberToolResult{
					Value: types.ToolResultBlock{
						ToolUseId: aws.String(callID),
						Content: []types.ToolResultContentBlock{
							&types.ToolResultContentBlockMemberText{Value: content},
						},
					},
				},
			},
		}, nil

	case domain.ContextAssistant:
		msg := types.Message{Role: types.ConversationRoleAssistant}
		if m.Content != "" {
			msg.Content = append(msg.Content, &types.ContentBlockMemberText{Value: m.Content})
		}
		for _, tc := range m.ToolCalls {
			var inputDoc map[string]any
			if len(tc.Arguments) > 0 {
				_ = json.Unmarshal(tc.Arguments, &inputDoc)
			}
			if inputDoc == nil {
				inputDoc = map[string]any{}
			}
			msg.Content = append(msg.Content, &types.ContentBlockMemberToolUse{Value: types.ToolUseBlock{
				ToolUseId: aws.String(tc.ID),
				Name:      aws.String(tc.Name),
				Input:     document.NewLazyDocument(inputDoc),
			}})
		}
		return msg, nil

	case domain.ContextUser:
		msg := types.Message{Role: types.ConversationRoleUser}
		if len(m.Parts) == 0 {
			msg.Content = []types.ContentBlock{&types.ContentBlockMemberText{Value: m.Content}}
			return msg, nil
		}
		for _, part := range m.Parts {
			block, err := toBedrockContentBlock(part)
			if err != nil {
				return types.Message{}, err
			}
			if block != nil {
				msg.Content = append(msg.Content, block)
			}
		}
		return msg, nil

	default:
		return types.Message{}, fmt.Errorf("unsupported role %q: %w", m.Role, domain.ErrInvalidInput)
	}
}

func toBedrockContentBlock(part domain.ContentPart) (types.ContentBlock, error) {
	switch part.Type {
	case domain.PartText:
		return &types.ContentBlockMemberText{Value: part.Text}, nil
	case domain.PartImageURL:
		if part.ImageURL == nil {
			return nil, nil
		}
		mime, data, err := decodeDataURL(part.ImageURL.URL)
		if err != nil {
			return nil, err
		}
		return &types.ContentBlockMemberImage{Value: types.ImageBlock{
			Format: types.ImageFormat(strings.TrimPrefix(mime, "image/")),
			Source: &types.ImageSourceMemberBytes{Value: data},
		}}, nil
	case domain.PartFile:
		if part.File == nil {
			return nil, nil
		}
		_, data, err := decodeDataURL(part.File.FileData)
		if err != nil {
			return nil, err
		}
		return &types.ContentBlockMemberDocument{Value: types.DocumentBlock{
			Format: types.DocumentFormatPdf,
			Name:   aws.String(documentName(part.File.Filename)),
			Source: &types.DocumentSourceMemberBytes{Value: data},
		}}, nil
	default:
		return nil, nil
	}
}

// decodeDataURL splits "data:<mime>;base64,<payload>".
func decodeDataURL(u string) (string, []byte, error) {
	rest, ok := strings.CutPrefix(u, "data:")
	if !ok {
		return "", nil, fmt.Errorf("bedrock needs inline data, got %.32q: %w", u, domain.ErrInvalidInput)
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok || !strings.HasSuffix(meta, ";base64") {
		return "", nil, fmt.Errorf("malformed data url: %w", domain.ErrInvalidInput)
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("data url payload: %w: %w", domain.ErrInvalidInput, err)
	}
	return strings.TrimSuffix(meta, ";base64"), data, nil
}

// documentName strips characters Bedrock rejects in document names.
func documentName(filename string) string {
	name := strings.TrimSuffix(filename, ".pdf")
	name = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == ' ', r == '-', r == '(', r == ')', r == '[', r == ']':
			return r
		default:
			return '-'
		}
	}, name)
	if name == "" {
		return "document"
	}
	return name
}

func toBedrockToolConfig(tools []domain.ToolSchema) *types.ToolConfiguration {
	var bedrockTools []types.Tool
	for _, t := range tools {
		var schema map[string]any
		if len(t.Parameters) > 0 {
			_ = json.Unmarshal(t.Parameters, &schema)
		}
		if schema == nil {
			schema = map[string]any{"type": "object"}
		}

		bedrockTools = append(bedrockTools, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Name),
				Description: aws.String(t.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{
					Value: document.NewLazyDocument(schema),
				},
			},
		})
	}
	return &types.ToolConfiguration{Tools: bedrockTools}
}

func fromBedrockConverseOutput(output *bedrockruntime.ConverseOutput, req domain.ChatRequest) *domain.ChatResponse {
	result := &domain.ChatResponse{
		Model:     req.Model,
		CreatedAt: time.Now().UTC(),
	}

	if output.Usage != nil {
		in, out := int(aws.ToInt32(output.Usage.InputTokens)), int(aws.ToInt32(output.Usage.OutputTokens))
		result.Usage = domain.Usage{PromptTokens: in, CompletionTokens: out, TotalTokens: in + out}
	}

	msg := domain.ContextMessage{Role: domain.ContextAssistant}
	if outMsg, ok := output.Output.(*types.ConverseOutputMemberMessage); ok {
		for _, block := range outMsg.Value.Content {
			switch b := block.(type) {
			case *types.ContentBlockMemberText:
				msg.Content += b.Value
			case *types.ContentBlockMemberToolUse:
				args := marshalDocument(b.Value.Input)
				if req.ResponseFormat != nil && aws.ToString(b.Value.Name) == req.ResponseFormat.Name {
					msg.Content = string(args)
					continue
				}
				msg.ToolCalls = append(msg.ToolCalls, domain.ToolCall{
					ID:        aws.ToString(b.Value.ToolUseId),
					Name:      aws.ToString(b.Value.Name),
					Arguments: args,
				})
			}
		}
	}
	result.Message = msg

	switch {
	case len(msg.ToolCalls) > 0:
		result.FinishReason = domain.FinishToolCalls
	case output.StopReason == types.StopReasonMaxTokens:
		result.FinishReason = domain.FinishLength
	default:
		result.FinishReason = domain.FinishStop
	}
	return result
}

// marshalDocument converts a Bedrock document to JSON text.
func marshalDocument(doc document.Interface) json.RawMessage {
	if doc == nil {
		return json.RawMessage("{}")
	}
	var v any
	if err := doc.UnmarshalSmithyDocument(&v); err != nil {
		return json.RawMessage("{}")
	}
	data, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

// --- Error mapping ---

func mapBedrockError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		code := apiErr.ErrorCode()
		switch {
		case code == "ThrottlingException" || code == "TooManyRequestsException":
			return fmt.Errorf("%w: %s", domain.ErrRateLimit, msg)
		case code == "AccessDeniedException" || code == "UnrecognizedClientException":
			return fmt.Errorf("%w: %s", domain.ErrAuthInvalid, msg)
		case code == "ValidationException" && strings.Contains(msg, "too long"):
			return fmt.Errorf("%w: %s", domain.ErrContextOverflow, msg)
		case code == "ModelTimeoutException":
			return fmt.Errorf("%w: %s", domain.ErrTimeout, msg)
		}
	}

	return fmt.Errorf("bedrock: %w: %w", domain.ErrProviderError, err)
}
