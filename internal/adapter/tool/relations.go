package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"github.com/kaptinlin/jsonschema"
	"go.opentelemetry.io/otel/trace"

	"reskit/internal/domain"
	"reskit/internal/infra/tracer"
)

const relationsSystemPrompt = "You are ResKit relationship extractor. Extract relationships from the provided text. " +
	"Carefully evaluate whether a relationship is bidirectional or not. " +
	"Evaluate pronouns, noun clauses, gerunds and other linguistic constructs to identify entities. " +
	"Classify entities into types: Person, Organization, Location, Event, Date, Concept, Object, Other."

const relationsDescription = "Extract relationships from the provided text. Carefully evaluate whether a relationship is bidirectional or not."

// RelationsSchema is the strict output schema for relation extraction.
var RelationsSchema = json.RawMessage(`{
	"type": "array",
	"items": {
		"type": "object",
		"properties": {
			"subject": {"type": "string"},
			"subject_type": {"type": "string", "enum": ["Person", "Organization", "Location", "Event", "Date", "Concept", "Object", "Other"]},
			"relation": {"type": "string"},
			"bidirectional": {"type": "boolean"},
			"object": {"type": "string"},
			"object_type": {"type": "string", "enum": ["Person", "Organization", "Location", "Event", "Date", "Concept", "Object", "Other"]}
		},
		"required": ["subject", "relation", "object", "bidirectional", "subject_type", "object_type"]
	}
}`)

// Relation is one extracted subject-relation-object triple.
type Relation struct {
	Subject       string `json:"subject"`
	SubjectType   string `json:"subject_type"`
	Relation      string `json:"relation"`
	Bidirectional bool   `json:"bidirectional"`
	Object        string `json:"object"`
	ObjectType    string `json:"object_type"`
}

// RelationsConfig holds configuration for the relation extraction tool.
type RelationsConfig struct {
	Model        string
	MaxTokens    int
	Timeout      time.Duration
	MaxInputSize int // max text length in bytes
}

// RelationsTool asks a model for schema-constrained relation triples.
type RelationsTool struct {
	gateway domain.ModelGateway
	schema  *jsonschema.Schema
	config  RelationsConfig
	logger  *slog.Logger
}

// NewRelationsTool creates the get_relations_from_text tool.
func NewRelationsTool(gateway domain.ModelGateway, cfg RelationsConfig, logger *slog.Logger) (*RelationsTool, error) {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 5000
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.MaxInputSize <= 0 {
		cfg.MaxInputSize = 256 * 1024
	}
	schema, err := jsonschema.NewCompiler().Compile([]byte(RelationsSchema))
	if err != nil {
		return nil, fmt.Errorf("compile relations schema: %w", err)
	}
	return &RelationsTool{gateway: gateway, schema: schema, config: cfg, logger: logger}, nil
}

func (t *RelationsTool) Name() string        { return "get_relations_from_text" }
func (t *RelationsTool) Description() string { return relationsDescription }

func (t *RelationsTool) Schema() domain.ToolSchema {
	return domain.ToolSchema{
		Name:        t.Name(),
		Description: t.Description(),
		Parameters: json.RawMessage(`{
			"type": "object",
			"properties": {
				"text": {
					"type": "string",
					"description": "The text to extract relationships from."
				}
			},
			"required": ["text"]
		}`),
	}
}

type relationsParams struct {
	Text string `json:"text"`
}

func (t *RelationsTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	return Execute(ctx, "tool.get_relations_from_text", t.logger, params,
		func(ctx context.Context, span trace.Span, p relationsParams) (any, error) {
			// Missing text means nothing to extract.
			if strings.TrimSpace(p.Text) == "" {
				return []Relation{}, nil
			}
			if err := ValidateMaxLength("text", p.Text, t.config.MaxInputSize); err != nil {
				return nil, err
			}

			req := domain.ChatRequest{
				Model: t.config.Model,
				Messages: []domain.ContextMessage{
					{Role: domain.ContextSystem, Content: relationsSystemPrompt},
					{Role: domain.ContextUser, Parts: []domain.ContentPart{
						domain.TextPart("Extract all relationships from the following text:\n\n" + p.Text),
					}},
				},
				MaxTokens: t.config.MaxTokens,
				ResponseFormat: &domain.ResponseFormat{
					Name:        "relationship_extraction",
					Description: relationsDescription,
					Strict:      true,
					Schema:      RelationsSchema,
				},
			}

			callCtx, cancel := context.WithTimeout(ctx, t.config.Timeout)
			defer cancel()

			t.logger.Info("relation extraction calling model",
				"gateway", t.gateway.Name(),
				"model", t.config.Model,
				"text_len", len(p.Text),
			)
			resp, err := t.gateway.Chat(callCtx, req)
			if err != nil {
				return nil, fmt.Errorf("relation extraction failed: %w", err)
			}

			relations, err := t.parse(resp.Message.Content)
			if err != nil {
				return nil, err
			}
			span.SetAttributes(tracer.IntAttr("relations.count", len(relations)))
			return relations, nil
		},
	)
}

// parse decodes and validates the model output.
func (t *RelationsTool) parse(content string) ([]Relation, error) {
	raw := stripCodeFences(content)
	if raw == "" {
		return nil, fmt.Errorf("model returned empty output: %w", domain.ErrMalformedResponse)
	}

	var generic any
	if err := json.Unmarshal([]byte(raw), &generic); err != nil {
		return nil, fmt.Errorf("model returned invalid JSON: %v\nRaw output: %s", err, truncate(raw, 500))
	}
	if result := t.schema.Validate(generic); !result.IsValid() {
		return nil, fmt.Errorf("model output did not match schema: %s", result.Error())
	}

	relations := []Relation{}
	if err := json.Unmarshal([]byte(raw), &relations); err != nil {
		return nil, fmt.Errorf("decode relations: %v", err)
	}
	return relations, nil
}

// codeFenceRe matches markdown code fences wrapping JSON.
var codeFenceRe = regexp.MustCompile(`(?si)^` + "```" + `(?:json)?\s*(.*?)\s*` + "```" + `$`)

// stripCodeFences removes markdown code fences if the model wrapped its output.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if m := codeFenceRe.FindStringSubmatch(s); len(m) > 1 {
		return strings.TrimSpace(m[1])
	}
	return s
}

// truncate shortens a string to maxLen bytes on a clean UTF-8 boundary,
// appending "..." if truncated.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	end := 0
	for i := range s {
		if i > maxLen {
			break
		}
		end = i
	}
	return s[:end] + "..."
}
