package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"reskit/internal/domain"
)

// SchemaValidatingTool wraps a Tool with JSON Schema validation.
// On Execute, it validates params against the compiled schema before delegating.
//
// The schema is compiled with every "required" list removed: absent arguments
// fall through to the tool's defaults, while present arguments of the wrong
// type or outside an enum are rejected.
type SchemaValidatingTool struct {
	inner  domain.Tool
	schema *jsonschema.Schema
}

// WithSchemaValidation wraps a tool so that Execute validates params against
// the tool's JSON Schema before forwarding to the inner tool.
// Returns error if the schema fails to compile.
func WithSchemaValidation(t domain.Tool) (domain.Tool, error) {
	raw := t.Schema().Parameters
	if len(raw) == 0 || string(raw) == "null" {
		return t, nil
	}

	relaxed, err := relaxRequired(raw)
	if err != nil {
		return nil, fmt.Errorf("relax schema for %q: %w", t.Name(), err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(relaxed)); err != nil {
		return nil, fmt.Errorf("add schema resource for %q: %w", t.Name(), err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema for %q: %w", t.Name(), err)
	}

	return &SchemaValidatingTool{inner: t, schema: compiled}, nil
}

func (s *SchemaValidatingTool) Name() string              { return s.inner.Name() }
func (s *SchemaValidatingTool) Description() string       { return s.inner.Description() }
func (s *SchemaValidatingTool) Schema() domain.ToolSchema { return s.inner.Schema() }

func (s *SchemaValidatingTool) Execute(ctx context.Context, params json.RawMessage) (*domain.ToolResult, error) {
	if len(params) == 0 || string(params) == "null" {
		params = json.RawMessage(`{}`)
	}

	var v interface{}
	if err := json.Unmarshal(params, &v); err != nil {
		return ErrResult("invalid JSON arguments for %s: %v", s.Name(), err)
	}

	if err := s.schema.Validate(v); err != nil {
		return ErrResult("invalid arguments for %s: %v", s.Name(), err)
	}

	return s.inner.Execute(ctx, params)
}

// relaxRequired returns raw with "required" removed at every level.
func relaxRequired(raw json.RawMessage) ([]byte, error) {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, err
	}
	return json.Marshal(stripRequired(doc))
}

func stripRequired(v any) any {
	switch node := v.(type) {
	case map[string]any:
		delete(node, "required")
		for k, child := range node {
			node[k] = stripRequired(child)
		}
		return node
	case []any:
		for i, child := range node {
			node[i] = stripRequired(child)
		}
		return node
	default:
		return v
	}
}
