package tool

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

var testSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {"type": "string"},
		"category": {"type": "string", "enum": ["all", "cs"]},
		"filter": {
			"type": "object",
			"properties": {"year": {"type": "integer"}},
			"required": ["year"]
		}
	},
	"required": ["query", "category"]
}`)

func TestSchemaValidation_ValidParams(t *testing.T) {
	inner := &stubTool{name: "test", schema: testSchema}
	wrapped, err := WithSchemaValidation(inner)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := wrapped.Execute(context.Background(), json.RawMessage(`{"query":"graphene","category":"cs"}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.IsError {
		t.Fatalf("unexpected error result: %s", result.Body)
	}
	if inner.calls != 1 {
		t.Errorf("inner calls = %d, want 1", inner.calls)
	}
}

func TestSchemaValidation_RequiredIsRelaxed(t *testing.T) {
	inner := &stubTool{name: "test", schema: testSchema}
	wrapped, _ := WithSchemaValidation(inner)

	for _, params := range []string{`{}`, `{"filter":{}}`, ``} {
		result, _ := wrapped.Execute(context.Background(), json.RawMessage(params))
		if result.IsError {
			t.Errorf("params %q rejected: %s", params, result.Body)
		}
	}
}

func TestSchemaValidation_WrongType(t *testing.T) {
	inner := &stubTool{name: "test", schema: testSchema}
	wrapped, _ := WithSchemaValidation(inner)

	result, _ := wrapped.Execute(context.Background(), json.RawMessage(`{"query":["not","a","string"]}`))
	if !result.IsError {
		t.Fatal("expected error result")
	}
	if !strings.Contains(bodyText(t, result), "invalid arguments for test") {
		t.Errorf("body = %s", result.Body)
	}
	if inner.calls != 0 {
		t.Error("inner tool should not run")
	}
}

func TestSchemaValidation_BadEnum(t *testing.T) {
	wrapped, _ := WithSchemaValidation(&stubTool{name: "test", schema: testSchema})
	result, _ := wrapped.Execute(context.Background(), json.RawMessage(`{"category":"biology"}`))
	if !result.IsError {
		t.Fatal("enum violation should be rejected")
	}
}

func TestSchemaValidation_InvalidJSON(t *testing.T) {
	wrapped, _ := WithSchemaValidation(&stubTool{name: "test", schema: testSchema})
	result, _ := wrapped.Execute(context.Background(), json.RawMessage(`{broken`))
	if !result.IsError || !strings.Contains(bodyText(t, result), "invalid JSON arguments") {
		t.Errorf("result = %s", result.Body)
	}
}

func TestSchemaValidation_NoSchema(t *testing.T) {
	inner := &stubTool{name: "bare"}
	wrapped, err := WithSchemaValidation(inner)
	if err != nil {
		t.Fatal(err)
	}
	if wrapped != inner {
		t.Error("tool without schema should be returned unwrapped")
	}
}

func TestSchemaValidation_BadSchema(t *testing.T) {
	_, err := WithSchemaValidation(&stubTool{name: "bad", schema: json.RawMessage(`{"type": 12}`)})
	if err == nil {
		t.Fatal("expected compile error")
	}
}

func TestSchemaValidation_PassesMetadata(t *testing.T) {
	wrapped, _ := WithSchemaValidation(&stubTool{name: "meta", schema: testSchema})
	if wrapped.Name() != "meta" || wrapped.Description() != "stub" {
		t.Errorf("metadata not forwarded: %s / %s", wrapped.Name(), wrapped.Description())
	}
	if string(wrapped.Schema().Parameters) != string(testSchema) {
		t.Error("advertised schema must keep its required list")
	}
}

func TestStripRequired(t *testing.T) {
	out, err := relaxRequired(testSchema)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(out), "required") {
		t.Errorf("required survived: %s", out)
	}
}
