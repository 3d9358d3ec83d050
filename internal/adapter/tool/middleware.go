package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/trace"

	"reskit/internal/domain"
	"reskit/internal/infra/tracer"
)

// Execute is the standard tool execution pipeline: parse params -> start trace -> run handler -> format result.
//
// The handler receives the parsed params and an active trace span. It should return:
//   - (any Go value, nil): the value is JSON-marshaled into the result body
//   - (string, nil): encoded as a JSON string body
//   - (*domain.ToolResult, nil): returned as-is (for custom formatting)
//   - (nil, error): turned into an "Error: ..." result with logging
//
// Missing params decode to the zero value of P, so handlers see "" and nil
// slices for absent arguments.
func Execute[P any](
	ctx context.Context,
	spanName string,
	logger *slog.Logger,
	rawParams json.RawMessage,
	handler func(ctx context.Context, span trace.Span, params P) (any, error),
) (*domain.ToolResult, error) {
	ctx, span := tracer.StartSpan(ctx, spanName,
		trace.WithAttributes(tracer.StringAttr("tool.name", spanName)),
	)
	defer span.End()

	p, bad := ParseParams[P](rawParams)
	if bad != nil {
		tracer.RecordError(span, fmt.Errorf("invalid params"))
		return bad, nil
	}

	result, err := handler(ctx, span, p)
	if err != nil {
		tracer.RecordError(span, err)
		logger.Warn(spanName+" failed", "error", err)

		retryable := isTransient(err)
		msg := "Error: " + err.Error()
		if retryable {
			msg += " (transient error, may succeed on retry)"
		}
		res := TextResult(msg)
		res.IsError = true
		res.IsRetryable = retryable
		return res, nil
	}

	return formatResult(span, result)
}

// formatResult converts the handler's return value into a ToolResult.
func formatResult(span trace.Span, result any) (*domain.ToolResult, error) {
	switch v := result.(type) {
	case *domain.ToolResult:
		if v.IsError {
			tracer.RecordError(span, fmt.Errorf("%s", v.Body))
		} else {
			tracer.SetOK(span)
		}
		return v, nil
	case string:
		tracer.SetOK(span)
		return TextResult(v), nil
	default:
		res, err := JSONResult(result)
		if err != nil {
			tracer.RecordError(span, err)
			return ErrResult("failed to format response: %v", err)
		}
		tracer.SetOK(span)
		return res, nil
	}
}

// ParseParams unmarshals rawParams into P and returns it. Empty params decode
// to the zero value. On failure it returns an error ToolResult suitable for
// returning directly.
func ParseParams[P any](rawParams json.RawMessage) (P, *domain.ToolResult) {
	var p P
	if len(rawParams) == 0 || string(rawParams) == "null" {
		return p, nil
	}
	if err := json.Unmarshal(rawParams, &p); err != nil {
		res, _ := ErrResult("invalid params: %v", err)
		return p, res
	}
	return p, nil
}

// ErrResult creates an error ToolResult whose body is the "Error: ..." text.
// Use this for validation errors inside handlers that should be returned to
// the model without being logged as warnings.
func ErrResult(format string, args ...any) (*domain.ToolResult, error) {
	res := TextResult("Error: " + fmt.Sprintf(format, args...))
	res.IsError = true
	return res, nil
}

// JSONResult marshals v into a success ToolResult body.
func JSONResult(v any) (*domain.ToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &domain.ToolResult{Body: data}, nil
}

// TextResult creates a success ToolResult whose body is s as a JSON string.
func TextResult(s string) *domain.ToolResult {
	data, _ := json.Marshal(s)
	return &domain.ToolResult{Body: data}
}
