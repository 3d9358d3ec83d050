package domain

import (
	"errors"
	"fmt"
)

// Category sentinels. Specific sentinels below wrap one of these so callers can
// match either the precise condition or its broad category.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrDuplicate     = fmt.Errorf("duplicate")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrForbidden     = fmt.Errorf("forbidden")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	ErrChatNotFound    = fmt.Errorf("chat %w", ErrNotFound)
	ErrProjectNotFound = fmt.Errorf("project %w", ErrNotFound)
	ErrFileNotFound    = fmt.Errorf("file %w", ErrNotFound)
	ErrUserNotFound    = fmt.Errorf("user %w", ErrNotFound)
	ErrToolNotFound    = fmt.Errorf("tool %w", ErrNotFound)
	ErrGatewayNotFound = fmt.Errorf("model gateway %w", ErrNotFound)

	ErrUnauthorizedChat    = fmt.Errorf("chat access %w", ErrForbidden)
	ErrUnauthorizedProject = fmt.Errorf("project access %w", ErrForbidden)
	ErrUnauthorizedFile    = fmt.Errorf("file access %w", ErrForbidden)

	ErrMaxIterations     = fmt.Errorf("turn reached max iterations")
	ErrTurnCancelled     = fmt.Errorf("turn cancelled")
	ErrMalformedResponse = fmt.Errorf("malformed model response: %w", ErrProviderError)
	ErrCircuitOpen       = fmt.Errorf("model gateway circuit open: %w", ErrProviderError)
	ErrPaperSource       = fmt.Errorf("paper source: %w", ErrProviderError)

	// Gateway / RPC errors.
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRPCMethodNotFound = fmt.Errorf("rpc method not found")
	ErrRPCInvalidPayload = fmt.Errorf("rpc payload invalid: %w", ErrInvalidInput)

	// Upstream model errors.
	ErrContextOverflow = fmt.Errorf("context window exceeded")
	ErrRateLimit       = fmt.Errorf("rate limit exceeded")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op     string // operation name (e.g., "Orchestrator.RunTurn")
	Err    error  // underlying sentinel or wrapped error
	Detail string // human-readable detail
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err is a transient upstream condition.
// The orchestrator never retries on its own; this only drives tool hints
// and the circuit breaker's failure accounting.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrRateLimit) || errors.Is(err, ErrTimeout)
}

// ErrorCode is a machine-parseable error category for API responses and logs.
type ErrorCode string

const (
	CodeUnknown            ErrorCode = "UNKNOWN"
	CodeChatNotFound       ErrorCode = "CHAT_NOT_FOUND"
	CodeProjectNotFound    ErrorCode = "PROJECT_NOT_FOUND"
	CodeFileNotFound       ErrorCode = "FILE_NOT_FOUND"
	CodeUserNotFound       ErrorCode = "USER_NOT_FOUND"
	CodeToolNotFound       ErrorCode = "TOOL_NOT_FOUND"
	CodeGatewayNotFound    ErrorCode = "GATEWAY_NOT_FOUND"
	CodeUnauthorizedChat   ErrorCode = "UNAUTHORIZED_CHAT"
	CodeUnauthorizedProj   ErrorCode = "UNAUTHORIZED_PROJECT"
	CodeUnauthorizedFile   ErrorCode = "UNAUTHORIZED_FILE"
	CodeMaxIterations      ErrorCode = "MAX_ITERATIONS"
	CodeTurnCancelled      ErrorCode = "TURN_CANCELLED"
	CodeMalformedResponse  ErrorCode = "MALFORMED_RESPONSE"
	CodeCircuitOpen        ErrorCode = "CIRCUIT_OPEN"
	CodePaperSource        ErrorCode = "PAPER_SOURCE"
	CodeAuthInvalid        ErrorCode = "AUTH_INVALID"
	CodeGatewayAuth        ErrorCode = "GATEWAY_AUTH"
	CodeRPCMethodNotFound  ErrorCode = "RPC_METHOD_NOT_FOUND"
	CodeRPCInvalidPayload  ErrorCode = "RPC_INVALID_PAYLOAD"
	CodeContextOverflow    ErrorCode = "CONTEXT_OVERFLOW"
	CodeRateLimit          ErrorCode = "RATE_LIMIT"

	// Category error codes, used when no specific sentinel matches.
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeDuplicate     ErrorCode = "DUPLICATE"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeForbidden     ErrorCode = "FORBIDDEN"
	CodeProviderError ErrorCode = "PROVIDER_ERROR"
)

// specificCodes is checked before categoryCodes so that a wrapped specific
// sentinel wins over the category it wraps.
var specificCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrChatNotFound, CodeChatNotFound},
	{ErrProjectNotFound, CodeProjectNotFound},
	{ErrFileNotFound, CodeFileNotFound},
	{ErrUserNotFound, CodeUserNotFound},
	{ErrToolNotFound, CodeToolNotFound},
	{ErrGatewayNotFound, CodeGatewayNotFound},
	{ErrUnauthorizedChat, CodeUnauthorizedChat},
	{ErrUnauthorizedProject, CodeUnauthorizedProj},
	{ErrUnauthorizedFile, CodeUnauthorizedFile},
	{ErrMaxIterations, CodeMaxIterations},
	{ErrTurnCancelled, CodeTurnCancelled},
	{ErrMalformedResponse, CodeMalformedResponse},
	{ErrCircuitOpen, CodeCircuitOpen},
	{ErrPaperSource, CodePaperSource},
	{ErrGatewayAuthFailed, CodeGatewayAuth},
	{ErrAuthInvalid, CodeAuthInvalid},
	{ErrRPCMethodNotFound, CodeRPCMethodNotFound},
	{ErrRPCInvalidPayload, CodeRPCInvalidPayload},
	{ErrContextOverflow, CodeContextOverflow},
	{ErrRateLimit, CodeRateLimit},
}

var categoryCodes = []struct {
	err  error
	code ErrorCode
}{
	{ErrNotFound, CodeNotFound},
	{ErrDuplicate, CodeDuplicate},
	{ErrTimeout, CodeTimeout},
	{ErrInvalidInput, CodeInvalidInput},
	{ErrForbidden, CodeForbidden},
	{ErrProviderError, CodeProviderError},
}

// ErrorCodeOf returns the machine-parseable error code for err by walking
// its chain with errors.Is. Returns CodeUnknown if nothing matches.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}
	for _, c := range specificCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	for _, c := range categoryCodes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
func (e *DomainError) Code() ErrorCode {
	return ErrorCodeOf(e.Err)
}
