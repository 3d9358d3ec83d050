package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"reskit/internal/domain"
)

// Registry holds named tools and executes them by name. It implements
// domain.ToolExecutor.
type Registry struct {
	mu            sync.RWMutex
	tools         map[string]domain.Tool
	logger        *slog.Logger
	ratePerMinute int
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithRatePerMinute caps executions of each registered tool.
func WithRatePerMinute(n int) RegistryOption {
	return func(r *Registry) { r.ratePerMinute = n }
}

// NewRegistry creates an empty tool registry.
// If logger is non-nil, tools are wrapped with schema validation on Register;
// compilation errors are logged and the tool is registered unwrapped.
func NewRegistry(logger *slog.Logger, opts ...RegistryOption) *Registry {
	r := &Registry{
		tools:  make(map[string]domain.Tool),
		logger: logger,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Register adds a tool. Returns ErrDuplicate if the name is already registered.
func (r *Registry) Register(t domain.Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	name := t.Name()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("tool %q: %w", name, domain.ErrDuplicate)
	}

	if r.logger != nil {
		wrapped, err := WithSchemaValidation(t)
		if err != nil {
			r.logger.Warn("schema validation disabled for tool",
				"tool", name, "error", err)
		} else {
			t = wrapped
		}
	}
	t = WithRateLimit(t, r.ratePerMinute)

	r.tools[name] = t
	return nil
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (domain.Tool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.tools[name]
	if !ok {
		return nil, domain.NewDomainError("Registry.Get", domain.ErrToolNotFound, name)
	}
	return t, nil
}

// List returns all registered tools ordered by name.
func (r *Registry) List() []domain.Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	tools := make([]domain.Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name() < tools[j].Name() })
	return tools
}

// Schemas returns all tool schemas ordered by name. The order is stable so
// that model requests built from the same history serialize identically.
func (r *Registry) Schemas() []domain.ToolSchema {
	tools := r.List()
	schemas := make([]domain.ToolSchema, len(tools))
	for i, t := range tools {
		schemas[i] = t.Schema()
	}
	return schemas
}

// Execute runs the named tool. An unknown name yields an error result, never
// an error.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage) (*domain.ToolResult, error) {
	t, err := r.Get(name)
	if err != nil {
		res := TextResult("Error: Unknown tool " + name)
		res.IsError = true
		return res, nil
	}
	return t.Execute(ctx, args)
}
