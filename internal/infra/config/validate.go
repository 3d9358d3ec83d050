package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...any) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateAgent(cfg, ve)
	validateLLM(cfg, ve)
	validateTools(cfg, ve)
	validateArxiv(cfg, ve)
	validateStore(cfg, ve)
	validateGateway(cfg, ve)
	validateCluster(cfg, ve)
	validateScheduler(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateAgent(cfg *Config, ve *ValidationError) {
	a := cfg.Agent
	if a.Model == "" {
		ve.Add("agent.model must not be empty")
	}
	if a.MaxIterations <= 0 {
		ve.Add("agent.max_iterations must be > 0")
	}
	if a.MaxTokens < 0 {
		ve.Add("agent.max_tokens must be >= 0")
	}
	if a.GatewayTimeout <= 0 {
		ve.Add("agent.gateway_timeout must be > 0")
	}
	if a.ToolTimeout <= 0 {
		ve.Add("agent.tool_timeout must be > 0")
	}
	if a.ShutdownTimeout < 0 {
		ve.Add("agent.shutdown_timeout must be >= 0")
	}
	if a.EventQueueSize < 0 {
		ve.Add("agent.event_queue_size must be >= 0")
	}
}

var validProviderTypes = map[string]bool{
	"openai":     true,
	"openrouter": true,
	"bedrock":    true,
}

func validateLLM(cfg *Config, ve *ValidationError) {
	if cfg.LLM.DefaultProvider == "" {
		ve.Add("llm.default_provider must not be empty")
	}
	if len(cfg.LLM.Providers) == 0 {
		return
	}

	seen := make(map[string]bool)
	foundDefault := false
	for i, p := range cfg.LLM.Providers {
		if p.Name == "" {
			ve.Add("llm.providers[%d].name must not be empty", i)
			continue
		}
		if seen[p.Name] {
			ve.Add("llm.providers[%d]: duplicate provider name %q", i, p.Name)
		}
		seen[p.Name] = true

		if !validProviderTypes[p.Type] {
			ve.Add("llm.providers[%d].type %q is invalid (want: openai, openrouter, bedrock)", i, p.Type)
		}
		if p.APIKey == "" && p.Type != "bedrock" {
			ve.Add("llm.providers[%d] (%s): api_key is empty (set via %sLLM_PROVIDER_%s_API_KEY)",
				i, p.Name, EnvPrefix, envName(p.Name))
		}
		if p.Type == "bedrock" && p.Region == "" {
			ve.Add("llm.providers[%d] (%s): region is required for bedrock provider", i, p.Name)
		}
		if p.Name == cfg.LLM.DefaultProvider {
			foundDefault = true
		}
	}

	if !foundDefault && cfg.LLM.DefaultProvider != "" {
		ve.Add("llm.default_provider %q does not match any configured provider", cfg.LLM.DefaultProvider)
	}

	cb := cfg.LLM.CircuitBreaker
	if cb.Enabled && (cb.Timeout < 0 || cb.Interval < 0) {
		ve.Add("llm.circuit_breaker timeout and interval must be >= 0")
	}
}

func validateTools(cfg *Config, ve *ValidationError) {
	if cfg.Tools.RelationsModel == "" {
		ve.Add("tools.relations_model must not be empty")
	}
	if cfg.Tools.RatePerMinute < 0 {
		ve.Add("tools.rate_per_minute must be >= 0")
	}
	if p := cfg.Tools.RelationsProvider; p != "" {
		found := false
		for _, pc := range cfg.LLM.Providers {
			found = found || pc.Name == p
		}
		if !found {
			ve.Add("tools.relations_provider %q does not match any configured provider", p)
		}
	}
}

func validateArxiv(cfg *Config, ve *ValidationError) {
	a := cfg.Arxiv
	if u, err := url.Parse(a.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
		ve.Add("arxiv.base_url %q is not a valid URL", a.BaseURL)
	}
	if a.MaxResults <= 0 {
		ve.Add("arxiv.max_results must be > 0")
	}
	if a.RequestsPerSecond <= 0 {
		ve.Add("arxiv.requests_per_second must be > 0")
	}
	if a.Burst <= 0 {
		ve.Add("arxiv.burst must be > 0")
	}
}

var validStoreDrivers = map[string]bool{
	"sqlite": true,
	"pebble": true,
}

func validateStore(cfg *Config, ve *ValidationError) {
	if !validStoreDrivers[cfg.Store.Driver] {
		ve.Add("store.driver %q is invalid (want: sqlite, pebble)", cfg.Store.Driver)
	}
	if cfg.Store.Path == "" {
		ve.Add("store.path must not be empty")
	}
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if !g.Enabled {
		return
	}
	if g.Addr == "" {
		ve.Add("gateway.addr is required when gateway is enabled")
	} else if _, _, err := net.SplitHostPort(g.Addr); err != nil {
		ve.Add("gateway.addr %q is not a valid host:port", g.Addr)
	}
	switch g.Auth.Type {
	case "", "static":
	default:
		ve.Add("gateway.auth.type %q is invalid (want: static)", g.Auth.Type)
	}
	seen := make(map[string]bool)
	for i, t := range g.Auth.Tokens {
		if t.Token == "" || t.UserID == "" {
			ve.Add("gateway.auth.tokens[%d]: token and user_id are required", i)
			continue
		}
		if seen[t.Token] {
			ve.Add("gateway.auth.tokens[%d]: duplicate token", i)
		}
		seen[t.Token] = true
	}
	if g.RateLimit.RequestsPerSecond < 0 || g.RateLimit.Burst < 0 {
		ve.Add("gateway.rate_limit values must be >= 0")
	}
	if g.MaxUploadBytes <= 0 {
		ve.Add("gateway.max_upload_bytes must be > 0")
	}
}

func validateCluster(cfg *Config, ve *ValidationError) {
	if !cfg.Cluster.Enabled {
		return
	}
	if cfg.Cluster.RedisURL == "" {
		ve.Add("cluster.redis_url is required when cluster mode is enabled")
	}
	if cfg.Cluster.LockTTL < 0 {
		ve.Add("cluster.lock_ttl must be >= 0")
	}
}

var validSchedulerActions = map[string]bool{
	"turn_recovery":    true,
	"store_checkpoint": true,
}

func validateScheduler(cfg *Config, ve *ValidationError) {
	if !cfg.Scheduler.Enabled {
		return
	}
	for i, t := range cfg.Scheduler.Tasks {
		if t.Name == "" {
			ve.Add("scheduler.tasks[%d].name is required", i)
		}
		if t.Schedule == "" {
			ve.Add("scheduler.tasks[%d].schedule is required", i)
		}
		if !validSchedulerActions[t.Action] {
			ve.Add("scheduler.tasks[%d].action %q is invalid (want: turn_recovery, store_checkpoint)", i, t.Action)
		}
	}
}

func validateLogger(cfg *Config, ve *ValidationError) {
	switch strings.ToLower(cfg.Logger.Level) {
	case "debug", "info", "warn", "warning", "error", "":
	default:
		ve.Add("logger.level %q is invalid (want: debug, info, warn, error)", cfg.Logger.Level)
	}
	switch cfg.Logger.Format {
	case "text", "json", "":
	default:
		ve.Add("logger.format %q is invalid (want: text, json)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "stdout", "noop", "":
	default:
		ve.Add("tracer.exporter %q is invalid (want: stdout, noop)", cfg.Tracer.Exporter)
	}
	if r := cfg.Tracer.SampleRatio; r < 0 || r > 1 {
		ve.Add("tracer.sample_ratio must be between 0 and 1")
	}
}
