// Package config loads the service configuration from YAML with
// environment overrides and encrypted secrets.
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "RESKIT_"

// Config is the root configuration.
type Config struct {
	Agent     AgentConfig     `yaml:"agent"`
	LLM       LLMConfig       `yaml:"llm"`
	Tools     ToolsConfig     `yaml:"tools"`
	Arxiv     ArxivConfig     `yaml:"arxiv"`
	Store     StoreConfig     `yaml:"store"`
	Gateway   GatewayConfig   `yaml:"gateway"`
	Cluster   ClusterConfig   `yaml:"cluster"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Logger    LoggerConfig    `yaml:"logger"`
	Tracer    TracerConfig    `yaml:"tracer"`
}

// AgentConfig holds orchestration loop settings.
type AgentConfig struct {
	SystemPrompt    string        `yaml:"system_prompt"`
	Model           string        `yaml:"model"`
	MaxTokens       int           `yaml:"max_tokens"`
	MaxIterations   int           `yaml:"max_iterations"`
	GatewayTimeout  time.Duration `yaml:"gateway_timeout"`
	ToolTimeout     time.Duration `yaml:"tool_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	EventQueueSize  int           `yaml:"event_queue_size"`
}

// LLMConfig holds model gateway settings.
type LLMConfig struct {
	DefaultProvider string               `yaml:"default_provider"`
	Providers       []ProviderConfig     `yaml:"providers"`
	CircuitBreaker  CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// CircuitBreakerConfig holds circuit breaker settings for model gateways.
type CircuitBreakerConfig struct {
	Enabled     bool          `yaml:"enabled"`
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
	Interval    time.Duration `yaml:"interval"`
}

// PoolConfig holds HTTP connection pool settings for model gateways.
type PoolConfig struct {
	MaxIdleConns        int           `yaml:"max_idle_conns"`
	MaxIdleConnsPerHost int           `yaml:"max_idle_conns_per_host"`
	MaxConnsPerHost     int           `yaml:"max_conns_per_host"`
	IdleConnTimeout     time.Duration `yaml:"idle_conn_timeout"`
}

// ProviderConfig holds settings for a single model gateway.
type ProviderConfig struct {
	Name        string        `yaml:"name"`
	Type        string        `yaml:"type"` // openai, openrouter, bedrock
	BaseURL     string        `yaml:"base_url"`
	APIKey      string        `yaml:"api_key"`
	Model       string        `yaml:"model"`
	Region      string        `yaml:"region,omitempty"`
	ConnTimeout time.Duration `yaml:"conn_timeout"`
	RespTimeout time.Duration `yaml:"resp_timeout"`
	Pool        PoolConfig    `yaml:"pool"`
}

// ToolsConfig holds tool registry settings.
type ToolsConfig struct {
	// RelationsModel is the model used by get_relations_from_text.
	RelationsModel string `yaml:"relations_model"`
	// RelationsProvider names the provider for relation extraction; empty
	// uses llm.default_provider.
	RelationsProvider string `yaml:"relations_provider,omitempty"`
	// RatePerMinute caps executions per tool; 0 disables the limit.
	RatePerMinute int `yaml:"rate_per_minute"`
}

// ArxivConfig holds paper source settings.
type ArxivConfig struct {
	BaseURL           string        `yaml:"base_url"`
	MaxResults        int           `yaml:"max_results"`
	RequestsPerSecond float64       `yaml:"requests_per_second"`
	Burst             int           `yaml:"burst"`
	Timeout           time.Duration `yaml:"timeout"`
}

// StoreConfig selects and locates the persistence engine.
type StoreConfig struct {
	Driver string `yaml:"driver"` // sqlite or pebble
	Path   string `yaml:"path"`
}

// GatewayConfig holds HTTP/WebSocket server settings.
type GatewayConfig struct {
	Enabled        bool            `yaml:"enabled"`
	Addr           string          `yaml:"addr"`
	Auth           AuthConfig      `yaml:"auth"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	MaxUploadBytes int64           `yaml:"max_upload_bytes"`
	AllowedOrigins []string        `yaml:"allowed_origins,omitempty"`
}

// AuthConfig holds gateway authentication settings.
type AuthConfig struct {
	Type   string        `yaml:"type"` // "static" or ""
	Tokens []TokenConfig `yaml:"tokens,omitempty"`
}

// TokenConfig maps a bearer token to a user.
type TokenConfig struct {
	Token    string `yaml:"token"`
	UserID   string `yaml:"user_id"`
	Username string `yaml:"username,omitempty"`
}

// RateLimitConfig holds per-client request limits.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// ClusterConfig holds multi-replica settings.
type ClusterConfig struct {
	Enabled  bool          `yaml:"enabled"`
	NodeID   string        `yaml:"node_id"`   // hostname if empty
	RedisURL string        `yaml:"redis_url"` // e.g. "redis://localhost:6379/0"
	LockTTL  time.Duration `yaml:"lock_ttl"`
}

// SchedulerConfig holds maintenance job settings.
type SchedulerConfig struct {
	Enabled bool                  `yaml:"enabled"`
	Tasks   []ScheduledTaskConfig `yaml:"tasks"`
}

// ScheduledTaskConfig defines a single scheduled task.
type ScheduledTaskConfig struct {
	Name     string        `yaml:"name"`
	Schedule string        `yaml:"schedule"` // cron expression or duration string
	Action   string        `yaml:"action"`
	Timeout  time.Duration `yaml:"timeout,omitempty"`
	OneShot  bool          `yaml:"one_shot,omitempty"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// defaultDataDir returns the persistent data directory under $HOME/.reskit.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".reskit")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Agent: AgentConfig{
			Model:           "openai/gpt-4o",
			MaxTokens:       5000,
			MaxIterations:   10,
			GatewayTimeout:  120 * time.Second,
			ToolTimeout:     60 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			EventQueueSize:  256,
		},
		LLM: LLMConfig{
			DefaultProvider: "openrouter",
			CircuitBreaker: CircuitBreakerConfig{
				Enabled:     true,
				MaxFailures: 5,
				Timeout:     30 * time.Second,
				Interval:    60 * time.Second,
			},
		},
		Tools: ToolsConfig{
			RelationsModel: "google/gemma-3-27b-it",
			RatePerMinute:  60,
		},
		Arxiv: ArxivConfig{
			BaseURL:           "https://export.arxiv.org/api/query",
			MaxResults:        10,
			RequestsPerSecond: 1,
			Burst:             3,
			Timeout:           30 * time.Second,
		},
		Store: StoreConfig{
			Driver: "sqlite",
			Path:   filepath.Join(defaultDataDir(), "reskit.db"),
		},
		Gateway: GatewayConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8080",
			RateLimit: RateLimitConfig{
				RequestsPerSecond: 10,
				Burst:             20,
			},
			MaxUploadBytes: 32 << 20,
		},
		Cluster: ClusterConfig{
			LockTTL: 2 * time.Minute,
		},
		Scheduler: SchedulerConfig{
			Enabled: true,
			Tasks: []ScheduledTaskConfig{
				{Name: "startup-recovery", Schedule: "5s", Action: "turn_recovery", OneShot: true},
				{Name: "turn-recovery", Schedule: "*/5 * * * *", Action: "turn_recovery"},
				{Name: "store-checkpoint", Schedule: "@hourly", Action: "store_checkpoint"},
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Exporter:    "noop",
			SampleRatio: 1,
		},
	}
}

// DefaultProvider returns an OpenRouter provider entry named name.
func DefaultProvider(name, apiKey string) ProviderConfig {
	return ProviderConfig{
		Name:    name,
		Type:    "openrouter",
		BaseURL: "https://openrouter.ai/api/v1",
		APIKey:  apiKey,
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts
// secrets. A missing file yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := validatePermissions(path); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	case os.IsNotExist(err):
	default:
		return nil, fmt.Errorf("read config: %w", err)
	}

	ApplyEnvOverrides(cfg)

	if passphrase := os.Getenv(EnvPrefix + "CONFIG_KEY"); passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides maps RESKIT_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvPrefix + "AGENT_MODEL"); v != "" {
		cfg.Agent.Model = v
	}
	if v := os.Getenv(EnvPrefix + "AGENT_SYSTEM_PROMPT"); v != "" {
		cfg.Agent.SystemPrompt = v
	}
	if v := os.Getenv(EnvPrefix + "AGENT_MAX_ITERATIONS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Agent.MaxIterations = n
		}
	}
	if v := os.Getenv(EnvPrefix + "AGENT_GATEWAY_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Agent.GatewayTimeout = d
		}
	}
	if v := os.Getenv(EnvPrefix + "AGENT_TOOL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			cfg.Agent.ToolTimeout = d
		}
	}

	if v := os.Getenv(EnvPrefix + "LLM_DEFAULT_PROVIDER"); v != "" {
		cfg.LLM.DefaultProvider = v
	}
	// RESKIT_LLM_API_KEY alone is enough to run against OpenRouter.
	if v := os.Getenv(EnvPrefix + "LLM_API_KEY"); v != "" && len(cfg.LLM.Providers) == 0 {
		cfg.LLM.Providers = append(cfg.LLM.Providers, DefaultProvider(cfg.LLM.DefaultProvider, v))
	}
	// Per-provider API key overrides: RESKIT_LLM_PROVIDER_<NAME>_API_KEY
	for i := range cfg.LLM.Providers {
		envKey := fmt.Sprintf("%sLLM_PROVIDER_%s_API_KEY", EnvPrefix, envName(cfg.LLM.Providers[i].Name))
		if v := os.Getenv(envKey); v != "" {
			cfg.LLM.Providers[i].APIKey = v
		}
	}

	if v := os.Getenv(EnvPrefix + "TOOLS_RELATIONS_MODEL"); v != "" {
		cfg.Tools.RelationsModel = v
	}

	if v := os.Getenv(EnvPrefix + "ARXIV_BASE_URL"); v != "" {
		cfg.Arxiv.BaseURL = v
	}

	if v := os.Getenv(EnvPrefix + "STORE_DRIVER"); v != "" {
		cfg.Store.Driver = v
	}
	if v := os.Getenv(EnvPrefix + "STORE_PATH"); v != "" {
		cfg.Store.Path = v
	}

	if v := os.Getenv(EnvPrefix + "GATEWAY_ENABLED"); v != "" {
		cfg.Gateway.Enabled = v == "true"
	}
	if v := os.Getenv(EnvPrefix + "GATEWAY_ADDR"); v != "" {
		cfg.Gateway.Addr = v
	}
	// RESKIT_GATEWAY_TOKENS="token1=user1,token2=user2"
	if v := os.Getenv(EnvPrefix + "GATEWAY_TOKENS"); v != "" {
		for _, pair := range splitAndTrim(v, ",") {
			token, user, ok := strings.Cut(pair, "=")
			if !ok || token == "" || user == "" {
				continue
			}
			cfg.Gateway.Auth.Type = "static"
			cfg.Gateway.Auth.Tokens = append(cfg.Gateway.Auth.Tokens, TokenConfig{Token: token, UserID: user})
		}
	}

	if v := os.Getenv(EnvPrefix + "CLUSTER_ENABLED"); v == "true" {
		cfg.Cluster.Enabled = true
	}
	if v := os.Getenv(EnvPrefix + "CLUSTER_NODE_ID"); v != "" {
		cfg.Cluster.NodeID = v
	}
	if v := os.Getenv(EnvPrefix + "CLUSTER_REDIS_URL"); v != "" {
		cfg.Cluster.RedisURL = v
	}

	if v := os.Getenv(EnvPrefix + "SCHEDULER_ENABLED"); v != "" {
		cfg.Scheduler.Enabled = v == "true"
	}

	if v := os.Getenv(EnvPrefix + "LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv(EnvPrefix + "LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv(EnvPrefix + "TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv(EnvPrefix + "TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
}

// envName upper-cases a provider name and replaces characters that are not
// valid in environment variable names.
func envName(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z':
			return r - 'a' + 'A'
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		default:
			return '_'
		}
	}, name)
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." values and decrypts them in place.
func decryptSecrets(cfg *Config, passphrase string) error {
	for i := range cfg.LLM.Providers {
		if err := decryptField(&cfg.LLM.Providers[i].APIKey, passphrase); err != nil {
			return fmt.Errorf("provider %s api_key: %w", cfg.LLM.Providers[i].Name, err)
		}
	}
	for i := range cfg.Gateway.Auth.Tokens {
		if err := decryptField(&cfg.Gateway.Auth.Tokens[i].Token, passphrase); err != nil {
			return fmt.Errorf("gateway auth token for %s: %w", cfg.Gateway.Auth.Tokens[i].UserID, err)
		}
	}
	if err := decryptField(&cfg.Cluster.RedisURL, passphrase); err != nil {
		return fmt.Errorf("cluster redis_url: %w", err)
	}
	return nil
}

func decryptField(fp *string, passphrase string) error {
	if !strings.HasPrefix(*fp, "enc:") {
		return nil
	}
	decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
	if err != nil {
		return err
	}
	*fp = decrypted
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts a value produced by EncryptValue.
func DecryptValue(encrypted, passphrase string) (string, error) {
	saltHex, dataHex, ok := strings.Cut(encrypted, ":")
	if !ok {
		return "", fmt.Errorf("invalid encrypted format")
	}
	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("decode salt: %w", err)
	}
	data, err := hex.DecodeString(dataHex)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt: %w", err)
	}
	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions rejects config files writable by group or others.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	if mode := info.Mode().Perm(); mode&0o022 != 0 {
		return fmt.Errorf("config file %s has insecure permissions %o (want 0600 or 0644)", path, mode)
	}
	return nil
}
