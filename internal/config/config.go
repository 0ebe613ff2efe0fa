// Package config loads conductor's YAML or JSON5 configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
)

// Config is the main configuration structure for conductor.
type Config struct {
	Version    int              `yaml:"version"`
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	LLM        LLMConfig        `yaml:"llm"`
	Rounds     RoundsConfig     `yaml:"rounds"`
	Compaction CompactionConfig `yaml:"compaction"`
	Memory     MemoryConfig     `yaml:"memory"`
	Storage    StorageConfig    `yaml:"storage"`
	Tools      ToolsConfig      `yaml:"tools"`
	Prompts    PromptsConfig    `yaml:"prompts"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// MaxConcurrent bounds turns running at once across all sessions.
	MaxConcurrent int64 `yaml:"max_concurrent"`
	// QueueTimeout bounds how long an allow_queue request waits for its session.
	QueueTimeout time.Duration `yaml:"queue_timeout"`
}

// Addr returns host:port.
func (s ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

type AuthConfig struct {
	// JWTSecret enables bearer-token auth when set.
	JWTSecret string `yaml:"jwt_secret"`
	Issuer    string `yaml:"issuer"`
}

type LLMConfig struct {
	DefaultProvider string                       `yaml:"default_provider"`
	Providers       map[string]LLMProviderConfig `yaml:"providers"`
	// FailoverOrder lists providers tried after the default one.
	FailoverOrder   []string      `yaml:"failover_order"`
	MaxRetries      int           `yaml:"max_retries"`
	RetryDelay      time.Duration `yaml:"retry_delay"`
	Timeout         time.Duration `yaml:"timeout"`
	DailyTokenQuota int           `yaml:"daily_token_quota"`
}

type LLMProviderConfig struct {
	// Kind selects the adapter: openai, anthropic or gemini. Defaults to the map key.
	Kind    string `yaml:"kind"`
	APIKey  string `yaml:"api_key"`
	BaseURL string `yaml:"base_url"`
	Model   string `yaml:"model"`
}

type RoundsConfig struct {
	MaxRounds    int      `yaml:"max_rounds"`
	MaxTokens    int      `yaml:"max_tokens"`
	Temperature  *float64 `yaml:"temperature"`
	HistoryLimit int      `yaml:"history_limit"`
}

type CompactionConfig struct {
	Enabled          *bool   `yaml:"enabled"`
	MaxContext       int     `yaml:"max_context"`
	MaxOutputReserve int     `yaml:"max_output_reserve"`
	SafetyMargin     int     `yaml:"safety_margin"`
	Ratio            float64 `yaml:"ratio"`
	// HistoryRatio accepts a fraction or a percentage.
	HistoryRatio     float64 `yaml:"history_compaction_ratio"`
	SummaryMaxTokens int     `yaml:"summary_max_tokens"`
	FallbackSummary  string  `yaml:"fallback_summary"`
	ArtifactLimit    int     `yaml:"artifact_limit"`
}

// IsEnabled reports whether compaction runs; it defaults to on.
func (c CompactionConfig) IsEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}

type MemoryConfig struct {
	Enabled           bool          `yaml:"enabled"`
	EnabledByDefault  bool          `yaml:"enabled_by_default"`
	Model             string        `yaml:"model"`
	HistorySize       int           `yaml:"history_size"`
	PromptMaxTokens   int           `yaml:"prompt_max_tokens"`
	SummaryMaxTokens  int           `yaml:"summary_max_tokens"`
	MaxFacts          int           `yaml:"max_facts"`
	Retention         time.Duration `yaml:"retention"`
	RetentionSchedule string        `yaml:"retention_schedule"`
}

type StorageConfig struct {
	// Driver is memory, sqlite or postgres.
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

type ToolsConfig struct {
	Workspace    string        `yaml:"workspace"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxReadBytes int           `yaml:"max_read_bytes"`
}

type PromptsConfig struct {
	Dir   string `yaml:"dir"`
	Watch bool   `yaml:"watch"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type TracingConfig struct {
	Endpoint     string  `yaml:"endpoint"`
	ServiceName  string  `yaml:"service_name"`
	Environment  string  `yaml:"environment"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`
}

// ValidationError lists every problem found in a configuration.
type ValidationError struct {
	Issues []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Issues, "; ")
}

// Load reads, merges, decodes, defaults and validates the configuration file.
func Load(path string) (*Config, error) {
	raw, err := LoadRaw(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}
	applyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a configuration with every default applied, for running
// without a config file.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Version == 0 {
		cfg.Version = CurrentVersion
	}
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = 30 * time.Second
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 15 * time.Second
	}
	if cfg.Server.MaxConcurrent == 0 {
		cfg.Server.MaxConcurrent = 64
	}
	if cfg.Server.QueueTimeout == 0 {
		cfg.Server.QueueTimeout = 2 * time.Minute
	}
	if cfg.LLM.DefaultProvider == "" {
		cfg.LLM.DefaultProvider = "openai"
	}
	if cfg.LLM.MaxRetries == 0 {
		cfg.LLM.MaxRetries = 2
	}
	if cfg.LLM.RetryDelay == 0 {
		cfg.LLM.RetryDelay = 500 * time.Millisecond
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 2 * time.Minute
	}
	for name, provider := range cfg.LLM.Providers {
		if provider.Kind == "" {
			provider.Kind = name
			cfg.LLM.Providers[name] = provider
		}
	}
	if cfg.Rounds.MaxRounds == 0 {
		cfg.Rounds.MaxRounds = 8
	}
	if cfg.Rounds.MaxTokens == 0 {
		cfg.Rounds.MaxTokens = 4096
	}
	if cfg.Rounds.HistoryLimit == 0 {
		cfg.Rounds.HistoryLimit = 200
	}
	if cfg.Memory.HistorySize == 0 {
		cfg.Memory.HistorySize = 100
	}
	if cfg.Memory.PromptMaxTokens == 0 {
		cfg.Memory.PromptMaxTokens = 6000
	}
	if cfg.Memory.SummaryMaxTokens == 0 {
		cfg.Memory.SummaryMaxTokens = 512
	}
	if cfg.Memory.MaxFacts == 0 {
		cfg.Memory.MaxFacts = 20
	}
	if cfg.Memory.Retention == 0 {
		cfg.Memory.Retention = 30 * 24 * time.Hour
	}
	if cfg.Memory.RetentionSchedule == "" {
		cfg.Memory.RetentionSchedule = "@daily"
	}
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = "memory"
	}
	if cfg.Tools.Workspace == "" {
		cfg.Tools.Workspace = "."
	}
	if cfg.Tools.Timeout == 0 {
		cfg.Tools.Timeout = 30 * time.Second
	}
	if cfg.Tools.MaxReadBytes == 0 {
		cfg.Tools.MaxReadBytes = 64 * 1024
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "json"
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "conductor"
	}
}

var providerKinds = map[string]bool{"openai": true, "anthropic": true, "gemini": true}

// Validate checks a defaulted configuration.
func Validate(cfg *Config) error {
	var issues []string
	add := func(format string, args ...any) {
		issues = append(issues, fmt.Sprintf(format, args...))
	}

	if err := ValidateVersion(cfg.Version); err != nil {
		add("%v", err)
	}
	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		add("server.port must be between 1 and 65535")
	}
	if cfg.Server.MaxConcurrent < 1 {
		add("server.max_concurrent must be positive")
	}

	if len(cfg.LLM.Providers) > 0 {
		if _, ok := cfg.LLM.Providers[cfg.LLM.DefaultProvider]; !ok {
			add("llm.default_provider %q is not configured under llm.providers", cfg.LLM.DefaultProvider)
		}
	}
	for name, provider := range cfg.LLM.Providers {
		if !providerKinds[provider.Kind] {
			add("llm.providers.%s.kind %q must be openai, anthropic or gemini", name, provider.Kind)
		}
	}
	for _, name := range cfg.LLM.FailoverOrder {
		if _, ok := cfg.LLM.Providers[name]; !ok {
			add("llm.failover_order references unknown provider %q", name)
		}
	}
	if cfg.LLM.DailyTokenQuota < 0 {
		add("llm.daily_token_quota must not be negative")
	}

	if cfg.Rounds.MaxRounds < 1 {
		add("rounds.max_rounds must be at least 1")
	}
	if cfg.Rounds.MaxTokens < 1 {
		add("rounds.max_tokens must be at least 1")
	}
	if t := cfg.Rounds.Temperature; t != nil && (*t < 0 || *t > 2) {
		add("rounds.temperature must be between 0 and 2")
	}

	if cfg.Compaction.MaxContext < 0 {
		add("compaction.max_context must not be negative")
	}
	if cfg.Compaction.Ratio < 0 || cfg.Compaction.HistoryRatio < 0 {
		add("compaction ratios must not be negative")
	}

	if _, err := cron.ParseStandard(cfg.Memory.RetentionSchedule); err != nil {
		add("memory.retention_schedule: %v", err)
	}
	if cfg.Memory.Retention < 0 {
		add("memory.retention must not be negative")
	}

	switch strings.ToLower(cfg.Storage.Driver) {
	case "memory":
	case "sqlite", "postgres", "postgresql", "cockroach":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			add("storage.dsn is required for driver %q", cfg.Storage.Driver)
		}
	default:
		add("storage.driver %q must be memory, sqlite or postgres", cfg.Storage.Driver)
	}

	switch strings.ToLower(cfg.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		add("logging.level %q must be debug, info, warn or error", cfg.Logging.Level)
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "json", "text":
	default:
		add("logging.format %q must be json or text", cfg.Logging.Format)
	}
	if cfg.Tracing.SamplingRate < 0 || cfg.Tracing.SamplingRate > 1 {
		add("tracing.sampling_rate must be between 0 and 1")
	}

	if len(issues) > 0 {
		return &ValidationError{Issues: issues}
	}
	return nil
}
