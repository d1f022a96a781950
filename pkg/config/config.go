// Package config loads the service configuration from a JSON or YAML file, applies
// environment overrides and defaults, and validates the result.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"chatcore/pkg/admission"
	"chatcore/pkg/llm"
	"chatcore/pkg/llm/middleware"
	"chatcore/pkg/moderation"
	"chatcore/pkg/retry"
	"chatcore/pkg/summary"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Counter store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// Provider names accepted in llm.provider.
const (
	ProviderGemini    = "gemini"
	ProviderGoogle    = "google"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// Environment variables holding provider credentials.
const (
	EnvGeminiAPIKey    = "GEMINI_API_KEY"
	EnvGoogleAPIKey    = "GOOGLE_API_KEY"
	EnvOpenAIAPIKey    = "OPENAI_API_KEY"
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY"
	EnvOllamaHost      = "OLLAMA_HOST"
	EnvRedisAddr       = "REDIS_ADDR"
	EnvSecretsPassword = "CHATCORE_SECRETS_PASSWORD"
	EnvPrefix          = "CHATCORE_"
)

// Duration is a time.Duration written as "10s" in config files. Bare numbers are seconds.
type Duration time.Duration

// Std returns the standard library value.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// MarshalJSON writes the duration string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON accepts "1m30s" or a number of seconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.parse(s)
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return fmt.Errorf("duration must be a string or number of seconds: %s", string(b))
	}
	*d = Duration(secs * float64(time.Second))
	return nil
}

// UnmarshalYAML accepts the same forms as UnmarshalJSON.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	return d.parse(value.Value)
}

func (d *Duration) parse(s string) error {
	s = strings.TrimSpace(s)
	if secs, err := strconv.ParseFloat(s, 64); err == nil {
		*d = Duration(secs * float64(time.Second))
		return nil
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// DatabaseConfig locates the content store.
type DatabaseConfig struct {
	Path string `json:"path" yaml:"path"` // File path or ":memory:"
}

// RedisConfig is used when admission.store is "redis".
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
}

// HTTPConfig controls the HTTP surface.
type HTTPConfig struct {
	Addr              string   `json:"addr" yaml:"addr"`
	TrustedProxies    []string `json:"trusted_proxies" yaml:"trusted_proxies"`
	TriggerTimeout    Duration `json:"trigger_timeout" yaml:"trigger_timeout"`
	ShutdownTimeout   Duration `json:"shutdown_timeout" yaml:"shutdown_timeout"`
	FailOpenAdmission bool     `json:"fail_open_admission" yaml:"fail_open_admission"`
}

// AdmissionConfig is the fixed-window limit on message posting.
type AdmissionConfig struct {
	Store     string   `json:"store" yaml:"store"`
	KeyPrefix string   `json:"key_prefix" yaml:"key_prefix"`
	Window    Duration `json:"window" yaml:"window"`
	Limit     int      `json:"limit" yaml:"limit"`
}

// ModerationConfig mirrors moderation.Config with file-friendly durations.
type ModerationConfig struct {
	BannedTerms    []string `json:"banned_terms" yaml:"banned_terms"`
	SpamPhrases    []string `json:"spam_phrases" yaml:"spam_phrases"`
	CapsRatio      float64  `json:"caps_ratio" yaml:"caps_ratio"`
	DeepTimeout    Duration `json:"deep_timeout" yaml:"deep_timeout"`
	MaxLength      int      `json:"max_length" yaml:"max_length"`
	MaxLinks       int      `json:"max_links" yaml:"max_links"`
	MaxRepeat      int      `json:"max_repeat" yaml:"max_repeat"`
	CapsMinLetters int      `json:"caps_min_letters" yaml:"caps_min_letters"`
	CapsMinLength  int      `json:"caps_min_length" yaml:"caps_min_length"`
	DeepCacheSize  int      `json:"deep_cache_size" yaml:"deep_cache_size"`
	DeepEnabled    bool     `json:"deep_enabled" yaml:"deep_enabled"`
}

// LLMConfig selects the gateway provider.
type LLMConfig struct {
	Provider    string   `json:"provider" yaml:"provider"`
	Model       string   `json:"model" yaml:"model"`
	APIKey      string   `json:"api_key" yaml:"api_key"`
	Host        string   `json:"host" yaml:"host"`
	Timeout     Duration `json:"timeout" yaml:"timeout"` // Per attempt
	MaxTokens   int      `json:"max_tokens" yaml:"max_tokens"`
	Temperature float64  `json:"temperature" yaml:"temperature"`

	// Circuit breaker around the gateway.
	CircuitFailureThreshold int      `json:"circuit_failure_threshold" yaml:"circuit_failure_threshold"`
	CircuitSuccessThreshold int      `json:"circuit_success_threshold" yaml:"circuit_success_threshold"`
	CircuitCooldown         Duration `json:"circuit_cooldown" yaml:"circuit_cooldown"`

	// Provider quota pacing; zero disables.
	TokensPerMinute int `json:"tokens_per_minute" yaml:"tokens_per_minute"`
	MaxConcurrency  int `json:"max_concurrency" yaml:"max_concurrency"`
}

// RetryConfig holds both retry layers.
type RetryConfig struct {
	Base            Duration `json:"base" yaml:"base"`
	Cap             Duration `json:"cap" yaml:"cap"`
	Jitter          Duration `json:"jitter" yaml:"jitter"`
	GatewayAttempts int      `json:"gateway_attempts" yaml:"gateway_attempts"`
	JobAttempts     int      `json:"job_attempts" yaml:"job_attempts"`
}

// SummaryConfig controls the job and the scheduler.
type SummaryConfig struct {
	Lookback             Duration `json:"lookback" yaml:"lookback"`
	Interval             Duration `json:"interval" yaml:"interval"`
	JobTimeout           Duration `json:"job_timeout" yaml:"job_timeout"`
	DefaultRateLimitHint Duration `json:"default_rate_limit_hint" yaml:"default_rate_limit_hint"`
	MaxMessages          int      `json:"max_messages" yaml:"max_messages"`
	ScanRetries          int      `json:"scan_retries" yaml:"scan_retries"`
	PromptTokenBudget    int      `json:"prompt_token_budget" yaml:"prompt_token_budget"`
	DisableScheduler     bool     `json:"disable_scheduler" yaml:"disable_scheduler"`
}

// SecretsConfig points at an encrypted secrets file holding API keys.
type SecretsConfig struct {
	File string `json:"file" yaml:"file"`
}

// DebugConfig controls debug logging.
type DebugConfig struct {
	Domains []string `json:"domains" yaml:"domains"`
	Enabled bool     `json:"enabled" yaml:"enabled"`
}

// Config is the complete service configuration.
type Config struct {
	Database   DatabaseConfig   `json:"database" yaml:"database"`
	Redis      RedisConfig      `json:"redis" yaml:"redis"`
	HTTP       HTTPConfig       `json:"http" yaml:"http"`
	Admission  AdmissionConfig  `json:"admission" yaml:"admission"`
	Moderation ModerationConfig `json:"moderation" yaml:"moderation"`
	LLM        LLMConfig        `json:"llm" yaml:"llm"`
	Retry      RetryConfig      `json:"retry" yaml:"retry"`
	Summary    SummaryConfig    `json:"summary" yaml:"summary"`
	Secrets    SecretsConfig    `json:"secrets" yaml:"secrets"`
	Debug      DebugConfig      `json:"debug" yaml:"debug"`
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// AdmissionSettings converts to the controller's settings.
func (c *Config) AdmissionSettings() admission.Config {
	return admission.Config{
		Window:    c.Admission.Window.Std(),
		Limit:     int64(c.Admission.Limit),
		KeyPrefix: c.Admission.KeyPrefix,
		Action:    admission.DefaultAction,
	}
}

// ModerationSettings converts to the gate's settings.
func (c *Config) ModerationSettings() moderation.Config {
	m := c.Moderation
	return moderation.Config{
		MaxLength:      m.MaxLength,
		MaxLinks:       m.MaxLinks,
		MaxRepeat:      m.MaxRepeat,
		CapsRatio:      m.CapsRatio,
		CapsMinLetters: m.CapsMinLetters,
		CapsMinLength:  m.CapsMinLength,
		BannedTerms:    append([]string(nil), m.BannedTerms...),
		SpamPhrases:    append([]string(nil), m.SpamPhrases...),
		DeepEnabled:    m.DeepEnabled,
		DeepCacheSize:  m.DeepCacheSize,
		DeepTimeout:    m.DeepTimeout.Std(),
	}
}

// GatewayRetry is the policy wrapped around each gateway call.
func (c *Config) GatewayRetry() retry.Config {
	return retry.Config{
		MaxAttempts: c.Retry.GatewayAttempts,
		Base:        c.Retry.Base.Std(),
		Cap:         c.Retry.Cap.Std(),
		Jitter:      c.Retry.Jitter.Std(),
	}
}

// SummarySettings converts to the job and scheduler settings.
func (c *Config) SummarySettings() summary.Config {
	s := c.Summary
	return summary.Config{
		Retry: retry.Config{
			MaxAttempts: c.Retry.JobAttempts,
			Base:        c.Retry.Base.Std(),
			Cap:         c.Retry.Cap.Std(),
			Jitter:      c.Retry.Jitter.Std(),
		},
		Lookback:             s.Lookback.Std(),
		Interval:             s.Interval.Std(),
		JobTimeout:           s.JobTimeout.Std(),
		DefaultRateLimitHint: s.DefaultRateLimitHint.Std(),
		MaxMessages:          s.MaxMessages,
		ScanRetries:          s.ScanRetries,
		PromptTokenBudget:    s.PromptTokenBudget,
	}
}

// GatewaySettings converts to the provider factory's settings.
func (c *Config) GatewaySettings() llm.LLMConfig {
	return llm.LLMConfig{
		Provider:    c.LLM.Provider,
		APIKey:      c.LLM.APIKey,
		Host:        c.LLM.Host,
		ModelName:   c.LLM.Model,
		MaxTokens:   c.LLM.MaxTokens,
		Temperature: float32(c.LLM.Temperature),
	}
}

// CircuitSettings converts to the gateway breaker's settings.
func (c *Config) CircuitSettings() middleware.CircuitConfig {
	return middleware.CircuitConfig{
		FailureThreshold: c.LLM.CircuitFailureThreshold,
		SuccessThreshold: c.LLM.CircuitSuccessThreshold,
		Cooldown:         c.LLM.CircuitCooldown.Std(),
	}
}

// ThrottleSettings converts to the gateway limiter's settings.
func (c *Config) ThrottleSettings() middleware.ThrottleConfig {
	return middleware.ThrottleConfig{
		TokensPerMinute: c.LLM.TokensPerMinute,
		MaxConcurrency:  c.LLM.MaxConcurrency,
	}
}

// GatewayEnabled reports whether a provider is configured.
func (c *Config) GatewayEnabled() bool {
	return c.LLM.Provider != ""
}
