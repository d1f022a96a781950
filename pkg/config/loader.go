package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"regexp"
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

// Defaults not owned by a component package.
const (
	DefaultDatabasePath    = "chatcore.db"
	DefaultHTTPAddr        = ":8080"
	DefaultRedisAddr       = "localhost:6379"
	DefaultTriggerTimeout  = 60 * time.Second
	DefaultShutdownTimeout = 10 * time.Second
	DefaultLLMTimeout      = 30 * time.Second
	DefaultGeminiModel     = "gemini-2.0-flash"
)

var envVarRegex = regexp.MustCompile(`\$\{([^}]+)\}`)

// Load reads the file at path (JSON, or YAML for .yaml/.yml), substitutes ${VAR}
// placeholders, applies CHATCORE_* and credential environment overrides, fills defaults
// and validates. An empty path yields defaults plus environment overrides. A configured
// secrets file is opened with CHATCORE_SECRETS_PASSWORD.
func Load(path string) (*Config, error) {
	return LoadWithSecrets(path, nil)
}

func substituteEnv(data []byte) []byte {
	return envVarRegex.ReplaceAllFunc(data, func(match []byte) []byte {
		name := string(match[2 : len(match)-1])
		if value := os.Getenv(name); value != "" {
			return []byte(value)
		}
		return match
	})
}

func parse(path string, data []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}
	return nil
}

// applyEnvOverrides maps CHATCORE_<SECTION>_<FIELD> onto the matching json-tagged field,
// e.g. CHATCORE_HTTP_ADDR or CHATCORE_ADMISSION_LIMIT.
func applyEnvOverrides(cfg *Config) {
	applyEnvOverridesRecursive(reflect.ValueOf(cfg).Elem(), EnvPrefix)
}

func applyEnvOverridesRecursive(v reflect.Value, prefix string) {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		jsonTag := t.Field(i).Tag.Get("json")
		if jsonTag == "" || jsonTag == "-" {
			continue
		}
		envKey := strings.ToUpper(prefix + strings.Split(jsonTag, ",")[0])

		if field.Kind() == reflect.Struct {
			applyEnvOverridesRecursive(field, envKey+"_")
			continue
		}
		if envValue, ok := os.LookupEnv(envKey); ok && envValue != "" {
			setFieldFromEnv(field, envValue)
		}
	}
}

var durationType = reflect.TypeOf(Duration(0))

func setFieldFromEnv(field reflect.Value, envValue string) {
	if !field.CanSet() {
		return
	}

	if field.Type() == durationType {
		var d Duration
		if err := d.parse(envValue); err == nil {
			field.Set(reflect.ValueOf(d))
		}
		return
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(envValue)
	case reflect.Int, reflect.Int64:
		if val, err := strconv.ParseInt(envValue, 10, 64); err == nil {
			field.SetInt(val)
		}
	case reflect.Float64:
		if val, err := strconv.ParseFloat(envValue, 64); err == nil {
			field.SetFloat(val)
		}
	case reflect.Bool:
		if val, err := strconv.ParseBool(envValue); err == nil {
			field.SetBool(val)
		}
	case reflect.Slice:
		if field.Type().Elem().Kind() == reflect.String {
			parts := strings.Split(envValue, ",")
			for i := range parts {
				parts[i] = strings.TrimSpace(parts[i])
			}
			field.Set(reflect.ValueOf(parts))
		}
	}
}

// applyCredentialEnv fills unset connection details from the conventional variables.
func applyCredentialEnv(cfg *Config) {
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = os.Getenv(EnvRedisAddr)
	}
	if cfg.LLM.APIKey == "" {
		if name := APIKeyEnv(cfg.LLM.Provider); name != "" {
			cfg.LLM.APIKey = os.Getenv(name)
			if cfg.LLM.APIKey == "" && name == EnvGeminiAPIKey {
				cfg.LLM.APIKey = os.Getenv(EnvGoogleAPIKey)
			}
		}
	}
	if cfg.LLM.Host == "" && strings.EqualFold(cfg.LLM.Provider, ProviderOllama) {
		cfg.LLM.Host = os.Getenv(EnvOllamaHost)
	}
}

// APIKeyEnv names the variable holding the provider's key, or "" when none is used.
func APIKeyEnv(provider string) string {
	switch strings.ToLower(provider) {
	case ProviderGemini, ProviderGoogle:
		return EnvGeminiAPIKey
	case ProviderOpenAI:
		return EnvOpenAIAPIKey
	case ProviderAnthropic:
		return EnvAnthropicAPIKey
	default:
		return ""
	}
}

// applyDefaults sets default values for missing configuration.
func applyDefaults(cfg *Config) {
	if cfg.Database.Path == "" {
		cfg.Database.Path = DefaultDatabasePath
	}
	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = DefaultHTTPAddr
	}
	if cfg.HTTP.TriggerTimeout == 0 {
		cfg.HTTP.TriggerTimeout = Duration(DefaultTriggerTimeout)
	}
	if cfg.HTTP.ShutdownTimeout == 0 {
		cfg.HTTP.ShutdownTimeout = Duration(DefaultShutdownTimeout)
	}

	// Admission.
	if cfg.Admission.Store == "" {
		cfg.Admission.Store = StoreMemory
	}
	if cfg.Admission.Window == 0 {
		cfg.Admission.Window = Duration(admission.DefaultWindow)
	}
	if cfg.Admission.Limit == 0 {
		cfg.Admission.Limit = admission.DefaultLimit
	}
	if cfg.Admission.KeyPrefix == "" {
		cfg.Admission.KeyPrefix = admission.DefaultKeyPrefix
	}
	if cfg.Admission.Store == StoreRedis && cfg.Redis.Addr == "" {
		cfg.Redis.Addr = DefaultRedisAddr
	}

	// Moderation.
	m := &cfg.Moderation
	if m.MaxLength == 0 {
		m.MaxLength = moderation.DefaultMaxLength
	}
	if m.MaxLinks == 0 {
		m.MaxLinks = moderation.DefaultMaxLinks
	}
	if m.MaxRepeat == 0 {
		m.MaxRepeat = moderation.DefaultMaxRepeat
	}
	if m.CapsRatio == 0 {
		m.CapsRatio = moderation.DefaultCapsRatio
	}
	if m.CapsMinLetters == 0 {
		m.CapsMinLetters = moderation.DefaultCapsMinLetters
	}
	if m.CapsMinLength == 0 {
		m.CapsMinLength = moderation.DefaultCapsMinLength
	}
	if m.BannedTerms == nil {
		m.BannedTerms = append([]string(nil), moderation.DefaultBannedTerms...)
	}
	if m.SpamPhrases == nil {
		m.SpamPhrases = append([]string(nil), moderation.DefaultSpamPhrases...)
	}
	if m.DeepCacheSize == 0 {
		m.DeepCacheSize = moderation.DefaultDeepCacheSize
	}
	if m.DeepTimeout == 0 {
		m.DeepTimeout = Duration(moderation.DefaultDeepTimeout)
	}

	// Gateway.
	cfg.LLM.Provider = strings.ToLower(cfg.LLM.Provider)
	if cfg.LLM.Model == "" && (cfg.LLM.Provider == ProviderGemini || cfg.LLM.Provider == ProviderGoogle) {
		cfg.LLM.Model = DefaultGeminiModel
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = Duration(DefaultLLMTimeout)
	}
	if cfg.LLM.MaxTokens == 0 {
		cfg.LLM.MaxTokens = llm.DefaultMaxTokens
	}
	if cfg.LLM.CircuitFailureThreshold == 0 {
		cfg.LLM.CircuitFailureThreshold = middleware.DefaultFailureThreshold
	}
	if cfg.LLM.CircuitSuccessThreshold == 0 {
		cfg.LLM.CircuitSuccessThreshold = middleware.DefaultSuccessThreshold
	}
	if cfg.LLM.CircuitCooldown == 0 {
		cfg.LLM.CircuitCooldown = Duration(middleware.DefaultCooldown)
	}

	// Retry.
	if cfg.Retry.Base == 0 {
		cfg.Retry.Base = Duration(retry.DefaultBase)
	}
	if cfg.Retry.Cap == 0 {
		cfg.Retry.Cap = Duration(retry.DefaultCap)
	}
	if cfg.Retry.Jitter == 0 {
		cfg.Retry.Jitter = Duration(retry.DefaultJitter)
	}
	if cfg.Retry.GatewayAttempts == 0 {
		cfg.Retry.GatewayAttempts = retry.DefaultGatewayAttempts
	}
	if cfg.Retry.JobAttempts == 0 {
		cfg.Retry.JobAttempts = retry.DefaultJobAttempts
	}

	// Summary.
	s := &cfg.Summary
	if s.Lookback == 0 {
		s.Lookback = Duration(summary.DefaultLookback)
	}
	if s.Interval == 0 {
		s.Interval = Duration(summary.DefaultInterval)
	}
	if s.DefaultRateLimitHint == 0 {
		s.DefaultRateLimitHint = Duration(summary.DefaultRateLimitHint)
	}
	if s.MaxMessages == 0 {
		s.MaxMessages = summary.DefaultMaxMessages
	}
	if s.ScanRetries == 0 {
		s.ScanRetries = summary.DefaultScanRetries
	}
	if s.PromptTokenBudget == 0 {
		s.PromptTokenBudget = summary.DefaultPromptTokenBudget
	}
}

// Validate checks cross-field constraints. Every error wraps ErrInvalid.
func Validate(cfg *Config) error {
	var problems []string
	add := func(format string, args ...any) {
		problems = append(problems, fmt.Sprintf(format, args...))
	}

	switch cfg.Admission.Store {
	case StoreMemory, StoreSQLite:
	case StoreRedis:
		if cfg.Redis.Addr == "" {
			add("redis.addr is required when admission.store is redis")
		}
	default:
		add("admission.store must be one of memory, redis, sqlite (got %q)", cfg.Admission.Store)
	}
	if cfg.Admission.Limit < 1 {
		add("admission.limit must be positive")
	}
	if cfg.Admission.Window < Duration(time.Second) {
		add("admission.window must be at least 1s")
	}

	if cfg.Moderation.CapsRatio <= 0 || cfg.Moderation.CapsRatio > 1 {
		add("moderation.caps_ratio must be in (0, 1]")
	}
	if cfg.Moderation.MaxLength < 0 || cfg.Moderation.MaxLinks < 0 || cfg.Moderation.MaxRepeat < 0 {
		add("moderation limits must not be negative")
	}
	if cfg.Moderation.DeepEnabled && !cfg.GatewayEnabled() {
		add("moderation.deep_enabled requires llm.provider")
	}

	switch cfg.LLM.Provider {
	case "":
	case ProviderGemini, ProviderGoogle, ProviderOpenAI, ProviderAnthropic, ProviderOllama:
		if cfg.LLM.Model == "" {
			add("llm.model is required for provider %s", cfg.LLM.Provider)
		}
		if cfg.LLM.Provider != ProviderOllama && cfg.LLM.APIKey == "" {
			add("llm.api_key (or %s) is required for provider %s", APIKeyEnv(cfg.LLM.Provider), cfg.LLM.Provider)
		}
	default:
		add("llm.provider %q is not supported", cfg.LLM.Provider)
	}
	if cfg.LLM.Temperature < 0 || cfg.LLM.Temperature > 2 {
		add("llm.temperature must be between 0 and 2")
	}
	if cfg.LLM.CircuitFailureThreshold < 1 || cfg.LLM.CircuitSuccessThreshold < 1 || cfg.LLM.CircuitCooldown <= 0 {
		add("llm circuit thresholds and cooldown must be positive")
	}
	if cfg.LLM.TokensPerMinute < 0 || cfg.LLM.MaxConcurrency < 0 {
		add("llm.tokens_per_minute and llm.max_concurrency must not be negative")
	}

	if cfg.Retry.GatewayAttempts < 1 || cfg.Retry.JobAttempts < 1 {
		add("retry attempts must be at least 1")
	}
	if cfg.Retry.Base > cfg.Retry.Cap {
		add("retry.base must not exceed retry.cap")
	}
	if cfg.Retry.Jitter < 0 {
		add("retry.jitter must not be negative")
	}

	if cfg.Summary.MaxMessages < 1 || cfg.Summary.ScanRetries < 1 {
		add("summary.max_messages and summary.scan_retries must be positive")
	}
	if cfg.Summary.Interval <= 0 || cfg.Summary.Lookback <= 0 {
		add("summary.interval and summary.lookback must be positive")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}
