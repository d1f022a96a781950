package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()
	require.NoError(t, Validate(cfg))

	assert.Equal(t, StoreMemory, cfg.Admission.Store)
	assert.Equal(t, time.Minute, cfg.Admission.Window.Std())
	assert.Equal(t, 60, cfg.Admission.Limit)
	assert.Equal(t, 8000, cfg.Moderation.MaxLength)
	assert.Equal(t, 3, cfg.Moderation.MaxLinks)
	assert.Equal(t, 4, cfg.Retry.GatewayAttempts)
	assert.Equal(t, 3, cfg.Retry.JobAttempts)
	assert.Equal(t, time.Second, cfg.Retry.Base.Std())
	assert.Equal(t, 15*time.Second, cfg.Retry.Cap.Std())
	assert.Equal(t, 500*time.Millisecond, cfg.Retry.Jitter.Std())
	assert.Equal(t, 5*time.Minute, cfg.Summary.Lookback.Std())
	assert.Equal(t, 10*time.Second, cfg.Summary.Interval.Std())
	assert.Equal(t, 50, cfg.Summary.MaxMessages)
	assert.Equal(t, 3, cfg.Summary.ScanRetries)
	assert.False(t, cfg.Summary.DisableScheduler)
	assert.False(t, cfg.GatewayEnabled())
	assert.Equal(t, 5, cfg.CircuitSettings().FailureThreshold)
	assert.Equal(t, 30*time.Second, cfg.CircuitSettings().Cooldown)
	assert.False(t, cfg.ThrottleSettings().Enabled())
}

func TestLoadJSON(t *testing.T) {
	t.Setenv("TEST_CHATCORE_KEY", "sk-from-env")
	path := writeFile(t, "config.json", `{
		"database": {"path": "/tmp/chat.db"},
		"admission": {"store": "sqlite", "window": "30s", "limit": 10},
		"llm": {"provider": "OpenAI", "model": "gpt-4o-mini", "api_key": "${TEST_CHATCORE_KEY}", "timeout": 12},
		"summary": {"interval": "1m", "disable_scheduler": true}
	}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/chat.db", cfg.Database.Path)
	assert.Equal(t, StoreSQLite, cfg.Admission.Store)
	assert.Equal(t, 30*time.Second, cfg.Admission.Window.Std())
	assert.Equal(t, ProviderOpenAI, cfg.LLM.Provider)
	assert.Equal(t, "sk-from-env", cfg.LLM.APIKey)
	assert.Equal(t, 12*time.Second, cfg.LLM.Timeout.Std())
	assert.Equal(t, time.Minute, cfg.Summary.Interval.Std())
	assert.True(t, cfg.Summary.DisableScheduler)

	settings := cfg.AdmissionSettings()
	assert.Equal(t, int64(10), settings.Limit)
	assert.Equal(t, "rl:", settings.KeyPrefix)
}

func TestLoadYAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
admission:
  store: redis
  limit: 5
redis:
  addr: cache:6379
moderation:
  banned_terms: [spoiler]
  max_links: 2
summary:
  lookback: 2m
  job_timeout: 45s
retry:
  job_attempts: 2
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, StoreRedis, cfg.Admission.Store)
	assert.Equal(t, "cache:6379", cfg.Redis.Addr)
	assert.Equal(t, []string{"spoiler"}, cfg.Moderation.BannedTerms)
	assert.Equal(t, 2, cfg.Moderation.MaxLinks)

	sum := cfg.SummarySettings()
	assert.Equal(t, 2*time.Minute, sum.Lookback)
	assert.Equal(t, 45*time.Second, sum.JobTimeout)
	assert.Equal(t, 2, sum.Retry.MaxAttempts)
	assert.Equal(t, 4, cfg.GatewayRetry().MaxAttempts)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("CHATCORE_HTTP_ADDR", ":9999")
	t.Setenv("CHATCORE_ADMISSION_LIMIT", "7")
	t.Setenv("CHATCORE_SUMMARY_INTERVAL", "3s")
	t.Setenv("CHATCORE_MODERATION_SPAM_PHRASES", "act now, win big")
	t.Setenv("CHATCORE_LLM_PROVIDER", "gemini")
	t.Setenv(EnvGeminiAPIKey, "g-key")
	t.Setenv("CHATCORE_HTTP_FAIL_OPEN_ADMISSION", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":9999", cfg.HTTP.Addr)
	assert.Equal(t, 7, cfg.Admission.Limit)
	assert.Equal(t, 3*time.Second, cfg.Summary.Interval.Std())
	assert.Equal(t, []string{"act now", "win big"}, cfg.Moderation.SpamPhrases)
	assert.Equal(t, "g-key", cfg.LLM.APIKey)
	assert.Equal(t, DefaultGeminiModel, cfg.LLM.Model)
	assert.True(t, cfg.HTTP.FailOpenAdmission)
}

func TestValidationFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown store", func(c *Config) { c.Admission.Store = "etcd" }},
		{"zero limit", func(c *Config) { c.Admission.Limit = -1 }},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "cohere"; c.LLM.Model = "x" }},
		{"missing api key", func(c *Config) { c.LLM.Provider = ProviderAnthropic; c.LLM.Model = "claude" }},
		{"deep without provider", func(c *Config) { c.Moderation.DeepEnabled = true }},
		{"base above cap", func(c *Config) { c.Retry.Base = c.Retry.Cap + 1 }},
		{"caps ratio", func(c *Config) { c.Moderation.CapsRatio = 1.5 }},
		{"temperature", func(c *Config) { c.LLM.Temperature = 3 }},
		{"circuit threshold", func(c *Config) { c.LLM.CircuitFailureThreshold = -1 }},
		{"negative token rate", func(c *Config) { c.LLM.TokensPerMinute = -10 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
		})
	}
}

func TestOllamaNeedsNoKey(t *testing.T) {
	t.Setenv(EnvOllamaHost, "http://gpu-box:11434")
	path := writeFile(t, "config.json", `{"llm": {"provider": "ollama", "model": "llama3"}}`)

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "http://gpu-box:11434", cfg.LLM.Host)
	assert.Equal(t, "llama3", cfg.GatewaySettings().ModelName)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)

	_, err = Load(writeFile(t, "bad.json", `{"admission": {"window": "soon"}}`))
	require.Error(t, err)
}
