package summary

import (
	"time"

	"chatcore/pkg/retry"
)

// Defaults.
const (
	DefaultLookback          = 5 * time.Minute
	DefaultMaxMessages       = 50
	DefaultInterval          = 10 * time.Second
	DefaultScanRetries       = 3
	DefaultPromptTokenBudget = 6000
	DefaultRateLimitHint     = 5 * time.Second
)

// Config holds job and scheduler settings.
type Config struct {
	Retry                retry.Config  `json:"retry" yaml:"retry"`                                     // Job-level attempts
	Lookback             time.Duration `json:"lookback" yaml:"lookback"`                               // Qualifying window
	Interval             time.Duration `json:"interval" yaml:"interval"`                               // Sleep between ticks
	JobTimeout           time.Duration `json:"job_timeout" yaml:"job_timeout"`                         // Per-room deadline in the scheduler, 0 = none
	DefaultRateLimitHint time.Duration `json:"default_rate_limit_hint" yaml:"default_rate_limit_hint"` // Used when the gateway gives no hint
	MaxMessages          int           `json:"max_messages" yaml:"max_messages"`
	ScanRetries          int           `json:"scan_retries" yaml:"scan_retries"`
	PromptTokenBudget    int           `json:"prompt_token_budget" yaml:"prompt_token_budget"`
}

// DefaultConfig returns the standard settings.
func DefaultConfig() Config {
	return Config{
		Retry:                retry.JobConfig(),
		Lookback:             DefaultLookback,
		Interval:             DefaultInterval,
		DefaultRateLimitHint: DefaultRateLimitHint,
		MaxMessages:          DefaultMaxMessages,
		ScanRetries:          DefaultScanRetries,
		PromptTokenBudget:    DefaultPromptTokenBudget,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = def.Retry
	}
	if c.Lookback <= 0 {
		c.Lookback = def.Lookback
	}
	if c.Interval <= 0 {
		c.Interval = def.Interval
	}
	if c.DefaultRateLimitHint <= 0 {
		c.DefaultRateLimitHint = def.DefaultRateLimitHint
	}
	if c.MaxMessages <= 0 {
		c.MaxMessages = def.MaxMessages
	}
	if c.ScanRetries <= 0 {
		c.ScanRetries = def.ScanRetries
	}
	return c
}
