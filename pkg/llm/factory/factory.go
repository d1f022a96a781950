// Package factory creates gateway clients with properly configured middleware chains.
package factory

import (
	"fmt"
	"strings"
	"time"

	"chatcore/pkg/clock"
	"chatcore/pkg/llm"
	"chatcore/pkg/llm/internal/llmimpl/anthropic"
	"chatcore/pkg/llm/internal/llmimpl/google"
	"chatcore/pkg/llm/internal/llmimpl/ollama"
	"chatcore/pkg/llm/internal/llmimpl/openaiofficial"
	"chatcore/pkg/llm/middleware"
	"chatcore/pkg/logx"
	"chatcore/pkg/metrics"
	"chatcore/pkg/retry"
)

// Supported providers.
const (
	ProviderGemini    = "gemini"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
)

// Options configures the middleware chain around the raw provider client.
type Options struct {
	Retry     retry.Config
	Circuit   middleware.CircuitConfig
	Throttle  middleware.ThrottleConfig
	Timeout   time.Duration // Per-attempt deadline
	Recorder  metrics.Recorder
	Logger    *logx.Logger
	Estimator middleware.TokenEstimator // Prompt token estimate for Throttle
	Clock     clock.Clock
}

// NewClient builds the raw provider client for cfg and wraps it with the middleware chain.
func NewClient(cfg llm.LLMConfig, opts Options) (llm.LLMClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid llm config: %w", err)
	}

	var raw llm.LLMClient
	switch strings.ToLower(cfg.Provider) {
	case ProviderGemini, "google":
		raw = google.NewGeminiClientWithModel(cfg.APIKey, cfg.ModelName)
	case ProviderOpenAI:
		raw = openaiofficial.NewOfficialClientWithModel(cfg.APIKey, cfg.ModelName)
	case ProviderAnthropic:
		raw = anthropic.NewClaudeClientWithModel(cfg.APIKey, cfg.ModelName)
	case ProviderOllama:
		raw = ollama.NewOllamaClientWithModel(cfg.Host, cfg.ModelName)
	default:
		return nil, fmt.Errorf("unsupported provider: %s", cfg.Provider)
	}

	return Wrap(raw, opts), nil
}

// NewGateway is NewClient plus the Gateway facade.
func NewGateway(cfg llm.LLMConfig, opts Options) (*llm.Gateway, error) {
	client, err := NewClient(cfg, opts)
	if err != nil {
		return nil, err
	}
	return llm.NewGateway(client, cfg.MaxTokens, cfg.Temperature), nil
}

// Wrap builds the chain in the order:
// Logging -> Metrics -> Circuit -> Retry -> Throttle -> Timeout -> raw client.
// Metrics sit outside Retry so one logical request is counted once. The breaker sees one
// outcome per logical request; the throttle paces every attempt.
func Wrap(raw llm.LLMClient, opts Options) llm.LLMClient {
	recorder := opts.Recorder
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = logx.NewLogger("llm")
	}

	cfg := opts.Retry
	if cfg.MaxAttempts == 0 {
		cfg = retry.GatewayConfig()
	}
	policy := retry.NewPolicy(cfg, nil)
	if opts.Clock != nil {
		policy.Clock = opts.Clock
	}
	policy.OnRetry = func(attempt int, kind retry.Kind, delay time.Duration, err error) {
		recorder.ObserveRetry("gateway", kind.String())
		logger.Warn("gateway attempt %d failed (%s), retrying in %v: %v", attempt+1, kind, delay, err)
	}

	chain := []llm.Middleware{
		middleware.Logging(logger),
		middleware.Metrics(recorder),
		middleware.Circuit(middleware.NewBreaker(opts.Circuit, opts.Clock), recorder),
		retry.Middleware(policy),
	}
	if opts.Throttle.Enabled() {
		chain = append(chain, middleware.Throttle(middleware.NewLimiter(opts.Throttle, opts.Clock), opts.Estimator, recorder))
	}
	chain = append(chain, middleware.Timeout(opts.Timeout))
	return llm.Chain(raw, chain...)
}
