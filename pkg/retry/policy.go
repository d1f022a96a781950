// Package retry provides the bounded retry/backoff engine used around every call to the
// text-generation gateway.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"strings"
	"time"

	"chatcore/pkg/clock"
	"chatcore/pkg/llmerrors"
)

// Kind is the failure class an operation reports to the engine.
type Kind int

const (
	// KindTransient failures are retried with exponential backoff.
	KindTransient Kind = iota
	// KindRateLimited failures are retried, honoring a server-supplied hint when present.
	KindRateLimited
	// KindPermanent failures stop the loop immediately.
	KindPermanent
	// KindCanceled aborts immediately and is never retried.
	KindCanceled
)

func (k Kind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRateLimited:
		return "rate_limited"
	case KindPermanent:
		return "permanent"
	case KindCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// Config defines the backoff parameters.
type Config struct {
	MaxAttempts int           `json:"max_attempts" yaml:"max_attempts"` // Maximum number of attempts (including initial)
	Base        time.Duration `json:"base" yaml:"base"`                 // Delay after the first failed attempt
	Cap         time.Duration `json:"cap" yaml:"cap"`                   // Upper bound on the exponential part
	Jitter      time.Duration `json:"jitter" yaml:"jitter"`             // Uniform random addition in [0, Jitter]
}

// Defaults shared by job-level and gateway-level retries.
const (
	DefaultBase            = 1000 * time.Millisecond
	DefaultCap             = 15000 * time.Millisecond
	DefaultJitter          = 500 * time.Millisecond
	DefaultJobAttempts     = 3
	DefaultGatewayAttempts = 4
)

// JobConfig is the policy for one summarization job.
func JobConfig() Config {
	return Config{MaxAttempts: DefaultJobAttempts, Base: DefaultBase, Cap: DefaultCap, Jitter: DefaultJitter}
}

// GatewayConfig is the policy for individual gateway calls.
func GatewayConfig() Config {
	return Config{MaxAttempts: DefaultGatewayAttempts, Base: DefaultBase, Cap: DefaultCap, Jitter: DefaultJitter}
}

// Classifier maps an error to a failure kind and an optional retry hint.
type Classifier func(error) (Kind, time.Duration)

// Policy encapsulates retry configuration and its collaborators.
//
//nolint:govet // Simple struct, logical grouping preferred
type Policy struct {
	Config     Config
	Classifier Classifier

	// Clock drives the default sleep.
	Clock clock.Clock
	// Sleep overrides the inter-attempt wait. It must return ctx.Err() on cancellation.
	Sleep func(ctx context.Context, d time.Duration) error
	// Rand returns a value in [0, n). Defaults to math/rand/v2.
	Rand func(n int64) int64
	// OnRetry is invoked before each wait with the failed attempt index (0-based).
	OnRetry func(attempt int, kind Kind, delay time.Duration, err error)
}

// NewPolicy creates a new retry policy with the given configuration and classifier.
func NewPolicy(config Config, classifier Classifier) *Policy {
	if classifier == nil {
		classifier = Classify
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	return &Policy{
		Config:     config,
		Classifier: classifier,
		Clock:      clock.Real(),
	}
}

// BaseDelay is the deterministic part of the wait after failed attempt a (0-based):
// min(Base * 2^a, Cap). A non-positive Cap falls back to DefaultCap.
func (p *Policy) BaseDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	maxDelay := p.Config.Cap
	if maxDelay <= 0 {
		maxDelay = DefaultCap
	}
	delay := p.Config.Base
	for i := 0; i < attempt && delay > 0 && delay < maxDelay; i++ {
		if delay > maxDelay/2 {
			delay = maxDelay
			break
		}
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

// Delay computes the wait after failed attempt a: BaseDelay(a) + uniform[0, Jitter].
func (p *Policy) Delay(attempt int) time.Duration {
	delay := p.BaseDelay(attempt)
	if p.Config.Jitter > 0 {
		delay += time.Duration(p.randN(int64(p.Config.Jitter) + 1))
	}
	return delay
}

func (p *Policy) randN(n int64) int64 {
	if p.Rand != nil {
		return p.Rand(n)
	}
	return rand.Int64N(n) //nolint:gosec // jitter does not need a CSPRNG
}

func (p *Policy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	c := p.Clock
	if c == nil {
		c = clock.Real()
	}
	return clock.Sleep(ctx, c, d)
}

// Classify is the default classifier.
func Classify(err error) (Kind, time.Duration) {
	if err == nil {
		return KindTransient, 0
	}

	// Per-request timeouts wrap DeadlineExceeded while the caller's context is still live;
	// Do checks the caller's context separately.
	if errors.Is(err, context.Canceled) {
		return KindCanceled, 0
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient, 0
	}

	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) {
		switch {
		case llmErr.Type == llmerrors.ErrorTypeRateLimit:
			hint, _ := llmerrors.RetryAfterOf(err)
			return KindRateLimited, hint
		case !llmErr.IsRetryable():
			return KindPermanent, 0
		default:
			return KindTransient, 0
		}
	}

	errStr := strings.ToLower(err.Error())

	if strings.Contains(errStr, "429") || strings.Contains(errStr, "rate limit") {
		return KindRateLimited, 0
	}

	// Don't retry on client errors (4xx) except rate limiting
	if strings.Contains(errStr, "400") ||
		strings.Contains(errStr, "401") ||
		strings.Contains(errStr, "403") ||
		strings.Contains(errStr, "404") ||
		strings.Contains(errStr, "unauthorized") ||
		strings.Contains(errStr, "invalid api key") {
		return KindPermanent, 0
	}

	// Network errors, 5xx and anything unrecognised are treated as transient.
	return KindTransient, 0
}
