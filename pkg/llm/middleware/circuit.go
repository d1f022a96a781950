package middleware

import (
	"context"
	"errors"
	"sync"
	"time"

	"chatcore/pkg/clock"
	"chatcore/pkg/llm"
	"chatcore/pkg/llmerrors"
	"chatcore/pkg/metrics"
)

// CircuitState is the breaker's current mode.
type CircuitState int

const (
	CircuitClosed   CircuitState = iota // Normal operation
	CircuitOpen                         // Failing, reject requests
	CircuitHalfOpen                     // Trial requests after the cooldown
)

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Breaker defaults.
const (
	DefaultFailureThreshold = 5
	DefaultSuccessThreshold = 3
	DefaultCooldown         = 30 * time.Second
)

// ErrCircuitOpen is the cause carried by requests rejected while the breaker is open.
var ErrCircuitOpen = errors.New("circuit breaker open")

// CircuitConfig controls when the breaker opens and closes.
type CircuitConfig struct {
	FailureThreshold int           `json:"failure_threshold" yaml:"failure_threshold"` // Consecutive failures before opening
	SuccessThreshold int           `json:"success_threshold" yaml:"success_threshold"` // Half-open successes before closing
	Cooldown         time.Duration `json:"cooldown" yaml:"cooldown"`                   // Open time before half-open trials
}

func (c CircuitConfig) withDefaults() CircuitConfig {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = DefaultFailureThreshold
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = DefaultSuccessThreshold
	}
	if c.Cooldown <= 0 {
		c.Cooldown = DefaultCooldown
	}
	return c
}

// Breaker tracks upstream health across calls. Safe for concurrent use.
//
//nolint:govet // Logical field grouping preferred over memory alignment
type Breaker struct {
	config    CircuitConfig
	clock     clock.Clock
	mu        sync.Mutex
	state     CircuitState
	failures  int
	successes int
	openedAt  time.Time
}

// NewBreaker creates a closed breaker. A nil clock uses wall time.
func NewBreaker(config CircuitConfig, c clock.Clock) *Breaker {
	if c == nil {
		c = clock.Real()
	}
	return &Breaker{config: config.withDefaults(), clock: c}
}

// Allow reports whether a request may proceed, moving an open breaker to half-open once
// the cooldown has passed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case CircuitOpen:
		if b.clock.Now().Sub(b.openedAt) < b.config.Cooldown {
			return false
		}
		b.state = CircuitHalfOpen
		b.successes = 0
		return true
	default:
		return true
	}
}

// Record feeds one outcome into the breaker.
func (b *Breaker) Record(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.failures = 0
		if b.state == CircuitHalfOpen {
			b.successes++
			if b.successes >= b.config.SuccessThreshold {
				b.state = CircuitClosed
				b.successes = 0
			}
		}
		return
	}

	b.failures++
	switch b.state {
	case CircuitClosed:
		if b.failures >= b.config.FailureThreshold {
			b.open()
		}
	case CircuitHalfOpen:
		// Any half-open failure reopens.
		b.open()
	}
}

func (b *Breaker) open() {
	b.state = CircuitOpen
	b.openedAt = b.clock.Now()
	b.successes = 0
}

// State returns the current state.
func (b *Breaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Reset closes the breaker.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.state = CircuitClosed
	b.failures = 0
	b.successes = 0
}

// countsAsOutage reports whether err says the upstream is unhealthy. Permanent request
// errors (auth, bad prompt) prove the upstream answered.
func countsAsOutage(err error) bool {
	var llmErr *llmerrors.Error
	if errors.As(err, &llmErr) {
		return llmErr.IsRetryable()
	}
	return true
}

// Circuit rejects requests while the breaker is open, without calling the upstream.
// Rejections are ErrorTypeServiceUnavailable so callers treat them like an exhausted outage.
// Caller cancellation is not recorded.
func Circuit(breaker *Breaker, recorder metrics.Recorder) llm.Middleware {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				if !breaker.Allow() {
					recorder.IncThrottle(next.GetModelName(), "circuit_open")
					return llm.CompletionResponse{}, llmerrors.NewErrorWithCause(
						llmerrors.ErrorTypeServiceUnavailable, ErrCircuitOpen, "upstream unavailable, circuit open")
				}

				resp, err := next.Complete(ctx, req)
				switch {
				case err == nil:
					breaker.Record(true)
				case errors.Is(err, context.Canceled):
				default:
					breaker.Record(!countsAsOutage(err))
				}
				return resp, err //nolint:wrapcheck // Middleware should pass through errors unchanged
			},
			next.GetModelName,
		)
	}
}
