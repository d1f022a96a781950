package middleware

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"chatcore/pkg/clock"
	"chatcore/pkg/llm"
	"chatcore/pkg/metrics"
)

// ThrottleConfig bounds gateway usage. Zero values disable the corresponding limit.
type ThrottleConfig struct {
	TokensPerMinute int `json:"tokens_per_minute" yaml:"tokens_per_minute"`
	MaxConcurrency  int `json:"max_concurrency" yaml:"max_concurrency"`
}

// Enabled reports whether any limit is set.
func (c ThrottleConfig) Enabled() bool {
	return c.TokensPerMinute > 0 || c.MaxConcurrency > 0
}

// TokenEstimator counts prompt tokens; *utils.TokenCounter satisfies it.
type TokenEstimator interface {
	CountTokens(text string) int
}

// Limiter combines a token bucket refilled continuously at TokensPerMinute with a
// concurrency semaphore.
type Limiter struct {
	clock    clock.Clock
	sem      *semaphore.Weighted
	mu       sync.Mutex
	capacity float64
	perSec   float64
	tokens   float64
	last     time.Time
}

// NewLimiter creates a limiter with a full bucket. A nil clock uses wall time.
func NewLimiter(config ThrottleConfig, c clock.Clock) *Limiter {
	if c == nil {
		c = clock.Real()
	}
	l := &Limiter{clock: c}
	if config.MaxConcurrency > 0 {
		l.sem = semaphore.NewWeighted(int64(config.MaxConcurrency))
	}
	if config.TokensPerMinute > 0 {
		l.capacity = float64(config.TokensPerMinute)
		l.perSec = l.capacity / 60
		l.tokens = l.capacity
		l.last = c.Now()
	}
	return l
}

// Acquire blocks until a concurrency slot and tokens are available. Requests larger than
// the bucket take the whole bucket. The returned release frees the slot; waited is the
// time spent blocked on the bucket.
func (l *Limiter) Acquire(ctx context.Context, tokens int) (release func(), waited time.Duration, err error) {
	release = func() {}
	if l.sem != nil {
		if err := l.sem.Acquire(ctx, 1); err != nil {
			return release, 0, fmt.Errorf("acquire gateway slot: %w", err)
		}
		release = func() { l.sem.Release(1) }
	}
	if l.perSec == 0 {
		return release, 0, nil
	}

	start := l.clock.Now()
	for {
		wait := l.take(float64(tokens))
		if wait == 0 {
			return release, l.clock.Now().Sub(start), nil
		}
		if err := clock.Sleep(ctx, l.clock, wait); err != nil {
			release()
			return func() {}, l.clock.Now().Sub(start), err
		}
	}
}

// take removes n tokens if available, otherwise returns how long until they will be.
func (l *Limiter) take(n float64) time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock.Now()
	if elapsed := now.Sub(l.last); elapsed > 0 {
		l.tokens = math.Min(l.capacity, l.tokens+elapsed.Seconds()*l.perSec)
		l.last = now
	}
	n = math.Min(n, l.capacity)
	if l.tokens >= n {
		l.tokens -= n
		return 0
	}
	secs := (n - l.tokens) / l.perSec
	return time.Duration(math.Ceil(secs * float64(time.Second)))
}

// Available reports the tokens currently in the bucket.
func (l *Limiter) Available() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.tokens)
}

// Throttle makes each request acquire estimated prompt plus output tokens before it
// reaches the upstream.
func Throttle(limiter *Limiter, estimator TokenEstimator, recorder metrics.Recorder) llm.Middleware {
	if recorder == nil {
		recorder = metrics.Nop{}
	}
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				tokens := req.MaxTokens
				for _, msg := range req.Messages {
					if estimator != nil {
						tokens += estimator.CountTokens(msg.Content)
					} else {
						tokens += len(msg.Content) / 4
					}
				}

				release, waited, err := limiter.Acquire(ctx, tokens)
				if waited > 0 {
					recorder.IncThrottle(next.GetModelName(), "rate_limit")
				}
				if err != nil {
					return llm.CompletionResponse{}, err
				}
				defer release()
				return next.Complete(ctx, req)
			},
			next.GetModelName,
		)
	}
}
