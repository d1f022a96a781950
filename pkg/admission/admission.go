// Package admission gates bounded actions by a per-identity fixed window counter.
package admission

import (
	"context"
	"fmt"
	"math"
	"time"

	"chatcore/pkg/clock"
	"chatcore/pkg/logx"
	"chatcore/pkg/metrics"
)

// ReasonRateLimited is the machine-readable rejection reason.
const ReasonRateLimited = "rate_limited"

// Defaults.
const (
	DefaultWindow    = 60 * time.Second
	DefaultLimit     = 60
	DefaultKeyPrefix = "rl:"
	DefaultAction    = "msg"
)

// Config defines the window and key layout.
type Config struct {
	Window    time.Duration `json:"window" yaml:"window"`
	Limit     int64         `json:"limit" yaml:"limit"`
	KeyPrefix string        `json:"key_prefix" yaml:"key_prefix"`
	Action    string        `json:"action" yaml:"action"`
}

// DefaultConfig returns 60 actions per 60 seconds keyed as rl:<identity>:msg.
func DefaultConfig() Config {
	return Config{Window: DefaultWindow, Limit: DefaultLimit, KeyPrefix: DefaultKeyPrefix, Action: DefaultAction}
}

// Decision is the outcome of one admission check.
type Decision struct {
	Accepted          bool
	Limit             int64
	Remaining         int64
	ResetAt           time.Time
	RetryAfterSeconds int    // Set only when rejected, always in (0, window]
	Reason            string // ReasonRateLimited when rejected
}

// Controller decides whether an identity may perform one more action.
// All shared state lives in the CounterStore.
type Controller struct {
	store    CounterStore
	config   Config
	clock    clock.Clock
	recorder metrics.Recorder
	logger   *logx.Logger
}

// Option customizes a Controller.
type Option func(*Controller)

// WithClock sets the time source used for ResetAt.
func WithClock(c clock.Clock) Option {
	return func(ctl *Controller) { ctl.clock = c }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(ctl *Controller) { ctl.recorder = r }
}

// NewController creates a controller. Zero config fields take the defaults.
func NewController(store CounterStore, config Config, opts ...Option) *Controller {
	def := DefaultConfig()
	if config.Window <= 0 {
		config.Window = def.Window
	}
	if config.Limit <= 0 {
		config.Limit = def.Limit
	}
	if config.KeyPrefix == "" {
		config.KeyPrefix = def.KeyPrefix
	}
	if config.Action == "" {
		config.Action = def.Action
	}

	c := &Controller{
		store:    store,
		config:   config,
		clock:    clock.Real(),
		recorder: metrics.Nop{},
		logger:   logx.NewLogger("admission"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Config returns the effective configuration.
func (c *Controller) Config() Config {
	return c.config
}

// Key derives the counter key for identity.
func (c *Controller) Key(identity string) string {
	return c.config.KeyPrefix + identity + ":" + c.config.Action
}

// Admit counts one action for identity. Store failures are returned to the caller, which
// decides whether to fail open.
func (c *Controller) Admit(ctx context.Context, identity string) (Decision, error) {
	key := c.Key(identity)
	now := c.clock.Now()

	count, err := c.store.Incr(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("admission incr: %w", err)
	}

	// Only the caller that observes 1 starts the window.
	if count == 1 {
		if err := c.store.Expire(ctx, key, c.config.Window); err != nil {
			return Decision{}, fmt.Errorf("admission expire: %w", err)
		}
		c.recorder.ObserveAdmission(true)
		return Decision{
			Accepted:  true,
			Limit:     c.config.Limit,
			Remaining: c.config.Limit - 1,
			ResetAt:   now.Add(c.config.Window),
		}, nil
	}

	ttl, known, err := c.store.TTL(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("admission ttl: %w", err)
	}
	if !known {
		// A counter without expiry never resets; start a window now.
		c.logger.Warn("no remaining ttl reported for %s, starting a full window", key)
		if err := c.store.Expire(ctx, key, c.config.Window); err != nil {
			c.logger.Warn("restore expiry for %s: %v", key, err)
		}
		ttl = c.config.Window
	} else if ttl > c.config.Window {
		ttl = c.config.Window
	}

	if count > c.config.Limit {
		d := Decision{
			Accepted:          false,
			Limit:             c.config.Limit,
			Remaining:         0,
			ResetAt:           now.Add(ttl),
			RetryAfterSeconds: c.retryAfterSeconds(ttl),
			Reason:            ReasonRateLimited,
		}
		c.recorder.ObserveAdmission(false)
		logx.Debug(ctx, "admission", "rejected %s: count=%d retry_after=%ds", key, count, d.RetryAfterSeconds)
		return d, nil
	}

	c.recorder.ObserveAdmission(true)
	return Decision{
		Accepted:  true,
		Limit:     c.config.Limit,
		Remaining: c.config.Limit - count,
		ResetAt:   now.Add(ttl),
	}, nil
}

// retryAfterSeconds rounds ttl up to whole seconds within (0, window].
func (c *Controller) retryAfterSeconds(ttl time.Duration) int {
	windowSecs := int(math.Ceil(c.config.Window.Seconds()))
	secs := int(math.Ceil(ttl.Seconds()))
	if secs <= 0 {
		secs = 1
	}
	if secs > windowSecs {
		secs = windowSecs
	}
	return secs
}
