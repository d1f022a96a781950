package summary

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"chatcore/pkg/clock"
	"chatcore/pkg/llmerrors"
	"chatcore/pkg/logx"
	"chatcore/pkg/metrics"
	"chatcore/pkg/persistence"
	"chatcore/pkg/retry"
	"chatcore/pkg/utils"
)

// Prompt text.
const (
	SystemPrompt = "You are a concise meeting/chat summarizer. Reply with a short summary only."
	PromptHeader = "Summarize the following chat messages into a short, action-oriented summary.\n" +
		"List key decisions, action items and open questions as bullet points.\n\n"
)

var errEmptySummary = errors.New("empty summary")

// Store is the content store surface used by the job.
type Store interface {
	RecentCleanMessages(ctx context.Context, roomID int64, limit int) ([]*persistence.Message, error)
	InsertSummary(ctx context.Context, roomID int64, content string, lastMessageID int64, createdAt time.Time) (*persistence.Summary, error)
}

// Completer is the text-generation capability used by the job. *llm.Gateway satisfies it.
type Completer interface {
	Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Service runs summarization jobs.
type Service struct {
	store      Store
	gateway    Completer
	config     Config
	clock      clock.Clock
	recorder   metrics.Recorder
	logger     *logx.Logger
	counter    *utils.TokenCounter
	tunePolicy func(*retry.Policy)
}

// Option customizes a Service.
type Option func(*Service)

// WithClock sets the time source for summary timestamps and retry waits.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithRecorder sets the metrics recorder.
func WithRecorder(r metrics.Recorder) Option {
	return func(s *Service) { s.recorder = r }
}

// WithPolicyTuning lets callers adjust each job's retry policy (sleep and rand hooks).
func WithPolicyTuning(fn func(*retry.Policy)) Option {
	return func(s *Service) { s.tunePolicy = fn }
}

// WithTokenCounter sets the counter used to enforce the prompt budget.
func WithTokenCounter(tc *utils.TokenCounter) Option {
	return func(s *Service) { s.counter = tc }
}

// NewService creates a job runner.
func NewService(store Store, gateway Completer, config Config, opts ...Option) *Service {
	s := &Service{
		store:    store,
		gateway:  gateway,
		config:   config.withDefaults(),
		clock:    clock.Real(),
		recorder: metrics.Nop{},
		logger:   logx.NewLogger("summary"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateOrUpdateSummary summarizes the room's most recent clean messages and appends the
// result. The error is non-nil only when ctx was canceled or timed out; every other
// outcome is reported through Result.
func (s *Service) CreateOrUpdateSummary(ctx context.Context, roomID int64) (Result, error) {
	start := s.clock.Now()
	res, err := s.run(ctx, roomID)
	if err != nil {
		s.recorder.ObserveJob("canceled", s.clock.Now().Sub(start))
		return Result{}, err
	}
	s.recorder.ObserveJob(string(res.Status), s.clock.Now().Sub(start))
	return res, nil
}

func (s *Service) run(ctx context.Context, roomID int64) (Result, error) {
	newestFirst, err := s.store.RecentCleanMessages(ctx, roomID, s.config.MaxMessages)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return UpstreamErrorResult(fmt.Sprintf("failed to load messages: %v", err)), nil
	}
	if len(newestFirst) == 0 {
		return NoContentResult(), nil
	}

	texts := make([]string, 0, len(newestFirst))
	for i := len(newestFirst) - 1; i >= 0; i-- {
		texts = append(texts, newestFirst[i].Text)
	}
	userPrompt := s.BuildPrompt(texts)

	policy := retry.NewPolicy(s.config.Retry, nil)
	policy.Clock = s.clock
	policy.OnRetry = func(attempt int, kind retry.Kind, delay time.Duration, err error) {
		s.recorder.ObserveRetry("job", kind.String())
		s.logger.Warn("room %d: summarization attempt %d failed (%s), retrying in %v: %v", roomID, attempt+1, kind, delay, err)
	}
	if s.tunePolicy != nil {
		s.tunePolicy(policy)
	}

	text, err := retry.Do(ctx, policy, func(ctx context.Context, _ int) (string, error) {
		out, err := s.gateway.Complete(ctx, SystemPrompt, userPrompt)
		if err != nil {
			return "", err
		}
		if strings.TrimSpace(out) == "" {
			return "", errEmptySummary
		}
		return strings.TrimSpace(out), nil
	})
	if err != nil {
		return s.classifyFailure(ctx, roomID, err)
	}

	sum, err := s.store.InsertSummary(ctx, roomID, text, newestFirst[0].ID, s.clock.Now())
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Result{}, ctxErr
		}
		return UpstreamErrorResult(fmt.Sprintf("failed to store summary: %v", err)), nil
	}
	return OkResult(sum.ID, sum.CreatedAt), nil
}

// classifyFailure maps the engine's terminal outcome onto the taxonomy.
func (s *Service) classifyFailure(ctx context.Context, roomID int64, err error) (Result, error) {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return Result{}, ctxErr
	}

	var rErr *retry.Error
	if !errors.As(err, &rErr) {
		// Canceled by something other than our caller.
		return UpstreamErrorResult(err.Error()), nil
	}

	if errors.Is(rErr.Last, errEmptySummary) {
		return UpstreamErrorResult(errEmptySummary.Error()), nil
	}

	if rErr.Kind == retry.KindRateLimited {
		hint := rErr.RetryAfter
		if hint <= 0 {
			hint = s.config.DefaultRateLimitHint
		}
		secs := int(math.Ceil(hint.Seconds()))
		s.logger.Warn("room %d: gateway rate limited, retry after %ds", roomID, secs)
		return RateLimitedResult(secs, rErr.Last.Error()), nil
	}

	if llmerrors.IsServiceUnavailable(rErr.Last) {
		s.logger.Warn("room %d: gateway unavailable after %d attempts: %v", roomID, rErr.Attempts, rErr.Last)
	} else {
		s.logger.Warn("room %d: summarization failed after %d attempts: %v", roomID, rErr.Attempts, rErr.Last)
	}
	return UpstreamErrorResult(rErr.Last.Error()), nil
}

// BuildPrompt numbers the texts in the given (chronological) order, dropping the oldest
// when the prompt would exceed the token budget.
func (s *Service) BuildPrompt(chronological []string) string {
	kept := chronological
	if s.counter != nil {
		kept = s.counter.KeepNewestWithinBudget(SystemPrompt+PromptHeader, chronological, s.config.PromptTokenBudget)
	}
	return PromptHeader + utils.JoinNumbered(kept)
}
