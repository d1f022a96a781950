package retry

import (
	"context"
	"fmt"
	"time"
)

// Error is the terminal failure of a retry loop that did not end in success or cancellation.
type Error struct {
	Last       error         // Last observed failure
	RetryAfter time.Duration // Hint from the last failure, rate-limited only
	Attempts   int           // Attempts made
	Kind       Kind          // Kind of the last failure
	Exhausted  bool          // True when every attempt was used
}

func (e *Error) Error() string {
	if e.Exhausted {
		return fmt.Sprintf("%s failure after %d attempts: %v", e.Kind, e.Attempts, e.Last)
	}
	return fmt.Sprintf("%s failure on attempt %d: %v", e.Kind, e.Attempts, e.Last)
}

func (e *Error) Unwrap() error {
	return e.Last
}

// Do runs op until it succeeds, fails permanently, is canceled, or MaxAttempts is reached.
// On cancellation the context's error is returned unwrapped so callers can tell it apart
// from ordinary failure; every other terminal outcome is a *Error.
func Do[T any](ctx context.Context, p *Policy, op func(ctx context.Context, attempt int) (T, error)) (T, error) {
	var zero T

	for attempt := 0; attempt < p.Config.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		v, err := op(ctx, attempt)
		if err == nil {
			return v, nil
		}

		if ctxErr := ctx.Err(); ctxErr != nil {
			return zero, ctxErr
		}

		kind, hint := p.Classifier(err)
		switch kind {
		case KindCanceled:
			return zero, err
		case KindPermanent:
			return zero, &Error{Last: err, Attempts: attempt + 1, Kind: kind}
		}

		if attempt+1 >= p.Config.MaxAttempts {
			e := &Error{Last: err, Attempts: attempt + 1, Kind: kind, Exhausted: true}
			if kind == KindRateLimited {
				e.RetryAfter = hint
			}
			return zero, e
		}

		delay := p.Delay(attempt)
		if kind == KindRateLimited && hint > 0 {
			delay = hint
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, kind, delay, err)
		}
		if err := p.sleep(ctx, delay); err != nil {
			return zero, err
		}
	}

	// MaxAttempts is normalised to at least one, so the loop always returns.
	return zero, &Error{Attempts: 0, Kind: KindTransient, Exhausted: true, Last: fmt.Errorf("no attempts configured")}
}
