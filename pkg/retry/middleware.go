package retry

import (
	"context"
	"errors"

	"chatcore/pkg/llm"
	"chatcore/pkg/llmerrors"
)

// Middleware wraps an LLM client with gateway-level retries. Exhausted rate limiting is
// surfaced as the last rate-limit error so its hint survives; exhausted transient failures
// become ServiceUnavailable.
func Middleware(policy *Policy) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				resp, err := Do(ctx, policy, func(ctx context.Context, _ int) (llm.CompletionResponse, error) {
					return next.Complete(ctx, req)
				})
				if err == nil {
					return resp, nil
				}

				var rErr *Error
				if !errors.As(err, &rErr) {
					return llm.CompletionResponse{}, err
				}
				if rErr.Exhausted && rErr.Kind == KindTransient {
					return llm.CompletionResponse{}, llmerrors.NewServiceUnavailableError(rErr.Last, rErr.Attempts)
				}
				return llm.CompletionResponse{}, rErr.Last
			},
			next.GetModelName,
		)
	}
}
