// Package middleware provides cross-cutting wrappers for gateway clients.
package middleware

import (
	"context"
	"time"

	"chatcore/pkg/llm"
)

// Timeout gives each request its own deadline so a hung upstream cannot stall the caller.
// The parent context still cancels the request.
func Timeout(duration time.Duration) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		if duration <= 0 {
			return next
		}
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				timeoutCtx, cancel := context.WithTimeout(ctx, duration)
				defer cancel()
				return next.Complete(timeoutCtx, req)
			},
			next.GetModelName,
		)
	}
}
