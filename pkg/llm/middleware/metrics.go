package middleware

import (
	"context"
	"errors"
	"time"

	"chatcore/pkg/llm"
	"chatcore/pkg/llmerrors"
	"chatcore/pkg/metrics"
)

const (
	statusSuccess  = "success"
	statusError    = "error"
	statusCanceled = "canceled"
)

// Metrics records request counts and latency for every gateway call.
func Metrics(recorder metrics.Recorder) llm.Middleware {
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				start := time.Now()
				resp, err := next.Complete(ctx, req)

				status, errorType := statusSuccess, ""
				switch {
				case err == nil:
				case errors.Is(err, context.Canceled):
					status = statusCanceled
				default:
					status = statusError
					errorType = llmerrors.TypeOf(err).String()
				}
				recorder.ObserveGatewayRequest(next.GetModelName(), status, errorType, time.Since(start))

				//nolint:wrapcheck // Middleware intentionally passes through errors unchanged
				return resp, err
			},
			next.GetModelName,
		)
	}
}
