package middleware

import (
	"context"
	"strings"

	"chatcore/pkg/llm"
	"chatcore/pkg/llmerrors"
	"chatcore/pkg/logx"
)

const promptLogChars = 400

// Logging warns about failed and blank completions without altering them.
func Logging(logger *logx.Logger) llm.Middleware {
	if logger == nil {
		logger = logx.NewLogger("llm")
	}
	return func(next llm.LLMClient) llm.LLMClient {
		return llm.WrapClient(
			func(ctx context.Context, req llm.CompletionRequest) (llm.CompletionResponse, error) {
				resp, err := next.Complete(ctx, req)

				switch {
				case err != nil && ctx.Err() == nil:
					logger.Warn("%s request failed (%s): %v", next.GetModelName(), llmerrors.TypeOf(err), err)
				case err == nil && strings.TrimSpace(resp.Content) == "":
					logger.Warn("%s returned an empty completion; prompt: %s",
						next.GetModelName(), llmerrors.SanitizePrompt(lastUserContent(req), promptLogChars))
				default:
					logx.Debug(ctx, "llm", "%s completion ok (%d chars)", next.GetModelName(), len(resp.Content))
				}

				//nolint:wrapcheck // Middleware intentionally passes through errors unchanged
				return resp, err
			},
			next.GetModelName,
		)
	}
}

func lastUserContent(req llm.CompletionRequest) string {
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == llm.RoleUser {
			return req.Messages[i].Content
		}
	}
	return ""
}
