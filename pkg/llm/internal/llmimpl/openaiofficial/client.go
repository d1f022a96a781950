// Package openaiofficial provides OpenAI client implementation using the official OpenAI Go package.
package openaiofficial

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/responses"

	"chatcore/pkg/llm"
	"chatcore/pkg/llmerrors"
)

// OfficialClient wraps the official OpenAI Go client to implement llm.LLMClient interface.
type OfficialClient struct {
	client openai.Client
	model  string
}

// NewOfficialClientWithModel creates a new OpenAI client (raw client, middleware applied at higher level).
func NewOfficialClientWithModel(apiKey, model string, opts ...option.RequestOption) llm.LLMClient {
	// Retries are owned by the retry middleware.
	opts = append([]option.RequestOption{option.WithAPIKey(apiKey), option.WithMaxRetries(0)}, opts...)
	return &OfficialClient{
		client: openai.NewClient(opts...),
		model:  model,
	}
}

// Complete implements the llm.LLMClient interface using the Responses API.
//
//nolint:gocritic // 80 bytes is reasonable for interface compliance
func (o *OfficialClient) Complete(ctx context.Context, in llm.CompletionRequest) (llm.CompletionResponse, error) {
	params := responses.ResponseNewParams{
		Model:           o.model,
		MaxOutputTokens: openai.Int(int64(in.MaxTokens)),
		Input:           responses.ResponseNewParamsInputUnion{OfString: openai.String(buildInput(in.Messages))},
	}

	resp, err := o.client.Responses.New(ctx, params)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return llm.CompletionResponse{}, ctxErr
		}
		return llm.CompletionResponse{}, classifyError(err, time.Now())
	}
	if resp == nil {
		return llm.CompletionResponse{}, llmerrors.NewError(llmerrors.ErrorTypeEmptyResponse, "empty response from OpenAI Responses API")
	}

	return llm.CompletionResponse{
		Content:    resp.OutputText(),
		StopReason: string(resp.Status),
	}, nil
}

// GetModelName returns the model name for this client.
func (o *OfficialClient) GetModelName() string {
	return o.model
}

// buildInput flattens the conversation into a single Responses API input string.
func buildInput(messages []llm.CompletionMessage) string {
	var sb strings.Builder
	for i := range messages {
		msg := &messages[i]
		switch msg.Role {
		case llm.RoleSystem:
			fmt.Fprintf(&sb, "System: %s\n\n", msg.Content)
		case llm.RoleAssistant:
			fmt.Fprintf(&sb, "Assistant: %s\n\n", msg.Content)
		default:
			sb.WriteString(msg.Content)
		}
	}
	return sb.String()
}

// classifyError maps OpenAI SDK errors to llmerrors, keeping any Retry-After hint.
func classifyError(err error, now time.Time) error {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		var hint time.Duration
		if apiErr.Response != nil {
			if d, ok := llmerrors.ParseRetryAfter(apiErr.Response.Header.Get("Retry-After"), now); ok {
				hint = d
			}
		}
		e := llmerrors.FromStatus(apiErr.StatusCode, hint, err)
		if apiErr.Message != "" {
			e.Message = fmt.Sprintf("OpenAI API error (status %d): %s", apiErr.StatusCode, apiErr.Message)
		}
		return e
	}
	return llmerrors.NewErrorWithCause(llmerrors.ErrorTypeTransient, err, "OpenAI Responses API failed")
}
