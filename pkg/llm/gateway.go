package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Verdict is the deep classifier's answer.
type Verdict string

const (
	VerdictOK   Verdict = "OK"
	VerdictFlag Verdict = "FLAG"
)

// ModerationSystemPrompt instructs the model to answer with a single token.
const ModerationSystemPrompt = `You are a strict text moderation engine. Output EXACTLY one token: OK or FLAG.
Flag if content includes: hate/harassment, threats/violence, sexual content involving minors, self-harm, personal data (PII), illegal activities, or spam (4 or more links or repeated text).`

// ModerationUserPrompt wraps the text under review.
func ModerationUserPrompt(text string) string {
	return "TEXT:\n" + text + "\nAnswer with ONLY: OK or FLAG."
}

// ErrUnrecognizedVerdict is returned when the classifier answers with anything other than
// exactly one of the two verdict tokens.
var ErrUnrecognizedVerdict = errors.New("unrecognized moderation verdict")

// Gateway is the narrow capability consumed by the summarizer and the moderation deep tier.
type Gateway struct {
	client      LLMClient
	maxTokens   int
	temperature float32
}

// NewGateway wraps a (typically middleware-chained) client.
func NewGateway(client LLMClient, maxTokens int, temperature float32) *Gateway {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	return &Gateway{client: client, maxTokens: maxTokens, temperature: temperature}
}

// ModelName reports the underlying model.
func (g *Gateway) ModelName() string {
	return g.client.GetModelName()
}

// Complete runs a single completion. The returned text may be empty; callers decide whether
// an empty completion is acceptable.
func (g *Gateway) Complete(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := make([]CompletionMessage, 0, 2)
	if systemPrompt != "" {
		messages = append(messages, NewSystemMessage(systemPrompt))
	}
	messages = append(messages, NewUserMessage(userPrompt))

	req := NewCompletionRequest(messages)
	req.MaxTokens = g.maxTokens
	req.Temperature = g.temperature

	resp, err := g.client.Complete(ctx, req)
	if err != nil {
		return "", err //nolint:wrapcheck // provider errors are already classified
	}
	return resp.Content, nil
}

// Classify asks the model for a moderation verdict on text.
func (g *Gateway) Classify(ctx context.Context, text string) (Verdict, error) {
	req := NewCompletionRequest([]CompletionMessage{
		NewSystemMessage(ModerationSystemPrompt),
		NewUserMessage(ModerationUserPrompt(text)),
	})
	req.MaxTokens = 4
	req.Temperature = TemperatureDeterministic

	resp, err := g.client.Complete(ctx, req)
	if err != nil {
		return "", err //nolint:wrapcheck // provider errors are already classified
	}
	return ParseVerdict(resp.Content)
}

// ParseVerdict accepts exactly one verdict token, ignoring surrounding whitespace and case.
func ParseVerdict(answer string) (Verdict, error) {
	switch strings.ToUpper(strings.TrimSpace(answer)) {
	case string(VerdictOK):
		return VerdictOK, nil
	case string(VerdictFlag):
		return VerdictFlag, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnrecognizedVerdict, answer)
	}
}
