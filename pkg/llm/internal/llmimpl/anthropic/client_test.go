package anthropic

import (
	"errors"
	"net/http"
	"net/url"
	"testing"
	"time"

	"github.com/anthropics/anthropic-sdk-go"

	"chatcore/pkg/llm"
	"chatcore/pkg/llmerrors"
)

func newAPIError(status int, header http.Header) *anthropic.Error {
	reqURL, _ := url.Parse("https://api.anthropic.com/v1/messages")
	return &anthropic.Error{
		StatusCode: status,
		Request:    &http.Request{Method: http.MethodPost, URL: reqURL},
		Response:   &http.Response{StatusCode: status, Header: header},
	}
}

func TestSplitMessages(t *testing.T) {
	system, messages, err := splitMessages([]llm.CompletionMessage{
		llm.NewSystemMessage("A"),
		llm.NewSystemMessage("B"),
		llm.NewUserMessage("hello"),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if system != "A\n\nB" {
		t.Errorf("expected joined system prompt, got %q", system)
	}
	if len(messages) != 1 || messages[0].Role != anthropic.MessageParamRoleUser {
		t.Errorf("expected one user message, got %+v", messages)
	}
}

func TestSplitMessagesRejectsInvalid(t *testing.T) {
	tests := []struct {
		name     string
		messages []llm.CompletionMessage
	}{
		{"system only", []llm.CompletionMessage{llm.NewSystemMessage("A")}},
		{"assistant first", []llm.CompletionMessage{{Role: llm.RoleAssistant, Content: "hi"}}},
		{"unknown role", []llm.CompletionMessage{{Role: "tool", Content: "x"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := splitMessages(tt.messages); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestClassifyError(t *testing.T) {
	header := http.Header{}
	header.Set("Retry-After", "12")

	err := classifyError(newAPIError(http.StatusTooManyRequests, header), time.Now())
	if !llmerrors.Is(err, llmerrors.ErrorTypeRateLimit) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if hint, ok := llmerrors.RetryAfterOf(err); !ok || hint != 12*time.Second {
		t.Errorf("expected 12s hint, got %v", hint)
	}

	if got := llmerrors.TypeOf(classifyError(newAPIError(529, http.Header{}), time.Now())); got != llmerrors.ErrorTypeTransient {
		t.Errorf("expected overloaded to be transient, got %s", got)
	}
	if got := llmerrors.TypeOf(classifyError(newAPIError(http.StatusForbidden, http.Header{}), time.Now())); got != llmerrors.ErrorTypeAuth {
		t.Errorf("expected auth, got %s", got)
	}
	if got := llmerrors.TypeOf(classifyError(errors.New("connection reset by peer"), time.Now())); got != llmerrors.ErrorTypeTransient {
		t.Errorf("expected transient, got %s", got)
	}
}

func TestGetModelName(t *testing.T) {
	client := NewClaudeClientWithModel("key", "claude-sonnet-4-5")
	if client.GetModelName() != "claude-sonnet-4-5" {
		t.Errorf("unexpected model name %q", client.GetModelName())
	}
}
