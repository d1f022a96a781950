package google

import (
	"errors"
	"testing"
	"time"

	"google.golang.org/genai"

	"chatcore/pkg/llm"
	"chatcore/pkg/llmerrors"
)

func TestNewGeminiClientWithModel(t *testing.T) {
	client := NewGeminiClientWithModel("test-key", "gemini-2.5-flash")

	if client.GetModelName() != "gemini-2.5-flash" {
		t.Errorf("expected model %q, got %q", "gemini-2.5-flash", client.GetModelName())
	}
}

func TestConvertMessagesToGemini(t *testing.T) {
	tests := []struct {
		name             string
		messages         []llm.CompletionMessage
		expectSystem     string
		expectContentLen int
		expectErr        bool
	}{
		{
			name:      "empty messages",
			messages:  []llm.CompletionMessage{},
			expectErr: true,
		},
		{
			name: "system message extracted",
			messages: []llm.CompletionMessage{
				{Role: llm.RoleSystem, Content: "You are a summarizer"},
				{Role: llm.RoleUser, Content: "1. hi"},
			},
			expectSystem:     "You are a summarizer",
			expectContentLen: 1,
		},
		{
			name: "multiple system messages concatenated",
			messages: []llm.CompletionMessage{
				{Role: llm.RoleSystem, Content: "A"},
				{Role: llm.RoleSystem, Content: "B"},
				{Role: llm.RoleUser, Content: "text"},
			},
			expectSystem:     "A\n\nB",
			expectContentLen: 1,
		},
		{
			name: "system only is rejected",
			messages: []llm.CompletionMessage{
				{Role: llm.RoleSystem, Content: "A"},
			},
			expectErr: true,
		},
		{
			name: "unsupported role",
			messages: []llm.CompletionMessage{
				{Role: "tool", Content: "x"},
			},
			expectErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			contents, system, err := convertMessagesToGemini(tt.messages)
			if tt.expectErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if system != tt.expectSystem {
				t.Errorf("expected system %q, got %q", tt.expectSystem, system)
			}
			if len(contents) != tt.expectContentLen {
				t.Errorf("expected %d contents, got %d", tt.expectContentLen, len(contents))
			}
		})
	}
}

func TestClassifyErrorRateLimitWithRetryInfo(t *testing.T) {
	apiErr := genai.APIError{
		Code:    429,
		Message: "Resource has been exhausted",
		Status:  "RESOURCE_EXHAUSTED",
		Details: []map[string]any{
			{"@type": "type.googleapis.com/google.rpc.RetryInfo", "retryDelay": "34s"},
		},
	}

	err := classifyError(apiErr)
	if !llmerrors.Is(err, llmerrors.ErrorTypeRateLimit) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	hint, ok := llmerrors.RetryAfterOf(err)
	if !ok || hint != 34*time.Second {
		t.Errorf("expected 34s hint, got %v", hint)
	}
}

func TestClassifyErrorStatuses(t *testing.T) {
	tests := []struct {
		code int
		want llmerrors.ErrorType
	}{
		{503, llmerrors.ErrorTypeTransient},
		{500, llmerrors.ErrorTypeTransient},
		{401, llmerrors.ErrorTypeAuth},
		{400, llmerrors.ErrorTypeBadPrompt},
	}
	for _, tt := range tests {
		err := classifyError(genai.APIError{Code: tt.code})
		if got := llmerrors.TypeOf(err); got != tt.want {
			t.Errorf("code %d: expected %s, got %s", tt.code, tt.want, got)
		}
	}
}

func TestClassifyErrorFallsBackToText(t *testing.T) {
	if got := llmerrors.TypeOf(classifyError(errors.New("dial tcp: connection refused"))); got != llmerrors.ErrorTypeTransient {
		t.Errorf("expected transient, got %s", got)
	}
	if got := llmerrors.TypeOf(classifyError(errors.New("weird"))); got != llmerrors.ErrorTypeUnknown {
		t.Errorf("expected unknown, got %s", got)
	}
}

func TestGetStopReason(t *testing.T) {
	if got := getStopReason(nil); got != "unknown" {
		t.Errorf("expected unknown, got %q", got)
	}
	resp := &genai.GenerateContentResponse{
		Candidates: []*genai.Candidate{{FinishReason: genai.FinishReasonMaxTokens}},
	}
	if got := getStopReason(resp); got != "max_tokens" {
		t.Errorf("expected max_tokens, got %q", got)
	}
}
