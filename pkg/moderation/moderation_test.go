package moderation_test

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/mocks"
	"chatcore/pkg/llm"
	"chatcore/pkg/metrics"
	"chatcore/pkg/moderation"
)

type stubClassifier struct {
	verdict llm.Verdict
	err     error
	calls   atomic.Int32
}

func (s *stubClassifier) Classify(_ context.Context, _ string) (llm.Verdict, error) {
	s.calls.Add(1)
	return s.verdict, s.err
}

func TestHeuristicRules(t *testing.T) {
	h := moderation.NewHeuristic(moderation.DefaultConfig())

	tests := []struct {
		name    string
		text    string
		flagged bool
		reason  string
	}{
		{"clean", "hi there, how was the meeting?", false, ""},
		{"too long", strings.Repeat("ab ", 2700), true, moderation.ReasonLength},
		{"banned term", "you are a BASTARD", true, "banned_term:bastard"},
		{"four links", "check this out http://a http://b http://c http://d", true, moderation.ReasonLinks},
		{"three links", "check this out http://a http://b http://c", false, ""},
		{"www counts as link", "see www.a.com www.b.com www.c.com www.d.com", true, moderation.ReasonLinks},
		{"scheme plus www is one link", "https://www.a.com https://www.b.com https://www.c.com", false, ""},
		{"six repeats", "nooooooo way", true, moderation.ReasonRepeat},
		{"five repeats allowed", "nooooo way", false, ""},
		{"shouting", "WHY IS NOBODY ANSWERING", true, moderation.ReasonCaps},
		{"short caps exempt", "OK THEN", false, ""},
		{"few letters exempt", "ABC 1234567890", false, ""},
		{"spam phrase", "click here click here click here click here", true, "spam_phrase:click here"},
		{"spam phrase mixed case", "Get FREE money today", true, "spam_phrase:free money"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			flagged, reason := h.ShouldFlag(context.Background(), tt.text)
			assert.Equal(t, tt.flagged, flagged)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestHeuristicRuleOrder(t *testing.T) {
	h := moderation.NewHeuristic(moderation.DefaultConfig())

	// Banned term is checked before link count.
	flagged, reason := h.ShouldFlag(context.Background(), "rape http://a http://b http://c http://d")
	assert.True(t, flagged)
	assert.Equal(t, "banned_term:rape", reason)
}

func TestHeuristicIsDeterministic(t *testing.T) {
	h := moderation.NewHeuristic(moderation.DefaultConfig())
	inputs := []string{"hello", "BUY NOW!!!!!!!", "http://a http://b http://c http://d", ""}

	for _, in := range inputs {
		f1, r1 := h.ShouldFlag(context.Background(), in)
		for i := 0; i < 5; i++ {
			f2, r2 := h.ShouldFlag(context.Background(), in)
			assert.Equal(t, f1, f2)
			assert.Equal(t, r1, r2)
		}
	}
}

func TestCountLinks(t *testing.T) {
	assert.Equal(t, 0, moderation.CountLinks("no links"))
	assert.Equal(t, 2, moderation.CountLinks("HTTP://A.com and https://b.org/x?y=1"))
	assert.Equal(t, 1, moderation.CountLinks("visit www.example.com"))
}

func TestDeepFailOpen(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"gateway error", errors.New("503 unavailable")},
		{"unrecognized answer", llm.ErrUnrecognizedVerdict},
		{"timeout", context.DeadlineExceeded},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			stub := &stubClassifier{err: tt.err}
			deep, err := moderation.NewDeep(stub, 0, time.Second)
			require.NoError(t, err)

			flagged, reason := deep.ShouldFlag(context.Background(), "anything")
			assert.False(t, flagged)
			assert.Empty(t, reason)
		})
	}
}

func TestDeepFlagsAndCaches(t *testing.T) {
	stub := &stubClassifier{verdict: llm.VerdictFlag}
	deep, err := moderation.NewDeep(stub, 16, 0)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		flagged, reason := deep.ShouldFlag(context.Background(), "suspicious")
		assert.True(t, flagged)
		assert.Equal(t, moderation.ReasonDeep, reason)
	}
	assert.Equal(t, int32(1), stub.calls.Load())
}

func TestDeepDoesNotCacheFailures(t *testing.T) {
	stub := &stubClassifier{err: errors.New("boom")}
	deep, err := moderation.NewDeep(stub, 16, 0)
	require.NoError(t, err)

	deep.ShouldFlag(context.Background(), "x")
	deep.ShouldFlag(context.Background(), "x")
	assert.Equal(t, int32(2), stub.calls.Load())
}

func TestDeepThroughGateway(t *testing.T) {
	mock := mocks.NewMockLLMClient()
	mock.RespondWith(" flag\n")
	deep, err := moderation.NewDeep(llm.NewGateway(mock, 0, 0), 0, 0)
	require.NoError(t, err)

	flagged, reason := deep.ShouldFlag(context.Background(), "text")
	assert.True(t, flagged)
	assert.Equal(t, moderation.ReasonDeep, reason)

	mock.RespondWith("I think this is fine")
	flagged, _ = deep.ShouldFlag(context.Background(), "other text")
	assert.False(t, flagged, "unrecognized verdicts fail open")
}

func TestChainSkipsDeepAfterHeuristicFlag(t *testing.T) {
	stub := &stubClassifier{verdict: llm.VerdictOK}
	cfg := moderation.DefaultConfig()
	cfg.DeepEnabled = true
	cfg.DeepCacheSize = 0

	gate, err := moderation.NewGate(cfg, stub, nil)
	require.NoError(t, err)

	flagged, reason := gate.ShouldFlag(context.Background(), "http://a http://b http://c http://d")
	assert.True(t, flagged)
	assert.Equal(t, moderation.ReasonLinks, reason)
	assert.Equal(t, int32(0), stub.calls.Load())

	flagged, _ = gate.ShouldFlag(context.Background(), "perfectly normal")
	assert.False(t, flagged)
	assert.Equal(t, int32(1), stub.calls.Load())
}

func TestNewGateWithoutDeep(t *testing.T) {
	stub := &stubClassifier{verdict: llm.VerdictFlag}
	gate, err := moderation.NewGate(moderation.DefaultConfig(), stub, nil)
	require.NoError(t, err)

	flagged, _ := gate.ShouldFlag(context.Background(), "hello")
	assert.False(t, flagged)
	assert.Equal(t, int32(0), stub.calls.Load(), "deep tier disabled by default")
}

type moderationRecorder struct {
	metrics.Nop
	rules []string
}

func (r *moderationRecorder) ObserveModeration(_ bool, rule string) {
	r.rules = append(r.rules, rule)
}

func TestObservedRecordsRuleNamespace(t *testing.T) {
	rec := &moderationRecorder{}
	gate, err := moderation.NewGate(moderation.DefaultConfig(), nil, rec)
	require.NoError(t, err)

	gate.ShouldFlag(context.Background(), "buy now")
	gate.ShouldFlag(context.Background(), "hello")
	assert.Equal(t, []string{"spam_phrase", ""}, rec.rules)
}

func TestRule(t *testing.T) {
	assert.Equal(t, "banned_term", moderation.Rule("banned_term:fuck"))
	assert.Equal(t, "links", moderation.Rule(moderation.ReasonLinks))
	assert.Empty(t, moderation.Rule(""))
}
