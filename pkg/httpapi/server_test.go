package httpapi_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/mocks"
	"chatcore/pkg/admission"
	"chatcore/pkg/chat"
	"chatcore/pkg/clock"
	"chatcore/pkg/httpapi"
	"chatcore/pkg/llm"
	"chatcore/pkg/metrics"
	"chatcore/pkg/moderation"
	"chatcore/pkg/persistence"
	"chatcore/pkg/retry"
	"chatcore/pkg/summary"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

type stubSummarizer struct {
	result summary.Result
	err    error
	wait   bool
}

func (s *stubSummarizer) CreateOrUpdateSummary(ctx context.Context, _ int64) (summary.Result, error) {
	if s.wait {
		<-ctx.Done()
		return summary.Result{}, ctx.Err()
	}
	return s.result, s.err
}

type harness struct {
	store  *persistence.Store
	client *mocks.MockLLMClient
	server *httpapi.Server
	codes  []string
}

type harnessOptions struct {
	limit      int64
	summarizer httpapi.Summarizer
	timeout    time.Duration
	health     func(context.Context) error
}

func newHarness(t *testing.T, ho harnessOptions) *harness {
	t.Helper()
	db, err := persistence.Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	fake := clock.NewFake(t0)
	h := &harness{store: persistence.NewStore(db), client: mocks.NewMockLLMClient()}

	if ho.limit == 0 {
		ho.limit = 60
	}
	admCfg := admission.DefaultConfig()
	admCfg.Limit = ho.limit
	ctrl := admission.NewController(admission.NewMemoryStore(fake), admCfg, admission.WithClock(fake))
	poster := chat.NewService(ctrl, moderation.NewHeuristic(moderation.DefaultConfig()), h.store, chat.WithClock(fake))

	summarizer := ho.summarizer
	if summarizer == nil {
		summarizer = summary.NewService(h.store, llm.NewGateway(h.client, 0, 0), summary.DefaultConfig(),
			summary.WithClock(fake),
			summary.WithPolicyTuning(func(p *retry.Policy) {
				p.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
			}))
	}

	reg := prometheus.NewRegistry()
	metrics.NewPrometheusRecorder(reg).ObserveAdmission(true)

	h.codes = []string{"ABCDEF", "ABCDEF", "GHJKLM"}
	next := 0
	h.server, err = httpapi.NewServer(h.store, poster, summarizer, httpapi.Options{
		Gatherer:       reg,
		HealthCheck:    ho.health,
		Clock:          fake,
		TriggerTimeout: ho.timeout,
		NewRoomCode: func() (string, error) {
			code := h.codes[next%len(h.codes)]
			next++
			return code, nil
		},
	})
	require.NoError(t, err)
	return h
}

func (h *harness) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.7:5555"
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func (h *harness) createRoom(t *testing.T) string {
	t.Helper()
	rec := h.do(t, http.MethodPost, "/rooms", map[string]string{"title": "standup"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode(t, rec)["code"].(string)
}

func TestCreateRoom(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	rec := h.do(t, http.MethodPost, "/rooms", map[string]string{"title": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "title_required", decode(t, rec)["error"])

	assert.Equal(t, "ABCDEF", h.createRoom(t))
	// The next generated code collides and is retried.
	assert.Equal(t, "GHJKLM", h.createRoom(t))

	rec = h.do(t, http.MethodGet, "/rooms", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["items"], 2)

	rec = h.do(t, http.MethodGet, "/rooms/abcdef", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "standup", decode(t, rec)["title"])

	rec = h.do(t, http.MethodGet, "/rooms/ZZZZZZ", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestPostAndListMessages(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	code := h.createRoom(t)

	rec := h.do(t, http.MethodPost, "/rooms/"+code+"/messages", map[string]string{"text": "hello"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, "60", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "59", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, false, decode(t, rec)["isFlagged"])

	rec = h.do(t, http.MethodPost, "/rooms/"+code+"/messages",
		map[string]string{"text": "go http://a.io http://b.io http://c.io http://d.io"})
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, true, decode(t, rec)["isFlagged"])
	assert.Equal(t, "links:spam", decode(t, rec)["reason"])

	rec = h.do(t, http.MethodPost, "/rooms/"+code+"/messages", map[string]string{"text": "   "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = h.do(t, http.MethodPost, "/rooms/GHJKLM/messages", map[string]string{"text": "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(t, http.MethodGet, "/rooms/"+code+"/messages?take=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	items := body["items"].([]any)
	require.Len(t, items, 1)
	first := items[0].(map[string]any)
	assert.Equal(t, "hello", first["text"])
	assert.NotEmpty(t, first["authorHash"])
	page := body["paging"].(map[string]any)
	assert.Equal(t, float64(1), page["take"])

	nextAfter := strconv.FormatInt(int64(page["nextAfter"].(float64)), 10)
	rec = h.do(t, http.MethodGet, "/rooms/"+code+"/messages?take=999&afterId="+nextAfter, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decode(t, rec)
	assert.Equal(t, float64(httpapi.MaxTake), body["paging"].(map[string]any)["take"])
	items = body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, true, items[0].(map[string]any)["isFlagged"])
}

func TestPostRateLimited(t *testing.T) {
	h := newHarness(t, harnessOptions{limit: 1})
	code := h.createRoom(t)

	rec := h.do(t, http.MethodPost, "/rooms/"+code+"/messages", map[string]string{"text": "first"})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = h.do(t, http.MethodPost, "/rooms/"+code+"/messages", map[string]string{"text": "second"})
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "60", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	body := decode(t, rec)
	assert.Equal(t, "rate_limited", body["error"])
	assert.Equal(t, "1m", body["window"])
	assert.Equal(t, float64(1), body["limit"])
	assert.Equal(t, float64(0), body["remaining"])
	assert.Equal(t, float64(60), body["retry_after"])
}

func TestRefreshSummary(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	code := h.createRoom(t)

	rec := h.do(t, http.MethodPost, "/rooms/"+code+"/summaries/refresh", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "no_content", decode(t, rec)["error"])
	assert.Equal(t, 0, h.client.CallCount())

	rec = h.do(t, http.MethodGet, "/rooms/"+code+"/summary", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no_summary", decode(t, rec)["error"])

	h.do(t, http.MethodPost, "/rooms/"+code+"/messages", map[string]string{"text": "ship on friday"})
	h.client.RespondWith("- ship friday")

	rec = h.do(t, http.MethodPost, "/rooms/"+code+"/summaries/refresh", nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id := decode(t, rec)["id"]
	assert.NotEmpty(t, id)

	rec = h.do(t, http.MethodGet, "/rooms/"+code+"/summary", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode(t, rec)
	assert.Equal(t, id, body["id"])
	assert.Equal(t, "- ship friday", body["content"])
}

func TestRefreshStatusMapping(t *testing.T) {
	tests := []struct {
		name       string
		summarizer *stubSummarizer
		status     int
		retryAfter string
	}{
		{"rate limited", &stubSummarizer{result: summary.RateLimitedResult(7, "quota")}, http.StatusTooManyRequests, "7"},
		{"upstream", &stubSummarizer{result: summary.UpstreamErrorResult("boom")}, http.StatusServiceUnavailable, ""},
		{"no content", &stubSummarizer{result: summary.NoContentResult()}, http.StatusBadRequest, ""},
		{"ok", &stubSummarizer{result: summary.OkResult("abc", t0)}, http.StatusCreated, ""},
		{"timeout", &stubSummarizer{wait: true}, http.StatusGatewayTimeout, ""},
		{"deadline error", &stubSummarizer{err: context.DeadlineExceeded}, http.StatusGatewayTimeout, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{summarizer: tt.summarizer, timeout: 20 * time.Millisecond})
			code := h.createRoom(t)
			rec := h.do(t, http.MethodPost, "/rooms/"+code+"/summaries/refresh", nil)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
			assert.Equal(t, tt.retryAfter, rec.Header().Get("Retry-After"))
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	rec := h.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chat_admission_decisions_total")

	sick := newHarness(t, harnessOptions{health: func(context.Context) error { return errors.New("db down") }})
	rec = sick.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
