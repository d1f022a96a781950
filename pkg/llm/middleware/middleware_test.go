package middleware

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/internal/mocks"
	"chatcore/pkg/llm"
	"chatcore/pkg/llmerrors"
	"chatcore/pkg/logx"
	"chatcore/pkg/metrics"
)

func TestTimeoutAppliesDeadline(t *testing.T) {
	base := mocks.NewMockLLMClient()
	base.OnComplete(func(ctx context.Context, _ llm.CompletionRequest) (llm.CompletionResponse, error) {
		_, ok := ctx.Deadline()
		if !ok {
			return llm.CompletionResponse{}, errors.New("no deadline")
		}
		<-ctx.Done()
		return llm.CompletionResponse{}, ctx.Err()
	})
	client := llm.Chain(base, Timeout(10*time.Millisecond))

	_, err := client.Complete(context.Background(), llm.CompletionRequest{})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestTimeoutZeroIsPassthrough(t *testing.T) {
	base := mocks.NewMockLLMClient()
	client := Timeout(0)(base)
	assert.Same(t, base, client)
}

type countingRecorder struct {
	metrics.Nop
	statuses []string
}

func (c *countingRecorder) ObserveGatewayRequest(_, status, _ string, _ time.Duration) {
	c.statuses = append(c.statuses, status)
}

func TestMetricsRecordsOutcomes(t *testing.T) {
	base := mocks.NewMockLLMClient()
	base.RespondWithSequence(
		mocks.Step{Content: "ok"},
		mocks.Step{Err: llmerrors.NewRateLimitError(0, "quota")},
		mocks.Step{Err: context.Canceled},
	)
	rec := &countingRecorder{}
	client := llm.Chain(base, Metrics(rec))

	for i := 0; i < 3; i++ {
		_, _ = client.Complete(context.Background(), llm.CompletionRequest{})
	}
	assert.Equal(t, []string{statusSuccess, statusError, statusCanceled}, rec.statuses)
}

func TestMetricsWithPrometheus(t *testing.T) {
	reg := prometheus.NewRegistry()
	rec := metrics.NewPrometheusRecorder(reg)
	client := llm.Chain(mocks.NewMockLLMClient(), Metrics(rec))

	_, err := client.Complete(context.Background(), llm.CompletionRequest{})
	require.NoError(t, err)

	count, err := testutil.GatherAndCount(reg, "llm_requests_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestLoggingWarnsOnEmptyCompletion(t *testing.T) {
	var buf bytes.Buffer
	logx.SetOutput(&buf)
	defer logx.SetOutput(nil)

	base := mocks.NewMockLLMClient()
	base.RespondWith("   ")
	client := llm.Chain(base, Logging(logx.NewLogger("llm-test")))

	resp, err := client.Complete(context.Background(), llm.NewCompletionRequest([]llm.CompletionMessage{
		llm.NewUserMessage("summarize this"),
	}))
	require.NoError(t, err)
	assert.Equal(t, "   ", resp.Content, "logging must not alter the response")
	assert.True(t, strings.Contains(buf.String(), "empty completion"), buf.String())
}
