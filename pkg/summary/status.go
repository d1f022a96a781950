// Package summary keeps a per-room conversational summary up to date: the on-demand job,
// its four-state result taxonomy and the background scheduler that drives it.
package summary

import (
	"fmt"
	"time"
)

// Status is the terminal outcome of one summarization job.
type Status string

const (
	StatusOk            Status = "ok"
	StatusNoContent     Status = "no_content"
	StatusRateLimited   Status = "rate_limited"
	StatusUpstreamError Status = "upstream_error"
)

// Result is the single contract every caller of the job receives. Optional fields are set
// only for the statuses that define them.
type Result struct {
	CreatedAt         time.Time `json:"created_at,omitempty"`          // Ok
	Status            Status    `json:"status"`                        // always
	SummaryID         string    `json:"summary_id,omitempty"`          // Ok
	ErrorMessage      string    `json:"error_message,omitempty"`       // RateLimited, UpstreamError
	RetryAfterSeconds int       `json:"retry_after_seconds,omitempty"` // RateLimited
}

// OkResult reports a stored summary.
func OkResult(summaryID string, createdAt time.Time) Result {
	return Result{Status: StatusOk, SummaryID: summaryID, CreatedAt: createdAt}
}

// NoContentResult reports that there was nothing to summarize.
func NoContentResult() Result {
	return Result{Status: StatusNoContent}
}

// RateLimitedResult reports gateway rate limiting. retryAfterSeconds is raised to 1.
func RateLimitedResult(retryAfterSeconds int, message string) Result {
	if retryAfterSeconds < 1 {
		retryAfterSeconds = 1
	}
	return Result{Status: StatusRateLimited, RetryAfterSeconds: retryAfterSeconds, ErrorMessage: message}
}

// UpstreamErrorResult reports any other failure.
func UpstreamErrorResult(message string) Result {
	return Result{Status: StatusUpstreamError, ErrorMessage: message}
}

func (r Result) String() string {
	switch r.Status {
	case StatusOk:
		return fmt.Sprintf("ok (summary %s)", r.SummaryID)
	case StatusRateLimited:
		return fmt.Sprintf("rate_limited (retry after %ds): %s", r.RetryAfterSeconds, r.ErrorMessage)
	case StatusUpstreamError:
		return fmt.Sprintf("upstream_error: %s", r.ErrorMessage)
	default:
		return string(r.Status)
	}
}
