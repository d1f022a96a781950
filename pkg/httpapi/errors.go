package httpapi

import (
	"github.com/gin-gonic/gin"
)

// Error codes in response bodies.
const (
	codeTitleRequired = "title_required"
	codeTextRequired  = "text_required"
	codeRoomNotFound  = "room_not_found"
	codeNoSummary     = "no_summary"
	codeNoContent     = "no_content"
	codeRateLimited   = "rate_limited"
	codeUpstream      = "upstream_error"
	codeTimeout       = "timeout"
	codeInternal      = "internal_error"
	codeUnavailable   = "summaries_unavailable"
)

func abortWithError(c *gin.Context, status int, code, message string) {
	body := gin.H{"error": code}
	if message != "" {
		body["message"] = message
	}
	c.AbortWithStatusJSON(status, body)
}
