package httpapi

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"chatcore/pkg/persistence"
	"chatcore/pkg/summary"
)

func (s *Server) refreshSummary(c *gin.Context) {
	room, ok := s.lookupRoom(c)
	if !ok {
		return
	}
	if s.summarizer == nil {
		abortWithError(c, http.StatusServiceUnavailable, codeUnavailable, "no text-generation provider configured")
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), s.opts.TriggerTimeout)
	defer cancel()

	res, err := s.summarizer.CreateOrUpdateSummary(ctx, room.ID)
	if err != nil {
		if errors.Is(err, context.Canceled) && c.Request.Context().Err() != nil {
			// Client went away.
			c.Abort()
			return
		}
		abortWithError(c, http.StatusGatewayTimeout, codeTimeout, "summarization did not finish in time")
		return
	}

	switch res.Status {
	case summary.StatusOk:
		c.JSON(http.StatusCreated, gin.H{"id": res.SummaryID, "createdAt": res.CreatedAt})
	case summary.StatusNoContent:
		abortWithError(c, http.StatusBadRequest, codeNoContent, "no messages to summarize")
	case summary.StatusRateLimited:
		c.Header("Retry-After", strconv.Itoa(res.RetryAfterSeconds))
		c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
			"error":       codeRateLimited,
			"retry_after": res.RetryAfterSeconds,
			"message":     "Retry after " + strconv.Itoa(res.RetryAfterSeconds) + " seconds",
		})
	default:
		s.logger.Warn("room %s: summary refresh failed: %s", room.Code, res.ErrorMessage)
		abortWithError(c, http.StatusServiceUnavailable, codeUpstream, res.ErrorMessage)
	}
}

func (s *Server) latestSummary(c *gin.Context) {
	room, ok := s.lookupRoom(c)
	if !ok {
		return
	}
	sum, err := s.rooms.LatestSummary(c.Request.Context(), room.ID)
	if errors.Is(err, persistence.ErrNotFound) {
		abortWithError(c, http.StatusNotFound, codeNoSummary, "")
		return
	}
	if err != nil {
		s.internalError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": sum.ID, "content": sum.Content, "createdAt": sum.CreatedAt})
}
