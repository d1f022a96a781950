package httpapi

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"chatcore/pkg/chat"
	"chatcore/pkg/persistence"
	"chatcore/pkg/utils"
)

type roomDTO struct {
	CreatedAt time.Time `json:"createdAt"`
	Code      string    `json:"code"`
	Title     string    `json:"title"`
	ID        int64     `json:"id"`
}

func toRoomDTO(r *persistence.Room) roomDTO {
	return roomDTO{ID: r.ID, Code: r.Code, Title: r.Title, CreatedAt: r.CreatedAt}
}

type messageDTO struct {
	CreatedAt  time.Time `json:"createdAt"`
	AuthorHash string    `json:"authorHash"`
	Text       string    `json:"text"`
	FlagReason string    `json:"flagReason,omitempty"`
	ID         int64     `json:"id"`
	IsFlagged  bool      `json:"isFlagged"`
}

type paging struct {
	Take      int   `json:"take"`
	NextAfter int64 `json:"nextAfter"`
}

type createRoomRequest struct {
	Title string `json:"title"`
}

type postMessageRequest struct {
	AuthorHash string `json:"authorHash"`
	Text       string `json:"text"`
}

func (s *Server) createRoom(c *gin.Context) {
	var req createRoomRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Title) == "" {
		abortWithError(c, http.StatusBadRequest, codeTitleRequired, "title is required")
		return
	}

	ctx := c.Request.Context()
	for attempt := 0; attempt < maxCodeAttempts; attempt++ {
		code, err := s.opts.NewRoomCode()
		if err != nil {
			s.internalError(c, fmt.Errorf("generate room code: %w", err))
			return
		}
		room, err := s.rooms.CreateRoom(ctx, code, strings.TrimSpace(req.Title), s.opts.Clock.Now())
		if errors.Is(err, persistence.ErrDuplicateCode) {
			continue
		}
		if err != nil {
			s.internalError(c, err)
			return
		}
		c.JSON(http.StatusCreated, toRoomDTO(room))
		return
	}
	s.internalError(c, fmt.Errorf("no free room code after %d attempts", maxCodeAttempts))
}

func (s *Server) listRooms(c *gin.Context) {
	rooms, err := s.rooms.ListRooms(c.Request.Context())
	if err != nil {
		s.internalError(c, err)
		return
	}
	items := make([]roomDTO, 0, len(rooms))
	for _, r := range rooms {
		items = append(items, toRoomDTO(r))
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

func (s *Server) getRoom(c *gin.Context) {
	room, ok := s.lookupRoom(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, toRoomDTO(room))
}

// lookupRoom resolves :code, writing 404 or 500 itself when it returns false.
func (s *Server) lookupRoom(c *gin.Context) (*persistence.Room, bool) {
	code := utils.NormalizeRoomCode(c.Param("code"))
	if !utils.ValidRoomCode(code) {
		abortWithError(c, http.StatusNotFound, codeRoomNotFound, "")
		return nil, false
	}
	room, err := s.rooms.GetRoomByCode(c.Request.Context(), code)
	if errors.Is(err, persistence.ErrNotFound) {
		abortWithError(c, http.StatusNotFound, codeRoomNotFound, "")
		return nil, false
	}
	if err != nil {
		s.internalError(c, err)
		return nil, false
	}
	return room, true
}

// clampTake bounds take to [1, MaxTake], defaulting to DefaultTake.
func clampTake(raw string) int {
	take, err := strconv.Atoi(raw)
	if err != nil {
		return DefaultTake
	}
	return min(max(take, 1), MaxTake)
}

func (s *Server) listMessages(c *gin.Context) {
	room, ok := s.lookupRoom(c)
	if !ok {
		return
	}

	take := clampTake(c.Query("take"))
	afterID, err := strconv.ParseInt(c.DefaultQuery("afterId", "0"), 10, 64)
	if err != nil || afterID < 0 {
		afterID = 0
	}

	msgs, err := s.rooms.ListMessages(c.Request.Context(), room.ID, afterID, take)
	if err != nil {
		s.internalError(c, err)
		return
	}

	items := make([]messageDTO, 0, len(msgs))
	next := afterID
	for _, m := range msgs {
		items = append(items, messageDTO{
			ID:         m.ID,
			AuthorHash: m.AuthorHash,
			Text:       m.Text,
			IsFlagged:  m.IsFlagged,
			FlagReason: m.FlagReason,
			CreatedAt:  m.CreatedAt,
		})
		next = m.ID
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "paging": paging{Take: take, NextAfter: next}})
}

func (s *Server) postMessage(c *gin.Context) {
	var req postMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		abortWithError(c, http.StatusBadRequest, codeTextRequired, "text is required")
		return
	}

	identity := c.ClientIP()
	author := strings.TrimSpace(req.AuthorHash)
	if author == "" {
		author = anonymousAuthor(identity)
	}

	resp, err := s.poster.Post(c.Request.Context(), &chat.PostRequest{
		Identity:   identity,
		RoomCode:   utils.NormalizeRoomCode(c.Param("code")),
		AuthorHash: author,
		Text:       req.Text,
	})

	var rlErr *chat.RateLimitError
	switch {
	case errors.As(err, &rlErr):
		s.writeRateLimited(c, rlErr)
		return
	case errors.Is(err, chat.ErrEmptyMessage):
		abortWithError(c, http.StatusBadRequest, codeTextRequired, "text is required")
		return
	case errors.Is(err, chat.ErrRoomNotFound):
		abortWithError(c, http.StatusNotFound, codeRoomNotFound, "")
		return
	case err != nil:
		s.internalError(c, err)
		return
	}

	if resp.Decision.Limit > 0 {
		setRateLimitHeaders(c, resp.Decision.Limit, resp.Decision.Remaining, resp.Decision.ResetAt)
	}
	c.JSON(http.StatusCreated, resp)
}

func (s *Server) writeRateLimited(c *gin.Context, rlErr *chat.RateLimitError) {
	d := rlErr.Decision
	setRateLimitHeaders(c, d.Limit, 0, d.ResetAt)
	c.Header("Retry-After", strconv.Itoa(d.RetryAfterSeconds))
	c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
		"error":       codeRateLimited,
		"limit":       d.Limit,
		"remaining":   0,
		"retry_after": d.RetryAfterSeconds,
		"window":      formatWindow(s.opts.Window),
	})
}

func setRateLimitHeaders(c *gin.Context, limit, remaining int64, resetAt time.Time) {
	c.Header("X-RateLimit-Limit", strconv.FormatInt(limit, 10))
	c.Header("X-RateLimit-Remaining", strconv.FormatInt(remaining, 10))
	if !resetAt.IsZero() {
		c.Header("X-RateLimit-Reset", strconv.FormatInt(int64(math.Ceil(float64(resetAt.UnixMilli())/1000)), 10))
	}
}

// formatWindow renders whole minutes as "1m" and anything else in seconds.
func formatWindow(d time.Duration) string {
	if d%time.Minute == 0 {
		return fmt.Sprintf("%dm", int(d/time.Minute))
	}
	return fmt.Sprintf("%ds", int(math.Ceil(d.Seconds())))
}

// anonymousAuthor derives a stable pseudonym from the client address.
func anonymousAuthor(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:8])
}

func (s *Server) internalError(c *gin.Context, err error) {
	s.logger.Error("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	abortWithError(c, http.StatusInternalServerError, codeInternal, "")
}
