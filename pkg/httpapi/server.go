// Package httpapi exposes rooms, messages and summaries over HTTP.
package httpapi

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"chatcore/pkg/chat"
	"chatcore/pkg/clock"
	"chatcore/pkg/logx"
	"chatcore/pkg/persistence"
	"chatcore/pkg/summary"
	"chatcore/pkg/utils"
)

// Defaults.
const (
	DefaultTriggerTimeout = 60 * time.Second
	DefaultTake           = 50
	MaxTake               = 200
	maxCodeAttempts       = 5
)

// RoomStore is the read side of the content store plus room creation.
type RoomStore interface {
	CreateRoom(ctx context.Context, code, title string, createdAt time.Time) (*persistence.Room, error)
	GetRoomByCode(ctx context.Context, code string) (*persistence.Room, error)
	ListRooms(ctx context.Context) ([]*persistence.Room, error)
	ListMessages(ctx context.Context, roomID, afterID int64, take int) ([]*persistence.Message, error)
	LatestSummary(ctx context.Context, roomID int64) (*persistence.Summary, error)
}

// Poster is the write path. *chat.Service satisfies it.
type Poster interface {
	Post(ctx context.Context, req *chat.PostRequest) (*chat.PostResponse, error)
}

// Summarizer runs one job. *summary.Service satisfies it.
type Summarizer interface {
	CreateOrUpdateSummary(ctx context.Context, roomID int64) (summary.Result, error)
}

// Options configures a Server.
type Options struct {
	Gatherer       prometheus.Gatherer         // Serves /metrics when set
	HealthCheck    func(context.Context) error // Consulted by /healthz
	NewRoomCode    func() (string, error)      // Defaults to utils.NewRoomCode
	Clock          clock.Clock
	TrustedProxies []string
	TriggerTimeout time.Duration
	Window         time.Duration // Admission window, echoed in 429 bodies
}

// Server is the gin-backed HTTP surface.
type Server struct {
	engine     *gin.Engine
	rooms      RoomStore
	poster     Poster
	summarizer Summarizer
	opts       Options
	logger     *logx.Logger
}

// NewServer builds the engine and registers every route. summarizer may be nil when no
// gateway is configured; the refresh route then answers 503.
func NewServer(rooms RoomStore, poster Poster, summarizer Summarizer, opts Options) (*Server, error) {
	if opts.TriggerTimeout <= 0 {
		opts.TriggerTimeout = DefaultTriggerTimeout
	}
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.NewRoomCode == nil {
		opts.NewRoomCode = func() (string, error) { return utils.NewRoomCode(utils.RoomCodeLength) }
	}

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())
	if err := engine.SetTrustedProxies(opts.TrustedProxies); err != nil {
		return nil, fmt.Errorf("invalid trusted proxies: %w", err)
	}

	s := &Server{
		engine:     engine,
		rooms:      rooms,
		poster:     poster,
		summarizer: summarizer,
		opts:       opts,
		logger:     logx.NewLogger("http"),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	if s.opts.Gatherer != nil {
		s.engine.GET("/metrics", gin.WrapH(promhttp.HandlerFor(s.opts.Gatherer, promhttp.HandlerOpts{})))
	}

	rooms := s.engine.Group("/rooms")
	{
		rooms.POST("", s.createRoom)
		rooms.GET("", s.listRooms)
		rooms.GET("/:code", s.getRoom)
		rooms.GET("/:code/messages", s.listMessages)
		rooms.POST("/:code/messages", s.postMessage)
		rooms.POST("/:code/summaries/refresh", s.refreshSummary)
		rooms.GET("/:code/summary", s.latestSummary)
	}
}

// Handler returns the engine for use with an http.Server or httptest.
func (s *Server) Handler() http.Handler {
	return s.engine
}

// Serve listens on addr until ctx ends, then shuts down within shutdownTimeout.
func (s *Server) Serve(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.engine,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	s.logger.Info("shutting down http server")
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.opts.HealthCheck != nil {
		if err := s.opts.HealthCheck(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logx.Debug(c.Request.Context(), "http", "%s %s -> %d (%v)",
			c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start))
	}
}
