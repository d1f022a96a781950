// Package chat implements the inbound write path: admission, moderation, persistence.
package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chatcore/pkg/admission"
	"chatcore/pkg/clock"
	"chatcore/pkg/logx"
	"chatcore/pkg/moderation"
	"chatcore/pkg/persistence"
)

var (
	// ErrEmptyMessage is returned for text that is empty after trimming.
	ErrEmptyMessage = errors.New("message text is empty")
	// ErrRoomNotFound is returned when the room code does not exist.
	ErrRoomNotFound = errors.New("room not found")
	// ErrRateLimited matches every *RateLimitError.
	ErrRateLimited = errors.New(admission.ReasonRateLimited)
)

// RateLimitError carries the rejecting admission decision.
type RateLimitError struct {
	Decision admission.Decision
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limited: retry after %ds", e.Decision.RetryAfterSeconds)
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// Admitter decides whether an identity may post. *admission.Controller satisfies it.
type Admitter interface {
	Admit(ctx context.Context, identity string) (admission.Decision, error)
}

// Store is the persistence surface used by the write path.
type Store interface {
	GetRoomByCode(ctx context.Context, code string) (*persistence.Room, error)
	InsertMessage(ctx context.Context, msg *persistence.Message) error
}

// Broadcaster is notified of every persisted clean message. It is the boundary to a
// real-time fan-out layer, which is not part of this service.
type Broadcaster interface {
	Broadcast(ctx context.Context, room *persistence.Room, msg *persistence.Message)
}

// LogBroadcaster records clean messages in the "broadcast" debug domain. It is used when no
// fan-out layer is attached.
type LogBroadcaster struct{}

func (LogBroadcaster) Broadcast(ctx context.Context, room *persistence.Room, msg *persistence.Message) {
	logx.Debug(ctx, "broadcast", "room %s: message %d ready for fan-out", room.Code, msg.ID)
}

// PostRequest is one inbound message.
type PostRequest struct {
	Identity   string // Admission key, usually the client address
	RoomCode   string
	AuthorHash string
	Text       string
}

// PostResponse describes the stored message.
type PostResponse struct {
	CreatedAt time.Time          `json:"createdAt"`
	Reason    string             `json:"reason,omitempty"`
	Decision  admission.Decision `json:"-"`
	ID        int64              `json:"id"`
	Flagged   bool               `json:"isFlagged"`
}

// Service provides the write path.
type Service struct {
	admitter    Admitter
	gate        moderation.Gate
	store       Store
	broadcaster Broadcaster
	clock       clock.Clock
	logger      *logx.Logger
	failOpen    bool
}

// Option customizes a Service.
type Option func(*Service)

// WithBroadcaster sets the clean-message hook.
func WithBroadcaster(b Broadcaster) Option {
	return func(s *Service) { s.broadcaster = b }
}

// WithClock sets the time source for message timestamps.
func WithClock(c clock.Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithFailOpenAdmission admits posts when the counter store is unavailable.
func WithFailOpenAdmission(enabled bool) Option {
	return func(s *Service) { s.failOpen = enabled }
}

// NewService creates a write path. A nil admitter or gate disables that step.
func NewService(admitter Admitter, gate moderation.Gate, store Store, opts ...Option) *Service {
	s := &Service{
		admitter: admitter,
		gate:     gate,
		store:    store,
		clock:    clock.Real(),
		logger:   logx.NewLogger("chat"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Post admits, moderates and persists one message. Flagged messages are stored with their
// reason and are not broadcast.
func (s *Service) Post(ctx context.Context, req *PostRequest) (*PostResponse, error) {
	var decision admission.Decision
	if s.admitter != nil {
		d, err := s.admitter.Admit(ctx, req.Identity)
		switch {
		case err != nil && s.failOpen && ctx.Err() == nil:
			s.logger.Warn("admission unavailable, admitting %s: %v", req.Identity, err)
		case err != nil:
			return nil, fmt.Errorf("admission check: %w", err)
		case !d.Accepted:
			return nil, &RateLimitError{Decision: d}
		}
		decision = d
	}

	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, ErrEmptyMessage
	}

	room, err := s.store.GetRoomByCode(ctx, req.RoomCode)
	if err != nil {
		if errors.Is(err, persistence.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrRoomNotFound, req.RoomCode)
		}
		return nil, fmt.Errorf("failed to load room: %w", err)
	}

	var flagged bool
	var reason string
	if s.gate != nil {
		flagged, reason = s.gate.ShouldFlag(ctx, text)
	}

	msg := &persistence.Message{
		RoomID:     room.ID,
		AuthorHash: req.AuthorHash,
		Text:       text,
		IsFlagged:  flagged,
		FlagReason: reason,
		CreatedAt:  s.clock.Now(),
	}
	if err := s.store.InsertMessage(ctx, msg); err != nil {
		return nil, fmt.Errorf("failed to persist message: %w", err)
	}

	if flagged {
		s.logger.Info("room %s: message %d flagged (%s)", room.Code, msg.ID, reason)
	} else if s.broadcaster != nil {
		s.broadcaster.Broadcast(ctx, room, msg)
	}
	logx.Debug(ctx, "chat", "room %s: stored message %d (%d chars)", room.Code, msg.ID, len(text))

	return &PostResponse{
		ID:        msg.ID,
		CreatedAt: msg.CreatedAt,
		Flagged:   flagged,
		Reason:    reason,
		Decision:  decision,
	}, nil
}
