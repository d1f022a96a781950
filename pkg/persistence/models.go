package persistence

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a room or summary does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicateCode is returned when a room code is already taken.
var ErrDuplicateCode = errors.New("room code already exists")

// Room is a chat room addressed by its public code.
type Room struct {
	CreatedAt time.Time `json:"created_at"`
	Code      string    `json:"code"`
	Title     string    `json:"title"`
	ID        int64     `json:"id"`
}

// Message is one posted text unit with its moderation outcome.
type Message struct {
	CreatedAt  time.Time `json:"created_at"`
	AuthorHash string    `json:"author_hash"`
	Text       string    `json:"text"`
	FlagReason string    `json:"flag_reason,omitempty"`
	ID         int64     `json:"id"`
	RoomID     int64     `json:"room_id"`
	IsFlagged  bool      `json:"is_flagged"`
}

// Summary is one append-only generated summary.
type Summary struct {
	CreatedAt     time.Time `json:"created_at"`
	ID            string    `json:"id"`
	Content       string    `json:"content"`
	RoomID        int64     `json:"room_id"`
	LastMessageID int64     `json:"last_message_id"`
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
