package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Store wraps a database handle with the content operations. Calls are sequential per
// caller; the handle is limited to one connection.
type Store struct {
	db *sql.DB
}

// NewStore creates a Store on an already initialized database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// DB exposes the handle for components that keep their own tables.
func (s *Store) DB() *sql.DB {
	return s.db
}

// CreateRoom inserts a room. code must be unique.
func (s *Store) CreateRoom(ctx context.Context, code, title string, createdAt time.Time) (*Room, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO rooms (code, title, created_at) VALUES (?, ?, ?)`,
		code, title, toMillis(createdAt))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateCode, code)
		}
		return nil, fmt.Errorf("failed to insert room: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to read room id: %w", err)
	}
	return &Room{ID: id, Code: code, Title: title, CreatedAt: fromMillis(toMillis(createdAt))}, nil
}

// GetRoomByCode looks a room up by its public code.
func (s *Store) GetRoomByCode(ctx context.Context, code string) (*Room, error) {
	var r Room
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, code, title, created_at FROM rooms WHERE code = ?`, code).
		Scan(&r.ID, &r.Code, &r.Title, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("room %s: %w", code, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query room: %w", err)
	}
	r.CreatedAt = fromMillis(createdAt)
	return &r, nil
}

// ListRooms returns all rooms, newest first.
func (s *Store) ListRooms(ctx context.Context) ([]*Room, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, code, title, created_at FROM rooms ORDER BY id DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query rooms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var rooms []*Room
	for rows.Next() {
		var r Room
		var createdAt int64
		if err := rows.Scan(&r.ID, &r.Code, &r.Title, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan room: %w", err)
		}
		r.CreatedAt = fromMillis(createdAt)
		rooms = append(rooms, &r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rooms: %w", err)
	}
	return rooms, nil
}

// InsertMessage stores a message with its moderation outcome and fills in its id.
func (s *Store) InsertMessage(ctx context.Context, msg *Message) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (room_id, author_hash, text, is_flagged, flag_reason, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		msg.RoomID, msg.AuthorHash, msg.Text, msg.IsFlagged, msg.FlagReason, toMillis(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to read message id: %w", err)
	}
	msg.ID = id
	msg.CreatedAt = fromMillis(toMillis(msg.CreatedAt))
	return nil
}

const messageColumns = `id, room_id, author_hash, text, is_flagged, flag_reason, created_at`

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	defer func() { _ = rows.Close() }()

	var messages []*Message
	for rows.Next() {
		var m Message
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.RoomID, &m.AuthorHash, &m.Text, &m.IsFlagged, &m.FlagReason, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan message: %w", err)
		}
		m.CreatedAt = fromMillis(createdAt)
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return messages, nil
}

// ListMessages pages through a room's messages in id order, flagged ones included.
func (s *Store) ListMessages(ctx context.Context, roomID, afterID int64, take int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages WHERE room_id = ? AND id > ? ORDER BY id LIMIT ?`,
		roomID, afterID, take)
	if err != nil {
		return nil, fmt.Errorf("failed to query messages: %w", err)
	}
	return scanMessages(rows)
}

// RecentCleanMessages returns up to limit non-flagged messages, newest first.
func (s *Store) RecentCleanMessages(ctx context.Context, roomID int64, limit int) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+messageColumns+` FROM messages
		 WHERE room_id = ? AND is_flagged = 0
		 ORDER BY id DESC LIMIT ?`,
		roomID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent messages: %w", err)
	}
	return scanMessages(rows)
}

// RoomsWithFreshActivity returns the distinct rooms that have a non-flagged message
// created at or after since that is newer than the room's latest summary.
func (s *Store) RoomsWithFreshActivity(ctx context.Context, since time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT DISTINCT m.room_id FROM messages m
		 WHERE m.is_flagged = 0
		   AND m.created_at >= ?
		   AND m.id > COALESCE(
		       (SELECT MAX(s.last_message_id) FROM room_summaries s WHERE s.room_id = m.room_id), 0)
		 ORDER BY m.room_id`,
		toMillis(since))
	if err != nil {
		return nil, fmt.Errorf("failed to query active rooms: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan room id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating active rooms: %w", err)
	}
	return ids, nil
}

// InsertSummary appends a summary. Existing summaries are never modified.
func (s *Store) InsertSummary(ctx context.Context, roomID int64, content string, lastMessageID int64, createdAt time.Time) (*Summary, error) {
	sum := &Summary{
		ID:            uuid.NewString(),
		RoomID:        roomID,
		Content:       content,
		LastMessageID: lastMessageID,
		CreatedAt:     fromMillis(toMillis(createdAt)),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO room_summaries (id, room_id, content, last_message_id, created_at) VALUES (?, ?, ?, ?, ?)`,
		sum.ID, sum.RoomID, sum.Content, sum.LastMessageID, toMillis(sum.CreatedAt))
	if err != nil {
		return nil, fmt.Errorf("failed to insert summary: %w", err)
	}
	return sum, nil
}

// LatestSummary returns the most recent summary of a room.
func (s *Store) LatestSummary(ctx context.Context, roomID int64) (*Summary, error) {
	var sum Summary
	var createdAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, room_id, content, last_message_id, created_at FROM room_summaries
		 WHERE room_id = ? ORDER BY created_at DESC, rowid DESC LIMIT 1`, roomID).
		Scan(&sum.ID, &sum.RoomID, &sum.Content, &sum.LastMessageID, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("summary for room %d: %w", roomID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query summary: %w", err)
	}
	sum.CreatedAt = fromMillis(createdAt)
	return &sum, nil
}

// CountSummaries returns how many summaries a room has.
func (s *Store) CountSummaries(ctx context.Context, roomID int64) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM room_summaries WHERE room_id = ?`, roomID).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count summaries: %w", err)
	}
	return n, nil
}
