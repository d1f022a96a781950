package admission

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"chatcore/pkg/clock"
)

const counterSchema = `
CREATE TABLE IF NOT EXISTS rate_counters (
    key TEXT PRIMARY KEY,
    count INTEGER NOT NULL,
    expires_at INTEGER -- unix millis, NULL = no expiry
)`

// An expired row is reset to 1 by the same statement that increments it, so the
// increment stays a single atomic write.
const incrSQL = `
INSERT INTO rate_counters (key, count, expires_at) VALUES (?, 1, NULL)
ON CONFLICT(key) DO UPDATE SET
    count = CASE WHEN expires_at IS NOT NULL AND expires_at <= ? THEN 1 ELSE count + 1 END,
    expires_at = CASE WHEN expires_at IS NOT NULL AND expires_at <= ? THEN NULL ELSE expires_at END
RETURNING count`

// SQLiteStore is a CounterStore on a SQLite table, for single-node deployments that
// want counters to survive restarts.
type SQLiteStore struct {
	db    *sql.DB
	clock clock.Clock
}

// NewSQLiteStore creates the counter table if needed.
func NewSQLiteStore(ctx context.Context, db *sql.DB, c clock.Clock) (*SQLiteStore, error) {
	if c == nil {
		c = clock.Real()
	}
	if _, err := db.ExecContext(ctx, counterSchema); err != nil {
		return nil, fmt.Errorf("failed to create rate_counters table: %w", err)
	}
	return &SQLiteStore{db: db, clock: c}, nil
}

func (s *SQLiteStore) Incr(ctx context.Context, key string) (int64, error) {
	now := s.clock.Now().UnixMilli()
	var count int64
	if err := s.db.QueryRowContext(ctx, incrSQL, key, now, now).Scan(&count); err != nil {
		return 0, fmt.Errorf("sqlite incr %s: %w", key, err)
	}
	return count, nil
}

func (s *SQLiteStore) Expire(ctx context.Context, key string, ttl time.Duration) error {
	expiresAt := s.clock.Now().Add(ttl).UnixMilli()
	if _, err := s.db.ExecContext(ctx, `UPDATE rate_counters SET expires_at = ? WHERE key = ?`, expiresAt, key); err != nil {
		return fmt.Errorf("sqlite expire %s: %w", key, err)
	}
	return nil
}

func (s *SQLiteStore) TTL(ctx context.Context, key string) (time.Duration, bool, error) {
	var expiresAt sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT expires_at FROM rate_counters WHERE key = ?`, key).Scan(&expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("sqlite ttl %s: %w", key, err)
	}
	if !expiresAt.Valid {
		return 0, false, nil
	}
	remaining := time.UnixMilli(expiresAt.Int64).Sub(s.clock.Now())
	if remaining <= 0 {
		return 0, false, nil
	}
	return remaining, true, nil
}

// Purge deletes expired rows.
func (s *SQLiteStore) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM rate_counters WHERE expires_at IS NOT NULL AND expires_at <= ?`, s.clock.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("sqlite purge: %w", err)
	}
	return res.RowsAffected() //nolint:wrapcheck // sqlite driver always supports RowsAffected
}
