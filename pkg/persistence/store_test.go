package persistence

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewStore(db)
}

func addMessage(t *testing.T, s *Store, roomID int64, text string, flagged bool, at time.Time) *Message {
	t.Helper()
	msg := &Message{RoomID: roomID, AuthorHash: "anon", Text: text, IsFlagged: flagged, CreatedAt: at}
	if flagged {
		msg.FlagReason = "spam_phrase:click here"
	}
	require.NoError(t, s.InsertMessage(context.Background(), msg))
	return msg
}

func TestSchemaVersion(t *testing.T) {
	s := openTestStore(t)
	version, err := GetSchemaVersion(context.Background(), s.DB())
	require.NoError(t, err)
	assert.Equal(t, CurrentSchemaVersion, version)
}

func TestMigrationFromVersion1(t *testing.T) {
	ctx := context.Background()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	defer func() { _ = db.Close() }()

	for _, stmt := range []string{
		`CREATE TABLE rooms (id INTEGER PRIMARY KEY AUTOINCREMENT, code TEXT NOT NULL UNIQUE, title TEXT NOT NULL, created_at INTEGER NOT NULL)`,
		`CREATE TABLE room_summaries (id TEXT PRIMARY KEY, room_id INTEGER NOT NULL, content TEXT NOT NULL, created_at INTEGER NOT NULL)`,
	} {
		_, err := db.Exec(stmt)
		require.NoError(t, err)
	}
	_, err = GetSchemaVersion(ctx, db)
	require.NoError(t, err)
	require.NoError(t, setSchemaVersion(ctx, db, 1))

	require.NoError(t, initializeSchemaWithMigrations(ctx, db))

	version, err := GetSchemaVersion(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, 2, version)
	_, err = db.Exec(`SELECT last_message_id FROM room_summaries`)
	assert.NoError(t, err)
}

func TestRooms(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	room, err := s.CreateRoom(ctx, "ABC234", "Standup", t0)
	require.NoError(t, err)
	assert.NotZero(t, room.ID)

	got, err := s.GetRoomByCode(ctx, "ABC234")
	require.NoError(t, err)
	assert.Equal(t, room, got)

	_, err = s.CreateRoom(ctx, "ABC234", "Again", t0)
	assert.ErrorIs(t, err, ErrDuplicateCode)

	_, err = s.GetRoomByCode(ctx, "NOPE22")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = s.CreateRoom(ctx, "XYZ789", "Retro", t0)
	require.NoError(t, err)
	rooms, err := s.ListRooms(ctx)
	require.NoError(t, err)
	require.Len(t, rooms, 2)
	assert.Equal(t, "XYZ789", rooms[0].Code)
}

func TestMessagesPagingAndCleanSelection(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	room, err := s.CreateRoom(ctx, "ROOM22", "r", t0)
	require.NoError(t, err)

	addMessage(t, s, room.ID, "hi", false, t0)
	addMessage(t, s, room.ID, "click here click here click here click here", true, t0.Add(time.Second))
	addMessage(t, s, room.ID, "bye", false, t0.Add(2*time.Second))
	last := addMessage(t, s, room.ID, "cool", false, t0.Add(3*time.Second))

	page, err := s.ListMessages(ctx, room.ID, 0, 2)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.True(t, page[1].IsFlagged)
	assert.Equal(t, "spam_phrase:click here", page[1].FlagReason)

	page, err = s.ListMessages(ctx, room.ID, page[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.Equal(t, last.ID, page[1].ID)

	clean, err := s.RecentCleanMessages(ctx, room.ID, 50)
	require.NoError(t, err)
	var texts []string
	for _, m := range clean {
		texts = append(texts, m.Text)
	}
	assert.Equal(t, []string{"cool", "bye", "hi"}, texts)
	assert.Equal(t, t0.Add(3*time.Second), clean[0].CreatedAt)

	clean, err = s.RecentCleanMessages(ctx, room.ID, 2)
	require.NoError(t, err)
	assert.Len(t, clean, 2)
}

func TestRoomsWithFreshActivity(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	active, err := s.CreateRoom(ctx, "AAA222", "active", t0)
	require.NoError(t, err)
	flaggedOnly, err := s.CreateRoom(ctx, "BBB333", "flagged", t0)
	require.NoError(t, err)
	stale, err := s.CreateRoom(ctx, "CCC444", "stale", t0)
	require.NoError(t, err)

	addMessage(t, s, active.ID, "one", false, t0.Add(9*time.Minute))
	addMessage(t, s, active.ID, "two", false, t0.Add(9*time.Minute))
	addMessage(t, s, flaggedOnly.ID, "buy now", true, t0.Add(9*time.Minute))
	addMessage(t, s, stale.ID, "old", false, t0)

	since := t0.Add(5 * time.Minute)
	ids, err := s.RoomsWithFreshActivity(ctx, since)
	require.NoError(t, err)
	assert.Equal(t, []int64{active.ID}, ids, "duplicates collapse and flagged or stale rooms are skipped")

	// A summary covering the newest message removes the room until something new arrives.
	latest, err := s.RecentCleanMessages(ctx, active.ID, 1)
	require.NoError(t, err)
	_, err = s.InsertSummary(ctx, active.ID, "summary", latest[0].ID, t0.Add(10*time.Minute))
	require.NoError(t, err)

	ids, err = s.RoomsWithFreshActivity(ctx, since)
	require.NoError(t, err)
	assert.Empty(t, ids)

	addMessage(t, s, active.ID, "three", false, t0.Add(11*time.Minute))
	ids, err = s.RoomsWithFreshActivity(ctx, since)
	require.NoError(t, err)
	assert.Equal(t, []int64{active.ID}, ids)
}

func TestSummariesAreAppendOnly(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	room, err := s.CreateRoom(ctx, "SUM222", "r", t0)
	require.NoError(t, err)

	_, err = s.LatestSummary(ctx, room.ID)
	assert.True(t, errors.Is(err, ErrNotFound))

	first, err := s.InsertSummary(ctx, room.ID, "first", 1, t0)
	require.NoError(t, err)
	second, err := s.InsertSummary(ctx, room.ID, "second", 2, t0.Add(time.Minute))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, second.ID)

	latest, err := s.LatestSummary(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, second, latest)

	n, err := s.CountSummaries(ctx, room.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}
