package clock

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeAdvanceFiresDueTimers(t *testing.T) {
	start := time.Date(2025, 8, 14, 12, 0, 0, 0, time.UTC)
	f := NewFake(start)

	short := f.After(time.Second)
	long := f.After(time.Minute)
	require.Equal(t, 2, f.Waiters())

	f.Advance(2 * time.Second)
	select {
	case got := <-short:
		assert.Equal(t, start.Add(2*time.Second), got)
	default:
		t.Fatal("short timer should have fired")
	}
	select {
	case <-long:
		t.Fatal("long timer fired early")
	default:
	}
	assert.Equal(t, 1, f.Waiters())
}

func TestSleepHonoursCancellation(t *testing.T) {
	f := NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Sleep(ctx, f, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestSleepZeroDuration(t *testing.T) {
	assert.NoError(t, Sleep(context.Background(), NewFake(time.Unix(0, 0)), 0))
}
