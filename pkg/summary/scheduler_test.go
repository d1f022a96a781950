package summary_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatcore/pkg/retry"
	"chatcore/pkg/summary"
)

func noWaitScan(p *retry.Policy) {
	p.Rand = func(int64) int64 { return 0 }
	p.Sleep = func(ctx context.Context, _ time.Duration) error { return ctx.Err() }
}

type flakyRooms struct {
	mu    sync.Mutex
	fails int
	calls int
	rooms []int64
	since []time.Time
}

func (r *flakyRooms) RoomsWithFreshActivity(_ context.Context, since time.Time) ([]int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.since = append(r.since, since)
	if r.calls <= r.fails {
		return nil, errors.New("database is locked")
	}
	return r.rooms, nil
}

type scriptedJob struct {
	mu      sync.Mutex
	results map[int64]summary.Result
	block   map[int64]bool
	seen    []int64
}

func (j *scriptedJob) CreateOrUpdateSummary(ctx context.Context, roomID int64) (summary.Result, error) {
	j.mu.Lock()
	j.seen = append(j.seen, roomID)
	block := j.block[roomID]
	res, ok := j.results[roomID]
	j.mu.Unlock()

	if block {
		<-ctx.Done()
		return summary.Result{}, ctx.Err()
	}
	if !ok {
		res = summary.OkResult("s", t0)
	}
	return res, nil
}

func TestTick_SecondTickDoesNotResummarize(t *testing.T) {
	f := newFixture(t)
	f.post(t, "hi", false)
	f.post(t, "bye", false)
	f.client.RespondWith("summary")

	sched := summary.NewScheduler(f.store, f.service(), summary.DefaultConfig(), summary.WithSchedulerClock(f.clock))

	report, err := sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Rooms)
	assert.Equal(t, 1, report.Outcomes[summary.StatusOk])

	report, err = sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Rooms)
	assert.Equal(t, 1, f.summaries(t))
	assert.Equal(t, 1, f.client.CallCount())
	assert.Equal(t, summary.StateIdle, sched.State())
}

func TestTick_NewMessageAfterSummaryQualifiesAgain(t *testing.T) {
	f := newFixture(t)
	f.post(t, "hi", false)
	f.client.RespondWith("summary")
	sched := summary.NewScheduler(f.store, f.service(), summary.DefaultConfig(), summary.WithSchedulerClock(f.clock))

	_, err := sched.Tick(context.Background())
	require.NoError(t, err)
	f.post(t, "one more thing", false)
	_, err = sched.Tick(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 2, f.summaries(t))
}

func TestTick_IgnoresRoomsOutsideLookback(t *testing.T) {
	f := newFixture(t)
	f.post(t, "hi", false)
	f.clock.Advance(summary.DefaultLookback + time.Minute)

	sched := summary.NewScheduler(f.store, f.service(), summary.DefaultConfig(), summary.WithSchedulerClock(f.clock))
	report, err := sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, report.Rooms)
	assert.Equal(t, 0, f.client.CallCount())
}

func TestTick_ScanRetriesThenGivesUp(t *testing.T) {
	rooms := &flakyRooms{fails: 100}
	rec := &countingRecorder{}
	sched := summary.NewScheduler(rooms, &scriptedJob{}, summary.DefaultConfig(),
		summary.WithSchedulerRecorder(rec), summary.WithScanPolicyTuning(noWaitScan))

	report, err := sched.Tick(context.Background())
	require.NoError(t, err)
	assert.True(t, report.ScanFailed)
	assert.Equal(t, summary.DefaultScanRetries, rooms.calls)
	assert.Equal(t, int64(summary.DefaultScanRetries), rec.scanFailures.Load())
}

func TestTick_ScanRecoversWithinRetries(t *testing.T) {
	rooms := &flakyRooms{fails: 2, rooms: []int64{4, 4, 9}}
	job := &scriptedJob{}
	sched := summary.NewScheduler(rooms, job, summary.DefaultConfig(), summary.WithScanPolicyTuning(noWaitScan))

	report, err := sched.Tick(context.Background())
	require.NoError(t, err)
	assert.False(t, report.ScanFailed)
	assert.Equal(t, []int64{4, 9}, job.seen)
}

func TestTick_OneRoomFailureDoesNotStopOthers(t *testing.T) {
	rooms := &flakyRooms{rooms: []int64{1, 2, 3}}
	job := &scriptedJob{results: map[int64]summary.Result{
		1: summary.UpstreamErrorResult("boom"),
		2: summary.RateLimitedResult(5, "quota"),
	}}
	sched := summary.NewScheduler(rooms, job, summary.DefaultConfig())

	report, err := sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, job.seen)
	assert.Equal(t, 1, report.Outcomes[summary.StatusUpstreamError])
	assert.Equal(t, 1, report.Outcomes[summary.StatusRateLimited])
	assert.Equal(t, 1, report.Outcomes[summary.StatusOk])
}

func TestTick_JobTimeoutSkipsOnlyThatRoom(t *testing.T) {
	rooms := &flakyRooms{rooms: []int64{1, 2}}
	job := &scriptedJob{block: map[int64]bool{1: true}}
	cfg := summary.DefaultConfig()
	cfg.JobTimeout = 10 * time.Millisecond
	sched := summary.NewScheduler(rooms, job, cfg)

	report, err := sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, 1, report.Outcomes[summary.StatusOk])
	assert.Equal(t, []int64{1, 2}, job.seen)
}

func TestTick_CancellationPropagates(t *testing.T) {
	rooms := &flakyRooms{rooms: []int64{1, 2}}
	job := &scriptedJob{block: map[int64]bool{1: true}}
	sched := summary.NewScheduler(rooms, job, summary.DefaultConfig())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := sched.Tick(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, []int64{1}, job.seen)
}

func TestRun_SleepsIntervalBetweenTicks(t *testing.T) {
	f := newFixture(t)
	rooms := &flakyRooms{}
	cfg := summary.DefaultConfig()
	sched := summary.NewScheduler(rooms, &scriptedJob{}, cfg, summary.WithSchedulerClock(f.clock))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sched.Run(ctx) }()

	waitForWaiter := func() {
		require.Eventually(t, func() bool { return f.clock.Waiters() > 0 }, time.Second, time.Millisecond)
	}
	waitForWaiter()
	f.clock.Advance(cfg.Interval)
	waitForWaiter()

	rooms.mu.Lock()
	assert.Equal(t, 2, rooms.calls)
	assert.Equal(t, cfg.Interval, rooms.since[1].Sub(rooms.since[0]))
	rooms.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}
