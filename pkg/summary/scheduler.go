package summary

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"chatcore/pkg/clock"
	"chatcore/pkg/logx"
	"chatcore/pkg/metrics"
	"chatcore/pkg/retry"
)

// State is the scheduler's position within a tick.
type State int32

const (
	StateIdle State = iota
	StateScanning
	StatePerRoomProcessing
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateScanning:
		return "scanning"
	case StatePerRoomProcessing:
		return "processing"
	default:
		return "unknown"
	}
}

// RoomSource finds rooms whose clean messages have not been summarized yet.
type RoomSource interface {
	RoomsWithFreshActivity(ctx context.Context, since time.Time) ([]int64, error)
}

// Job is one summarization run. *Service satisfies it.
type Job interface {
	CreateOrUpdateSummary(ctx context.Context, roomID int64) (Result, error)
}

// TickReport summarizes one pass.
type TickReport struct {
	Outcomes   map[Status]int
	Rooms      int
	Skipped    int // Rooms whose job was cut off by JobTimeout
	ScanFailed bool
}

// Scheduler periodically summarizes rooms with new activity. Rooms are processed one at a
// time; a failure in one room never stops the others.
type Scheduler struct {
	rooms    RoomSource
	job      Job
	config   Config
	clock    clock.Clock
	recorder metrics.Recorder
	logger   *logx.Logger
	state    atomic.Int32

	tuneScanPolicy func(*retry.Policy)
}

// SchedulerOption customizes a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock sets the time source for the interval sleep and scan backoff.
func WithSchedulerClock(c clock.Clock) SchedulerOption {
	return func(s *Scheduler) { s.clock = c }
}

// WithSchedulerRecorder sets the metrics recorder.
func WithSchedulerRecorder(r metrics.Recorder) SchedulerOption {
	return func(s *Scheduler) { s.recorder = r }
}

// WithScanPolicyTuning adjusts the scan backoff policy.
func WithScanPolicyTuning(fn func(*retry.Policy)) SchedulerOption {
	return func(s *Scheduler) { s.tuneScanPolicy = fn }
}

// NewScheduler creates a scheduler. Nothing runs until Run or Tick is called.
func NewScheduler(rooms RoomSource, job Job, config Config, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		rooms:    rooms,
		job:      job,
		config:   config.withDefaults(),
		clock:    clock.Real(),
		recorder: metrics.Nop{},
		logger:   logx.NewLogger("scheduler"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// State reports the current state.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// Run ticks until ctx ends, sleeping Interval after each tick. It returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("scheduler started (interval %v, lookback %v)", s.config.Interval, s.config.Lookback)
	defer s.logger.Info("scheduler stopped")

	for {
		if _, err := s.Tick(ctx); err != nil {
			return err
		}
		if err := clock.Sleep(ctx, s.clock, s.config.Interval); err != nil {
			return err
		}
	}
}

// Tick performs one scan and processes every qualifying room. The error is non-nil only
// when ctx ended.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	defer s.state.Store(int32(StateIdle))
	report := TickReport{Outcomes: make(map[Status]int)}

	s.state.Store(int32(StateScanning))
	rooms, err := s.scan(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return report, ctxErr
		}
		report.ScanFailed = true
		s.logger.Error("scan failed after %d attempts, waiting for next tick: %v", s.config.ScanRetries, err)
		return report, nil
	}
	if len(rooms) == 0 {
		logx.Debug(ctx, "scheduler", "no rooms with fresh activity")
		return report, nil
	}

	s.state.Store(int32(StatePerRoomProcessing))
	for _, roomID := range rooms {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Rooms++

		res, err := s.runJob(ctx, roomID)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return report, ctxErr
			}
			report.Skipped++
			s.logger.Warn("room %d: summarization timed out after %v", roomID, s.config.JobTimeout)
			continue
		}

		report.Outcomes[res.Status]++
		switch res.Status {
		case StatusOk, StatusNoContent:
			s.logger.Info("room %d: %s", roomID, res)
		default:
			s.logger.Warn("room %d: %s", roomID, res)
		}
	}
	return report, nil
}

func (s *Scheduler) runJob(ctx context.Context, roomID int64) (Result, error) {
	if s.config.JobTimeout <= 0 {
		return s.job.CreateOrUpdateSummary(ctx, roomID)
	}
	jobCtx, cancel := context.WithTimeout(ctx, s.config.JobTimeout)
	defer cancel()
	return s.job.CreateOrUpdateSummary(jobCtx, roomID)
}

// scan lists qualifying rooms, retrying with backoff up to ScanRetries consecutive times.
func (s *Scheduler) scan(ctx context.Context) ([]int64, error) {
	policy := retry.NewPolicy(retry.Config{
		MaxAttempts: s.config.ScanRetries,
		Base:        retry.DefaultBase,
		Cap:         retry.DefaultCap,
		Jitter:      retry.DefaultJitter,
	}, func(err error) (retry.Kind, time.Duration) {
		if errors.Is(err, context.Canceled) {
			return retry.KindCanceled, 0
		}
		return retry.KindTransient, 0
	})
	policy.Clock = s.clock
	policy.OnRetry = func(attempt int, _ retry.Kind, delay time.Duration, err error) {
		s.recorder.IncScanFailure()
		s.logger.Error("scan attempt %d failed, retrying in %v: %v", attempt+1, delay, err)
	}
	if s.tuneScanPolicy != nil {
		s.tuneScanPolicy(policy)
	}

	rooms, err := retry.Do(ctx, policy, func(ctx context.Context, _ int) ([]int64, error) {
		since := s.clock.Now().Add(-s.config.Lookback)
		return s.rooms.RoomsWithFreshActivity(ctx, since)
	})
	if err != nil {
		if ctx.Err() == nil {
			s.recorder.IncScanFailure()
		}
		return nil, fmt.Errorf("scan rooms: %w", err)
	}
	return dedupe(rooms), nil
}

func dedupe(ids []int64) []int64 {
	seen := make(map[int64]struct{}, len(ids))
	out := make([]int64, 0, len(ids))
	for _, id := range ids {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
