package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"applytrail/internal/reminder"
	"applytrail/internal/sweeper"
)

func TestSchedulerRunOnce(t *testing.T) {
	t.Parallel()

	r := &stubReminders{report: reminder.Report{Schedules: 1, Sent: 2}}
	e := &stubExpirations{report: sweeper.Report{Pages: 1, Claimed: 3}}
	sched := NewScheduler(r, e, Config{Timeout: "5s", SweepBatchSize: 7}, nil)

	rep, err := sched.RunReminders(context.Background())
	if err != nil {
		t.Fatalf("RunReminders error: %v", err)
	}
	if rep.Sent != 2 {
		t.Fatalf("expected 2 sent, got %d", rep.Sent)
	}

	swept, err := sched.RunSweep(context.Background())
	if err != nil {
		t.Fatalf("RunSweep error: %v", err)
	}
	if swept.Claimed != 3 {
		t.Fatalf("expected 3 claimed, got %d", swept.Claimed)
	}
	if e.batch.Load() != 7 {
		t.Fatalf("expected batch size 7, got %d", e.batch.Load())
	}
}

func TestSchedulerDefaultSweepBatch(t *testing.T) {
	t.Parallel()

	e := &stubExpirations{}
	sched := NewScheduler(nil, e, Config{}, nil)
	if _, err := sched.RunSweep(context.Background()); err != nil {
		t.Fatalf("RunSweep error: %v", err)
	}
	if e.batch.Load() != sweeper.DefaultBatchSize {
		t.Fatalf("expected default batch size, got %d", e.batch.Load())
	}
	if _, err := sched.RunReminders(context.Background()); err == nil {
		t.Fatalf("expected error for missing reminder dispatcher")
	}
}

func TestSchedulerNoOverlap(t *testing.T) {
	t.Parallel()

	remindTick := &stubTicker{ch: make(chan time.Time, 4)}
	sweepTick := &stubTicker{ch: make(chan time.Time, 4)}

	r := &stubReminders{block: make(chan struct{})}
	e := &stubExpirations{}
	sched := NewScheduler(r, e, Config{ReminderInterval: "1m", SweepInterval: "2m", Timeout: "5s"}, nil)
	sched.newTicker = func(d time.Duration) ticker {
		if d == time.Minute {
			return remindTick
		}
		return sweepTick
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = sched.Start(ctx)
	}()

	remindTick.ch <- time.Now()
	time.Sleep(20 * time.Millisecond)

	// 第一次派发仍在进行，手动触发应被跳过
	if _, err := sched.RunReminders(context.Background()); err != nil {
		t.Fatalf("overlapping RunReminders error: %v", err)
	}

	// 派发阻塞期间扫描不受影响
	sweepTick.ch <- time.Now()
	time.Sleep(20 * time.Millisecond)

	close(r.block)
	time.Sleep(20 * time.Millisecond)
	cancel()
	<-done

	if r.calls.Load() != 1 {
		t.Fatalf("expected reminders called once due to overlap prevention, got %d", r.calls.Load())
	}
	if e.calls.Load() != 1 {
		t.Fatalf("expected sweep called once, got %d", e.calls.Load())
	}
	if !remindTick.stopped.Load() || !sweepTick.stopped.Load() {
		t.Fatalf("expected tickers stopped")
	}
}

func TestSchedulerContinuesAfterFailure(t *testing.T) {
	t.Parallel()

	tick := &stubTicker{ch: make(chan time.Time, 1)}
	e := &stubExpirations{err: errors.New("db locked")}
	sched := NewScheduler(nil, e, Config{SweepInterval: "30s"}, nil)
	sched.newTicker = func(time.Duration) ticker { return tick }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- sched.Start(ctx) }()

	for i := 0; i < 2; i++ {
		tick.ch <- time.Now()
		time.Sleep(20 * time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
	if e.calls.Load() != 2 {
		t.Fatalf("expected two sweeps despite failures, got %d", e.calls.Load())
	}
}

func TestSchedulerStartRequiresTask(t *testing.T) {
	t.Parallel()

	if err := NewScheduler(nil, nil, Config{}, nil).Start(context.Background()); err == nil {
		t.Fatalf("expected error without tasks")
	}
}

func TestParseSchedule(t *testing.T) {
	t.Parallel()

	if d, c := parseSchedule("90s", time.Hour); d != 90*time.Second || c != nil {
		t.Fatalf("expected 90s interval, got %v %v", d, c)
	}
	if d, c := parseSchedule("", time.Hour); d != time.Hour || c != nil {
		t.Fatalf("expected fallback, got %v %v", d, c)
	}
	if d, c := parseSchedule("not a spec", time.Hour); d != time.Hour || c != nil {
		t.Fatalf("expected fallback for invalid spec, got %v %v", d, c)
	}

	_, c := parseSchedule("*/15 * * * *", time.Hour)
	if c == nil {
		t.Fatalf("expected cron schedule")
	}
	from := time.Date(2024, 3, 1, 10, 7, 30, 0, time.UTC)
	if next := c.Next(from); !next.Equal(time.Date(2024, 3, 1, 10, 15, 0, 0, time.UTC)) {
		t.Fatalf("unexpected next run %v", next)
	}
}

func TestValidateSpec(t *testing.T) {
	t.Parallel()

	for _, ok := range []string{"", "1m", "0 3 * * *"} {
		if err := ValidateSpec(ok); err != nil {
			t.Fatalf("expected %q valid, got %v", ok, err)
		}
	}
	for _, bad := range []string{"-1m", "every hour", "* * *"} {
		if err := ValidateSpec(bad); err == nil {
			t.Fatalf("expected %q invalid", bad)
		}
	}
}

type stubReminders struct {
	report reminder.Report
	block  chan struct{}
	calls  atomic.Int32
}

func (s *stubReminders) ProcessDueReminders(ctx context.Context) (reminder.Report, error) {
	s.calls.Add(1)
	if s.block != nil {
		select {
		case <-s.block:
		case <-ctx.Done():
			return reminder.Report{}, ctx.Err()
		}
	}
	return s.report, nil
}

type stubExpirations struct {
	report sweeper.Report
	err    error
	calls  atomic.Int32
	batch  atomic.Int32
}

func (s *stubExpirations) ProcessExpiredSchedules(_ context.Context, batchSize int) (sweeper.Report, error) {
	s.calls.Add(1)
	s.batch.Store(int32(batchSize))
	return s.report, s.err
}

type stubTicker struct {
	ch      chan time.Time
	stopped atomic.Bool
	once    sync.Once
}

func (s *stubTicker) C() <-chan time.Time { return s.ch }
func (s *stubTicker) Stop()               { s.once.Do(func() { s.stopped.Store(true) }) }
