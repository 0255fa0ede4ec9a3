// Package scheduler 周期性触发提醒派发与逾期扫描。
package scheduler

import (
	"context"
	"strings"
	"sync/atomic"
	"time"

	"applytrail/internal/logging"
	"applytrail/internal/reminder"
	"applytrail/internal/sweeper"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultReminderInterval = time.Minute
	defaultSweepInterval    = 5 * time.Minute
	defaultTimeout          = 30 * time.Second
)

// Config 用于调度配置。间隔可以是 Go duration，也可以是 5 段 cron 表达式。
type Config struct {
	ReminderInterval  string `yaml:"reminder_interval" mapstructure:"reminder_interval"`
	SweepInterval     string `yaml:"sweep_interval" mapstructure:"sweep_interval"`
	Timeout           string `yaml:"timeout" mapstructure:"timeout"`
	ReminderBatchSize int    `yaml:"reminder_batch_size" mapstructure:"reminder_batch_size"`
	SweepBatchSize    int    `yaml:"sweep_batch_size" mapstructure:"sweep_batch_size"`
}

// Reminders 派发到期提醒。
type Reminders interface {
	ProcessDueReminders(ctx context.Context) (reminder.Report, error)
}

// Expirations 扫描逾期计划。
type Expirations interface {
	ProcessExpiredSchedules(ctx context.Context, batchSize int) (sweeper.Report, error)
}

type ticker interface {
	C() <-chan time.Time
	Stop()
}

type task struct {
	name     string
	interval time.Duration
	cron     cron.Schedule
	running  atomic.Bool
	run      func(ctx context.Context) error
}

// Scheduler 负责两个后台任务的循环，任务失败只记录日志，循环继续。
type Scheduler struct {
	reminders  Reminders
	sweeps     Expirations
	timeout    time.Duration
	sweepBatch int
	remindTask *task
	sweepTask  *task
	log        *zap.SugaredLogger
	newTicker  func(time.Duration) ticker
	now        func() time.Time
}

// NewScheduler 创建 Scheduler，解析配置的间隔与超时。任一任务可以为 nil，表示不调度。
func NewScheduler(r Reminders, e Expirations, cfg Config, log *zap.SugaredLogger) *Scheduler {
	timeout := defaultTimeout
	if cfg.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Timeout); err == nil && d > 0 {
			timeout = d
		}
	}
	batch := cfg.SweepBatchSize
	if batch <= 0 {
		batch = sweeper.DefaultBatchSize
	}

	s := &Scheduler{
		reminders:  r,
		sweeps:     e,
		timeout:    timeout,
		sweepBatch: batch,
		log:        logging.OrNop(log),
		newTicker:  defaultTicker,
		now:        time.Now,
	}
	s.remindTask = newTask("reminders", cfg.ReminderInterval, defaultReminderInterval, func(ctx context.Context) error {
		_, err := s.RunReminders(ctx)
		return err
	})
	s.sweepTask = newTask("expirations", cfg.SweepInterval, defaultSweepInterval, func(ctx context.Context) error {
		_, err := s.RunSweep(ctx)
		return err
	})
	return s
}

func newTask(name, spec string, fallback time.Duration, run func(context.Context) error) *task {
	interval, sched := parseSchedule(spec, fallback)
	return &task{name: name, interval: interval, cron: sched, run: run}
}

// Start 启动调度循环，直到上下文取消。
func (s *Scheduler) Start(ctx context.Context) error {
	if s.reminders == nil && s.sweeps == nil {
		return errors.New("scheduler missing dependencies")
	}

	g, ctx := errgroup.WithContext(ctx)
	if s.reminders != nil {
		s.loop(ctx, g, s.remindTask)
	}
	if s.sweeps != nil {
		s.loop(ctx, g, s.sweepTask)
	}
	return g.Wait()
}

// RunReminders 执行一次提醒派发。上一次仍在执行时直接返回空报告。
func (s *Scheduler) RunReminders(ctx context.Context) (reminder.Report, error) {
	if s.reminders == nil {
		return reminder.Report{}, errors.New("reminder dispatcher not configured")
	}
	if s.remindTask.running.Swap(true) {
		return reminder.Report{}, nil
	}
	defer s.remindTask.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rep, err := s.reminders.ProcessDueReminders(ctx)
	if err != nil {
		return rep, errors.Wrap(err, "process due reminders")
	}
	if rep.Sent > 0 || rep.Failed > 0 {
		s.log.Infow("reminders dispatched", "sent", rep.Sent, "failed", rep.Failed, "skipped", rep.Skipped)
	}
	return rep, nil
}

// RunSweep 执行一次逾期扫描。上一次仍在执行时直接返回空报告。
func (s *Scheduler) RunSweep(ctx context.Context) (sweeper.Report, error) {
	if s.sweeps == nil {
		return sweeper.Report{}, errors.New("expiration sweeper not configured")
	}
	if s.sweepTask.running.Swap(true) {
		return sweeper.Report{}, nil
	}
	defer s.sweepTask.running.Store(false)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	rep, err := s.sweeps.ProcessExpiredSchedules(ctx, s.sweepBatch)
	if err != nil {
		return rep, errors.Wrap(err, "process expired schedules")
	}
	if rep.Claimed > 0 || rep.Failed > 0 {
		s.log.Infow("expired schedules swept", "claimed", rep.Claimed, "lost", rep.Lost, "failed", rep.Failed)
	}
	return rep, nil
}

func (s *Scheduler) loop(ctx context.Context, g *errgroup.Group, t *task) {
	if t.cron != nil {
		g.Go(func() error { return s.startCron(ctx, t) })
		return
	}

	tick := s.newTicker(t.interval)
	ch := tick.C()
	g.Go(func() error {
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ch:
				s.runTask(ctx, t)
			drain:
				for {
					select {
					case <-ch:
						continue
					default:
						break drain
					}
				}
			}
		}
	})
}

func (s *Scheduler) startCron(ctx context.Context, t *task) error {
	for {
		next := t.cron.Next(s.now())
		if next.IsZero() {
			return errors.Newf("%s: cron schedule has no next run", t.name)
		}
		wait := time.Until(next)
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			s.runTask(ctx, t)
		}
	}
}

func (s *Scheduler) runTask(ctx context.Context, t *task) {
	if err := t.run(ctx); err != nil && ctx.Err() == nil {
		s.log.Warnw("scheduled task failed", "task", t.name, "err", err)
	}
}

func defaultTicker(d time.Duration) ticker {
	t := time.NewTicker(d)
	return tickerWrapper{t}
}

type tickerWrapper struct {
	*time.Ticker
}

func (t tickerWrapper) C() <-chan time.Time { return t.Ticker.C }
func (t tickerWrapper) Stop()               { t.Ticker.Stop() }

// parseSchedule 优先按 duration 解析，其次按标准 cron 表达式，都失败时使用默认间隔。
func parseSchedule(value string, fallback time.Duration) (time.Duration, cron.Schedule) {
	trimmed := strings.TrimSpace(value)
	if trimmed != "" {
		if d, err := time.ParseDuration(trimmed); err == nil && d > 0 {
			return d, nil
		}
		if sched, err := cron.ParseStandard(trimmed); err == nil {
			return 0, sched
		}
	}
	return fallback, nil
}

// ValidateSpec 检查间隔配置是否可解析，空值表示使用默认值。
func ValidateSpec(value string) error {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	if d, err := time.ParseDuration(trimmed); err == nil {
		if d <= 0 {
			return errors.Newf("interval %q must be positive", value)
		}
		return nil
	}
	if _, err := cron.ParseStandard(trimmed); err != nil {
		return errors.Wrapf(err, "interval %q is neither a duration nor a cron spec", value)
	}
	return nil
}
