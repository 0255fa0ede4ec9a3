// Package reminder 投递到期未发送的计划提醒。调度由外部触发，本包不持有定时器。
package reminder

import (
	"context"
	"time"

	"applytrail/internal/logging"
	"applytrail/internal/metrics"
	"applytrail/internal/model"
	"applytrail/internal/notifier"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// DefaultBatchSize 是单次调用最多处理的计划数。
const DefaultBatchSize = 50

// Store 定义提醒投递依赖的持久化接口。
type Store interface {
	ListDueReminderSchedules(ctx context.Context, now time.Time, limit int) ([]model.Schedule, error)
	MarkReminderSent(ctx context.Context, reminderID uint, at time.Time) (bool, error)
	GetJob(ctx context.Context, userID, id string) (*model.Job, error)
}

// Report 汇总一次投递。
type Report struct {
	Schedules int `json:"schedules"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Dispatcher 负责发送提醒并把成功的提醒标记为已发送。
type Dispatcher struct {
	store     Store
	sender    notifier.Sender
	batchSize int
	metrics   *metrics.Metrics
	log       *zap.SugaredLogger
	now       func() time.Time
}

// Option 配置 Dispatcher。
type Option func(*Dispatcher)

// WithBatchSize 设置单次处理的计划上限。
func WithBatchSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

// WithMetrics 设置指标。
func WithMetrics(m *metrics.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithLogger 设置日志。
func WithLogger(l *zap.SugaredLogger) Option { return func(d *Dispatcher) { d.log = logging.OrNop(l) } }

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

// New 创建 Dispatcher。
func New(store Store, sender notifier.Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:     store,
		sender:    sender,
		batchSize: DefaultBatchSize,
		log:       logging.Nop(),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// ProcessDueReminders 发送到期提醒。发送失败的提醒保持未发送，留给下一次调用（至少一次投递）。
func (d *Dispatcher) ProcessDueReminders(ctx context.Context) (Report, error) {
	var report Report
	now := d.now().UTC()

	schedules, err := d.store.ListDueReminderSchedules(ctx, now, d.batchSize)
	if err != nil {
		return report, errors.Wrap(err, "list due reminders")
	}
	report.Schedules = len(schedules)

	for _, sched := range schedules {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if sched.NotificationEmail == "" {
			report.Skipped += len(sched.Reminders)
			d.log.Warnw("schedule has no notification email", "schedule_id", sched.ID, "user_id", sched.UserID)
			continue
		}
		job, err := d.store.GetJob(ctx, sched.UserID, sched.JobID)
		if err != nil {
			job = nil
		}
		for _, r := range sched.Reminders {
			if err := d.sender.Send(ctx, notifier.ReminderMessage(sched, job, r)); err != nil {
				report.Failed++
				d.metrics.Reminder("failed")
				d.log.Warnw("send reminder failed", "schedule_id", sched.ID, "reminder", r.Kind, "err", err)
				continue
			}
			if _, err := d.store.MarkReminderSent(ctx, r.ID, d.now().UTC()); err != nil {
				report.Failed++
				d.metrics.Reminder("failed")
				d.log.Warnw("mark reminder sent failed", "schedule_id", sched.ID, "reminder", r.Kind, "err", err)
				continue
			}
			report.Sent++
			d.metrics.Reminder("sent")
		}
	}

	if report.Sent > 0 || report.Failed > 0 {
		d.log.Infow("reminders processed", "schedules", report.Schedules, "sent", report.Sent, "failed", report.Failed)
	}
	return report, nil
}
