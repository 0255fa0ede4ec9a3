package schedule

import (
	"context"
	"strings"
	"time"

	"applytrail/internal/apperr"
	"applytrail/internal/calendar"
	"applytrail/internal/events"
	"applytrail/internal/logging"
	"applytrail/internal/metrics"
	"applytrail/internal/model"
	"applytrail/internal/notifier"
	"applytrail/internal/settings"
	"applytrail/internal/storage"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// 计划来源。
const (
	SourceUser   = "user"
	SourceImport = "import"
)

// Store 定义状态机依赖的持久化接口。
type Store interface {
	GetJob(ctx context.Context, userID, id string) (*model.Job, error)
	CreateSchedule(ctx context.Context, sched *model.Schedule) error
	GetSchedule(ctx context.Context, userID, id string) (*model.Schedule, error)
	ListSchedules(ctx context.Context, userID string, filter storage.ScheduleFilter) ([]model.Schedule, error)
	FindScheduleForJob(ctx context.Context, userID, jobID string, status model.ScheduleStatus) (*model.Schedule, error)
	TransitionSchedule(ctx context.Context, id string, t storage.Transition) (bool, error)
	SetCalendarEventID(ctx context.Context, id, eventID string) error
}

// EmailSettings 解析并保存默认通知邮箱。
type EmailSettings interface {
	ResolveEmail(ctx context.Context, userID, explicit string) (string, settings.Source, error)
	SetDefaultEmail(ctx context.Context, userID, email string) (string, error)
}

// Service 管理计划的创建、改期、提交、取消与过期。
// 所有状态变化都通过存储层的条件更新完成；通知、日历、事件发布均为尽力而为。
type Service struct {
	store    Store
	emails   EmailSettings
	calendar calendar.Sync
	notifier notifier.Sender
	events   events.Publisher
	metrics  *metrics.Metrics
	log      *zap.SugaredLogger
	now      func() time.Time
}

// Option 配置 Service。
type Option func(*Service)

// WithCalendar 设置日历同步。
func WithCalendar(c calendar.Sync) Option { return func(s *Service) { s.calendar = c } }

// WithNotifier 设置通知发送方。
func WithNotifier(n notifier.Sender) Option { return func(s *Service) { s.notifier = n } }

// WithPublisher 设置事件发布。
func WithPublisher(p events.Publisher) Option { return func(s *Service) { s.events = p } }

// WithMetrics 设置指标。
func WithMetrics(m *metrics.Metrics) Option { return func(s *Service) { s.metrics = m } }

// WithLogger 设置日志。
func WithLogger(l *zap.SugaredLogger) Option { return func(s *Service) { s.log = logging.OrNop(l) } }

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option { return func(s *Service) { s.now = now } }

// NewService 创建状态机服务。
func NewService(store Store, emails EmailSettings, opts ...Option) *Service {
	s := &Service{
		store:    store,
		emails:   emails,
		calendar: calendar.Nop{},
		notifier: notifier.NewLogSender(nil),
		events:   events.Nop{},
		log:      logging.Nop(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// CreateRequest 是创建计划的输入。
type CreateRequest struct {
	JobID             string     `json:"job_id"`
	ScheduledAt       time.Time  `json:"scheduled_at"`
	DeadlineAt        *time.Time `json:"deadline_at,omitempty"`
	NotificationEmail string     `json:"notification_email,omitempty"`
	Timezone          string     `json:"timezone,omitempty"`
}

// RescheduleRequest 是改期的输入。
type RescheduleRequest struct {
	ScheduledAt time.Time `json:"scheduled_at"`
	Timezone    string    `json:"timezone,omitempty"`
}

// Create 为 interested 状态的职位创建 scheduled 计划。
func (s *Service) Create(ctx context.Context, userID string, req CreateRequest) (*model.Schedule, error) {
	if strings.TrimSpace(req.JobID) == "" {
		return nil, apperr.Validation("job_id required")
	}
	if req.ScheduledAt.IsZero() {
		return nil, apperr.Validation("scheduled_at required")
	}
	tz, err := normalizeTimezone(req.Timezone)
	if err != nil {
		return nil, err
	}
	if req.DeadlineAt != nil && req.ScheduledAt.After(*req.DeadlineAt) {
		return nil, apperr.Validation("scheduled_at is after deadline_at")
	}

	job, err := s.store.GetJob(ctx, userID, req.JobID)
	if err != nil {
		return nil, err
	}
	if job.Status != model.JobStatusInterested {
		return nil, apperr.Validation("job %s has status %q, only interested jobs can be scheduled", job.ID, job.Status)
	}
	active, err := s.store.FindScheduleForJob(ctx, userID, job.ID, model.ScheduleStatusScheduled)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return nil, errors.WithHint(
			apperr.Conflict("job %s already has an active schedule %s", job.ID, active.ID),
			"cancel or reschedule the existing entry",
		)
	}

	email, src, err := s.emails.ResolveEmail(ctx, userID, req.NotificationEmail)
	if err != nil {
		return nil, err
	}
	if email == "" {
		return nil, apperr.Validation("no notification email: pass one or set a default")
	}

	now := s.now().UTC()
	sched := &model.Schedule{
		UserID:            userID,
		JobID:             job.ID,
		ScheduledAt:       req.ScheduledAt,
		DeadlineAt:        req.DeadlineAt,
		Timezone:          tz,
		NotificationEmail: email,
		Status:            model.ScheduleStatusScheduled,
		Source:            SourceUser,
		Reminders:         DefaultReminders(req.DeadlineAt, now),
		Audit: []model.ScheduleAudit{{
			At:     now,
			Action: "created",
			Meta:   datatypes.JSONMap{"email_source": string(src), "scheduled_at": req.ScheduledAt.UTC().Format(time.RFC3339)},
		}},
	}
	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return nil, err
	}
	s.metrics.Transition(string(model.ScheduleStatusScheduled))
	s.log.Infow("schedule created", "user_id", userID, "job_id", job.ID, "schedule_id", sched.ID, "reminders", len(sched.Reminders))

	if src == settings.SourceExplicit {
		s.bestEffort(ctx, "settings.persist_default", func(ctx context.Context) error {
			_, err := s.emails.SetDefaultEmail(ctx, userID, email)
			return err
		}, "user_id", userID)
	}
	s.syncCalendar(ctx, sched, job)
	s.publish(ctx, events.TypeScheduleCreated, sched)
	return sched, nil
}

// Reschedule 修改 scheduled 计划的时间，新时间不得晚于截止时间。
func (s *Service) Reschedule(ctx context.Context, userID, id string, req RescheduleRequest) (*model.Schedule, error) {
	if req.ScheduledAt.IsZero() {
		return nil, apperr.Validation("scheduled_at required")
	}
	sched, err := s.store.GetSchedule(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(sched, model.ScheduleStatusScheduled); err != nil {
		return nil, err
	}
	tz := sched.Timezone
	if req.Timezone != "" {
		if tz, err = normalizeTimezone(req.Timezone); err != nil {
			return nil, err
		}
	}
	if sched.DeadlineAt != nil && req.ScheduledAt.After(*sched.DeadlineAt) {
		return nil, apperr.Validation("scheduled_at is after deadline_at")
	}

	ok, err := s.store.TransitionSchedule(ctx, sched.ID, storage.Transition{
		From:   model.ScheduleStatusScheduled,
		To:     model.ScheduleStatusScheduled,
		Values: map[string]any{"scheduled_at": req.ScheduledAt.UTC(), "timezone": tz},
		Action: "rescheduled",
		Meta: datatypes.JSONMap{
			"from": sched.ScheduledAt.UTC().Format(time.RFC3339),
			"to":   req.ScheduledAt.UTC().Format(time.RFC3339),
		},
		At: s.now(),
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Conflict("schedule %s is no longer scheduled", sched.ID)
	}

	updated, err := s.store.GetSchedule(ctx, userID, sched.ID)
	if err != nil {
		return nil, err
	}
	s.syncCalendar(ctx, updated, s.jobFor(ctx, userID, updated.JobID))
	s.publish(ctx, events.TypeScheduleRescheduled, updated)
	return updated, nil
}

// SubmitNow 立即提交计划。截止时间已过时改为过期，截止优先于用户操作。
func (s *Service) SubmitNow(ctx context.Context, userID, id, source string) (*model.Schedule, error) {
	if source == "" {
		source = SourceUser
	}
	sched, err := s.store.GetSchedule(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(sched, model.ScheduleStatusSubmitted); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	if sched.DeadlineAt != nil && !now.Before(*sched.DeadlineAt) {
		claimed, err := s.Expire(ctx, *sched, now, datatypes.JSONMap{"trigger": "submit_now", "source": source})
		if err != nil {
			return nil, err
		}
		if !claimed {
			return nil, apperr.Conflict("schedule %s is no longer scheduled", sched.ID)
		}
		return s.store.GetSchedule(ctx, userID, sched.ID)
	}

	ok, err := s.store.TransitionSchedule(ctx, sched.ID, storage.Transition{
		From:   model.ScheduleStatusScheduled,
		To:     model.ScheduleStatusSubmitted,
		Values: map[string]any{"submitted_at": now},
		Action: "submitted",
		Meta:   datatypes.JSONMap{"source": source},
		At:     now,
		Job: &storage.JobStatusChange{
			UserID: userID,
			JobID:  sched.JobID,
			Status: model.JobStatusApplied,
			Note:   "submitted via schedule " + sched.ID,
		},
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Conflict("schedule %s is no longer scheduled", sched.ID)
	}
	s.metrics.Transition(string(model.ScheduleStatusSubmitted))

	updated, err := s.store.GetSchedule(ctx, userID, sched.ID)
	if err != nil {
		return nil, err
	}
	job := s.jobFor(ctx, userID, updated.JobID)
	s.notify(ctx, "notify.confirmation", notifier.ConfirmationMessage(*updated, job), updated)
	s.syncCalendar(ctx, updated, job)
	s.publish(ctx, events.TypeScheduleSubmitted, updated)
	return updated, nil
}

// Cancel 取消 scheduled 计划并尽力删除日历事件。
func (s *Service) Cancel(ctx context.Context, userID, id string) (*model.Schedule, error) {
	sched, err := s.store.GetSchedule(ctx, userID, id)
	if err != nil {
		return nil, err
	}
	if err := checkTransition(sched, model.ScheduleStatusCancelled); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	ok, err := s.store.TransitionSchedule(ctx, sched.ID, storage.Transition{
		From:   model.ScheduleStatusScheduled,
		To:     model.ScheduleStatusCancelled,
		Values: map[string]any{"cancelled_at": now},
		Action: "cancelled",
		At:     now,
	})
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Conflict("schedule %s is no longer scheduled", sched.ID)
	}
	s.metrics.Transition(string(model.ScheduleStatusCancelled))

	updated, err := s.store.GetSchedule(ctx, userID, sched.ID)
	if err != nil {
		return nil, err
	}
	s.bestEffort(ctx, "calendar.delete", func(ctx context.Context) error {
		return s.calendar.DeleteEvent(ctx, *updated)
	}, "schedule_id", updated.ID)
	s.publish(ctx, events.TypeScheduleCancelled, updated)
	return updated, nil
}

// Expire 以条件更新把计划置为过期。返回 false 表示计划已被其他调用方迁移，此时不做任何副作用。
// 认领成功后尽力同步日历并发送错过截止通知。
func (s *Service) Expire(ctx context.Context, sched model.Schedule, now time.Time, meta datatypes.JSONMap) (bool, error) {
	now = now.UTC()
	ok, err := s.store.TransitionSchedule(ctx, sched.ID, storage.Transition{
		From:   model.ScheduleStatusScheduled,
		To:     model.ScheduleStatusExpired,
		Values: map[string]any{"expired_at": now},
		Action: "expired",
		Meta:   meta,
		At:     now,
	})
	if err != nil || !ok {
		return false, err
	}
	s.metrics.Transition(string(model.ScheduleStatusExpired))
	s.log.Infow("schedule expired", "user_id", sched.UserID, "schedule_id", sched.ID, "job_id", sched.JobID)

	sched.Status = model.ScheduleStatusExpired
	sched.ExpiredAt = &now
	job := s.jobFor(ctx, sched.UserID, sched.JobID)
	s.syncCalendar(ctx, &sched, job)
	s.notify(ctx, "notify.missed_deadline", notifier.MissedDeadlineMessage(sched, job), &sched)
	s.publish(ctx, events.TypeScheduleExpired, &sched)
	return true, nil
}

// RecordSubmission 记录导入流程发现的真实投递。
// 已有 submitted 计划时直接返回；有 scheduled 计划时把它迁移为 submitted；否则新建 submitted 计划。
// 第二个返回值表示本次是否写入了计划。
func (s *Service) RecordSubmission(ctx context.Context, userID, jobID string, submittedAt time.Time, meta datatypes.JSONMap) (*model.Schedule, bool, error) {
	existing, err := s.store.FindScheduleForJob(ctx, userID, jobID, model.ScheduleStatusSubmitted)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		return existing, false, nil
	}
	submittedAt = submittedAt.UTC()

	active, err := s.store.FindScheduleForJob(ctx, userID, jobID, model.ScheduleStatusScheduled)
	if err != nil {
		return nil, false, err
	}
	if active != nil {
		ok, err := s.store.TransitionSchedule(ctx, active.ID, storage.Transition{
			From:   model.ScheduleStatusScheduled,
			To:     model.ScheduleStatusSubmitted,
			Values: map[string]any{"submitted_at": submittedAt},
			Action: "submitted",
			Meta:   withSource(meta, SourceImport),
			At:     s.now(),
		})
		if err != nil {
			return nil, false, err
		}
		if ok {
			s.metrics.Transition(string(model.ScheduleStatusSubmitted))
			updated, err := s.store.GetSchedule(ctx, userID, active.ID)
			if err != nil {
				return nil, false, err
			}
			s.syncCalendar(ctx, updated, s.jobFor(ctx, userID, updated.JobID))
			s.publish(ctx, events.TypeScheduleSubmitted, updated)
			return updated, true, nil
		}
	}

	email := ""
	s.bestEffort(ctx, "settings.resolve_email", func(ctx context.Context) error {
		var err error
		email, _, err = s.emails.ResolveEmail(ctx, userID, "")
		return err
	}, "user_id", userID)

	sched := &model.Schedule{
		UserID:            userID,
		JobID:             jobID,
		ScheduledAt:       submittedAt,
		Timezone:          "UTC",
		NotificationEmail: email,
		Status:            model.ScheduleStatusSubmitted,
		Source:            SourceImport,
		SubmittedAt:       &submittedAt,
		Audit: []model.ScheduleAudit{{
			At:     s.now().UTC(),
			Action: "created_submitted",
			Meta:   withSource(meta, SourceImport),
		}},
	}
	if err := s.store.CreateSchedule(ctx, sched); err != nil {
		return nil, false, err
	}
	s.metrics.Transition(string(model.ScheduleStatusSubmitted))
	s.publish(ctx, events.TypeScheduleSubmitted, sched)
	return sched, true, nil
}

// List 返回用户的计划，status 为空时返回全部。
func (s *Service) List(ctx context.Context, userID, status string) ([]model.Schedule, error) {
	filter := storage.ScheduleFilter{}
	if status != "" {
		st, err := ParseStatus(status)
		if err != nil {
			return nil, err
		}
		filter.Status = st
	}
	return s.store.ListSchedules(ctx, userID, filter)
}

// Get 返回单个计划。
func (s *Service) Get(ctx context.Context, userID, id string) (*model.Schedule, error) {
	return s.store.GetSchedule(ctx, userID, id)
}

func (s *Service) syncCalendar(ctx context.Context, sched *model.Schedule, job *model.Job) {
	s.bestEffort(ctx, "calendar.upsert", func(ctx context.Context) error {
		eventID, err := s.calendar.UpsertEvent(ctx, calendar.Event{Schedule: *sched, Job: job})
		if err != nil {
			return err
		}
		if eventID == "" || eventID == sched.CalendarEventID {
			return nil
		}
		if err := s.store.SetCalendarEventID(ctx, sched.ID, eventID); err != nil {
			return err
		}
		sched.CalendarEventID = eventID
		return nil
	}, "schedule_id", sched.ID)
}

func (s *Service) notify(ctx context.Context, op string, msg notifier.Message, sched *model.Schedule) {
	if msg.To == "" {
		s.log.Debugw("skip notification without recipient", "op", op, "schedule_id", sched.ID)
		return
	}
	s.bestEffort(ctx, op, func(ctx context.Context) error {
		return s.notifier.Send(ctx, msg)
	}, "schedule_id", sched.ID)
}

func (s *Service) publish(ctx context.Context, typ string, sched *model.Schedule) {
	s.bestEffort(ctx, "events.publish", func(ctx context.Context) error {
		return s.events.Publish(ctx, events.Event{
			Type:       typ,
			UserID:     sched.UserID,
			JobID:      sched.JobID,
			ScheduleID: sched.ID,
			Status:     string(sched.Status),
			At:         s.now().UTC(),
		})
	}, "schedule_id", sched.ID, "event", typ)
}

func (s *Service) bestEffort(ctx context.Context, op string, fn func(context.Context) error, kv ...any) {
	apperr.BestEffort(ctx, s.log, s.metrics, op, fn, kv...)
}

func (s *Service) jobFor(ctx context.Context, userID, jobID string) *model.Job {
	job, err := s.store.GetJob(ctx, userID, jobID)
	if err != nil {
		s.log.Debugw("job lookup for side effect failed", "user_id", userID, "job_id", jobID, "err", err)
		return nil
	}
	return job
}

func normalizeTimezone(tz string) (string, error) {
	tz = strings.TrimSpace(tz)
	if tz == "" {
		return "UTC", nil
	}
	if _, err := time.LoadLocation(tz); err != nil {
		return "", apperr.Validation("unknown timezone %q", tz)
	}
	return tz, nil
}

func withSource(meta datatypes.JSONMap, source string) datatypes.JSONMap {
	out := datatypes.JSONMap{"source": source}
	for k, v := range meta {
		out[k] = v
	}
	return out
}
