package storage

import (
	"context"
	"time"

	"applytrail/internal/apperr"
	"applytrail/internal/model"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ScheduleFilter 是计划列表筛选条件。
type ScheduleFilter struct {
	Status model.ScheduleStatus
	JobID  string
}

// Transition 描述一次条件状态迁移：仅当记录仍处于 From 时写入 To。
type Transition struct {
	From   model.ScheduleStatus
	To     model.ScheduleStatus
	Values map[string]any
	Action string
	Meta   datatypes.JSONMap
	At     time.Time
	// Job 非空时，在同一事务内随状态切换一起更新职位状态；切换未生效则不写职位。
	Job *JobStatusChange
}

// JobStatusChange 描述随计划状态切换一起写入的职位状态变更。
type JobStatusChange struct {
	UserID string
	JobID  string
	Status string
	Note   string
}

// CreateSchedule 写入计划及其提醒、审计子记录。
// 新计划为 scheduled 时，在同一事务内检查该职位是否已有 scheduled 计划，存在则返回 apperr.ErrConflict。
func (s *Store) CreateSchedule(ctx context.Context, sched *model.Schedule) error {
	if sched.ID == "" {
		sched.ID = uuid.NewString()
	}
	sched.ScheduledAt = utc(sched.ScheduledAt)
	sched.DeadlineAt = utcPtr(sched.DeadlineAt)
	sched.SubmittedAt = utcPtr(sched.SubmittedAt)
	for i := range sched.Reminders {
		sched.Reminders[i].RemindAt = sched.Reminders[i].RemindAt.UTC()
	}
	for i := range sched.Audit {
		sched.Audit[i].At = utc(sched.Audit[i].At)
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if sched.Status == model.ScheduleStatusScheduled {
			var active int64
			if err := tx.Model(&model.Schedule{}).
				Where("user_id = ? AND job_id = ? AND status = ?", sched.UserID, sched.JobID, model.ScheduleStatusScheduled).
				Count(&active).Error; err != nil {
				return errors.Wrap(err, "check active schedule")
			}
			if active > 0 {
				return errors.WithHint(
					apperr.Conflict("job %s already has an active schedule", sched.JobID),
					"cancel or reschedule the existing entry",
				)
			}
		}
		if err := tx.Create(sched).Error; err != nil {
			return errors.Wrap(err, "create schedule")
		}
		return nil
	})
}

// GetSchedule 返回属于用户的计划（含提醒与审计），不存在时返回 apperr.ErrNotFound。
func (s *Store) GetSchedule(ctx context.Context, userID, id string) (*model.Schedule, error) {
	var sched model.Schedule
	err := withChildren(s.db.WithContext(ctx)).
		First(&sched, "id = ? AND user_id = ?", id, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("schedule %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get schedule")
	}
	return &sched, nil
}

// ListSchedules 返回用户的计划，按计划时间升序。
func (s *Store) ListSchedules(ctx context.Context, userID string, filter ScheduleFilter) ([]model.Schedule, error) {
	query := withChildren(s.db.WithContext(ctx)).Where("user_id = ?", userID)
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.JobID != "" {
		query = query.Where("job_id = ?", filter.JobID)
	}
	var out []model.Schedule
	if err := query.Order("scheduled_at ASC, created_at ASC").Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "list schedules")
	}
	return out, nil
}

// FindScheduleForJob 返回职位最近创建的指定状态计划，不存在时返回 nil。
func (s *Store) FindScheduleForJob(ctx context.Context, userID, jobID string, status model.ScheduleStatus) (*model.Schedule, error) {
	var out []model.Schedule
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND job_id = ? AND status = ?", userID, jobID, status).
		Order("created_at DESC").Limit(1).Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err, "find schedule for job")
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

// TransitionSchedule 以比较并交换的方式迁移状态并在同一事务追加审计。
// 返回 false 表示记录已不处于 From（被其他请求或工作者抢先），此时不写任何数据。
func (s *Store) TransitionSchedule(ctx context.Context, id string, t Transition) (bool, error) {
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	applied := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		values := map[string]any{"status": t.To, "updated_at": at}
		for k, v := range t.Values {
			if tv, ok := v.(time.Time); ok {
				v = tv.UTC()
			}
			values[k] = v
		}
		res := tx.Model(&model.Schedule{}).Where("id = ? AND status = ?", id, t.From).Updates(values)
		if res.Error != nil {
			return errors.Wrap(res.Error, "transition schedule")
		}
		if res.RowsAffected == 0 {
			return nil
		}
		if t.Action != "" {
			audit := model.ScheduleAudit{ScheduleID: id, At: at, Action: t.Action, Meta: t.Meta}
			if err := tx.Create(&audit).Error; err != nil {
				return errors.Wrap(err, "append schedule audit")
			}
		}
		if t.Job != nil {
			if err := updateJobStatus(tx, t.Job.UserID, t.Job.JobID, t.Job.Status, t.Job.Note, at); err != nil {
				return err
			}
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// AppendScheduleAudit 追加一条审计记录。
func (s *Store) AppendScheduleAudit(ctx context.Context, id, action string, meta datatypes.JSONMap) error {
	audit := model.ScheduleAudit{ScheduleID: id, At: time.Now().UTC(), Action: action, Meta: meta}
	if err := s.db.WithContext(ctx).Create(&audit).Error; err != nil {
		return errors.Wrap(err, "append schedule audit")
	}
	return nil
}

// SetCalendarEventID 保存日历事件 ID。
func (s *Store) SetCalendarEventID(ctx context.Context, id, eventID string) error {
	err := s.db.WithContext(ctx).Model(&model.Schedule{}).Where("id = ?", id).
		Update("calendar_event_id", eventID).Error
	return errors.Wrap(err, "set calendar event id")
}

// ListOverdueScheduled 返回所有用户中截止时间不晚于 now 的 scheduled 计划，按截止时间升序，最多 limit 条。
func (s *Store) ListOverdueScheduled(ctx context.Context, now time.Time, limit int) ([]model.Schedule, error) {
	var out []model.Schedule
	err := s.db.WithContext(ctx).
		Where("status = ? AND deadline_at IS NOT NULL AND deadline_at <= ?", model.ScheduleStatusScheduled, now.UTC()).
		Order("deadline_at ASC, id ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err, "list overdue schedules")
	}
	return out, nil
}

// ListDueReminderSchedules 返回截止时间未过、且至少有一个到期未发送提醒的 scheduled 计划，只预加载到期未发送的提醒。
func (s *Store) ListDueReminderSchedules(ctx context.Context, now time.Time, limit int) ([]model.Schedule, error) {
	now = now.UTC()
	var out []model.Schedule
	err := s.db.WithContext(ctx).
		Preload("Reminders", func(db *gorm.DB) *gorm.DB {
			return db.Where("sent_at IS NULL AND remind_at <= ?", now).Order("remind_at ASC, id ASC")
		}).
		Where("status = ?", model.ScheduleStatusScheduled).
		Where("(deadline_at IS NULL OR deadline_at > ?)", now).
		Where("EXISTS (SELECT 1 FROM schedule_reminders r WHERE r.schedule_id = schedules.id AND r.sent_at IS NULL AND r.remind_at <= ?)", now).
		Order("scheduled_at ASC, id ASC").
		Limit(limit).
		Find(&out).Error
	if err != nil {
		return nil, errors.Wrap(err, "list due reminders")
	}
	return out, nil
}

// MarkReminderSent 仅在 sent_at 为空时写入发送时间，返回 false 表示已被标记。
func (s *Store) MarkReminderSent(ctx context.Context, reminderID uint, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&model.ScheduleReminder{}).
		Where("id = ? AND sent_at IS NULL", reminderID).
		Update("sent_at", at.UTC())
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "mark reminder sent")
	}
	return res.RowsAffected > 0, nil
}

// GetSchedulerSettings 返回用户设置，不存在时返回 nil。
func (s *Store) GetSchedulerSettings(ctx context.Context, userID string) (*model.SchedulerSettings, error) {
	var out []model.SchedulerSettings
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Limit(1).Find(&out).Error; err != nil {
		return nil, errors.Wrap(err, "get scheduler settings")
	}
	if len(out) == 0 {
		return nil, nil
	}
	return &out[0], nil
}

// UpsertSchedulerSettings 写入用户默认通知邮箱。
func (s *Store) UpsertSchedulerSettings(ctx context.Context, userID, email string) (*model.SchedulerSettings, error) {
	settings := model.SchedulerSettings{UserID: userID, DefaultNotificationEmail: email, UpdatedAt: time.Now().UTC()}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"default_notification_email", "updated_at"}),
	}).Create(&settings).Error
	if err != nil {
		return nil, errors.Wrap(err, "upsert scheduler settings")
	}
	return &settings, nil
}

func withChildren(db *gorm.DB) *gorm.DB {
	return db.
		Preload("Reminders", func(db *gorm.DB) *gorm.DB { return db.Order("remind_at ASC, id ASC") }).
		Preload("Audit", func(db *gorm.DB) *gorm.DB { return db.Order("at ASC, id ASC") })
}
