package model

import (
	"time"

	"gorm.io/datatypes"
)

// ScheduleStatus 是计划投递的状态。
type ScheduleStatus string

const (
	ScheduleStatusScheduled ScheduleStatus = "scheduled"
	ScheduleStatusSubmitted ScheduleStatus = "submitted"
	ScheduleStatusCancelled ScheduleStatus = "cancelled"
	ScheduleStatusExpired   ScheduleStatus = "expired"
)

// Terminal 判断是否为终态。
func (s ScheduleStatus) Terminal() bool {
	switch s {
	case ScheduleStatusSubmitted, ScheduleStatusCancelled, ScheduleStatusExpired:
		return true
	}
	return false
}

// Schedule 表示一次计划投递。
// 同一 (user_id, job_id) 最多一条 scheduled 记录，由创建前检查保证；终态记录可以并存。
// 状态只能通过条件更新（期望原状态）改变，见 storage.TransitionSchedule。
type Schedule struct {
	ID                string             `gorm:"primaryKey;size:36" json:"id"`
	UserID            string             `gorm:"not null;index:idx_schedule_user_job,priority:1" json:"user_id"`
	JobID             string             `gorm:"size:36;not null;index:idx_schedule_user_job,priority:2" json:"job_id"`
	ScheduledAt       time.Time          `json:"scheduled_at"`
	DeadlineAt        *time.Time         `gorm:"index" json:"deadline_at,omitempty"`
	Timezone          string             `gorm:"size:64" json:"timezone"`
	NotificationEmail string             `json:"notification_email"`
	Status            ScheduleStatus     `gorm:"size:16;not null;index" json:"status"`
	Source            string             `gorm:"size:32" json:"source"`
	SubmittedAt       *time.Time         `json:"submitted_at,omitempty"`
	ExpiredAt         *time.Time         `json:"expired_at,omitempty"`
	CancelledAt       *time.Time         `json:"cancelled_at,omitempty"`
	CalendarEventID   string             `json:"google_calendar_event_id,omitempty"`
	Reminders         []ScheduleReminder `gorm:"foreignKey:ScheduleID" json:"reminders"`
	Audit             []ScheduleAudit    `gorm:"foreignKey:ScheduleID" json:"audit"`
	CreatedAt         time.Time          `json:"created_at"`
	UpdatedAt         time.Time          `json:"updated_at"`
}

// ScheduleReminder 是计划上的一个提醒，SentAt 只会从空变为时间戳。
type ScheduleReminder struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	ScheduleID    string     `gorm:"size:36;not null;index" json:"-"`
	Kind          string     `gorm:"size:32" json:"kind"`
	OffsetMinutes int        `json:"offset_minutes"`
	RemindAt      time.Time  `gorm:"index" json:"remind_at"`
	SentAt        *time.Time `json:"sent_at,omitempty"`
}

// ScheduleAudit 是只追加的审计记录。
type ScheduleAudit struct {
	ID         uint              `gorm:"primaryKey" json:"-"`
	ScheduleID string            `gorm:"size:36;not null;index" json:"-"`
	At         time.Time         `json:"at"`
	Action     string            `gorm:"size:32" json:"action"`
	Meta       datatypes.JSONMap `json:"meta,omitempty"`
}

// SchedulerSettings 保存用户的默认通知邮箱，按需懒写入。
type SchedulerSettings struct {
	UserID                   string    `gorm:"primaryKey" json:"user_id"`
	DefaultNotificationEmail string    `json:"default_notification_email"`
	UpdatedAt                time.Time `json:"updated_at"`
}
