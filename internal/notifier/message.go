// Package notifier 负责把计划相关的通知发出去。发送失败由调用方按尽力而为处理。
package notifier

import (
	"context"
	"fmt"
	"strings"
	"time"

	"applytrail/internal/model"
)

// Message 是一条通知。
type Message struct {
	To      string
	Subject string
	Text    string
}

// Sender 是通知发送方。
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// ReminderMessage 构造截止提醒。
func ReminderMessage(s model.Schedule, job *model.Job, r model.ScheduleReminder) Message {
	label := jobLabel(s, job)
	var b strings.Builder
	b.WriteString(fmt.Sprintf("Reminder: your application for %s is scheduled for %s.\n", label, formatIn(s.ScheduledAt, s.Timezone)))
	if s.DeadlineAt != nil {
		b.WriteString(fmt.Sprintf("Deadline: %s (%s left).\n", formatIn(*s.DeadlineAt, s.Timezone), offsetLabel(r.OffsetMinutes)))
	}
	return Message{
		To:      s.NotificationEmail,
		Subject: fmt.Sprintf("Application reminder: %s", label),
		Text:    b.String(),
	}
}

// ConfirmationMessage 构造投递成功确认。
func ConfirmationMessage(s model.Schedule, job *model.Job) Message {
	label := jobLabel(s, job)
	at := time.Now()
	if s.SubmittedAt != nil {
		at = *s.SubmittedAt
	}
	return Message{
		To:      s.NotificationEmail,
		Subject: fmt.Sprintf("Application submitted: %s", label),
		Text:    fmt.Sprintf("Your application for %s was marked submitted at %s.\n", label, formatIn(at, s.Timezone)),
	}
}

// MissedDeadlineMessage 构造错过截止通知。
func MissedDeadlineMessage(s model.Schedule, job *model.Job) Message {
	label := jobLabel(s, job)
	text := fmt.Sprintf("The scheduled application for %s was not submitted before its deadline", label)
	if s.DeadlineAt != nil {
		text += " (" + formatIn(*s.DeadlineAt, s.Timezone) + ")"
	}
	return Message{
		To:      s.NotificationEmail,
		Subject: fmt.Sprintf("Missed deadline: %s", label),
		Text:    text + ".\n",
	}
}

func jobLabel(s model.Schedule, job *model.Job) string {
	if job == nil {
		return "job " + s.JobID
	}
	if job.Company == "" {
		return job.Title
	}
	return fmt.Sprintf("%s at %s", job.Title, job.Company)
}

func formatIn(t time.Time, tz string) string {
	if tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			t = t.In(loc)
		}
	}
	return t.Format("2006-01-02 15:04 MST")
}

func offsetLabel(minutes int) string {
	if minutes >= 60 && minutes%60 == 0 {
		return fmt.Sprintf("%dh", minutes/60)
	}
	return fmt.Sprintf("%dm", minutes)
}
