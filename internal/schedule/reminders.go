package schedule

import (
	"time"

	"applytrail/internal/model"
)

var defaultOffsets = []struct {
	kind    string
	minutes int
}{
	{"deadline_24h", 24 * 60},
	{"deadline_3h", 3 * 60},
	{"deadline_1h", 60},
}

// DefaultReminders 在截止前 24h、3h、1h 生成提醒，已经过去的提醒被丢弃。没有截止时间时返回 nil。
func DefaultReminders(deadline *time.Time, now time.Time) []model.ScheduleReminder {
	if deadline == nil {
		return nil
	}
	var out []model.ScheduleReminder
	for _, o := range defaultOffsets {
		at := deadline.Add(-time.Duration(o.minutes) * time.Minute)
		if !at.After(now) {
			continue
		}
		out = append(out, model.ScheduleReminder{Kind: o.kind, OffsetMinutes: o.minutes, RemindAt: at.UTC()})
	}
	return out
}
