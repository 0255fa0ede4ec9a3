// Package schedule 实现计划投递的状态机。
//
// 状态图：
//
//	scheduled ──► submitted
//	    │ ├─────► cancelled
//	    │ └─────► expired
//	    └──► scheduled（改期）
//
// submitted、cancelled、expired 为终态。
package schedule

import (
	"slices"

	"applytrail/internal/apperr"
	"applytrail/internal/model"
)

var validTransitions = map[model.ScheduleStatus][]model.ScheduleStatus{
	model.ScheduleStatusScheduled: {
		model.ScheduleStatusScheduled,
		model.ScheduleStatusSubmitted,
		model.ScheduleStatusCancelled,
		model.ScheduleStatusExpired,
	},
}

// ParseStatus 把字符串转换为状态，未知值返回校验错误。
func ParseStatus(s string) (model.ScheduleStatus, error) {
	st := model.ScheduleStatus(s)
	switch st {
	case model.ScheduleStatusScheduled, model.ScheduleStatusSubmitted, model.ScheduleStatusCancelled, model.ScheduleStatusExpired:
		return st, nil
	}
	return "", apperr.Validation("unknown schedule status %q", s)
}

// IsTransitionAllowed 判断 from → to 是否合法。
func IsTransitionAllowed(from, to model.ScheduleStatus) bool {
	allowed, ok := validTransitions[from]
	if !ok {
		return false
	}
	return slices.Contains(allowed, to)
}

func checkTransition(s *model.Schedule, to model.ScheduleStatus) error {
	if IsTransitionAllowed(s.Status, to) {
		return nil
	}
	return apperr.Conflict("schedule %s is %s, cannot move to %s", s.ID, s.Status, to)
}
