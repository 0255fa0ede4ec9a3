// Package apperr 定义领域错误分类，基于 github.com/cockroachdb/errors 的标记机制：
// 包装多少层都可以用 errors.Is 判断类别。
package apperr

import (
	"context"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// 错误类别哨兵。
var (
	ErrValidation   = errors.New("validation failed")
	ErrNotFound     = errors.New("not found")
	ErrConflict     = errors.New("conflict")
	ErrUpstreamEnum = errors.New("upstream rejected value")
)

// Validation 返回校验类错误（缺字段、日期格式错误、非法状态请求）。
func Validation(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrValidation)
}

// NotFound 返回不存在或不属于调用方的错误。
func NotFound(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrNotFound)
}

// Conflict 返回冲突类错误（已存在活动计划、从终态或不匹配状态迁移）。
func Conflict(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrConflict)
}

// UpstreamEnum 返回可恢复的上游枚举拒绝错误，调用方可用安全值重试一次。
func UpstreamEnum(format string, args ...any) error {
	return errors.Mark(errors.Newf(format, args...), ErrUpstreamEnum)
}

// Kind 返回错误类别名，未分类时为 internal。
func Kind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUpstreamEnum):
		return "upstream"
	}
	return "internal"
}

// FailureCounter 记录尽力而为操作的失败次数。
type FailureCounter interface {
	BestEffortFailed(op string)
}

// BestEffort 执行一个旁路副作用（通知、日历同步、事件发布）。
// 失败只记录日志并计数，永不返回错误；返回值仅表示是否成功。
func BestEffort(ctx context.Context, log *zap.SugaredLogger, counter FailureCounter, op string, fn func(context.Context) error, keysAndValues ...any) bool {
	err := fn(ctx)
	if err == nil {
		return true
	}
	if log != nil {
		log.With(keysAndValues...).Warnw("best-effort operation failed", "op", op, "err", err)
	}
	if counter != nil {
		counter.BestEffortFailed(op)
	}
	return false
}
