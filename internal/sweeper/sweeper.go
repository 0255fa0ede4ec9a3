// Package sweeper 在所有用户范围内把逾期的 scheduled 计划置为过期。
// 多个工作者可以同时运行，正确性完全依赖存储层的条件更新认领。
package sweeper

import (
	"context"
	"time"

	"applytrail/internal/logging"
	"applytrail/internal/metrics"
	"applytrail/internal/model"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"gorm.io/datatypes"
)

// DefaultBatchSize 是每页查询的计划数。
const DefaultBatchSize = 100

// Store 查询逾期计划。
type Store interface {
	ListOverdueScheduled(ctx context.Context, now time.Time, limit int) ([]model.Schedule, error)
}

// Expirer 以条件更新认领过期，返回 false 表示已被其他工作者认领。
type Expirer interface {
	Expire(ctx context.Context, sched model.Schedule, now time.Time, meta datatypes.JSONMap) (bool, error)
}

// Report 汇总一次扫描。
type Report struct {
	Pages   int `json:"pages"`
	Claimed int `json:"claimed"`
	Lost    int `json:"lost"`
	Failed  int `json:"failed"`
}

// Sweeper 分页扫描逾期计划。
type Sweeper struct {
	store   Store
	expirer Expirer
	metrics *metrics.Metrics
	log     *zap.SugaredLogger
	now     func() time.Time
}

// Option 配置 Sweeper。
type Option func(*Sweeper)

// WithMetrics 设置指标。
func WithMetrics(m *metrics.Metrics) Option { return func(s *Sweeper) { s.metrics = m } }

// WithLogger 设置日志。
func WithLogger(l *zap.SugaredLogger) Option { return func(s *Sweeper) { s.log = logging.OrNop(l) } }

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option { return func(s *Sweeper) { s.now = now } }

// New 创建 Sweeper。
func New(store Store, expirer Expirer, opts ...Option) *Sweeper {
	s := &Sweeper{store: store, expirer: expirer, log: logging.Nop(), now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ProcessExpiredSchedules 反复取一页逾期计划并逐条认领，直到某页为空。
// 单条失败只计数不中断；整页都失败时停止，避免原地空转。
func (s *Sweeper) ProcessExpiredSchedules(ctx context.Context, batchSize int) (Report, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	var report Report
	now := s.now().UTC()
	meta := datatypes.JSONMap{"trigger": "sweep"}

	for {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		page, err := s.store.ListOverdueScheduled(ctx, now, batchSize)
		if err != nil {
			return report, errors.Wrap(err, "list overdue schedules")
		}
		if len(page) == 0 {
			break
		}
		report.Pages++

		progress := 0
		for _, sched := range page {
			claimed, err := s.expirer.Expire(ctx, sched, now, meta)
			switch {
			case err != nil:
				report.Failed++
				s.metrics.SweepClaim("failed")
				s.log.Warnw("expire schedule failed", "schedule_id", sched.ID, "user_id", sched.UserID, "err", err)
				continue
			case claimed:
				report.Claimed++
				s.metrics.SweepClaim("claimed")
			default:
				report.Lost++
				s.metrics.SweepClaim("lost")
			}
			progress++
		}
		if progress == 0 {
			s.log.Warnw("sweep page made no progress, stopping", "failed", len(page))
			break
		}
	}

	if report.Claimed > 0 || report.Failed > 0 {
		s.log.Infow("expiration sweep finished", "pages", report.Pages, "claimed", report.Claimed, "lost", report.Lost, "failed", report.Failed)
	}
	return report, nil
}
