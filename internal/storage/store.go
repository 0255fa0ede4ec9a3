package storage

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"applytrail/internal/model"

	"github.com/cockroachdb/errors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DefaultApplicationMethods 是职位投递方式的默认枚举。
var DefaultApplicationMethods = []string{"email", "website", "referral", "recruiter", "job_board", "other"}

// Store 封装 SQLite 数据库访问，承载职位、导入事件、指纹索引、平台关联与投递计划。
// 所有时间以 UTC 写入，保证 SQLite 中的字符串比较与时间顺序一致。
type Store struct {
	db      *gorm.DB
	methods map[string]struct{}
}

// Option 调整 Store 行为。
type Option func(*Store)

// WithApplicationMethods 覆盖可接受的投递方式枚举。
func WithApplicationMethods(methods []string) Option {
	return func(s *Store) {
		if len(methods) == 0 {
			return
		}
		s.methods = toSet(methods)
	}
}

// NewStore 创建 Store 并自动迁移数据表。
func NewStore(dbPath string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, errors.Wrap(err, "create db dir")
	}

	dsn := dbPath + "?_busy_timeout=5000&_journal_mode=WAL"
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:  logger.Default.LogMode(logger.Warn),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get sql DB")
	}
	// SQLite 只允许一个写者，单连接让并发写在连接池排队而不是返回 SQLITE_BUSY。
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(
		&model.Job{},
		&model.JobHistory{},
		&model.Profile{},
		&model.ImportEvent{},
		&model.JobFingerprintIndex{},
		&model.PlatformLink{},
		&model.PlatformEntry{},
		&model.PlatformCommunication{},
		&model.Schedule{},
		&model.ScheduleReminder{},
		&model.ScheduleAudit{},
		&model.SchedulerSettings{},
	); err != nil {
		return nil, errors.Wrap(err, "auto migrate models")
	}
	if err := backfillJobKeys(db); err != nil {
		return nil, err
	}

	s := &Store{db: db, methods: toSet(DefaultApplicationMethods)}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Ping 检查数据库连接。
func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "get sql DB")
	}
	return errors.Wrap(sqlDB.PingContext(ctx), "ping db")
}

// Close 关闭底层数据库连接。
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return errors.Wrap(err, "get sql DB")
	}
	if err := sqlDB.Close(); err != nil {
		return errors.Wrap(err, "close db")
	}
	return nil
}

func toSet(values []string) map[string]struct{} {
	set := make(map[string]struct{}, len(values))
	for _, v := range values {
		set[v] = struct{}{}
	}
	return set
}

func utc(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC()
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}
