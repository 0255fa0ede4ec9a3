// Package resolver 根据职位指纹找到用户的规范职位记录。
package resolver

import (
	"context"
	"time"

	"applytrail/internal/logging"
	"applytrail/internal/model"
	"applytrail/internal/storage"

	"github.com/cockroachdb/errors"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

// Via 表示解析命中的方式。
type Via string

const (
	ViaFingerprintMap Via = "fingerprint_map"
	ViaLooseJobMatch  Via = "loose_job_match"
	ViaNone           Via = "none"
)

// Store 是解析器依赖的存储接口。
type Store interface {
	LookupJobFingerprint(ctx context.Context, userID, fingerprint string) (string, error)
	IndexJobFingerprint(ctx context.Context, userID, fingerprint, jobID, via string) (string, error)
	FindJobs(ctx context.Context, userID string, filter storage.JobFilter) ([]model.Job, error)
}

// Query 是一次解析的输入。
type Query struct {
	UserID      string
	Fingerprint string
	Title       string
	Company     string
	Location    string
}

// Result 是解析结果，JobID 为空表示需要调用方新建职位。
type Result struct {
	JobID string
	Via   Via
}

// Resolver 先查指纹索引，再做大小写不敏感的字段精确匹配，命中后回填索引。
type Resolver struct {
	store Store
	cache *cache.Cache
	log   *zap.SugaredLogger
}

// New 创建 Resolver。ttl <= 0 时不启用内存缓存。
func New(store Store, ttl time.Duration, log *zap.SugaredLogger) *Resolver {
	r := &Resolver{store: store, log: logging.OrNop(log)}
	if ttl > 0 {
		r.cache = cache.New(ttl, 2*ttl)
	}
	return r
}

// Resolve 按顺序尝试指纹索引、宽松匹配，首个命中生效。
func (r *Resolver) Resolve(ctx context.Context, q Query) (Result, error) {
	if jobID, ok := r.cached(q.UserID, q.Fingerprint); ok {
		return Result{JobID: jobID, Via: ViaFingerprintMap}, nil
	}

	jobID, err := r.store.LookupJobFingerprint(ctx, q.UserID, q.Fingerprint)
	if err != nil {
		return Result{}, errors.Wrap(err, "resolve by fingerprint")
	}
	if jobID != "" {
		r.remember(q.UserID, q.Fingerprint, jobID)
		return Result{JobID: jobID, Via: ViaFingerprintMap}, nil
	}

	jobs, err := r.store.FindJobs(ctx, q.UserID, storage.JobFilter{
		Title:    q.Title,
		Company:  q.Company,
		Location: q.Location,
	})
	if err != nil {
		return Result{}, errors.Wrap(err, "resolve by loose match")
	}
	if len(jobs) == 0 {
		return Result{Via: ViaNone}, nil
	}

	winner, err := r.store.IndexJobFingerprint(ctx, q.UserID, q.Fingerprint, jobs[0].ID, string(ViaLooseJobMatch))
	if err != nil {
		return Result{}, errors.Wrap(err, "backfill fingerprint index")
	}
	r.log.Debugw("loose job match backfilled", "user_id", q.UserID, "job_id", winner, "fingerprint", q.Fingerprint)
	r.remember(q.UserID, q.Fingerprint, winner)
	return Result{JobID: winner, Via: ViaLooseJobMatch}, nil
}

// Remember 为新建职位写入指纹索引。若并发写入者已抢先建立映射，返回已有的职位 ID。
func (r *Resolver) Remember(ctx context.Context, userID, fingerprint, jobID string) (string, error) {
	winner, err := r.store.IndexJobFingerprint(ctx, userID, fingerprint, jobID, string(ViaNone))
	if err != nil {
		return "", errors.Wrap(err, "index new job")
	}
	r.remember(userID, fingerprint, winner)
	return winner, nil
}

func (r *Resolver) cached(userID, fingerprint string) (string, bool) {
	if r.cache == nil {
		return "", false
	}
	v, ok := r.cache.Get(cacheKey(userID, fingerprint))
	if !ok {
		return "", false
	}
	id, ok := v.(string)
	return id, ok
}

func (r *Resolver) remember(userID, fingerprint, jobID string) {
	if r.cache == nil || jobID == "" {
		return
	}
	r.cache.SetDefault(cacheKey(userID, fingerprint), jobID)
}

func cacheKey(userID, fingerprint string) string {
	return userID + "|" + fingerprint
}
