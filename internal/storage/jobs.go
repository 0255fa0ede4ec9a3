package storage

import (
	"context"
	"strings"
	"time"

	"applytrail/internal/apperr"
	"applytrail/internal/model"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// JobInput 描述新建职位所需的数据。
type JobInput struct {
	Title             string
	Company           string
	Location          string
	URL               string
	Status            string
	ApplicationMethod string
	ApplicationSource string
	AppliedAt         *time.Time
	HistoryAction     string
	HistoryNote       string
}

// JobFilter 是职位查找条件，字段为空表示不限制。Title/Company/Location 大小写不敏感精确匹配。
type JobFilter struct {
	ID       string
	Title    string
	Company  string
	Location string
	Status   string
}

// CreateJob 新建职位并写入一条历史。投递方式不在枚举内时返回 apperr.ErrUpstreamEnum。
func (s *Store) CreateJob(ctx context.Context, userID string, in JobInput) (*model.Job, error) {
	if in.ApplicationMethod != "" {
		if _, ok := s.methods[in.ApplicationMethod]; !ok {
			return nil, apperr.UpstreamEnum("application_method %q is not accepted", in.ApplicationMethod)
		}
	}
	status := in.Status
	if status == "" {
		status = model.JobStatusInterested
	}
	now := time.Now().UTC()
	job := model.Job{
		ID:                uuid.NewString(),
		UserID:            userID,
		Title:             in.Title,
		Company:           in.Company,
		Location:          in.Location,
		TitleKey:          foldKey(in.Title),
		CompanyKey:        foldKey(in.Company),
		LocationKey:       foldKey(in.Location),
		URL:               in.URL,
		Status:            status,
		ApplicationMethod: in.ApplicationMethod,
		ApplicationSource: in.ApplicationSource,
		AppliedAt:         utcPtr(in.AppliedAt),
	}
	action := in.HistoryAction
	if action == "" {
		action = "created"
	}
	job.History = []model.JobHistory{{Action: action, Note: in.HistoryNote, At: now}}

	if err := s.db.WithContext(ctx).Create(&job).Error; err != nil {
		return nil, errors.Wrap(err, "create job")
	}
	return &job, nil
}

// GetJob 返回属于用户的职位，不存在时返回 apperr.ErrNotFound。
func (s *Store) GetJob(ctx context.Context, userID, id string) (*model.Job, error) {
	var job model.Job
	err := s.db.WithContext(ctx).
		Preload("History", func(db *gorm.DB) *gorm.DB { return db.Order("at ASC, id ASC") }).
		First(&job, "id = ? AND user_id = ?", id, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("job %s not found", id)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get job")
	}
	return &job, nil
}

// FindJobs 按条件查找用户的职位，按创建时间升序。
func (s *Store) FindJobs(ctx context.Context, userID string, filter JobFilter) ([]model.Job, error) {
	query := s.db.WithContext(ctx).Where("user_id = ?", userID)
	if filter.ID != "" {
		query = query.Where("id = ?", filter.ID)
	}
	if filter.Title != "" {
		query = query.Where("title_key = ?", foldKey(filter.Title))
	}
	if filter.Company != "" {
		query = query.Where("company_key = ?", foldKey(filter.Company))
	}
	if filter.Location != "" {
		query = query.Where("location_key = ?", foldKey(filter.Location))
	}
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}

	var jobs []model.Job
	if err := query.Order("created_at ASC").Find(&jobs).Error; err != nil {
		return nil, errors.Wrap(err, "find jobs")
	}
	return jobs, nil
}

// UpdateJobStatus 更新职位状态并追加历史；变为 applied 时补写 applied_at。
func (s *Store) UpdateJobStatus(ctx context.Context, userID, jobID, status, note string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return updateJobStatus(tx, userID, jobID, status, note, time.Now().UTC())
	})
}

func updateJobStatus(tx *gorm.DB, userID, jobID, status, note string, now time.Time) error {
	values := map[string]any{"status": status, "updated_at": now}
	if status == model.JobStatusApplied {
		values["applied_at"] = gorm.Expr("COALESCE(applied_at, ?)", now)
	}
	res := tx.Model(&model.Job{}).Where("id = ? AND user_id = ?", jobID, userID).Updates(values)
	if res.Error != nil {
		return errors.Wrap(res.Error, "update job status")
	}
	if res.RowsAffected == 0 {
		return apperr.NotFound("job %s not found", jobID)
	}
	entry := model.JobHistory{JobID: jobID, Action: "status:" + status, Note: note, At: now}
	if err := tx.Create(&entry).Error; err != nil {
		return errors.Wrap(err, "append job history")
	}
	return nil
}

// AppendJobHistory 为用户的职位追加一条历史。
func (s *Store) AppendJobHistory(ctx context.Context, userID, jobID, action, note string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Job{}).Where("id = ? AND user_id = ?", jobID, userID).Count(&count).Error; err != nil {
			return errors.Wrap(err, "check job owner")
		}
		if count == 0 {
			return apperr.NotFound("job %s not found", jobID)
		}
		entry := model.JobHistory{JobID: jobID, Action: action, Note: note, At: time.Now().UTC()}
		if err := tx.Create(&entry).Error; err != nil {
			return errors.Wrap(err, "append job history")
		}
		return nil
	})
}

// UpsertProfile 写入用户资料邮箱。
func (s *Store) UpsertProfile(ctx context.Context, userID, email string) error {
	profile := model.Profile{UserID: userID, Email: email}
	if err := s.db.WithContext(ctx).Save(&profile).Error; err != nil {
		return errors.Wrap(err, "upsert profile")
	}
	return nil
}

// GetDefaultEmail 返回用户资料中的邮箱，未设置时返回空串。
func (s *Store) GetDefaultEmail(ctx context.Context, userID string) (string, error) {
	var profile model.Profile
	err := s.db.WithContext(ctx).Where("user_id = ?", userID).Limit(1).Find(&profile).Error
	if err != nil {
		return "", errors.Wrap(err, "get profile email")
	}
	return profile.Email, nil
}

// foldKey 生成大小写折叠后的匹配键。SQLite 的 LOWER 与 NOCASE 只折叠 ASCII，非 ASCII 字母须在写入前折叠。
func foldKey(v string) string {
	return strings.ToLower(strings.TrimSpace(v))
}

// backfillJobKeys 为缺少匹配键的旧记录补写折叠键。
func backfillJobKeys(db *gorm.DB) error {
	var jobs []model.Job
	if err := db.Select("id", "title", "company", "location").
		Where("title_key = '' OR title_key IS NULL").Find(&jobs).Error; err != nil {
		return errors.Wrap(err, "list jobs without match keys")
	}
	for _, job := range jobs {
		err := db.Model(&model.Job{}).Where("id = ?", job.ID).Updates(map[string]any{
			"title_key":    foldKey(job.Title),
			"company_key":  foldKey(job.Company),
			"location_key": foldKey(job.Location),
		}).Error
		if err != nil {
			return errors.Wrapf(err, "backfill match keys for job %s", job.ID)
		}
	}
	return nil
}
