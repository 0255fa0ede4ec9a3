package storage

import (
	"context"
	"time"

	"applytrail/internal/apperr"
	"applytrail/internal/model"

	"github.com/cockroachdb/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// LookupJobFingerprint 返回 (user, fingerprint) 对应的职位 ID，不存在时返回空串。
func (s *Store) LookupJobFingerprint(ctx context.Context, userID, fingerprint string) (string, error) {
	var row model.JobFingerprintIndex
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND fingerprint = ?", userID, fingerprint).
		Limit(1).Find(&row).Error
	if err != nil {
		return "", errors.Wrap(err, "lookup job fingerprint")
	}
	return row.JobID, nil
}

// IndexJobFingerprint 写入指纹索引。唯一约束冲突时保留已有映射，返回最终生效的职位 ID。
func (s *Store) IndexJobFingerprint(ctx context.Context, userID, fingerprint, jobID, via string) (string, error) {
	row := model.JobFingerprintIndex{UserID: userID, Fingerprint: fingerprint, JobID: jobID, Via: via}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "fingerprint"}},
			DoNothing: true,
		}).Create(&row).Error
	if err != nil {
		return "", errors.Wrap(err, "index job fingerprint")
	}
	winner, err := s.LookupJobFingerprint(ctx, userID, fingerprint)
	if err != nil {
		return "", err
	}
	return winner, nil
}

// FindImportEvent 返回已记录的导入事件，不存在时返回 nil。
func (s *Store) FindImportEvent(ctx context.Context, userID, eventFingerprint string) (*model.ImportEvent, error) {
	var events []model.ImportEvent
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND event_fingerprint = ?", userID, eventFingerprint).
		Limit(1).Find(&events).Error
	if err != nil {
		return nil, errors.Wrap(err, "find import event")
	}
	if len(events) == 0 {
		return nil, nil
	}
	return &events[0], nil
}

// RecordImportEvent 插入导入事件，由 (user_id, event_fingerprint) 唯一约束保证只写一次。
// 返回 false 表示并发的另一次导入已经写入。
func (s *Store) RecordImportEvent(ctx context.Context, ev *model.ImportEvent) (bool, error) {
	ev.AppliedAt = utc(ev.AppliedAt)
	res := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "event_fingerprint"}},
			DoNothing: true,
		}).Create(ev)
	if res.Error != nil {
		return false, errors.Wrap(res.Error, "record import event")
	}
	return res.RowsAffected > 0, nil
}

// CountImportEvents 返回用户的导入事件数量。
func (s *Store) CountImportEvents(ctx context.Context, userID string) (int64, error) {
	var total int64
	if err := s.db.WithContext(ctx).Model(&model.ImportEvent{}).Where("user_id = ?", userID).Count(&total).Error; err != nil {
		return 0, errors.Wrap(err, "count import events")
	}
	return total, nil
}

// UpsertPlatformLink 确保 (user, job) 的平台关联存在，把条目加入集合并追加往来记录。
// 返回 true 表示条目是新加入的。
func (s *Store) UpsertPlatformLink(ctx context.Context, userID, jobID string, entry model.PlatformEntry, comm *model.PlatformCommunication) (bool, error) {
	now := time.Now().UTC()
	added := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		link := model.PlatformLink{UserID: userID, JobID: jobID}
		if err := tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "user_id"}, {Name: "job_id"}},
			DoNothing: true,
		}).Create(&link).Error; err != nil {
			return errors.Wrap(err, "create platform link")
		}
		if err := tx.Where("user_id = ? AND job_id = ?", userID, jobID).First(&link).Error; err != nil {
			return errors.Wrap(err, "load platform link")
		}

		entry.ID = 0
		entry.LinkID = link.ID
		if entry.FirstSeenAt.IsZero() {
			entry.FirstSeenAt = now
		}
		entry.FirstSeenAt = entry.FirstSeenAt.UTC()
		res := tx.Clauses(clause.OnConflict{
			Columns: []clause.Column{
				{Name: "link_id"}, {Name: "platform"}, {Name: "source_type"}, {Name: "job_url"}, {Name: "external_id"},
			},
			DoNothing: true,
		}).Create(&entry)
		if res.Error != nil {
			return errors.Wrap(res.Error, "add platform entry")
		}
		added = res.RowsAffected > 0

		if comm != nil {
			c := *comm
			c.ID = 0
			c.LinkID = link.ID
			c.ReceivedAt = utc(c.ReceivedAt)
			if err := tx.Create(&c).Error; err != nil {
				return errors.Wrap(err, "append platform communication")
			}
		}
		return tx.Model(&model.PlatformLink{}).Where("id = ?", link.ID).Update("updated_at", now).Error
	})
	if err != nil {
		return false, err
	}
	return added, nil
}

// GetPlatformLink 返回职位的平台关联，不存在时返回 apperr.ErrNotFound。
func (s *Store) GetPlatformLink(ctx context.Context, userID, jobID string) (*model.PlatformLink, error) {
	var link model.PlatformLink
	err := s.db.WithContext(ctx).
		Preload("Entries", func(db *gorm.DB) *gorm.DB { return db.Order("first_seen_at ASC, id ASC") }).
		Preload("Communications", func(db *gorm.DB) *gorm.DB { return db.Order("received_at ASC, id ASC") }).
		First(&link, "user_id = ? AND job_id = ?", userID, jobID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.NotFound("platform link for job %s not found", jobID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "get platform link")
	}
	return &link, nil
}
