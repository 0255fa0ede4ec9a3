package model

import (
	"time"

	"gorm.io/datatypes"
)

// ImportEvent 每次成功导入对应一条记录，(user_id, event_fingerprint) 唯一。
// 创建后除 Resolved* 字段外不再修改。
type ImportEvent struct {
	ID                 uint              `gorm:"primaryKey" json:"id"`
	UserID             string            `gorm:"not null;uniqueIndex:idx_import_user_event,priority:1" json:"user_id"`
	EventFingerprint   string            `gorm:"size:40;not null;uniqueIndex:idx_import_user_event,priority:2" json:"event_fingerprint"`
	Platform           string            `gorm:"size:64" json:"platform"`
	SourceType         string            `gorm:"size:64" json:"source_type"`
	AppliedAt          time.Time         `json:"applied_at"`
	JobFingerprint     string            `gorm:"size:40;index" json:"job_fingerprint"`
	ResolvedJobID      string            `gorm:"size:36" json:"resolved_job_id"`
	ResolvedScheduleID string            `gorm:"size:36" json:"resolved_schedule_id"`
	RawMetadata        datatypes.JSONMap `json:"raw_metadata"`
	CreatedAt          time.Time         `json:"created_at"`
}

// JobFingerprintIndex 将 (user_id, job_fingerprint) 映射到规范职位，作为查找加速。
type JobFingerprintIndex struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	UserID      string    `gorm:"not null;uniqueIndex:idx_fingerprint_user,priority:1" json:"user_id"`
	Fingerprint string    `gorm:"size:40;not null;uniqueIndex:idx_fingerprint_user,priority:2" json:"fingerprint"`
	JobID       string    `gorm:"size:36;not null" json:"job_id"`
	Via         string    `gorm:"size:32" json:"via"`
	CreatedAt   time.Time `json:"created_at"`
}

// TableName 固定索引表名。
func (JobFingerprintIndex) TableName() string { return "job_fingerprint_index" }

// PlatformLink 聚合某个职位在各平台出现的信息，只增不删。
type PlatformLink struct {
	ID             uint                    `gorm:"primaryKey" json:"id"`
	UserID         string                  `gorm:"not null;uniqueIndex:idx_platform_link,priority:1" json:"user_id"`
	JobID          string                  `gorm:"size:36;not null;uniqueIndex:idx_platform_link,priority:2" json:"job_id"`
	Entries        []PlatformEntry         `gorm:"foreignKey:LinkID" json:"entries"`
	Communications []PlatformCommunication `gorm:"foreignKey:LinkID" json:"communications"`
	CreatedAt      time.Time               `json:"created_at"`
	UpdatedAt      time.Time               `json:"updated_at"`
}

// PlatformEntry 是平台条目集合中的一个元素，除 FirstSeenAt 外的字段组合唯一。
type PlatformEntry struct {
	ID          uint      `gorm:"primaryKey" json:"-"`
	LinkID      uint      `gorm:"not null;uniqueIndex:idx_platform_entry,priority:1" json:"-"`
	Platform    string    `gorm:"size:64;not null;default:'';uniqueIndex:idx_platform_entry,priority:2" json:"platform"`
	SourceType  string    `gorm:"size:64;not null;default:'';uniqueIndex:idx_platform_entry,priority:3" json:"source_type"`
	JobURL      string    `gorm:"not null;default:'';uniqueIndex:idx_platform_entry,priority:4" json:"job_url,omitempty"`
	ExternalID  string    `gorm:"not null;default:'';uniqueIndex:idx_platform_entry,priority:5" json:"external_id,omitempty"`
	FirstSeenAt time.Time `json:"first_seen_at"`
}

// PlatformCommunication 是只追加的原始往来记录（邮件主题、发件人、摘要）。
type PlatformCommunication struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	LinkID     uint      `gorm:"index;not null" json:"-"`
	Subject    string    `json:"subject,omitempty"`
	From       string    `gorm:"column:sender" json:"from,omitempty"`
	Snippet    string    `json:"snippet,omitempty"`
	ReceivedAt time.Time `json:"received_at"`
	CreatedAt  time.Time `json:"created_at"`
}
