package model

import "time"

// 职位状态，interested 表示尚未投递，applied 表示已投递。
const (
	JobStatusInterested = "interested"
	JobStatusApplied    = "applied"
)

// Job 表示用户追踪的一个职位（外部 Jobs 协作方的记录）。
// - UserID: 所属用户，所有查询都按用户隔离
// - ApplicationMethod: 受枚举约束的投递方式，未知取值会被存储层拒绝
// - TitleKey/CompanyKey/LocationKey: 大小写折叠后的匹配键，供宽松匹配使用
// - History: 只追加的操作历史
type Job struct {
	ID                string       `gorm:"primaryKey;size:36" json:"id"`
	UserID            string       `gorm:"index;index:idx_job_match,priority:1;not null" json:"user_id"`
	Title             string       `gorm:"not null" json:"title"`
	Company           string       `gorm:"not null" json:"company"`
	Location          string       `json:"location"`
	TitleKey          string       `gorm:"index:idx_job_match,priority:2" json:"-"`
	CompanyKey        string       `gorm:"index:idx_job_match,priority:3" json:"-"`
	LocationKey       string       `json:"-"`
	URL               string       `json:"url"`
	Status            string       `gorm:"index;size:32" json:"status"`
	ApplicationMethod string       `gorm:"size:64" json:"application_method"`
	ApplicationSource string       `gorm:"size:64" json:"application_source"`
	AppliedAt         *time.Time   `json:"applied_at,omitempty"`
	History           []JobHistory `gorm:"foreignKey:JobID" json:"history,omitempty"`
	CreatedAt         time.Time    `json:"created_at"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// JobHistory 是职位历史中的一条记录。
type JobHistory struct {
	ID     uint      `gorm:"primaryKey" json:"id"`
	JobID  string    `gorm:"index;size:36;not null" json:"job_id"`
	Action string    `json:"action"`
	Note   string    `json:"note,omitempty"`
	At     time.Time `json:"at"`
}

// Profile 保存用户资料中的邮箱，用作通知邮箱的最后兜底。
type Profile struct {
	UserID    string    `gorm:"primaryKey" json:"user_id"`
	Email     string    `json:"email"`
	UpdatedAt time.Time `json:"updated_at"`
}
