// Package settings 管理用户的默认通知邮箱，并提供有效值的解析规则。
package settings

import (
	"context"
	"net/mail"
	"strings"

	"applytrail/internal/apperr"
	"applytrail/internal/model"

	"github.com/cockroachdb/errors"
)

// Source 表示解析出的邮箱来源。
type Source string

const (
	SourceExplicit Source = "explicit"
	SourceStored   Source = "stored"
	SourceProfile  Source = "profile"
	SourceNone     Source = "none"
)

// Resolve 按显式输入、已保存默认值、资料邮箱的顺序返回首个非空邮箱。
func Resolve(explicit, stored, profile string) (string, Source) {
	if v := strings.TrimSpace(explicit); v != "" {
		return v, SourceExplicit
	}
	if v := strings.TrimSpace(stored); v != "" {
		return v, SourceStored
	}
	if v := strings.TrimSpace(profile); v != "" {
		return v, SourceProfile
	}
	return "", SourceNone
}

// ValidateEmail 校验邮箱格式，返回去除空白后的地址。
func ValidateEmail(email string) (string, error) {
	email = strings.TrimSpace(email)
	if email == "" {
		return "", apperr.Validation("email required")
	}
	addr, err := mail.ParseAddress(email)
	if err != nil {
		return "", apperr.Validation("invalid email %q", email)
	}
	return addr.Address, nil
}

// Store 定义持久化接口。
type Store interface {
	GetSchedulerSettings(ctx context.Context, userID string) (*model.SchedulerSettings, error)
	UpsertSchedulerSettings(ctx context.Context, userID, email string) (*model.SchedulerSettings, error)
}

// ProfileLookup 查询用户资料邮箱。
type ProfileLookup interface {
	GetDefaultEmail(ctx context.Context, userID string) (string, error)
}

// Service 负责读取、写入与解析默认通知邮箱。
type Service struct {
	store    Store
	profiles ProfileLookup
}

// NewService 创建设置服务。
func NewService(store Store, profiles ProfileLookup) *Service {
	return &Service{store: store, profiles: profiles}
}

// GetDefaultEmail 返回已保存的默认邮箱，未设置时为空串。
func (s *Service) GetDefaultEmail(ctx context.Context, userID string) (string, error) {
	settings, err := s.store.GetSchedulerSettings(ctx, userID)
	if err != nil {
		return "", errors.Wrap(err, "load settings")
	}
	if settings == nil {
		return "", nil
	}
	return settings.DefaultNotificationEmail, nil
}

// SetDefaultEmail 校验并保存默认邮箱。
func (s *Service) SetDefaultEmail(ctx context.Context, userID, email string) (string, error) {
	addr, err := ValidateEmail(email)
	if err != nil {
		return "", err
	}
	if _, err := s.store.UpsertSchedulerSettings(ctx, userID, addr); err != nil {
		return "", errors.Wrap(err, "save settings")
	}
	return addr, nil
}

// ResolveEmail 返回有效的通知邮箱。只有前一级为空时才会读取下一级。
func (s *Service) ResolveEmail(ctx context.Context, userID, explicit string) (string, Source, error) {
	if email, src := Resolve(explicit, "", ""); src != SourceNone {
		addr, err := ValidateEmail(email)
		return addr, src, err
	}
	stored, err := s.GetDefaultEmail(ctx, userID)
	if err != nil {
		return "", SourceNone, err
	}
	if email, src := Resolve("", stored, ""); src != SourceNone {
		return email, src, nil
	}
	if s.profiles == nil {
		return "", SourceNone, nil
	}
	profile, err := s.profiles.GetDefaultEmail(ctx, userID)
	if err != nil {
		return "", SourceNone, errors.Wrap(err, "load profile email")
	}
	email, src := Resolve("", "", profile)
	return email, src, nil
}
