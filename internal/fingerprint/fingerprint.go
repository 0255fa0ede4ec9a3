// Package fingerprint 计算职位与导入事件的内容指纹。
// 所有函数都是纯函数，没有错误分支。
package fingerprint

import (
	"crypto/sha1"
	"encoding/hex"
	"regexp"
	"strings"
	"time"
)

var (
	possessive  = regexp.MustCompile(`(\p{L})['’]s\b`)
	nonAlnumRun = regexp.MustCompile(`[^\p{L}\p{N}]+`)
)

// Normalize 小写化、去掉所有格撇号、把非字母数字串压缩为单个空格并去除首尾空白。
func Normalize(s string) string {
	s = strings.ToLower(s)
	s = possessive.ReplaceAllString(s, "${1}s")
	s = nonAlnumRun.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// JobFingerprint 返回 sha1(title|company|location) 的十六进制串。
// 字段按位置参与计算，不可交换。
func JobFingerprint(title, company, location string) string {
	return hash(Normalize(title), Normalize(company), Normalize(location))
}

// Disambiguator 来源。
const (
	SourceExternalID = "external_id"
	SourceMessageID  = "message_id"
	SourceComposite  = "composite"
)

// EventInput 是计算事件指纹所需的字段。
type EventInput struct {
	UserID         string
	Platform       string
	SourceType     string
	ExternalID     string
	MessageID      string
	JobFingerprint string
	AppliedAt      time.Time
}

// EventFingerprint 返回 sha1(user|platform|sourceType|disambiguator)。
func EventFingerprint(in EventInput) string {
	return hash(in.UserID, in.Platform, in.SourceType, disambiguator(in))
}

// DisambiguatorSource 报告 EventFingerprint 使用了哪一级区分键。
func DisambiguatorSource(in EventInput) string {
	switch {
	case strings.TrimSpace(in.ExternalID) != "":
		return SourceExternalID
	case strings.TrimSpace(in.MessageID) != "":
		return SourceMessageID
	default:
		return SourceComposite
	}
}

func disambiguator(in EventInput) string {
	switch DisambiguatorSource(in) {
	case SourceExternalID:
		return strings.TrimSpace(in.ExternalID)
	case SourceMessageID:
		return strings.TrimSpace(in.MessageID)
	}
	day := ""
	if !in.AppliedAt.IsZero() {
		day = in.AppliedAt.UTC().Format(time.DateOnly)
	}
	return strings.Join([]string{in.JobFingerprint, in.Platform, in.SourceType, day}, "|")
}

func hash(parts ...string) string {
	sum := sha1.Sum([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}
