package importer

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"applytrail/internal/apperr"
)

// 平台与来源类型的默认值。
const (
	PlatformManual   = "manual"
	PlatformEmail    = "email"
	SourceTypeEmail  = "email"
	SourceTypeManual = "manual"
)

// Email 是导入负载中的原始邮件字段。
type Email struct {
	Subject    string
	From       string
	Body       string
	HTML       string
	Snippet    string
	ReceivedAt time.Time
}

// Payload 是归一化后的导入负载，业务逻辑只接触这个结构。
type Payload struct {
	Title             string
	Company           string
	Location          string
	JobURL            string
	Platform          string
	SourceType        string
	AppliedAt         time.Time
	ExternalID        string
	MessageID         string
	ApplicationMethod string
	Email             *Email
	Raw               map[string]any
}

var (
	titleKeys      = []string{"jobTitle", "title", "position", "job_title"}
	companyKeys    = []string{"company", "companyName", "company_name", "employer"}
	locationKeys   = []string{"location", "jobLocation", "job_location"}
	platformKeys   = []string{"platform", "source"}
	sourceTypeKeys = []string{"sourceType", "source_type"}
	appliedKeys    = []string{"appliedAt", "applied_at", "date", "receivedAt", "received_at"}
	externalKeys   = []string{"externalId", "external_id", "providerId", "provider_id"}
	messageKeys    = []string{"messageId", "message_id"}
	urlKeys        = []string{"jobUrl", "job_url", "url"}
	methodKeys     = []string{"applicationMethod", "application_method"}
)

var dateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	time.DateOnly,
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
}

// Normalize 把松散的外部记录映射为 Payload。
// 职位名称与公司可以直接给出，也可以从邮件字段中提取；两者缺一即返回校验错误。
func Normalize(raw map[string]any, now time.Time) (Payload, error) {
	if raw == nil {
		return Payload{}, apperr.Validation("empty payload")
	}
	p := Payload{
		Title:             pick(raw, titleKeys...),
		Company:           pick(raw, companyKeys...),
		Location:          pick(raw, locationKeys...),
		JobURL:            pick(raw, urlKeys...),
		Platform:          strings.ToLower(pick(raw, platformKeys...)),
		SourceType:        strings.ToLower(pick(raw, sourceTypeKeys...)),
		ExternalID:        pick(raw, externalKeys...),
		MessageID:         pick(raw, messageKeys...),
		ApplicationMethod: strings.ToLower(pick(raw, methodKeys...)),
		Raw:               raw,
	}

	email, err := emailFields(raw)
	if err != nil {
		return Payload{}, err
	}
	p.Email = email

	applied, ok, err := pickTime(raw, appliedKeys...)
	if err != nil {
		return Payload{}, err
	}
	switch {
	case ok:
		p.AppliedAt = applied
	case email != nil && !email.ReceivedAt.IsZero():
		p.AppliedAt = email.ReceivedAt
	default:
		p.AppliedAt = now
	}
	p.AppliedAt = p.AppliedAt.UTC()

	if email != nil {
		ex := Extract(*email)
		if p.Title == "" {
			p.Title = ex.Title
		}
		if p.Company == "" {
			p.Company = ex.Company
		}
		if p.Platform == "" {
			p.Platform = ex.Platform
		}
		if p.SourceType == "" {
			p.SourceType = SourceTypeEmail
		}
	}
	if p.Platform == "" {
		if email != nil {
			p.Platform = PlatformEmail
		} else {
			p.Platform = PlatformManual
		}
	}
	if p.SourceType == "" {
		p.SourceType = SourceTypeManual
	}
	if p.ApplicationMethod == "" {
		p.ApplicationMethod = inferMethod(p.Platform, p.SourceType)
	}

	var missing []string
	if p.Title == "" {
		missing = append(missing, "jobTitle")
	}
	if p.Company == "" {
		missing = append(missing, "company")
	}
	if len(missing) > 0 {
		return Payload{}, apperr.Validation("missing required fields: %s", strings.Join(missing, ", "))
	}
	return p, nil
}

func emailFields(raw map[string]any) (*Email, error) {
	src := raw
	if nested, ok := raw["email"].(map[string]any); ok {
		src = nested
	}
	e := Email{
		Subject: pick(src, "subject"),
		From:    pick(src, "from", "sender"),
		Body:    pick(src, "body", "text"),
		HTML:    pick(src, "html", "bodyHtml", "body_html"),
		Snippet: pick(src, "snippet"),
	}
	if e.Subject == "" && e.From == "" && e.Body == "" && e.HTML == "" && e.Snippet == "" {
		return nil, nil
	}
	received, ok, err := pickTime(src, "receivedAt", "received_at", "date")
	if err != nil {
		return nil, err
	}
	if ok {
		e.ReceivedAt = received
	}
	return &e, nil
}

func inferMethod(platform, sourceType string) string {
	switch platform {
	case "linkedin", "indeed", "glassdoor", "ziprecruiter", "wellfound", "monster":
		return "job_board"
	case "greenhouse", "lever", "workday", "smartrecruiters", "ashby", "icims", "website":
		return "website"
	case "referral":
		return "referral"
	}
	if sourceType == SourceTypeEmail {
		return "email"
	}
	return ""
}

func pick(raw map[string]any, keys ...string) string {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || v == nil {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = t
		case fmt.Stringer:
			s = t.String()
		case float64:
			s = strconv.FormatFloat(t, 'f', -1, 64)
		case int, int64:
			s = fmt.Sprintf("%d", t)
		default:
			continue
		}
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// pickTime 返回首个存在的时间字段；字段存在但无法解析时返回校验错误。
func pickTime(raw map[string]any, keys ...string) (time.Time, bool, error) {
	for _, k := range keys {
		v, ok := raw[k]
		if !ok || v == nil {
			continue
		}
		switch t := v.(type) {
		case time.Time:
			return t, true, nil
		case float64:
			return time.Unix(int64(t), 0).UTC(), true, nil
		case int64:
			return time.Unix(t, 0).UTC(), true, nil
		case int:
			return time.Unix(int64(t), 0).UTC(), true, nil
		case string:
			s := strings.TrimSpace(t)
			if s == "" {
				continue
			}
			parsed, err := parseDate(s)
			if err != nil {
				return time.Time{}, false, apperr.Validation("malformed %s %q", k, s)
			}
			return parsed, true, nil
		default:
			return time.Time{}, false, apperr.Validation("malformed %s", k)
		}
	}
	return time.Time{}, false, nil
}

func parseDate(s string) (time.Time, error) {
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported date %q", s)
}
