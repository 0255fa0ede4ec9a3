// Package calendar 把计划镜像到外部日历。所有调用都是尽力而为，失败不影响状态迁移。
package calendar

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"applytrail/internal/model"

	"github.com/cockroachdb/errors"
)

// Event 是一次日历同步的输入。
type Event struct {
	Schedule model.Schedule
	Job      *model.Job
}

// Sync 是日历同步协作方。
type Sync interface {
	UpsertEvent(ctx context.Context, ev Event) (string, error)
	DeleteEvent(ctx context.Context, sched model.Schedule) error
}

// Nop 不做任何同步。
type Nop struct{}

// UpsertEvent 返回已有的事件 ID。
func (Nop) UpsertEvent(_ context.Context, ev Event) (string, error) {
	return ev.Schedule.CalendarEventID, nil
}

// DeleteEvent 什么也不做。
func (Nop) DeleteEvent(context.Context, model.Schedule) error { return nil }

const (
	defaultWebhookTimeout = 10 * time.Second
	maxErrorBodySize      = 1024
)

// WebhookSync 把日历操作以 JSON POST 到配置的地址，由外部服务对接具体日历。
type WebhookSync struct {
	url    string
	client *http.Client
}

// NewWebhookSync 创建 WebhookSync，client 为空时使用带超时的默认客户端。
func NewWebhookSync(url string, client *http.Client) *WebhookSync {
	if client == nil {
		client = &http.Client{Timeout: defaultWebhookTimeout}
	}
	return &WebhookSync{url: url, client: client}
}

type webhookRequest struct {
	Action      string     `json:"action"`
	EventID     string     `json:"event_id,omitempty"`
	ScheduleID  string     `json:"schedule_id"`
	UserID      string     `json:"user_id"`
	Status      string     `json:"status"`
	ScheduledAt time.Time  `json:"scheduled_at"`
	DeadlineAt  *time.Time `json:"deadline_at,omitempty"`
	Timezone    string     `json:"timezone,omitempty"`
	Title       string     `json:"title"`
}

type webhookResponse struct {
	EventID string `json:"event_id"`
}

// UpsertEvent 创建或更新日历事件，返回事件 ID。
func (w *WebhookSync) UpsertEvent(ctx context.Context, ev Event) (string, error) {
	req := buildRequest("upsert", ev.Schedule)
	req.Title = title(ev)
	var resp webhookResponse
	if err := w.post(ctx, req, &resp); err != nil {
		return "", err
	}
	if resp.EventID == "" {
		return ev.Schedule.CalendarEventID, nil
	}
	return resp.EventID, nil
}

// DeleteEvent 删除日历事件；没有事件 ID 时直接返回。
func (w *WebhookSync) DeleteEvent(ctx context.Context, sched model.Schedule) error {
	if sched.CalendarEventID == "" {
		return nil
	}
	return w.post(ctx, buildRequest("delete", sched), nil)
}

func (w *WebhookSync) post(ctx context.Context, payload webhookRequest, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrap(err, "marshal calendar payload")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build calendar request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "calendar %s", payload.Action)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return errors.Newf("calendar %s: status %d: %s", payload.Action, resp.StatusCode, bytes.TrimSpace(snippet))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrap(err, "decode calendar response")
	}
	return nil
}

func buildRequest(action string, s model.Schedule) webhookRequest {
	return webhookRequest{
		Action:      action,
		EventID:     s.CalendarEventID,
		ScheduleID:  s.ID,
		UserID:      s.UserID,
		Status:      string(s.Status),
		ScheduledAt: s.ScheduledAt,
		DeadlineAt:  s.DeadlineAt,
		Timezone:    s.Timezone,
	}
}

func title(ev Event) string {
	if ev.Job == nil {
		return fmt.Sprintf("Apply: job %s", ev.Schedule.JobID)
	}
	return fmt.Sprintf("Apply: %s at %s", ev.Job.Title, ev.Job.Company)
}
