// Package events 发布计划与导入的领域事件，供下游（通知面板、SSE）订阅。
// 发布是尽力而为的旁路，失败由调用方记录。
package events

import (
	"context"
	"encoding/json"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/redis/go-redis/v9"
)

// 事件类型，同时作为 Redis 频道名。
const (
	TypeApplicationImported = "APPLICATION_IMPORTED"
	TypeScheduleCreated     = "SCHEDULE_CREATED"
	TypeScheduleRescheduled = "SCHEDULE_RESCHEDULED"
	TypeScheduleSubmitted   = "SCHEDULE_SUBMITTED"
	TypeScheduleCancelled   = "SCHEDULE_CANCELLED"
	TypeScheduleExpired     = "SCHEDULE_EXPIRED"
)

// Event 是一条领域事件。
type Event struct {
	Type       string    `json:"type"`
	UserID     string    `json:"user_id"`
	JobID      string    `json:"job_id,omitempty"`
	ScheduleID string    `json:"schedule_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher 发布领域事件。
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop 丢弃所有事件。
type Nop struct{}

// Publish 什么也不做。
func (Nop) Publish(context.Context, Event) error { return nil }

// RedisPublisher 通过 Redis Pub/Sub 发布事件，频道名即事件类型。
type RedisPublisher struct {
	rdb *redis.Client
}

// NewRedisClient 解析 URL 并确认连接可用。
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, errors.Wrap(err, "redis ping")
	}
	return rdb, nil
}

// NewRedisPublisher 创建 RedisPublisher。
func NewRedisPublisher(rdb *redis.Client) *RedisPublisher {
	return &RedisPublisher{rdb: rdb}
}

// Publish 序列化事件并发布到以类型命名的频道。
func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return errors.Wrap(err, "marshal event")
	}
	if err := p.rdb.Publish(ctx, ev.Type, payload).Err(); err != nil {
		return errors.Wrapf(err, "publish %s", ev.Type)
	}
	return nil
}

// Close 关闭底层连接。
func (p *RedisPublisher) Close() error {
	return p.rdb.Close()
}
