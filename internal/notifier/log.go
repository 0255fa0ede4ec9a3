package notifier

import (
	"context"

	"applytrail/internal/logging"

	"go.uber.org/zap"
)

// LogSender 仅把通知写入日志，适合未配置 SMTP 的开发环境。
type LogSender struct {
	log *zap.SugaredLogger
}

// NewLogSender 创建日志通知器。
func NewLogSender(log *zap.SugaredLogger) *LogSender {
	return &LogSender{log: logging.OrNop(log)}
}

// Send 打印通知内容。
func (n *LogSender) Send(ctx context.Context, msg Message) error {
	n.log.Infow("notification", "to", msg.To, "subject", msg.Subject, "text", msg.Text)
	return nil
}
