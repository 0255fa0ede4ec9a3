package notifier

import (
	"context"
	"fmt"
	"net/smtp"
	"strings"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"
)

// EmailConfig 邮件配置。
type EmailConfig struct {
	Host          string  `yaml:"host" mapstructure:"host"`
	Port          int     `yaml:"port" mapstructure:"port"`
	Username      string  `yaml:"username" mapstructure:"username"`
	Password      string  `yaml:"password" mapstructure:"password"`
	From          string  `yaml:"from" mapstructure:"from"`
	RatePerSecond float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	Burst         int     `yaml:"burst" mapstructure:"burst"`
}

// Enabled 判断是否配置了 SMTP。
func (c EmailConfig) Enabled() bool {
	return c.Host != "" && c.From != ""
}

// EmailMessage 表示一封邮件。
type EmailMessage struct {
	From    string
	To      []string
	Subject string
	Body    string
}

// EmailSender 抽象发送接口，便于测试替换。
type EmailSender interface {
	Send(ctx context.Context, msg EmailMessage) error
}

// SMTPClient 封装 SMTP 发送。
type SMTPClient struct {
	addr string
	auth smtp.Auth
}

func NewSMTPClient(cfg EmailConfig) *SMTPClient {
	addr := fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)
	var auth smtp.Auth
	if cfg.Username != "" && cfg.Password != "" {
		auth = smtp.PlainAuth("", cfg.Username, cfg.Password, cfg.Host)
	}
	return &SMTPClient{addr: addr, auth: auth}
}

func (c *SMTPClient) Send(ctx context.Context, msg EmailMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data := buildEmailData(msg)
	return smtp.SendMail(c.addr, c.auth, msg.From, msg.To, []byte(data))
}

// EmailNotifier 通过 EmailSender 投递通知，按配置限速。
type EmailNotifier struct {
	from    string
	sender  EmailSender
	limiter *rate.Limiter
}

// NewEmailNotifier 创建 EmailNotifier，sender 为空时使用 SMTP。
func NewEmailNotifier(cfg EmailConfig, sender EmailSender) *EmailNotifier {
	if sender == nil {
		sender = NewSMTPClient(cfg)
	}
	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &EmailNotifier{from: cfg.From, sender: sender, limiter: rate.NewLimiter(limit, burst)}
}

// Send 发送一条通知。收件人为空时返回错误。
func (n *EmailNotifier) Send(ctx context.Context, msg Message) error {
	to := strings.TrimSpace(msg.To)
	if to == "" {
		return errors.New("notification recipient is empty")
	}
	if err := n.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "wait for send quota")
	}
	err := n.sender.Send(ctx, EmailMessage{
		From:    n.from,
		To:      []string{to},
		Subject: msg.Subject,
		Body:    msg.Text,
	})
	return errors.Wrapf(err, "send email to %s", to)
}

func buildEmailData(msg EmailMessage) string {
	var b strings.Builder
	b.WriteString(fmt.Sprintf("From: %s\r\n", msg.From))
	b.WriteString(fmt.Sprintf("To: %s\r\n", strings.Join(msg.To, ",")))
	b.WriteString(fmt.Sprintf("Subject: %s\r\n", msg.Subject))
	b.WriteString("MIME-Version: 1.0\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(msg.Body)
	return b.String()
}
