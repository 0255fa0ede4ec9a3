// Package config 通过 viper 加载应用配置：YAML 文件、APPLYTRAIL_ 环境变量与代码内默认值。
package config

import (
	"os"
	"strings"
	"time"

	"applytrail/internal/logging"
	"applytrail/internal/notifier"
	"applytrail/internal/scheduler"
	"applytrail/internal/storage"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"
)

// EnvPrefix 是环境变量前缀，例如 APPLYTRAIL_DATABASE_PATH。
const EnvPrefix = "APPLYTRAIL"

// Config 应用配置。
type Config struct {
	Server    ServerConfig         `yaml:"server" mapstructure:"server"`
	Database  DatabaseConfig       `yaml:"database" mapstructure:"database"`
	Log       logging.Config       `yaml:"log" mapstructure:"log"`
	Email     notifier.EmailConfig `yaml:"email" mapstructure:"email"`
	Redis     RedisConfig          `yaml:"redis" mapstructure:"redis"`
	Calendar  CalendarConfig       `yaml:"calendar" mapstructure:"calendar"`
	Scheduler scheduler.Config     `yaml:"scheduler" mapstructure:"scheduler"`
	Jobs      JobsConfig           `yaml:"jobs" mapstructure:"jobs"`
	Resolver  ResolverConfig       `yaml:"resolver" mapstructure:"resolver"`
}

type ServerConfig struct {
	Addr            string        `yaml:"addr" mapstructure:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// RedisConfig 为空 URL 时不发布领域事件。
type RedisConfig struct {
	URL string `yaml:"url" mapstructure:"url"`
}

// CalendarConfig 为空 URL 时不同步日历。
type CalendarConfig struct {
	WebhookURL string        `yaml:"webhook_url" mapstructure:"webhook_url"`
	Timeout    time.Duration `yaml:"timeout" mapstructure:"timeout"`
}

type JobsConfig struct {
	ApplicationMethods []string `yaml:"application_methods" mapstructure:"application_methods"`
}

type ResolverConfig struct {
	CacheTTL time.Duration `yaml:"cache_ttl" mapstructure:"cache_ttl"`
}

// SetDefaults 写入所有配置项的默认值，未设置默认值的键不会被环境变量覆盖。
func SetDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.shutdown_timeout", 5*time.Second)
	v.SetDefault("database.path", "applytrail.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.json", false)
	v.SetDefault("email.host", "")
	v.SetDefault("email.port", 587)
	v.SetDefault("email.username", "")
	v.SetDefault("email.password", "")
	v.SetDefault("email.from", "")
	v.SetDefault("email.rate_per_second", 1.0)
	v.SetDefault("email.burst", 5)
	v.SetDefault("redis.url", "")
	v.SetDefault("calendar.webhook_url", "")
	v.SetDefault("calendar.timeout", 10*time.Second)
	v.SetDefault("scheduler.reminder_interval", "1m")
	v.SetDefault("scheduler.sweep_interval", "5m")
	v.SetDefault("scheduler.timeout", "30s")
	v.SetDefault("scheduler.reminder_batch_size", 50)
	v.SetDefault("scheduler.sweep_batch_size", 100)
	v.SetDefault("jobs.application_methods", storage.DefaultApplicationMethods)
	v.SetDefault("resolver.cache_ttl", 10*time.Minute)
}

// Load 读取配置。path 为空或文件不存在时只使用默认值与环境变量。
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			v.SetConfigFile(path)
			v.SetConfigType("yaml")
			if err := v.ReadInConfig(); err != nil {
				return Config{}, errors.Wrapf(err, "read config file %s", path)
			}
		} else if !os.IsNotExist(err) {
			return Config{}, errors.Wrapf(err, "stat config file %s", path)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, errors.Wrap(err, "unmarshal config")
	}
	cfg.Jobs.ApplicationMethods = splitList(cfg.Jobs.ApplicationMethods)
	return cfg, nil
}

// Validate 检查配置是否可用。
func (c Config) Validate() error {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return errors.New("server.addr is required")
	}
	if strings.TrimSpace(c.Database.Path) == "" {
		return errors.New("database.path is required")
	}
	if err := scheduler.ValidateSpec(c.Scheduler.ReminderInterval); err != nil {
		return errors.Wrap(err, "scheduler.reminder_interval")
	}
	if err := scheduler.ValidateSpec(c.Scheduler.SweepInterval); err != nil {
		return errors.Wrap(err, "scheduler.sweep_interval")
	}
	if c.Scheduler.Timeout != "" {
		if d, err := time.ParseDuration(c.Scheduler.Timeout); err != nil || d <= 0 {
			return errors.Newf("scheduler.timeout %q must be a positive duration", c.Scheduler.Timeout)
		}
	}
	if c.Scheduler.ReminderBatchSize < 0 || c.Scheduler.SweepBatchSize < 0 {
		return errors.New("scheduler batch sizes must not be negative")
	}
	if c.Email.Enabled() && c.Email.Port <= 0 {
		return errors.New("email.port must be positive when email.host is set")
	}
	if c.Email.RatePerSecond < 0 {
		return errors.New("email.rate_per_second must not be negative")
	}
	if len(c.Jobs.ApplicationMethods) == 0 {
		return errors.WithHint(errors.New("jobs.application_methods is empty"), "include at least \"other\"")
	}
	return nil
}

// splitList 兼容环境变量里逗号分隔的写法。
func splitList(in []string) []string {
	out := make([]string, 0, len(in))
	for _, item := range in {
		for _, part := range strings.Split(item, ",") {
			if p := strings.TrimSpace(part); p != "" {
				out = append(out, p)
			}
		}
	}
	return out
}
