package main

import (
	"context"
	"net/http"

	"applytrail/internal/api"
	"applytrail/internal/calendar"
	"applytrail/internal/config"
	"applytrail/internal/events"
	"applytrail/internal/importer"
	"applytrail/internal/logging"
	"applytrail/internal/metrics"
	"applytrail/internal/notifier"
	"applytrail/internal/reminder"
	"applytrail/internal/resolver"
	"applytrail/internal/schedule"
	"applytrail/internal/scheduler"
	"applytrail/internal/settings"
	"applytrail/internal/storage"
	"applytrail/internal/sweeper"

	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// backgroundTasks 是调度器对外暴露的能力。
type backgroundTasks interface {
	Start(ctx context.Context) error
	RunReminders(ctx context.Context) (reminder.Report, error)
	RunSweep(ctx context.Context) (sweeper.Report, error)
}

type bulkImporter interface {
	ImportBulk(ctx context.Context, userID string, raws []map[string]any) []importer.BulkItem
}

// appDeps 汇总命令运行所需的组件。
type appDeps struct {
	log     *zap.SugaredLogger
	sched   backgroundTasks
	imports bulkImporter
	handler http.Handler
}

type builder func(ctx context.Context, cfg config.Config) (appDeps, func(), error)

// buildDeps 按配置装配存储、服务、调度器与 HTTP handler，返回的 cleanup 负责释放资源。
func buildDeps(ctx context.Context, cfg config.Config) (appDeps, func(), error) {
	log, err := logging.New(cfg.Log)
	if err != nil {
		return appDeps{}, func() {}, err
	}
	cleanups := []func(){func() { _ = log.Sync() }}
	cleanup := func() {
		for i := len(cleanups) - 1; i >= 0; i-- {
			cleanups[i]()
		}
	}

	store, err := storage.NewStore(cfg.Database.Path, storage.WithApplicationMethods(cfg.Jobs.ApplicationMethods))
	if err != nil {
		cleanup()
		return appDeps{}, func() {}, errors.Wrap(err, "init store")
	}
	cleanups = append(cleanups, func() { _ = store.Close() })

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m, err := metrics.New(reg)
	if err != nil {
		cleanup()
		return appDeps{}, func() {}, err
	}

	var publisher events.Publisher = events.Nop{}
	if cfg.Redis.URL != "" {
		rdb, err := events.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			log.Warnw("event publishing disabled", "err", err)
		} else {
			pub := events.NewRedisPublisher(rdb)
			publisher = pub
			cleanups = append(cleanups, func() { _ = pub.Close() })
		}
	}

	var sender notifier.Sender = notifier.NewLogSender(log)
	if cfg.Email.Enabled() {
		sender = notifier.NewEmailNotifier(cfg.Email, nil)
	} else {
		log.Infow("email disabled, notifications go to the log")
	}

	var cal calendar.Sync = calendar.Nop{}
	if cfg.Calendar.WebhookURL != "" {
		cal = calendar.NewWebhookSync(cfg.Calendar.WebhookURL, &http.Client{Timeout: cfg.Calendar.Timeout})
	}

	prefs := settings.NewService(store, store)
	schedules := schedule.NewService(store, prefs,
		schedule.WithCalendar(cal),
		schedule.WithNotifier(sender),
		schedule.WithPublisher(publisher),
		schedule.WithMetrics(m),
		schedule.WithLogger(log),
	)
	pipeline := importer.New(store, resolver.New(store, cfg.Resolver.CacheTTL, log), schedules,
		importer.WithPublisher(publisher),
		importer.WithMetrics(m),
		importer.WithLogger(log),
	)
	dispatcher := reminder.New(store, sender,
		reminder.WithBatchSize(cfg.Scheduler.ReminderBatchSize),
		reminder.WithMetrics(m),
		reminder.WithLogger(log),
	)
	sweep := sweeper.New(store, schedules, sweeper.WithMetrics(m), sweeper.WithLogger(log))
	sched := scheduler.NewScheduler(dispatcher, sweep, cfg.Scheduler, log)

	handler := api.NewHandler(api.Deps{
		Imports:   pipeline,
		Schedules: schedules,
		Settings:  prefs,
		Sweeps:    sched,
		Platforms: store,
		Metrics:   promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Log:       log,
	})

	return appDeps{log: log, sched: sched, imports: pipeline, handler: handler}, cleanup, nil
}
