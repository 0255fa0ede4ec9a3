package main

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

type httpServer interface {
	ListenAndServe() error
	Shutdown(ctx context.Context) error
}

type startable interface {
	Start(ctx context.Context) error
}

func serveCommand(load configLoader, build builder) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with the reminder and expiration loops",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			deps, cleanup, err := build(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			defer cleanup()

			srv := &http.Server{
				Addr:              cfg.Server.Addr,
				Handler:           deps.handler,
				ReadHeaderTimeout: 10 * time.Second,
			}
			deps.log.Infow("listening", "addr", cfg.Server.Addr)
			return runServer(cmd.Context(), srv, deps.sched, cfg.Server.ShutdownTimeout)
		},
	}
}

// runServer 同时运行 HTTP 服务与后台调度，ctx 取消或任一方退出时优雅关闭两者。
func runServer(ctx context.Context, srv httpServer, sched startable, shutdownTimeout time.Duration) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	schedDone := make(chan error, 1)
	go func() { schedDone <- sched.Start(ctx) }()

	srvDone := make(chan error, 1)
	go func() { srvDone <- srv.ListenAndServe() }()

	var (
		runErr      error
		schedErr    error
		schedExited bool
	)
	select {
	case <-ctx.Done():
	case err := <-srvDone:
		if !errors.Is(err, http.ErrServerClosed) {
			runErr = errors.Wrap(err, "http server")
		}
	case schedErr = <-schedDone:
		schedExited = true
	}
	cancel()

	if shutdownTimeout <= 0 {
		shutdownTimeout = 5 * time.Second
	}
	shutdownCtx, stop := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stop()
	if err := srv.Shutdown(shutdownCtx); err != nil && runErr == nil {
		runErr = errors.Wrap(err, "shutdown http server")
	}

	if !schedExited {
		schedErr = <-schedDone
	}
	if schedErr != nil && !errors.Is(schedErr, context.Canceled) && runErr == nil {
		runErr = errors.Wrap(schedErr, "scheduler")
	}
	return runErr
}
