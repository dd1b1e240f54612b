package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"mail-scheduler/internal/config"
	"mail-scheduler/internal/connect"
	"mail-scheduler/internal/logging"
	"mail-scheduler/internal/queue"
	"mail-scheduler/internal/ratelimit"
	"mail-scheduler/internal/reconcile"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New("warn", "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := connect.Postgres(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer st.Close()

	rdb, err := connect.Redis(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer rdb.Close()

	q := queue.NewRedisQueue(rdb, queue.Options{Prefix: cfg.QueuePrefix, LeaseTimeout: cfg.LeaseTimeout})
	sweeper := reconcile.NewSweeper(st, q, cfg.ReconcileGrace, logger)

	budget := ratelimit.NewHourlyWindow(rdb, cfg.EmailRateLimitPerHour)

	root := newRootCmd(st, q, sweeper, budget)
	if err := root.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
