package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"mail-scheduler/internal/archive"
	"mail-scheduler/internal/config"
	"mail-scheduler/internal/connect"
	"mail-scheduler/internal/logging"
	"mail-scheduler/internal/mailer"
	"mail-scheduler/internal/queue"
	"mail-scheduler/internal/ratelimit"
	"mail-scheduler/internal/reconcile"
	"mail-scheduler/internal/telemetry"
	workerproc "mail-scheduler/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := connect.Postgres(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("postgres unavailable", zap.Error(err))
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations failed", zap.Error(err))
	}

	rdb, err := connect.Redis(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("redis unavailable", zap.Error(err))
	}
	defer rdb.Close()

	q := queue.NewRedisQueue(rdb, queue.Options{Prefix: cfg.QueuePrefix, LeaseTimeout: cfg.LeaseTimeout})
	limiter := ratelimit.NewHourlyWindow(rdb, cfg.EmailRateLimitPerHour)

	settings := mailer.Settings{Host: cfg.SMTPHost, Port: cfg.SMTPPort}
	if cfg.HasSMTPCredentials() {
		settings.User, settings.Pass = cfg.SMTPUser, cfg.SMTPPass
	} else if cfg.SMTPUser != "" || cfg.SMTPPass != "" {
		logger.Warn("only one of SMTP_USER and SMTP_PASS is set, ignoring both")
	}
	transport := mailer.NewProvider(settings, logger)
	defer transport.Close()

	archiver, err := archive.New(ctx, archive.Settings{
		Dir:         cfg.ArchiveDir,
		S3Bucket:    cfg.ArchiveS3Bucket,
		S3Region:    cfg.ArchiveS3Region,
		S3Endpoint:  cfg.ArchiveS3Endpoint,
		S3PathStyle: cfg.ArchiveS3PathStyle,
	})
	if err != nil {
		logger.Fatal("init archive", zap.Error(err))
	}

	// Pacing is shared by every worker process on this Redis.
	pacer := ratelimit.NewSendPacer(rdb, cfg.QueuePrefix+":pace", cfg.EmailDelay())
	processor := workerproc.NewProcessor(cfg, st, q, limiter, transport, logger).WithPacer(pacer)
	if archiver != nil {
		processor.WithArchiver(archiver)
	}

	sweeper := reconcile.NewSweeper(st, q, cfg.ReconcileGrace, logger)
	sweeps, err := sweeper.Start(ctx, cfg.ReconcileSchedule)
	if err != nil {
		logger.Fatal("start reconcile sweep", zap.Error(err))
	}

	metricsServer := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           telemetry.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()

	logger.Info("worker started",
		zap.Int("concurrency", cfg.WorkerConcurrency),
		zap.Int("hourly_limit", cfg.EmailRateLimitPerHour),
		zap.Duration("lease_timeout", cfg.LeaseTimeout),
	)
	if err := processor.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("worker stopped", zap.Error(err))
	}
	// Let a running sweep finish before the store and Redis close.
	<-sweeps.Stop().Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	logger.Info("worker exited")
}
