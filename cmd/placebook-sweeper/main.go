// Command placebook-sweeper expires subscriptions whose paid period has
// ended. Every replica schedules the sweep; a redis lock makes sure only one
// of them runs each tick.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/platinummonkey/placebook/pkg/audit"
	"github.com/platinummonkey/placebook/pkg/config"
	"github.com/platinummonkey/placebook/pkg/observability"
	"github.com/platinummonkey/placebook/pkg/rbac"
	"github.com/platinummonkey/placebook/pkg/storage"
	"github.com/platinummonkey/placebook/pkg/subscriptions"
)

var (
	runOnce  = flag.Bool("run-once", false, "Run one sweep and exit")
	schedule = flag.String("schedule", "", "Cron schedule overriding PLACEBOOK_SWEEP_SCHEDULE")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	if *schedule != "" {
		cfg.Subscriptions.SweepSchedule = *schedule
	}

	logger := setupLogger(cfg.Observability.LogLevel)
	logger.WithFields(logrus.Fields{
		"schedule": cfg.Subscriptions.SweepSchedule,
		"timezone": cfg.Subscriptions.Timezone,
		"run_once": *runOnce,
	}).Info("Starting placebook expiry sweeper")

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cm, err := storage.NewConnectionManager(ctx, cfg.Storage, nil)
	if err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}
	defer cm.Close()

	// Structured output of the sweep itself
	domainLogger := observability.NewLogger(cfg.LogLevel(), os.Stdout).WithField("component", "sweeper")

	subStore := subscriptions.NewPostgresStore(cm.Primary())
	lifecycle := subscriptions.NewLifecycle(subStore,
		subscriptions.WithLocation(cfg.Location()),
		subscriptions.WithLogger(domainLogger),
		subscriptions.WithExpireHistory(cfg.Subscriptions.ExpireHistory),
	)
	recorder := audit.NewRecorder(audit.NewPostgresStore(cm.Primary()), domainLogger, nil)
	dispatcher := subscriptions.NewDispatcher(subStore, recorder, rbac.NewPostgresStore(cm.Primary()),
		subscriptions.WithDispatchLogger(domainLogger))

	opts := []subscriptions.SweeperOption{
		subscriptions.WithSweepTimeout(cfg.Subscriptions.SweepTimeout),
		subscriptions.WithSweepLogger(domainLogger),
	}
	if cfg.Storage.RedisURL != "" {
		redisClient, err := storage.NewRedisClient(ctx, cfg.Storage)
		if err != nil {
			logger.Fatalf("Failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
		opts = append(opts, subscriptions.WithLocker(redisClient, cfg.Subscriptions.SweepLockKey, cfg.Subscriptions.SweepLockTTL))
	} else {
		logger.Warn("No redis configured, sweeping without a lock; run a single replica")
	}
	sweeper := subscriptions.NewSweeper(lifecycle, dispatcher, opts...)

	if *runOnce {
		result, ran, err := sweeper.RunOnce(ctx)
		if err != nil {
			logger.Fatalf("Sweep failed: %v", err)
		}
		if !ran {
			logger.Info("Another replica holds the sweep lock, nothing to do")
			return
		}
		logger.WithFields(logrus.Fields{
			"sites":  result.Sites,
			"places": result.Places,
		}).Info("Sweep completed")
		return
	}

	if err := sweeper.Start(cfg.Subscriptions.SweepSchedule, cfg.Location()); err != nil {
		logger.Fatalf("Failed to schedule sweep: %v", err)
	}
	logger.Info("Sweeper scheduled, waiting for signal")

	<-ctx.Done()
	logger.Info("Received shutdown signal, waiting for running sweep")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Subscriptions.SweepTimeout+5*time.Second)
	defer stopCancel()
	sweeper.Stop(stopCtx)
	logger.Info("Sweeper stopped")
}

func setupLogger(logLevel string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	return logger
}
