// cmd/worker/main.go: background worker process. Claims jobs from the
// subscriptions, downloads, and reindex queues and runs them to completion.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/carebridge/pulse/internal/asyncjob"
	"github.com/carebridge/pulse/internal/bots"
	"github.com/carebridge/pulse/internal/config"
	"github.com/carebridge/pulse/internal/db"
	"github.com/carebridge/pulse/internal/download"
	"github.com/carebridge/pulse/internal/fhir"
	"github.com/carebridge/pulse/internal/migrate"
	"github.com/carebridge/pulse/internal/queue"
	"github.com/carebridge/pulse/internal/ratelimit"
	"github.com/carebridge/pulse/internal/registry"
	"github.com/carebridge/pulse/internal/reindex"
	"github.com/carebridge/pulse/internal/subscription"
	"github.com/carebridge/pulse/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("load config failed", "err", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if err := worker.EnableParentDeathSignal(); err != nil {
		logger.Warn("failed to enable parent-death signal", "err", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	logger.Info("connecting to database", "url", cfg.DatabaseURL)
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect to database failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	if err := migrate.Run(ctx, pool, logger); err != nil {
		logger.Error("run migrations failed", "err", err)
		os.Exit(1)
	}

	repo := fhir.NewClient(cfg.FHIRBaseURL, cfg.FHIRToken)
	enq := &queue.PGEnqueuer{Pool: pool}
	jobs := asyncjob.NewStore(repo, logger)

	executor := bots.NewFuncExecutor(repo, 10*time.Second, logger)
	deliverer := subscription.NewDeliverer(repo, executor, logger)
	downloader := download.NewWorker(repo,
		download.NewHTTPStore(cfg.StorageBaseURL, cfg.FHIRToken), logger)
	reindexer := reindex.NewController(repo, jobs, enq, logger)

	// Attachment ingests count against tenant quota in advisory mode; a
	// missing redis only loses that accounting, never job processing.
	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Warn("invalid redis url; quota accounting disabled", "err", err)
	} else {
		downloader.Quota = ratelimit.NewRedisStore(redis.NewClient(redisOpts))
		downloader.QuotaOpts = ratelimit.Options{
			IdentityLimit: cfg.IdentityLimit,
			TenantLimit:   cfg.TenantLimit,
			Window:        time.Duration(cfg.RateLimitWindow) * time.Second,
		}
	}

	reg := registry.New()
	reg.Register(subscription.JobType, deliverer.Handle)
	reg.Register(download.JobType, downloader.Handle)
	reg.Register(reindex.JobType, reindexer.Handle)

	hostname, _ := os.Hostname()
	workerID := uuid.New()
	queues := []string{subscription.QueueName, download.QueueName, reindex.QueueName}

	w := worker.New(workerID, hostname, queues, pool, reg, logger, cfg.LeaseSeconds)
	w.OnFailure(reindex.QueueName, reindexer.OnJobFailed)

	logger.Info("registering worker", "worker_id", workerID, "hostname", hostname, "queues", queues)
	if err := worker.RegisterWorker(ctx, pool, w); err != nil {
		logger.Error("register worker failed", "err", err)
		os.Exit(1)
	}

	logger.Info("worker ready",
		"worker_id", workerID,
		"hostname", hostname,
		"queues", queues,
		"handlers", reg.Names())

	// Heartbeat: update last_heartbeat every 5s so the reaper can distinguish
	// live workers from crashed ones.
	go w.RunHeartbeat(ctx)

	// Reaper: competes for advisory lock; the winner requeues orphaned jobs
	// and marks dead workers.
	go worker.RunReaper(ctx, pool, logger)

	go w.Start(ctx)

	<-ctx.Done()

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 25*time.Second)
	defer drainCancel()
	if err := w.DrainAndWait(drainCtx); err != nil {
		logger.Warn("shutdown drain timeout; orphaned jobs will be reaped", "err", err)
	}

	logger.Info("shutdown complete")
}
