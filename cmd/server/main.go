// cmd/server/main.go: HTTP control plane. Hosts the admin API and the
// internal change-notification endpoint, listening on ADMIN_ADDR.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carebridge/pulse/internal/admin"
	"github.com/carebridge/pulse/internal/asyncjob"
	"github.com/carebridge/pulse/internal/config"
	"github.com/carebridge/pulse/internal/db"
	"github.com/carebridge/pulse/internal/dispatch"
	"github.com/carebridge/pulse/internal/fhir"
	"github.com/carebridge/pulse/internal/migrate"
	"github.com/carebridge/pulse/internal/queue"
	"github.com/carebridge/pulse/internal/ratelimit"
	"github.com/carebridge/pulse/internal/reindex"
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

	redisOpts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		logger.Error("parse redis URL failed", "err", err)
		os.Exit(1)
	}
	rc := redis.NewClient(redisOpts)
	defer rc.Close()

	logger.Info("connecting to redis", "url", cfg.RedisURL)
	if err := rc.Ping(ctx).Err(); err != nil {
		logger.Error("redis ping failed", "err", err)
		os.Exit(1)
	}
	logger.Info("redis connected")

	repo := fhir.NewClient(cfg.FHIRBaseURL, cfg.FHIRToken)
	enq := &queue.PGEnqueuer{Pool: pool}
	jobs := asyncjob.NewStore(repo, logger)
	reindexer := reindex.NewController(repo, jobs, enq, logger)

	srv := &admin.Server{
		Repo:    repo,
		Jobs:    jobs,
		Reindex: reindexer,
		Dispatcher: &dispatch.Dispatcher{
			Repo:           repo,
			Enq:            enq,
			Log:            logger,
			BaseURL:        cfg.FHIRBaseURL,
			StorageBaseURL: cfg.StorageBaseURL,
			AutoDownload:   cfg.AutoDownloadEnabled,
		},
		Counters: ratelimit.NewRedisStore(rc),
		Log:      logger,
		Cfg:      cfg,
		Migrate: func(ctx context.Context) error {
			return migrate.RunData(ctx, pool, jobs, reindexer, logger)
		},
	}

	httpSrv := &http.Server{
		Addr:              cfg.AdminAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	logger.Info("http server listening", "addr", cfg.AdminAddr)
	go func() {
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http serve error", "err", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutdown signal received, stopping http server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown timeout", "err", err)
	}
	logger.Info("http server stopped")
}
