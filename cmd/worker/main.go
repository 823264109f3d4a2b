package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/dharsanguruparan/timecapsule/internal/client"
	"github.com/dharsanguruparan/timecapsule/internal/config"
	"github.com/dharsanguruparan/timecapsule/internal/database"
	"github.com/dharsanguruparan/timecapsule/internal/preview"
	"github.com/dharsanguruparan/timecapsule/internal/receipts"
	"github.com/dharsanguruparan/timecapsule/internal/save"
	"github.com/dharsanguruparan/timecapsule/internal/worker"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	fatal := func(msg string, err error) {
		logger.Error(msg, "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fatal("load config", err)
	}

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		fatal("connect database", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		fatal("ensure schema", err)
	}
	jobs := receipts.NewRepository(pool)

	var saver worker.Saver = save.NewDir(cfg.DownloadDir)
	if cfg.S3.Endpoint != "" {
		bucket, err := save.NewBucket(cfg.S3)
		if err != nil {
			fatal("init storage", err)
		}
		if err := bucket.EnsureBucket(ctx); err != nil {
			fatal("ensure bucket", err)
		}
		saver = bucket
	}

	capsules, err := client.New(client.Options{
		BaseURL:           cfg.Server,
		RequestsPerMinute: cfg.RatePerMinute,
		Logger:            logger,
	})
	if err != nil {
		fatal("init capsule client", err)
	}

	redis := asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
	enqueuer := asynq.NewClient(redis)
	defer enqueuer.Close()

	server := asynq.NewServer(redis, asynq.Config{
		Concurrency: cfg.Workers,
		Logger:      &asynqLogger{logger: logger.With("component", "asynq")},
	})
	processor := worker.NewProcessor(worker.Options{
		Jobs:       jobs,
		Downloader: capsules,
		Saver:      saver,
		Enqueuer:   enqueuer,
		Describe:   preview.Describe,
		Logger:     logger,
	})
	mux := processor.Handler()

	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()

	logger.Info("unlock worker started", "server", cfg.Server, "concurrency", cfg.Workers)
	if err := server.Run(mux); err != nil {
		fatal("worker stopped", err)
	}
}
