package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"attendai/internal/config"
	"attendai/internal/enrollment"
	"attendai/internal/faceclient"
	"attendai/internal/jobs"
	"attendai/internal/logging"
	"attendai/internal/queue"
	"attendai/internal/store"
)

// Worker consumes queue messages: enrollment photos are embedded through the
// face service and saved as templates; attendance events are logged.
func main() {
	cfg := config.Load()
	logger := logging.New(cfg.SlogLevel(), "worker")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("worker failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.App, logger *slog.Logger) error {
	if cfg.QueueBackend == "memory" {
		return errors.New("QUEUE_BACKEND=memory is consumed inside the api process; the worker needs redis")
	}
	redisClient, err := store.NewRedis(cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	var templates enrollment.Store
	if cfg.StoreBackend == "memory" {
		templates = enrollment.NewMemory()
	} else {
		db, err := store.NewDB(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return err
		}
		defer db.Close()
		templates = enrollment.NewCachedStore(enrollment.NewRepository(db.Client), redisClient.Client, cfg.TemplateCacheTTL, logger)
	}

	q := queue.NewRedisQueue(redisClient.Client, cfg.QueueKey, logger)

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	// Check face service health on startup
	if err := face.Health(ctx); err != nil {
		logger.Warn("face service not available; enrollment jobs will fail until it is", "error", err)
	}

	enroll := enrollment.NewService(templates,
		enrollment.WithLogger(logger),
		enrollment.WithEmbedder(face),
		enrollment.WithDim(cfg.DescriptorDim),
		enrollment.WithMinQuality(cfg.EnrollMinQuality),
	)

	logger.Info("worker started, waiting for messages")
	if err := jobs.NewHandler(enroll, logger).Run(ctx, q); err != nil {
		return err
	}
	logger.Info("worker stopped")
	return nil
}
