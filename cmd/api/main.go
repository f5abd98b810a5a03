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

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"attendai/internal/api"
	"attendai/internal/attendance"
	"attendai/internal/auth"
	"attendai/internal/cloudinary"
	"attendai/internal/config"
	"attendai/internal/enrollment"
	"attendai/internal/faceclient"
	"attendai/internal/httpmiddleware"
	"attendai/internal/jobs"
	"attendai/internal/logging"
	"attendai/internal/match"
	"attendai/internal/metrics"
	"attendai/internal/queue"
	"attendai/internal/store"
	"attendai/internal/verify"
)

func main() {
	cfg := config.Load()
	logger := logging.New(cfg.SlogLevel(), "api")

	// Set Gin mode based on environment
	if cfg.Production() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := runHTTP(cfg, logger); err != nil {
		logger.Error("http server failed", "error", err)
		os.Exit(1)
	}
}

func runHTTP(cfg config.App, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	redisClient, err := store.NewRedis(cfg.RedisAddr)
	if err != nil {
		return err
	}
	defer redisClient.Close()

	checks := map[string]api.HealthCheck{"redis": redisClient.Healthy}

	var (
		templates enrollment.Store
		records   attendance.Store
	)
	switch cfg.StoreBackend {
	case "memory":
		logger.Warn("using in-memory storage; data is lost on restart")
		templates = enrollment.NewMemory()
		records = attendance.NewMemory()
	default:
		db, err := store.NewDB(ctx, cfg.DatabaseURL, cfg.DBMaxConns)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.Migrate(ctx); err != nil {
			return err
		}
		checks["db"] = db.Healthy
		templates = enrollment.NewCachedStore(enrollment.NewRepository(db.Client), redisClient.Client, cfg.TemplateCacheTTL, logger)
		records = attendance.NewRepository(db.Client)
	}

	var q queue.Queue
	if cfg.QueueBackend == "memory" {
		q = queue.NewInMemory(64)
	} else {
		q = queue.NewRedisQueue(redisClient.Client, cfg.QueueKey, logger)
	}

	face := faceclient.New(cfg.FaceServiceURL, cfg.FaceSkip)
	enroll := enrollment.NewService(templates,
		enrollment.WithLogger(logger),
		enrollment.WithEmbedder(face),
		enrollment.WithDim(cfg.DescriptorDim),
		enrollment.WithMinQuality(cfg.EnrollMinQuality),
		enrollment.WithMetrics(m),
	)
	att := attendance.NewService(records,
		attendance.WithLogger(logger),
		attendance.WithQueue(q),
		attendance.WithTimeout(cfg.RecordTimeout),
		attendance.WithPublishTimeout(cfg.PublishTimeout),
	)
	if cfg.QueueBackend == "memory" {
		// no separate worker can reach an in-process queue
		logger.Info("processing queued jobs in-process")
		go func() {
			if err := jobs.NewHandler(enroll, logger).Run(ctx, q); err != nil {
				logger.Error("in-process job handler stopped", "error", err)
			}
		}()
	}
	sessions := verify.NewManager(face, enroll, match.NewMatcher(cfg.MatchThreshold), att,
		verify.WithLogger(logger),
		verify.WithMetrics(m),
		verify.WithMaxDetectionAge(cfg.MaxDetectionAge),
		verify.WithSuccessLinger(cfg.SuccessLinger),
	)

	var photos api.PhotoUploader
	if cfg.CloudinaryEnabled() {
		photos = cloudinary.New(cfg.CloudinaryCloudName, cfg.CloudinaryAPIKey, cfg.CloudinaryAPISecret, cfg.CloudinaryFolder)
		logger.Info("cloudinary configured", "cloud", cfg.CloudinaryCloudName)
	} else {
		logger.Info("cloudinary not configured; photo enrollment disabled")
	}

	limiter := httpmiddleware.NewRedisWindow(redisClient.Client, cfg.RateLimitPerMin, time.Minute,
		httpmiddleware.NewSimpleTokenBucket(cfg.RateLimitPerMin, cfg.RateLimitPerMin), logger)

	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(gin.LoggerWithConfig(gin.LoggerConfig{
		SkipPaths: []string{"/healthz", "/metrics"},
	}))
	corsCfg := cors.DefaultConfig()
	corsCfg.AllowAllOrigins = true
	corsCfg.AllowHeaders = []string{"Origin", "Content-Type", "Accept", "Authorization"}
	corsCfg.AllowMethods = []string{"GET", "POST", "DELETE", "OPTIONS"}
	r.Use(cors.New(corsCfg))
	r.Use(httpmiddleware.SecurityHeaders())

	api.New(api.Deps{
		Issuer:        auth.NewIssuer(cfg.JWTIssuer, cfg.JWTSigningKey, cfg.AccessTTL, cfg.RefreshTTL),
		DevTokens:     !cfg.Production(),
		Enrollment:    enroll,
		Attendance:    att,
		Sessions:      sessions,
		Queue:         q,
		Photos:        photos,
		Limiter:       limiter,
		Checks:        checks,
		Metrics:       promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		MaxFrameBytes: cfg.MaxFrameBytes,
		Logger:        logger,
	}).Register(r)

	srv := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.HTTPPort, "store", cfg.StoreBackend, "face_skip", cfg.FaceSkip)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	logger.Info("shutting down server")

	// Give outstanding requests 10 seconds to complete
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("server forced shutdown", "error", err)
	}
	sessions.CloseAll()

	logger.Info("server exited")
	return nil
}
