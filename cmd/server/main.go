package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/scenerunr/api/internal/config"
	"github.com/scenerunr/api/internal/engine"
	"github.com/scenerunr/api/internal/handler"
	"github.com/scenerunr/api/internal/housekeeper"
	"github.com/scenerunr/api/internal/job"
	"github.com/scenerunr/api/internal/middleware"
	"github.com/scenerunr/api/internal/registry"
	"github.com/scenerunr/api/internal/service"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.WithError(err).Fatal("Failed to load configuration")
	}

	// Set up logging
	logger := logrus.New()
	logger.SetLevel(cfg.GetLogLevel())
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	logger.Info("Starting SceneRunr API Server")

	// Ensure data directories exist
	if err := ensureDataDirectories(cfg); err != nil {
		logger.WithError(err).Fatal("Failed to create data directories")
	}

	// Initialize the rendering engine manager and probe the binary
	engineManager := engine.NewManager(cfg)
	probeCtx, probeCancel := context.WithTimeout(context.Background(), 15*time.Second)
	version, err := engineManager.Probe(probeCtx)
	probeCancel()
	if err != nil {
		if cfg.RequireEngineProbe {
			logger.WithError(err).Fatal("Rendering engine probe failed")
		}
		logger.WithError(err).Warn("Rendering engine probe failed, renders may not work")
	} else {
		logger.Infof("Rendering engine %s %s detected", cfg.EngineBinary, version)
	}

	// Initialize the status mirror when Redis is configured
	var mirror registry.Mirror
	if cfg.MirrorEnabled() {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddress,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})

		pingCtx, pingCancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			logger.WithError(err).Warn("Status mirror unreachable, continuing without it at startup")
		} else {
			logger.Infof("Status mirror connected at %s", cfg.RedisAddress)
		}
		pingCancel()

		mirror = registry.NewRedisMirror(redisClient, cfg.MirrorKeyPrefix, cfg.MirrorTTL)
	}

	// Initialize the job registry
	jobRegistry := registry.NewInMemory(mirror)

	// Initialize artifact storage
	startupCtx, startupCancel := context.WithTimeout(context.Background(), 30*time.Second)
	s3Client, err := service.NewS3Client(startupCtx, cfg)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize artifact storage client")
	}
	artifacts := service.NewArtifactService(s3Client, cfg, logger)
	if err := artifacts.EnsureBucket(startupCtx); err != nil {
		logger.WithError(err).Fatal("Failed to ensure artifact bucket")
	}
	startupCancel()

	// Initialize job manager
	launcher := job.NewOSLauncher(cfg.OutputMaxSize)
	jobManager := job.NewManager(cfg, jobRegistry, engineManager, artifacts, launcher)

	// Start workspace housekeeping
	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	defer backgroundCancel()
	go housekeeper.New(cfg, cfg.JobsDir()).Start(backgroundCtx)

	// Initialize handlers
	h := handler.NewHandler(cfg, jobManager, jobRegistry, mirror, logger)

	var limiter *rate.Limiter
	if cfg.SubmitRatePerSec > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.SubmitRatePerSec), cfg.SubmitBurst)
	}

	// Set up router
	r := chi.NewRouter()

	// Global middleware
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Recovery(logger))
	r.Use(middleware.CORS())
	// Limit POST/DELETE body size
	r.Use(middleware.BodyLimit(cfg.RequestBodyLimit))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		// Submission gets JSON enforcement plus the rate limit
		r.Group(func(r chi.Router) {
			r.Use(middleware.JSON)
			r.Use(middleware.RateLimit(limiter))
			r.Use(chiMiddleware.Timeout(30 * time.Second))
			r.Post("/render", h.SubmitRender)
		})

		// Snapshot and cancel routes
		r.Group(func(r chi.Router) {
			r.Use(chiMiddleware.Timeout(30 * time.Second))
			r.Get("/jobs/{jobID}", h.GetJob)
			r.Delete("/jobs/{jobID}", h.CancelJob)
		})

		// Streaming routes stay outside any timeout group
		r.Get("/jobs/{jobID}/stream", h.StreamJob)
		r.HandleFunc("/jobs/{jobID}/ws", h.WatchJob)
	})

	// Root route
	r.Get("/", h.GetVersion)

	// Health check
	r.Get("/health", h.GetHealth)

	// Create HTTP server. WriteTimeout stays zero so SSE streams and
	// WebSocket feeds can outlive any fixed window.
	server := &http.Server{
		Addr:              cfg.GetBindAddress(),
		Handler:           r,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Infof("API server starting on %s", cfg.GetBindAddress())
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	backgroundCancel()

	// Create a deadline for shutdown
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown server
	if err := server.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
		os.Exit(1)
	}

	logger.Info("Server exited")
}

// ensureDataDirectories ensures that all required data directories exist
func ensureDataDirectories(cfg *config.Config) error {
	directories := []string{
		cfg.DataDirectory,
		cfg.JobsDir(),
	}

	for _, dir := range directories {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	return nil
}
