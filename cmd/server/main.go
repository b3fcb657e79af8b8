package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/database"
	"github.com/stemsi/exstem-proctor/internal/handler"
	"github.com/stemsi/exstem-proctor/internal/logger"
	"github.com/stemsi/exstem-proctor/internal/metrics"
	"github.com/stemsi/exstem-proctor/internal/middleware"
	"github.com/stemsi/exstem-proctor/internal/router"
	"github.com/stemsi/exstem-proctor/internal/sensor"
	"github.com/stemsi/exstem-proctor/internal/service"
	"github.com/stemsi/exstem-proctor/internal/validator"
	"github.com/stemsi/exstem-proctor/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Str("store", cfg.StoreBackend).
		Msg("Starting ExStem Proctor")

	// ─── Initialize Validator ──────────────────────────────────────────
	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Open Session Store ────────────────────────────────────────────
	store, closeStore, err := database.OpenStore(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open session store")
	}
	defer closeStore()

	// ─── Connect to Redis (optional) ───────────────────────────────────
	// Without Redis the queues live in memory and the watch feed only
	// sees sessions of this instance.
	var rdb *redis.Client
	var queue worker.Queue
	if cfg.RedisURL != "" {
		rdb, err = database.NewRedisClient(ctx, cfg, log)
		if err != nil {
			log.Warn().Err(err).Msg("Redis unavailable, falling back to in-memory queues")
			rdb = nil
		}
	}
	if rdb != nil {
		defer rdb.Close()
		queue = worker.NewRedisQueue(rdb)
	} else {
		queue = worker.NewMemoryQueue(0)
	}

	// ─── Metrics ───────────────────────────────────────────────────────
	m := metrics.New(prometheus.DefaultRegisterer)

	// ─── Analyzers ─────────────────────────────────────────────────────
	face := sensor.NewFaceClient(cfg.Sensors.FaceServiceURL, cfg.Sensors.FaceSkip)
	if !cfg.Sensors.FaceSkip {
		healthCtx, healthCancel := context.WithTimeout(ctx, 2*time.Second)
		if err := face.Health(healthCtx); err != nil {
			log.Warn().Err(err).Str("url", cfg.Sensors.FaceServiceURL).Msg("Face service not reachable, vision monitors will report model_error")
		}
		healthCancel()
	}

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	hub := service.NewEventHub(rdb, queue, m, log)
	sessionService := service.NewSessionService(cfg, store, face, sensor.PCMMeter{}, hub, rdb, m, log)

	// ─── Start Background Workers ─────────────────────────────────────
	// The hub feeds the queues, so it runs on its own context and is
	// stopped before the workers.
	hubCtx, hubCancel := context.WithCancel(context.Background())
	hubDone := make(chan struct{})
	go func() {
		hub.Run(hubCtx)
		close(hubDone)
	}()

	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	answerWorker := worker.NewAnswerWorker(store, queue, log)
	scoringWorker := worker.NewScoringWorker(store, queue, log)
	completionWorker := worker.NewCompletionWorker(store, queue, log)

	workers.Add(3)
	go func() { defer workers.Done(); answerWorker.Start(workerCtx) }()
	go func() { defer workers.Done(); scoringWorker.Start(workerCtx) }()
	go func() { defer workers.Done(); completionWorker.Start(workerCtx) }()

	// ─── Setup Router ──────────────────────────────────────────────────
	limiter := middleware.NewRateLimiter(ctx, 120, time.Minute)
	handlers := &router.Handlers{
		Session: handler.NewSessionHandler(sessionService, log),
		Stream:  handler.NewStreamHandler(sessionService, hub, m, log, cfg.AllowedOrigins),
		Watch:   handler.NewWatchHandler(rdb, sessionService, hub, log, cfg.AllowedOrigins),
		System:  handler.NewSystemHandler(rdb, queue, sessionService, face, log),
	}
	r := router.SetupRouter(authService, handlers, limiter, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:    ":" + cfg.ServerPort,
		Handler: r,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout). Hijacked websocket
	// connections are not tracked by Shutdown and close with the sessions.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Submit every live session so nothing is left active.
	sessionCtx, sessionCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer sessionCancel()
	sessionService.Shutdown(sessionCtx)

	// 3. Flush pending hub side effects, then stop background workers and
	// wait for queues to drain.
	hubCancel()
	<-hubDone
	workerCancel()
	drained := make(chan struct{})
	go func() {
		workers.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("Workers did not drain in time")
	}

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
