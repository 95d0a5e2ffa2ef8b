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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"playcode-backend/internal/clock"
	"playcode-backend/internal/config"
	"playcode-backend/internal/database"
	"playcode-backend/internal/handlers"
	"playcode-backend/internal/logger"
	"playcode-backend/internal/metrics"
	"playcode-backend/internal/middleware"
	"playcode-backend/internal/repository"
	"playcode-backend/internal/router"
	"playcode-backend/internal/services"
	"playcode-backend/internal/websocket"
)

func main() {
	// ──── Step 1: Load Environment Variables ────
	cfg := config.Load()

	log, err := logger.New(logger.Config{
		ServiceName: "playcode",
		Environment: cfg.Env,
		Level:       cfg.LogLevel,
		Format:      cfg.LogFormat,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("🚀 Starting PlayCode Backend...")

	if err := cfg.Validate(); err != nil {
		log.Fatal("✗ Invalid configuration", zap.Error(err))
	}
	log.Info("✓ Environment variables loaded")

	// ──── Step 2: Initialize PostgreSQL Connection Pool ────
	pool, err := database.NewPostgresPool(cfg.DatabaseURL)
	if err != nil {
		log.Fatal("✗ PostgreSQL connection failed", zap.Error(err))
	}
	defer pool.Close()
	log.Info("✓ PostgreSQL connected")

	// ──── Step 3: Initialize Redis Clients ────
	redisClients, err := database.NewRedisClients(cfg.RedisURL)
	if err != nil {
		log.Fatal("✗ Redis connection failed", zap.Error(err))
	}
	defer redisClients.Close()
	log.Info("✓ Redis connected")

	// ──── Step 4: Run Database Migrations ────
	if err := database.RunMigrations(pool, cfg.MigrationsDir, log); err != nil {
		log.Fatal("✗ Database migration failed", zap.Error(err))
	}
	log.Info("✓ Database migrations applied")

	// ──── Initialize Repositories ────
	sessionRepo := repository.NewSessionRepo(pool)
	activityRepo := repository.NewActivityRepo(pool)

	// ──── Initialize Metrics ────
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	allocatorMetrics := metrics.New(registry)

	// ──── Initialize Services ────
	jwtAuth := middleware.NewJWTAuth(cfg.JWTSecret)
	systemClock := clock.SystemClock{}
	publisher := services.NewRedisPlayCountPublisher(redisClients.PubSub)

	playerSessions := services.NewPlayerSessionService(
		sessionRepo,
		publisher,
		systemClock,
		allocatorMetrics,
		log,
		services.PlayerSessionConfig{
			Lifetime:            cfg.SessionLifetime,
			MaxRehashAttempts:   cfg.MaxRehashAttempts,
			ReclaimOnExhaustion: cfg.ReclaimOnExhaustion,
			ExhaustedRetryAfter: cfg.ExhaustedRetryAfter,
		},
	)

	// ──── Step 5: Start Session Reaper ────
	reaper := services.NewSessionReaper(
		sessionRepo,
		redisClients.Locks,
		systemClock,
		cfg.SessionLifetime,
		cfg.ReapInterval,
		allocatorMetrics,
		log,
	)
	reaper.Start()
	log.Info("✓ Session reaper started")

	// ──── Step 6: Start WebSocket Hub ────
	wsHub := websocket.NewHub(redisClients.PubSub, jwtAuth, log)
	log.Info("✓ WebSocket hub started")

	// ──── Step 7: Start HTTP Server ────
	playerSessionHandler := handlers.NewPlayerSessionHandler(playerSessions, activityRepo, log)

	r, openLimiter := router.New(jwtAuth, playerSessionHandler, wsHub, log, router.Options{
		FrontendURL:       cfg.FrontendURL,
		OpenInstanceLimit: cfg.OpenInstanceLimit,
		Gatherer:          registry,
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)

		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Info("Shutting down...")
		reaper.Stop()
		openLimiter.Stop()
		wsHub.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Warn("HTTP server shutdown incomplete", zap.Error(err))
		}
	}()

	log.Info("✓ PlayCode Backend ready",
		zap.String("api", fmt.Sprintf("http://localhost:%s/api/v1", cfg.Port)),
		zap.String("ws", fmt.Sprintf("ws://localhost:%s/api/v1/ws", cfg.Port)),
	)

	if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		log.Fatal("Server error", zap.Error(err))
	}
	<-shutdownDone
}
