package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fieldgate/fieldgate/internal/cache"
	"github.com/fieldgate/fieldgate/internal/config"
	"github.com/fieldgate/fieldgate/internal/database"
	"github.com/fieldgate/fieldgate/internal/handler"
	"github.com/fieldgate/fieldgate/internal/logger"
	"github.com/fieldgate/fieldgate/internal/middleware"
	"github.com/fieldgate/fieldgate/internal/repository"
	"github.com/fieldgate/fieldgate/internal/router"
	"github.com/fieldgate/fieldgate/internal/service"
	"github.com/fieldgate/fieldgate/internal/signing"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(cfg.Log.Level, cfg.Log.Format)
	log.Info().Str("version", handler.Version).Msg("starting FieldGate server")

	// Connect to PostgreSQL
	db, err := database.NewPostgres(cfg.Database)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("connected to PostgreSQL")

	// Connect to Redis
	rdb, err := database.NewRedis(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to Redis")
	}
	defer rdb.Close()
	log.Info().Msg("connected to Redis")

	// Initialize repositories
	userRepo := repository.NewUserRepository(db)
	deviceRepo := repository.NewDeviceRepository(db)
	tokenRepo := repository.NewTokenRepository(db)
	eventRepo := repository.NewEventRepository(db)

	// Shared cache for device flags, secrets, and token summaries
	cacheStore := cache.NewRedis(rdb)

	// Initialize services
	eventSvc := service.NewSecurityEventService(eventRepo, rdb, cfg, log)
	deviceSvc := service.NewDeviceService(deviceRepo, tokenRepo, cacheStore, eventSvc, cfg, log)
	tokenSvc := service.NewTokenService(tokenRepo, cacheStore, eventSvc, cfg, log)
	authSvc := service.NewAuthService(userRepo, deviceSvc, tokenSvc, eventSvc, cfg, log)
	log.Info().Msg("services initialized")

	// Request signature validation. The replay guard remembers nonces
	// for twice the timestamp tolerance so a nonce outlives every
	// request it could replay.
	guard := signing.NewReplayGuard(cacheStore, 2*cfg.RequestSigning.TimestampTolerance)
	routes := signing.NewRouteTable(signing.DefaultSensitiveRoutes())
	validator := signing.NewValidator(cfg.RequestSigning, deviceSvc, guard, routes)
	log.Info().
		Bool("enabled", cfg.RequestSigning.Enabled).
		Str("algorithm", cfg.RequestSigning.Algorithm).
		Msg("request signature validator initialized")

	// Initialize middleware and rate limiter
	mw := middleware.New(log, cfg)
	limiter := middleware.NewRateLimiter(rdb, cfg.RateLimits, log)

	// Initialize handlers
	h := handler.New(db, rdb, log, cfg, authSvc, deviceSvc, tokenSvc, eventSvc)

	// Set up router
	r := router.New(router.Deps{
		Handler:   h,
		MW:        mw,
		Limiter:   limiter,
		Validator: validator,
		AuthSvc:   authSvc,
		DeviceSvc: deviceSvc,
		TokenSvc:  tokenSvc,
		EventSvc:  eventSvc,
	})

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("HTTP server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server...")

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Fatal().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
