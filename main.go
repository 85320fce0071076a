package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/cachedb/cachedb/internal/config"
	"github.com/cachedb/cachedb/internal/ratelimiting"
	"github.com/cachedb/cachedb/internal/reporting"
	"github.com/cachedb/cachedb/internal/server"
	"github.com/cachedb/cachedb/internal/store"
	"github.com/cachedb/cachedb/internal/telemetry"
)

// TODO: Put in config
const RATELIMIT_REFILL_PER_SECOND = 8
const RATELIMIT_BURST_SIZE = 16

func main() {
	instanceID := uuid.New().String()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil)).With("instanceID", instanceID)

	fail := func(msg string, args ...any) {
		logger.Error(msg, args...)
		os.Exit(1)
	}

	config, err := config.ConfigFromEnv()
	if err != nil {
		fail("Failed to load config", "error", err.Error())
	}
	logger.Info("Loaded config", "config", config.NonSensitiveString())

	flush, err := reporting.NewSentryOrMock(config)
	if err != nil {
		fail("Failed to initialize Sentry", "error", err.Error())
	}
	defer flush()
	logger.Info("Initialized Sentry")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metrics *telemetry.Metrics
	if !config.IsDevelopment() {
		shutdownTelemetry, err := telemetry.SetupOTelSDK(ctx, "cachedb")
		if err != nil {
			fail("Failed to initialize telemetry", "error", err.Error())
		}
		defer func() {
			if err := shutdownTelemetry(context.Background()); err != nil {
				logger.Error("Failed to shut down telemetry", "error", err.Error())
			}
		}()

		metrics, err = telemetry.NewMetrics()
		if err != nil {
			fail("Failed to initialize metrics", "error", err.Error())
		}
		logger.Info("Initialized telemetry")
	}

	rateLimiter, stopRateLimiter := ratelimiting.NewTokenBucketRateLimiter(RATELIMIT_REFILL_PER_SECOND, RATELIMIT_BURST_SIZE)
	defer stopRateLimiter()
	connectionLimiter := ratelimiting.NewConnectionRateLimiter(rateLimiter, ratelimiting.IPKeyFunc)

	srv := server.New(
		store.New(),
		server.WithLogger(logger),
		server.WithConnectionRateLimiter(connectionLimiter),
		server.WithMetrics(metrics),
	)

	listener, err := net.Listen("tcp", config.ListenAddress())
	if err != nil {
		fail("Failed to listen", "address", config.ListenAddress(), "error", err.Error())
	}
	logger.Info("Init complete", "address", listener.Addr().String())

	if err := srv.Serve(ctx, listener); err != nil {
		fail("Server failed", "error", err.Error())
	}
	logger.Info("Server shutdown")
}
