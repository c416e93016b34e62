// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package main runs the WebSocket echo server with metrics and health
// endpoints.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/absmach/wsengine"
	"github.com/absmach/wsengine/examples/echo"
	"github.com/absmach/wsengine/pkg/health"
	"github.com/absmach/wsengine/pkg/metrics"
	"github.com/absmach/wsengine/pkg/ratelimit"
	"github.com/absmach/wsengine/pkg/server/tcp"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

const envPrefix = "WS_"

func main() {
	// .env file is optional
	envErr := godotenv.Load()

	cfg, err := wsengine.NewConfig(env.Options{Prefix: envPrefix})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)
	if envErr != nil {
		logger.Debug("no .env file found, using environment variables")
	}

	ctx, cancel := context.WithCancel(context.Background())
	g, ctx := errgroup.WithContext(ctx)

	m := metrics.New("wsengine", prometheus.DefaultRegisterer)

	serverCfg := tcp.Config{
		Address:          cfg.Address(),
		TLSConfig:        cfg.TLSConfig,
		ShutdownTimeout:  cfg.ShutdownTimeout,
		MaxConnections:   cfg.MaxConnections,
		MaxPayloadSize:   cfg.MaxPayloadSize,
		MaxHandshakeSize: cfg.MaxHandshakeSize,
		RequireMask:      cfg.RequireMask,
		ReusePort:        cfg.ReusePort,
		Logger:           logger,
		Metrics:          m,
	}
	if cfg.RateLimitRefill > 0 {
		limiter := ratelimit.NewLimiter(cfg.RateLimitCapacity, cfg.RateLimitRefill, cfg.MaxConnections)
		defer limiter.Close()
		serverCfg.Limiter = limiter
	}
	if cfg.GlobalRateRefill > 0 {
		serverCfg.GlobalLimiter = ratelimit.NewTokenBucket(cfg.GlobalRateCapacity, cfg.GlobalRateRefill)
	}

	server := tcp.New(serverCfg, echo.New(logger))

	checker := health.NewChecker(0)
	registerChecks(checker, server, cfg.MaxConnections)

	g.Go(func() error {
		return server.Listen(ctx)
	})

	if cfg.MetricsPort > 0 {
		g.Go(func() error {
			return serveHTTP(ctx, "metrics", fmt.Sprintf(":%d", cfg.MetricsPort), metricsMux(), logger)
		})
	}

	if cfg.HealthPort > 0 {
		g.Go(func() error {
			return serveHTTP(ctx, "health", fmt.Sprintf(":%d", cfg.HealthPort), checker.Mux(), logger)
		})
	}

	// Signal handler
	g.Go(func() error {
		return StopSignalHandler(ctx, cancel, logger)
	})

	if err := g.Wait(); err != nil {
		logger.Error(fmt.Sprintf("WebSocket service terminated with error: %s", err))
		os.Exit(1)
	}
	logger.Info("WebSocket service stopped")
}

// setupLogger creates a structured logger with the specified level and format.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "info":
		logLevel = slog.LevelInfo
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level: logLevel,
	}

	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

func StopSignalHandler(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) error {
	c := make(chan os.Signal, 2)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(c)

	select {
	case sig := <-c:
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
		return nil
	case <-ctx.Done():
		return nil
	}
}
