// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/absmach/wsengine/pkg/health"
	"github.com/absmach/wsengine/pkg/server/tcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const httpShutdownTimeout = 5 * time.Second

var errNotListening = errors.New("websocket listener is not bound")

// registerChecks adds the server's health checks. A missing listener makes
// the service unhealthy; a full connection table only degrades it.
func registerChecks(checker *health.Checker, server *tcp.Server, maxConnections int) {
	checker.RegisterCritical("listener", func(ctx context.Context) error {
		if server.Addr() == nil {
			return errNotListening
		}
		return nil
	})

	if maxConnections > 0 {
		checker.Register("connections", func(ctx context.Context) error {
			if active := server.ActiveConnections(); active >= int64(maxConnections) {
				return fmt.Errorf("connection limit reached: %d/%d", active, maxConnections)
			}
			return nil
		})
	}
}

func metricsMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

// serveHTTP runs an HTTP server until ctx is cancelled, then shuts it down.
func serveHTTP(ctx context.Context, name, addr string, handler http.Handler, logger *slog.Logger) error {
	srv := &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info(fmt.Sprintf("Starting %s server", name), slog.String("address", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("%s server: %w", name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), httpShutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error(fmt.Sprintf("%s server shutdown error", name), slog.String("error", err.Error()))
		}
		return nil
	}
}
