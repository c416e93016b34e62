// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	wserrors "github.com/absmach/wsengine/pkg/errors"
	"github.com/absmach/wsengine/pkg/handler"
	"github.com/absmach/wsengine/pkg/metrics"
	"github.com/absmach/wsengine/pkg/ratelimit"
	"github.com/absmach/wsengine/pkg/websocket"
	"github.com/google/uuid"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

	// ErrTooManyConnections is returned for connections refused because
	// MaxConnections connections are already open.
	ErrTooManyConnections = errors.New("too many connections")
)

// Config holds the TCP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// TLSConfig is optional TLS configuration for the listener
	TLSConfig *tls.Config

	// ShutdownTimeout is the maximum time to wait for active connections to drain
	// during graceful shutdown. After this timeout, remaining connections are
	// forcefully closed.
	ShutdownTimeout time.Duration

	// MaxConnections caps concurrently open connections (0: unlimited)
	MaxConnections int

	// MaxPayloadSize caps frames and messages (0: websocket.DefaultMaxPayloadSize)
	MaxPayloadSize int64

	// MaxHandshakeSize caps the upgrade request (0: websocket.DefaultMaxHandshakeSize)
	MaxHandshakeSize int

	// RequireMask rejects unmasked client frames
	RequireMask bool

	// ReusePort sets SO_REUSEPORT on the listening socket where supported
	ReusePort bool

	// Logger for server events
	Logger *slog.Logger

	// Metrics is optional Prometheus instrumentation
	Metrics *metrics.Metrics

	// Limiter is an optional per-client connection rate limiter
	Limiter *ratelimit.Limiter

	// GlobalLimiter is an optional rate limiter shared by all clients
	GlobalLimiter *ratelimit.TokenBucket
}

// Server accepts TCP connections, upgrades them to WebSocket connections,
// and hands each one to a handler.
type Server struct {
	config  Config
	handler handler.Handler
	wg      sync.WaitGroup
	active  atomic.Int64

	mu       sync.Mutex
	listener net.Listener
	ready    chan struct{}
}

// New creates a new TCP server with the given configuration and handler.
func New(cfg Config, h handler.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	return &Server{
		config:  cfg,
		handler: h,
		ready:   make(chan struct{}),
	}
}

// Ready is closed once the server is listening.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Addr returns the bound listen address, or nil before Listen succeeds.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// ActiveConnections returns the number of connections being served.
func (s *Server) ActiveConnections() int64 {
	return s.active.Load()
}

// Listen starts the TCP server and blocks until the context is cancelled.
// It implements graceful shutdown with connection draining.
func (s *Server) Listen(ctx context.Context) error {
	lc := net.ListenConfig{Control: control(s.config.ReusePort)}
	listener, err := lc.Listen(ctx, "tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	// Wrap with TLS if configured
	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled", slog.String("address", s.config.Address))
	}

	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	close(s.ready)

	s.config.Logger.Info("WebSocket server started", slog.String("address", listener.Addr().String()))

	// Active connections outlive ctx until the drain timeout expires.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	// Accept loop
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := listener.Accept()
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
					return
				}
				s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
				continue
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				if err := s.handleConn(connCtx, conn); err != nil && !errors.Is(err, io.EOF) {
					s.config.Logger.Debug("connection handler error",
						slog.String("remote", conn.RemoteAddr().String()),
						slog.String("error", err.Error()))
				}
			}()
		}
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	// Close the listener to stop accepting new connections
	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}

	// Wait for accept loop to finish
	<-acceptDone

	// Wait for active connections to drain with timeout
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all connections closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing connection closure",
			slog.Int64("active", s.active.Load()))
		// Cancelling closes every remaining stream.
		connCancel()
		select {
		case <-done:
		case <-time.After(1 * time.Second):
		}
		return ErrShutdownTimeout
	}
}

// handleConn serves a single client connection:
// 1. Applies the rate limit and connection cap
// 2. Completes the TLS handshake, if any
// 3. Runs the WebSocket handshake, authorized by the handler
// 4. Hands the message stream to the handler until the connection closes
func (s *Server) handleConn(ctx context.Context, inbound net.Conn) error {
	defer inbound.Close()

	remote := inbound.RemoteAddr().String()

	if !s.allow(inbound.RemoteAddr()) {
		if s.config.Metrics != nil {
			s.config.Metrics.RateLimited.Inc()
		}
		return wserrors.New(wserrors.OpAccept, "", remote, ratelimit.ErrRateLimitExceeded)
	}

	if n := s.active.Add(1); s.config.MaxConnections > 0 && n > int64(s.config.MaxConnections) {
		s.active.Add(-1)
		return wserrors.New(wserrors.OpAccept, "", remote, ErrTooManyConnections)
	}
	defer s.active.Add(-1)

	sessionID := uuid.New().String()
	logger := s.config.Logger.With(slog.String("session", sessionID))

	hctx := &handler.Context{
		SessionID:  sessionID,
		RemoteAddr: remote,
	}

	// Extract client certificate if using TLS
	if tlsConn, ok := inbound.(*tls.Conn); ok {
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return wserrors.New(wserrors.OpHandshake, sessionID, remote, fmt.Errorf("%w: %w", wserrors.ErrTLSHandshake, err))
		}
		state := tlsConn.ConnectionState()
		if len(state.PeerCertificates) > 0 {
			hctx.Cert = state.PeerCertificates[0]
		}
	}

	opts := websocket.Options{
		MaxPayloadSize:   s.config.MaxPayloadSize,
		MaxHandshakeSize: s.config.MaxHandshakeSize,
		RequireMask:      s.config.RequireMask,
		Logger:           logger,
		Authorize: func(ctx context.Context, req *websocket.Request) error {
			hctx.Target = req.Target
			hctx.Header = req.Header
			return s.handler.AuthConnect(ctx, hctx)
		},
	}
	if s.config.Metrics != nil {
		opts.Observer = s.config.Metrics
	}

	conn, err := websocket.Accept(ctx, inbound, opts)
	if err != nil {
		return wserrors.New(wserrors.OpHandshake, sessionID, remote, err)
	}
	defer conn.Close()

	logger.Debug("connection established",
		slog.String("client", remote),
		slog.String("target", hctx.Target))

	serve := func() error {
		return s.serve(ctx, conn, hctx, logger)
	}
	if s.config.Metrics != nil {
		err = s.config.Metrics.ObserveConnection(serve)
	} else {
		err = serve()
	}

	logger.Debug("connection closed")

	return wserrors.New(wserrors.OpServe, sessionID, remote, err)
}

// allow applies the global limiter first, then the per-client one.
func (s *Server) allow(addr net.Addr) bool {
	if s.config.GlobalLimiter != nil && !s.config.GlobalLimiter.Allow() {
		return false
	}
	return s.config.Limiter == nil || s.config.Limiter.AllowAddr(addr)
}

// serve runs the handler lifecycle on an open connection.
func (s *Server) serve(ctx context.Context, conn *websocket.Conn, hctx *handler.Context, logger *slog.Logger) error {
	if err := s.handler.OnConnect(ctx, hctx); err != nil {
		logger.Error("connect handler error", slog.String("error", err.Error()))
	}

	serveErr := s.handler.Serve(ctx, hctx, conn.Messages(), conn.Send)
	_ = conn.Close()

	// Notify disconnect
	if err := s.handler.OnDisconnect(context.Background(), hctx); err != nil {
		logger.Error("disconnect handler error", slog.String("error", err.Error()))
	}

	if serveErr != nil {
		return serveErr
	}
	return conn.Err()
}
