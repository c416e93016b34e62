// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the TCP accept loop of the WebSocket server.
//
// # Overview
//
// The server accepts TCP connections, runs the WebSocket upgrade on each one,
// and hands the open connection to a handler.Handler. Every connection is
// served by its own goroutine; a failure is logged and affects only that
// connection.
//
// # Architecture
//
//	┌─────────┐         ┌──────────┐         ┌─────────┐
//	│ Client  │ ←─TCP─→ │  Server  │ ──────→ │ Handler │
//	└─────────┘         └──────────┘         └─────────┘
//	                         ↓
//	                   ┌────────────┐
//	                   │ websocket  │
//	                   │   Conn     │
//	                   └────────────┘
//
// # Connection Flow
//
//  1. Client connects to server
//  2. Rate limiter and connection cap are applied (optional)
//  3. TLS handshake completes (optional)
//  4. websocket.Accept reads and validates the upgrade request
//  5. handler.AuthConnect authorizes it; the 101 response is written
//  6. handler.OnConnect, then handler.Serve consumes the message sequence
//  7. Connection closes, handler.OnDisconnect is called
//
// # Graceful Shutdown
//
// When context is canceled:
//
//  1. Server stops accepting new connections
//  2. Server waits for existing connections (with timeout)
//  3. After ShutdownTimeout, forcefully closes remaining connections
//  4. Returns ErrShutdownTimeout if timeout exceeded
//
// # Socket Options
//
// On unix platforms the listening socket gets SO_REUSEADDR, and SO_REUSEPORT
// when Config.ReusePort is set, so several processes can share one port.
//
// # Configuration
//
//   - Address: Server listen address (e.g., ":8000")
//   - TLSConfig: Optional TLS configuration
//   - ShutdownTimeout: Max wait time for graceful shutdown (default: 30s)
//   - MaxConnections: Concurrent connection cap (default: unlimited)
//   - MaxPayloadSize, MaxHandshakeSize, RequireMask: Protocol limits
//   - Metrics, Limiter: Optional instrumentation and rate limiting
//   - Logger: Structured logger
//
// # Example
//
//	cfg := tcp.Config{
//		Address:         ":8000",
//		ShutdownTimeout: 30 * time.Second,
//	}
//
//	server := tcp.New(cfg, echo.New(logger))
//	if err := server.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package tcp
