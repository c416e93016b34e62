// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the interface that links accepted WebSocket
// connections to application logic.
//
// # Architecture Overview
//
// The server runs the upgrade handshake, then hands the open connection to a
// Handler. The Handler decides whether the upgrade is allowed, owns the message
// loop, and is notified about connection lifecycle events.
//
// # Data Flow
//
//	Client → Server (handshake) → Handler.AuthConnect → 101 response
//	Client → Engine (frames → messages) → Handler.Serve → SendFunc → Client
//
// # Handler Methods
//
//   - AuthConnect: Verifies the upgrade request before the response is written
//   - OnConnect: Notifies a successful upgrade
//   - Serve: Consumes messages and replies through SendFunc
//   - OnDisconnect: Notifies that the connection is gone
//
// # Context
//
// The Context struct carries session metadata across all handler calls:
//   - SessionID: Unique identifier for this connection
//   - RemoteAddr: Client's network address
//   - Target: Request target of the upgrade request
//   - Header: Upgrade request headers
//   - Cert: Client certificate for TLS connections
//
// # Example
//
//	type EchoHandler struct {
//		handler.NoopHandler
//	}
//
//	func (h *EchoHandler) Serve(ctx context.Context, hctx *handler.Context, msgs iter.Seq[string], send handler.SendFunc) error {
//		for msg := range msgs {
//			if err := send(msg); err != nil {
//				return err
//			}
//		}
//		return nil
//	}
package handler
