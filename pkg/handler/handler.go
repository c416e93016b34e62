// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"crypto/x509"
	"iter"

	"github.com/absmach/wsengine/pkg/websocket"
)

// Context contains connection metadata extracted from the upgrade request.
// It is passed to every Handler method of the same connection.
type Context struct {
	// SessionID is a unique identifier for this connection
	SessionID string

	// RemoteAddr is the client's network address
	RemoteAddr string

	// Target is the request target of the upgrade request (e.g. "/chat")
	Target string

	// Header is the header block of the upgrade request, in wire order
	Header websocket.Header

	// Cert is the client's TLS certificate (if using mTLS)
	Cert *x509.Certificate
}

// SendFunc writes one text message to the client.
type SendFunc func(text string) error

// Handler defines authorization, notification, and message callbacks for one
// WebSocket connection.
//
// AuthConnect is called BEFORE the upgrade response is written. Returning an
// error rejects the upgrade and the connection is closed without a response.
//
// OnConnect and OnDisconnect are notification hooks. Errors from them are
// logged but don't affect the connection.
type Handler interface {
	// AuthConnect authorizes an upgrade request that passed protocol validation.
	AuthConnect(ctx context.Context, hctx *Context) error

	// OnConnect is called after the upgrade response has been written.
	OnConnect(ctx context.Context, hctx *Context) error

	// Serve owns the message loop of the connection. msgs yields decoded text
	// messages and ends when the connection closes; the next frame is not read
	// until the previous message is consumed. send may be called from any
	// goroutine until Serve returns.
	Serve(ctx context.Context, hctx *Context, msgs iter.Seq[string], send SendFunc) error

	// OnDisconnect is called once the connection is closed, also after a
	// failed Serve.
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// NoopHandler is a Handler implementation that accepts every connection and
// discards every message.
// Useful for testing or as an embedding base.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) AuthConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) Serve(ctx context.Context, hctx *Context, msgs iter.Seq[string], send SendFunc) error {
	for range msgs {
	}
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}
