// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured connection errors for the server.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrTLSHandshake indicates the TLS handshake with the client failed.
	ErrTLSHandshake = errors.New("tls handshake failed")
)

// Connection phases used as ConnError.Op.
const (
	OpAccept     = "accept"
	OpHandshake  = "handshake"
	OpServe      = "serve"
	OpConnect    = "connect"
	OpDisconnect = "disconnect"
)

// ConnError wraps an error with the connection it occurred on.
type ConnError struct {
	Op         string // Connection phase that failed
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *ConnError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s [%s] %s: %v", e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *ConnError) Unwrap() error {
	return e.Err
}

// New creates a new ConnError. It returns nil if err is nil.
func New(op, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &ConnError{
		Op:         op,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}
