// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import "errors"

// Handshake errors. All of them are fatal and no response is written.
var (
	// ErrMalformedRequestLine indicates a request line without exactly three parts.
	ErrMalformedRequestLine = errors.New("websocket: malformed request line")

	// ErrInvalidMethod indicates a request method other than GET.
	ErrInvalidMethod = errors.New("websocket: method must be GET")

	// ErrMalformedHeader indicates a header line that is not "Name: value" terminated by CRLF.
	ErrMalformedHeader = errors.New("websocket: malformed header line")

	// ErrHandshakeTooLarge indicates the upgrade request exceeded the configured size.
	ErrHandshakeTooLarge = errors.New("websocket: handshake request too large")

	// ErrMissingUpgrade indicates a missing or invalid Upgrade header.
	ErrMissingUpgrade = errors.New("websocket: missing or invalid Upgrade header")

	// ErrMissingConnection indicates a Connection header without the upgrade token.
	ErrMissingConnection = errors.New("websocket: missing or invalid Connection header")

	// ErrMissingSecKey indicates a missing Sec-WebSocket-Key header.
	ErrMissingSecKey = errors.New("websocket: missing Sec-WebSocket-Key header")

	// ErrRejected indicates the upgrade was refused by the authorization hook.
	ErrRejected = errors.New("websocket: upgrade rejected")
)

// Framing errors. All of them are fatal for the connection.
var (
	// ErrPayloadTooLarge indicates a payload that cannot be expressed in the
	// 32-bit extended length field.
	ErrPayloadTooLarge = errors.New("websocket: payload exceeds 32-bit length")

	// ErrFrameTooLarge indicates a declared frame length above the configured maximum.
	ErrFrameTooLarge = errors.New("websocket: frame too large")

	// ErrMessageTooLarge indicates a reassembled message above the configured maximum.
	ErrMessageTooLarge = errors.New("websocket: message too large")

	// ErrUnexpectedContinuation indicates a continuation frame with no message in progress.
	ErrUnexpectedContinuation = errors.New("websocket: unexpected continuation frame")

	// ErrInterleavedMessage indicates a new data frame while a fragmented message is in progress.
	ErrInterleavedMessage = errors.New("websocket: new data frame during fragmented message")

	// ErrReservedBits indicates a frame with RSV1-3 set. No extension is
	// negotiated, so they must be zero.
	ErrReservedBits = errors.New("websocket: reserved bits set")

	// ErrControlTooLarge indicates a control frame payload above 125 bytes.
	ErrControlTooLarge = errors.New("websocket: control frame payload too large")

	// ErrMaskRequired indicates an unmasked client frame when masking is enforced.
	ErrMaskRequired = errors.New("websocket: client frames must be masked")
)

// ErrClosed is returned by Send and Close once the connection is closed.
var ErrClosed = errors.New("websocket: connection closed")
