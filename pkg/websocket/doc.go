// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket implements the server side of the WebSocket protocol engine.
//
// # Overview
//
// The package is split into four parts, leaf first:
//
//  1. Masking: Mask applies the repeating 4-byte XOR key to a payload
//  2. Frame codec: Encode serializes a frame, ReadFrame and Decoder read frames
//     back from a stream and reassemble fragmented messages
//  3. Handshake: ReadRequest, Validate and WriteResponse perform the single
//     HTTP-style upgrade exchange (Negotiate runs all three)
//  4. Engine: Accept drives the handshake and returns a Conn whose Messages
//     sequence yields decoded text messages while Send writes them back
//
// # Connection Flow
//
//	accept (external) → Negotiate → OPEN
//	  loop: ReadFrame → [assemble | pong | close | dispatch] → handler
//	  handler → Send → Encode → write
//
// # Wire Format
//
// Frames carry the fin bit and opcode in the first byte, the mask bit and the
// length selector in the second. The selector is the length itself up to 125,
// 126 for a following 16-bit big-endian length and 127 for a following 32-bit
// big-endian length. Server frames are never masked.
//
// # Fragmentation
//
// A fragmented message starts with a Text or Binary frame without the fin bit
// and continues with Continuation frames. The opcode of the first frame is
// latched for the whole message. Control frames may arrive between fragments;
// they are handled immediately and do not disturb the message being assembled.
//
// # Limits
//
// Frame and message sizes are capped by Options.MaxPayloadSize and the
// handshake request by Options.MaxHandshakeSize. A violation is fatal for the
// connection.
//
// # Example
//
//	conn, err := websocket.Accept(ctx, netConn, websocket.Options{Logger: logger})
//	if err != nil {
//		return err
//	}
//	defer conn.Close()
//
//	for msg := range conn.Messages() {
//		if err := conn.Send(strings.ToUpper(msg)); err != nil {
//			return err
//		}
//	}
//	return conn.Err()
package websocket
