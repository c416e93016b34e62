// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync"
)

// DefaultMaxPayloadSize is the frame and message cap used when
// Options.MaxPayloadSize is zero.
const DefaultMaxPayloadSize = 1 << 20

// State is the lifecycle state of a connection. Transitions only move forward.
type State int

const (
	StateHandshaking State = iota
	StateOpen
	StateClosed
)

// String returns a string representation of the state.
func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateOpen:
		return "open"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Observer receives protocol events, typically for metrics.
type Observer interface {
	// HandshakeDone is called once per connection with the handshake result.
	HandshakeDone(err error)
	// FrameRead is called for every physical frame read from the peer.
	FrameRead(op Opcode, size int)
	// FrameWritten is called for every frame written to the peer.
	FrameWritten(op Opcode, size int)
	// Unhandled is called for messages the engine does not dispatch.
	Unhandled(op Opcode)
}

type noopObserver struct{}

func (noopObserver) HandshakeDone(error)      {}
func (noopObserver) FrameRead(Opcode, int)    {}
func (noopObserver) FrameWritten(Opcode, int) {}
func (noopObserver) Unhandled(Opcode)         {}

// AuthorizeFunc inspects a validated upgrade request before the response is
// written. Returning an error aborts the handshake without a response.
type AuthorizeFunc func(ctx context.Context, req *Request) error

// Options configures a connection. Zero values use defaults.
type Options struct {
	// MaxPayloadSize caps single frames and reassembled messages
	// (default: DefaultMaxPayloadSize). Negative disables the cap.
	MaxPayloadSize int64

	// MaxHandshakeSize caps the upgrade request (default: DefaultMaxHandshakeSize).
	MaxHandshakeSize int

	// RequireMask rejects unmasked client frames.
	RequireMask bool

	// Authorize is an optional hook run between validation and response.
	Authorize AuthorizeFunc

	// Logger for connection events.
	Logger *slog.Logger

	// Observer for protocol events.
	Observer Observer
}

func (o Options) withDefaults() Options {
	if o.MaxPayloadSize == 0 {
		o.MaxPayloadSize = DefaultMaxPayloadSize
	}
	if o.MaxHandshakeSize <= 0 {
		o.MaxHandshakeSize = DefaultMaxHandshakeSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Observer == nil {
		o.Observer = noopObserver{}
	}
	return o
}

// Conn is one upgraded connection. It owns the underlying stream.
//
// Messages must be consumed from a single goroutine. Send may be called from
// any goroutine; writes are serialized.
type Conn struct {
	rwc      io.ReadWriteCloser
	br       *bufio.Reader
	dec      *Decoder
	req      *Request
	logger   *slog.Logger
	observer Observer

	writeMu sync.Mutex

	mu        sync.Mutex
	state     State
	err       error
	closeOnce sync.Once
	stop      func() bool
}

// Accept runs the upgrade handshake on rwc and returns the open connection.
// On any handshake failure rwc is closed and nothing is written to it.
// Cancelling ctx closes the stream, which unblocks pending reads and writes.
func Accept(ctx context.Context, rwc io.ReadWriteCloser, opts Options) (*Conn, error) {
	opts = opts.withDefaults()

	br := bufio.NewReader(rwc)
	maxPayload := opts.MaxPayloadSize
	if maxPayload < 0 {
		maxPayload = 0
	}
	dec := NewDecoder(br, maxPayload)
	dec.requireMask = opts.RequireMask

	c := &Conn{
		rwc:      rwc,
		br:       br,
		dec:      dec,
		logger:   opts.Logger,
		observer: opts.Observer,
		state:    StateHandshaking,
	}
	dec.onFrame = func(f *Frame) {
		c.observer.FrameRead(f.Opcode, len(f.Payload))
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.shutdown(context.Cause(ctx))
	})
	c.mu.Lock()
	c.stop = stop
	c.mu.Unlock()

	req, err := c.handshake(ctx, opts)
	c.observer.HandshakeDone(err)
	if err != nil {
		_ = c.shutdown(err)
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("handshake: %w", errors.Join(ctxErr, err))
		}
		return nil, fmt.Errorf("handshake: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateClosed {
		return nil, fmt.Errorf("handshake: %w", ErrClosed)
	}
	c.req = req
	c.state = StateOpen
	return c, nil
}

func (c *Conn) handshake(ctx context.Context, opts Options) (*Request, error) {
	req, err := ReadRequest(c.br, opts.MaxHandshakeSize)
	if err != nil {
		return nil, err
	}
	if err := Validate(req); err != nil {
		return nil, err
	}
	if opts.Authorize != nil {
		if err := opts.Authorize(ctx, req); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrRejected, err)
		}
	}
	if err := WriteResponse(c.rwc, req); err != nil {
		return nil, err
	}
	return req, nil
}

// Request returns the upgrade request the connection was accepted with.
func (c *Conn) Request() *Request {
	return c.req
}

// State returns the current connection state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that ended the message sequence. It is nil when the
// peer closed the connection cleanly or Close was called.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Messages returns the sequence of decoded text messages. The next frame is
// not read until the previous message has been consumed. Breaking out of the
// loop leaves the connection open and a later call resumes where it stopped.
// The sequence ends when the connection closes; see Err.
func (c *Conn) Messages() iter.Seq[string] {
	return func(yield func(string) bool) {
		for {
			msg, ok := c.next()
			if !ok || !yield(msg) {
				return
			}
		}
	}
}

// next reads until a text message is available, answering control frames
// on the way.
func (c *Conn) next() (string, bool) {
	for {
		if c.State() != StateOpen {
			return "", false
		}

		op, payload, err := c.dec.Next()
		if err != nil {
			c.fail(err)
			return "", false
		}

		switch op {
		case OpText:
			return strings.ToValidUTF8(string(payload), "\uFFFD"), true
		case OpPing:
			if err := c.write(OpPong, payload); err != nil {
				c.fail(err)
				return "", false
			}
		case OpClose:
			c.closeFromPeer(payload)
			return "", false
		default:
			c.logger.Warn("unhandled opcode",
				slog.String("opcode", op.String()),
				slog.Int("payload_size", len(payload)))
			c.observer.Unhandled(op)
		}
	}
}

// Send writes text as a single unmasked text frame.
func (c *Conn) Send(text string) error {
	if c.State() != StateOpen {
		return ErrClosed
	}
	return c.write(OpText, []byte(text))
}

func (c *Conn) write(op Opcode, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := WriteFrame(c.rwc, op, payload); err != nil {
		return err
	}
	c.observer.FrameWritten(op, len(payload))
	return nil
}

// closeFromPeer echoes the peer's close frame and tears the stream down.
func (c *Conn) closeFromPeer(payload []byte) {
	if err := c.write(OpClose, payload); err != nil {
		c.logger.Debug("failed to echo close frame", slog.String("error", err.Error()))
	}
	c.logger.Debug("connection closed by peer")
	_ = c.shutdown(nil)
}

// fail ends the connection because of a read or write error. A clean EOF
// before a frame header is not an error.
func (c *Conn) fail(err error) {
	if errors.Is(err, io.EOF) {
		err = nil
	}
	_ = c.shutdown(err)
}

// Close closes the underlying stream without a closing handshake.
// It is idempotent.
func (c *Conn) Close() error {
	return c.shutdown(nil)
}

func (c *Conn) shutdown(cause error) error {
	err := ErrClosed
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.state = StateClosed
		c.err = cause
		stop := c.stop
		c.mu.Unlock()

		if stop != nil {
			stop()
		}
		err = c.rwc.Close()
	})
	return err
}
