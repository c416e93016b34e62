// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"
)

const testTimeout = 2 * time.Second

var clientKey = [4]byte{0x11, 0x22, 0x33, 0x44}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// upgrade runs a successful handshake over an in-memory pipe and returns the
// server connection and the client side of the pipe.
func upgrade(t *testing.T, ctx context.Context, opts Options) (*Conn, net.Conn, *bufio.Reader) {
	t.Helper()

	if opts.Logger == nil {
		opts.Logger = testLogger()
	}
	server, client := net.Pipe()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	type result struct {
		conn *Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		c, err := Accept(ctx, server, opts)
		done <- result{c, err}
	}()

	if _, err := io.WriteString(client, validRequest); err != nil {
		t.Fatalf("failed to write request: %v", err)
	}
	br := bufio.NewReader(client)
	status, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("failed to read status line: %v", err)
	}
	if status != "HTTP/1.1 101 Switching Protocols\r\n" {
		t.Fatalf("status line = %q", status)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			t.Fatalf("failed to read response header: %v", err)
		}
		if line == "\r\n" {
			break
		}
	}

	res := <-done
	if res.err != nil {
		t.Fatalf("Accept() error = %v", res.err)
	}
	return res.conn, client, br
}

// serve echoes every message through transform until the sequence ends.
func serve(c *Conn, transform func(string) string) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range c.Messages() {
			if err := c.Send(transform(msg)); err != nil {
				return
			}
		}
	}()
	return done
}

// send writes masked client frames without blocking the test goroutine.
func send(t *testing.T, w io.Writer, frames ...Frame) {
	t.Helper()

	var buf bytes.Buffer
	for _, f := range frames {
		data, err := Encode(f.Opcode, f.Payload, &clientKey)
		if err != nil {
			t.Fatalf("Encode() error = %v", err)
		}
		if !f.Fin {
			data[0] &^= finBit
		}
		data[0] |= f.Rsv << 4
		buf.Write(data)
	}
	go func() {
		_, _ = w.Write(buf.Bytes())
	}()
}

func final(op Opcode, payload string) Frame {
	return Frame{Fin: true, Opcode: op, Payload: []byte(payload)}
}

func expectFrame(t *testing.T, br *bufio.Reader, op Opcode, payload string) {
	t.Helper()

	f, err := ReadFrame(br, 0)
	if err != nil {
		t.Fatalf("ReadFrame() error = %v", err)
	}
	if !f.Fin || f.Masked {
		t.Errorf("frame fin=%t masked=%t, want final unmasked frame", f.Fin, f.Masked)
	}
	if f.Opcode != op || string(f.Payload) != payload {
		t.Errorf("frame = (%s, %q), want (%s, %q)", f.Opcode, f.Payload, op, payload)
	}
}

func expectEOF(t *testing.T, r io.Reader) {
	t.Helper()

	n, err := r.Read(make([]byte, 1))
	if n != 0 || !errors.Is(err, io.EOF) {
		t.Errorf("Read() = (%d, %v), want (0, EOF)", n, err)
	}
}

func wait(t *testing.T, done <-chan struct{}) {
	t.Helper()

	select {
	case <-done:
	case <-time.After(testTimeout):
		t.Fatal("timed out waiting for connection to finish")
	}
}

func TestConn_Echo(t *testing.T) {
	c, client, br := upgrade(t, context.Background(), Options{})
	done := serve(c, strings.ToUpper)

	if c.State() != StateOpen {
		t.Errorf("State() = %s, want open", c.State())
	}
	if c.Request().Target != "/chat" {
		t.Errorf("Request().Target = %q, want /chat", c.Request().Target)
	}

	send(t, client, final(OpText, "hello"))
	expectFrame(t, br, OpText, "HELLO")

	send(t, client,
		Frame{Opcode: OpText, Payload: []byte("wor")},
		final(OpContinuation, "ld"))
	expectFrame(t, br, OpText, "WORLD")

	client.Close()
	wait(t, done)
	if err := c.Err(); err != nil {
		t.Errorf("Err() = %v, want nil after clean EOF", err)
	}
}

func TestConn_PingBeforeText(t *testing.T) {
	c, client, br := upgrade(t, context.Background(), Options{})
	done := serve(c, strings.ToUpper)

	send(t, client, final(OpPing, "p"), final(OpText, "hi"))
	expectFrame(t, br, OpPong, "p")
	expectFrame(t, br, OpText, "HI")

	client.Close()
	wait(t, done)
}

func TestConn_PingMidFragment(t *testing.T) {
	c, client, br := upgrade(t, context.Background(), Options{})
	done := serve(c, strings.ToUpper)

	send(t, client,
		Frame{Opcode: OpText, Payload: []byte("ab")},
		final(OpPing, "x"),
		final(OpContinuation, "cd"))
	expectFrame(t, br, OpPong, "x")
	expectFrame(t, br, OpText, "ABCD")

	client.Close()
	wait(t, done)
}

func TestConn_InvalidUTF8(t *testing.T) {
	c, client, br := upgrade(t, context.Background(), Options{})
	done := serve(c, func(s string) string { return s })

	send(t, client, final(OpText, "a\xffb"))
	expectFrame(t, br, OpText, "a\uFFFDb")

	client.Close()
	wait(t, done)
}

func TestConn_CloseEcho(t *testing.T) {
	c, client, br := upgrade(t, context.Background(), Options{})
	done := serve(c, strings.ToUpper)

	send(t, client, final(OpClose, "\x03\xe8bye"))
	expectFrame(t, br, OpClose, "\x03\xe8bye")

	wait(t, done)
	expectEOF(t, br)

	if c.State() != StateClosed {
		t.Errorf("State() = %s, want closed", c.State())
	}
	if err := c.Err(); err != nil {
		t.Errorf("Err() = %v, want nil", err)
	}
	if err := c.Send("late"); !errors.Is(err, ErrClosed) {
		t.Errorf("Send() after close error = %v, want ErrClosed", err)
	}
	if err := c.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("Close() twice error = %v, want ErrClosed", err)
	}
}

func TestConn_BinaryIsNotDispatched(t *testing.T) {
	rec := &recorder{}
	c, client, br := upgrade(t, context.Background(), Options{Observer: rec})
	done := serve(c, strings.ToUpper)

	send(t, client, final(OpBinary, "\x00\x01"), final(OpText, "after"))
	expectFrame(t, br, OpText, "AFTER")

	client.Close()
	wait(t, done)

	if got := rec.unhandledOps(); len(got) != 1 || got[0] != OpBinary {
		t.Errorf("unhandled = %v, want [binary]", got)
	}
}

func TestConn_ProtocolErrors(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		frames  []Frame
		wantErr error
	}{
		{
			name:    "unexpected continuation",
			frames:  []Frame{final(OpContinuation, "x")},
			wantErr: ErrUnexpectedContinuation,
		},
		{
			name: "interleaved data frame",
			frames: []Frame{
				{Opcode: OpText, Payload: []byte("a")},
				final(OpText, "b"),
			},
			wantErr: ErrInterleavedMessage,
		},
		{
			name:    "frame over limit",
			opts:    Options{MaxPayloadSize: 4},
			frames:  []Frame{final(OpText, "hello")},
			wantErr: ErrFrameTooLarge,
		},
		{
			name: "message over limit",
			opts: Options{MaxPayloadSize: 4},
			frames: []Frame{
				{Opcode: OpText, Payload: []byte("abc")},
				final(OpContinuation, "de"),
			},
			wantErr: ErrMessageTooLarge,
		},
		{
			name:    "reserved bits set",
			frames:  []Frame{{Fin: true, Rsv: 0x4, Opcode: OpText, Payload: []byte("hi")}},
			wantErr: ErrReservedBits,
		},
		{
			name:    "oversized ping",
			frames:  []Frame{final(OpPing, strings.Repeat("p", 200))},
			wantErr: ErrControlTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, client, br := upgrade(t, context.Background(), tt.opts)
			done := serve(c, strings.ToUpper)

			send(t, client, tt.frames...)
			wait(t, done)
			expectEOF(t, br)

			if !errors.Is(c.Err(), tt.wantErr) {
				t.Errorf("Err() = %v, want %v", c.Err(), tt.wantErr)
			}
		})
	}
}

func TestConn_UnmaskedFrameRejected(t *testing.T) {
	c, client, br := upgrade(t, context.Background(), Options{RequireMask: true})
	done := serve(c, strings.ToUpper)

	data, err := Encode(OpText, []byte("plain"), nil)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	go func() {
		_, _ = client.Write(data)
	}()

	wait(t, done)
	expectEOF(t, br)
	if !errors.Is(c.Err(), ErrMaskRequired) {
		t.Errorf("Err() = %v, want ErrMaskRequired", c.Err())
	}
}

func TestConn_ContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c, _, br := upgrade(t, ctx, Options{})
	done := serve(c, strings.ToUpper)

	cancel()
	wait(t, done)
	expectEOF(t, br)

	if !errors.Is(c.Err(), context.Canceled) {
		t.Errorf("Err() = %v, want context.Canceled", c.Err())
	}
}

func TestAccept_Rejected(t *testing.T) {
	tests := []struct {
		name    string
		request string
		opts    Options
		wantErr error
	}{
		{
			name:    "post method",
			request: strings.Replace(validRequest, "GET", "POST", 1),
			wantErr: ErrInvalidMethod,
		},
		{
			name:    "missing key",
			request: strings.Replace(validRequest, "Sec-WebSocket-Key: dGhlIHNhbXBsZSBub25jZQ==\r\n", "", 1),
			wantErr: ErrMissingSecKey,
		},
		{
			name:    "missing connection upgrade",
			request: strings.Replace(validRequest, "Connection: Upgrade", "Connection: close", 1),
			wantErr: ErrMissingConnection,
		},
		{
			name:    "authorization refused",
			request: validRequest,
			opts: Options{
				Authorize: func(_ context.Context, req *Request) error {
					if req.Target != "/allowed" {
						return errors.New("forbidden target")
					}
					return nil
				},
			},
			wantErr: ErrRejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server, client := net.Pipe()
			defer client.Close()

			rec := &recorder{}
			tt.opts.Logger = testLogger()
			tt.opts.Observer = rec

			go func() {
				_, _ = io.WriteString(client, tt.request)
			}()

			c, err := Accept(context.Background(), server, tt.opts)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Accept() error = %v, want %v", err, tt.wantErr)
			}
			if c != nil {
				t.Error("Accept() returned a connection on failure")
			}
			expectEOF(t, client)

			if hs := rec.handshakeResults(); len(hs) != 1 || hs[0] == nil {
				t.Errorf("handshake results = %v, want one failure", hs)
			}
		})
	}
}

func TestAccept_ContextCancelled(t *testing.T) {
	server, client := net.Pipe()
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := Accept(ctx, server, Options{Logger: testLogger()})
		errCh <- err
	}()

	cancel()

	select {
	case err := <-errCh:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Accept() error = %v, want context.Canceled", err)
		}
	case <-time.After(testTimeout):
		t.Fatal("Accept() did not return after cancel")
	}
}

func TestConn_Observer(t *testing.T) {
	rec := &recorder{}
	c, client, br := upgrade(t, context.Background(), Options{Observer: rec})
	done := serve(c, strings.ToUpper)

	send(t, client, final(OpText, "hi"))
	expectFrame(t, br, OpText, "HI")
	send(t, client, final(OpClose, ""))
	expectFrame(t, br, OpClose, "")
	wait(t, done)

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if len(rec.handshakes) != 1 || rec.handshakes[0] != nil {
		t.Errorf("handshakes = %v, want [nil]", rec.handshakes)
	}
	if want := []Opcode{OpText, OpClose}; !slices.Equal(rec.read, want) {
		t.Errorf("read = %v, want %v", rec.read, want)
	}
	if want := []Opcode{OpText, OpClose}; !slices.Equal(rec.written, want) {
		t.Errorf("written = %v, want %v", rec.written, want)
	}
}

func TestConn_ConcurrentSend(t *testing.T) {
	c, client, br := upgrade(t, context.Background(), Options{})

	const senders = 8
	var wg sync.WaitGroup
	for range senders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := c.Send("tick"); err != nil {
				t.Errorf("Send() error = %v", err)
			}
		}()
	}

	for range senders {
		expectFrame(t, br, OpText, "tick")
	}
	wg.Wait()

	client.Close()
	_ = c.Close()
}

type recorder struct {
	mu         sync.Mutex
	handshakes []error
	read       []Opcode
	written    []Opcode
	unhandled  []Opcode
}

func (r *recorder) HandshakeDone(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handshakes = append(r.handshakes, err)
}

func (r *recorder) FrameRead(op Opcode, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.read = append(r.read, op)
}

func (r *recorder) FrameWritten(op Opcode, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.written = append(r.written, op)
}

func (r *recorder) Unhandled(op Opcode) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unhandled = append(r.unhandled, op)
}

func (r *recorder) handshakeResults() []error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]error(nil), r.handshakes...)
}

func (r *recorder) unhandledOps() []Opcode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Opcode(nil), r.unhandled...)
}
