// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// assembler reassembles fragmented messages. It is idle or assembling a
// message whose opcode was latched from the first fragment.
type assembler struct {
	assembling bool
	opcode     Opcode
	buf        bytes.Buffer
	maxSize    int64
}

// push feeds one physical frame. It reports done when a complete message or a
// control frame is ready. Control frames never touch the buffer.
func (a *assembler) push(f *Frame) (Opcode, []byte, bool, error) {
	if f.Opcode.IsControl() {
		return f.Opcode, f.Payload, true, nil
	}

	if f.Opcode == OpContinuation {
		if !a.assembling {
			a.reset()
			return 0, nil, false, ErrUnexpectedContinuation
		}
		if err := a.append(f.Payload); err != nil {
			return 0, nil, false, err
		}
		if !f.Fin {
			return 0, nil, false, nil
		}
		op, msg := a.opcode, bytes.Clone(a.buf.Bytes())
		a.reset()
		return op, msg, true, nil
	}

	if a.assembling {
		a.reset()
		return 0, nil, false, fmt.Errorf("%w: got %s", ErrInterleavedMessage, f.Opcode)
	}
	if f.Fin {
		return f.Opcode, f.Payload, true, nil
	}

	a.assembling = true
	a.opcode = f.Opcode
	if err := a.append(f.Payload); err != nil {
		return 0, nil, false, err
	}
	return 0, nil, false, nil
}

func (a *assembler) append(p []byte) error {
	if a.maxSize > 0 && int64(a.buf.Len()+len(p)) > a.maxSize {
		size := a.buf.Len() + len(p)
		a.reset()
		return fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, size)
	}
	a.buf.Write(p)
	return nil
}

func (a *assembler) reset() {
	a.assembling = false
	a.opcode = OpContinuation
	a.buf.Reset()
}

// Decoder reads physical frames from a stream and returns complete messages.
// Control frames are returned as soon as they are read, also in the middle of
// a fragmented message.
type Decoder struct {
	r           io.Reader
	maxPayload  int64
	requireMask bool
	asm         assembler

	// onFrame observes every physical frame before assembly.
	onFrame func(*Frame)
}

// NewDecoder returns a Decoder reading from r. maxPayload caps both single
// frames and reassembled messages; maxPayload <= 0 disables the cap.
func NewDecoder(r io.Reader, maxPayload int64) *Decoder {
	return &Decoder{
		r:          r,
		maxPayload: maxPayload,
		asm:        assembler{maxSize: maxPayload},
	}
}

// Next returns the opcode and payload of the next complete message or control
// frame. The opcode of a fragmented message is that of its first frame.
func (d *Decoder) Next() (Opcode, []byte, error) {
	for {
		f, err := ReadFrame(d.r, d.maxPayload)
		if err != nil {
			if errors.Is(err, io.EOF) && d.asm.assembling {
				err = fmt.Errorf("read fragment: %w", io.ErrUnexpectedEOF)
			}
			d.asm.reset()
			return 0, nil, err
		}
		if d.requireMask && !f.Masked {
			d.asm.reset()
			return 0, nil, ErrMaskRequired
		}
		if f.Rsv != 0 {
			d.asm.reset()
			return 0, nil, fmt.Errorf("%w: 0x%X", ErrReservedBits, f.Rsv)
		}
		if f.Opcode.IsControl() && len(f.Payload) > maxInlineLen {
			d.asm.reset()
			return 0, nil, fmt.Errorf("%w: %d bytes", ErrControlTooLarge, len(f.Payload))
		}
		if d.onFrame != nil {
			d.onFrame(f)
		}

		op, payload, done, err := d.asm.push(f)
		if err != nil {
			return 0, nil, err
		}
		if done {
			return op, payload, nil
		}
	}
}

// DecodeMessage reads frames from r until one complete message or control
// frame is available.
func DecodeMessage(r io.Reader, maxPayload int64) (Opcode, []byte, error) {
	return NewDecoder(r, maxPayload).Next()
}
