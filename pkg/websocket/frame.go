// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Opcode classifies the payload of a frame.
type Opcode byte

const (
	OpContinuation Opcode = 0x0
	OpText         Opcode = 0x1
	OpBinary       Opcode = 0x2
	OpClose        Opcode = 0x8
	OpPing         Opcode = 0x9
	OpPong         Opcode = 0xA
)

// String returns a string representation of the opcode.
func (op Opcode) String() string {
	switch op {
	case OpContinuation:
		return "continuation"
	case OpText:
		return "text"
	case OpBinary:
		return "binary"
	case OpClose:
		return "close"
	case OpPing:
		return "ping"
	case OpPong:
		return "pong"
	default:
		return fmt.Sprintf("0x%X", byte(op))
	}
}

// IsControl reports whether the opcode is in the control range (0x8-0xF).
func (op Opcode) IsControl() bool {
	return op&0x08 != 0
}

const (
	finBit  = 0x80
	rsvBits = 0x70
	maskBit = 0x80

	// Length selector values of the second header byte.
	maxInlineLen = 125
	len16Bit     = 126
	len32Bit     = 127
)

// Frame is one physical unit of the wire format.
// MaskKey is meaningful only when Masked is set. Rsv holds RSV1-3 in its low
// three bits; Encode always writes them as zero.
type Frame struct {
	Fin     bool
	Rsv     byte
	Opcode  Opcode
	Masked  bool
	MaskKey [4]byte
	Payload []byte
}

// Encode serializes a final frame. When mask is non-nil the key is embedded
// and the payload is masked with it; server frames pass nil.
func Encode(op Opcode, payload []byte, mask *[4]byte) ([]byte, error) {
	size := uint64(len(payload))
	if size > math.MaxUint32 {
		return nil, fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, size)
	}

	var b1 byte
	if mask != nil {
		b1 = maskBit
	}

	buf := make([]byte, 0, 2+4+4+len(payload))
	buf = append(buf, finBit|byte(op&0x0F))
	switch {
	case size <= maxInlineLen:
		buf = append(buf, b1|byte(size))
	case size <= math.MaxUint16:
		buf = append(buf, b1|len16Bit)
		buf = binary.BigEndian.AppendUint16(buf, uint16(size))
	default:
		buf = append(buf, b1|len32Bit)
		buf = binary.BigEndian.AppendUint32(buf, uint32(size))
	}

	if mask == nil {
		return append(buf, payload...), nil
	}
	buf = append(buf, mask[:]...)
	start := len(buf)
	buf = append(buf, payload...)
	maskInPlace(buf[start:], *mask)
	return buf, nil
}

// WriteFrame encodes an unmasked frame and writes it with a single Write.
func WriteFrame(w io.Writer, op Opcode, payload []byte) error {
	data, err := Encode(op, payload, nil)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write %s frame: %w", op, err)
	}
	return nil
}

// ReadFrame reads exactly one physical frame from r. A declared length above
// maxPayload fails before the payload is allocated; maxPayload <= 0 disables
// the check. io.EOF is returned only when r ends before the first header byte,
// a stream ending inside a frame yields io.ErrUnexpectedEOF.
func ReadFrame(r io.Reader, maxPayload int64) (*Frame, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("read header: %w", err)
	}

	f := &Frame{
		Fin:    hdr[0]&finBit != 0,
		Rsv:    (hdr[0] & rsvBits) >> 4,
		Opcode: Opcode(hdr[0] & 0x0F),
		Masked: hdr[1]&maskBit != 0,
	}

	length := int64(hdr[1] & 0x7F)
	switch length {
	case len16Bit:
		var ext [2]byte
		if err := readFull(r, ext[:]); err != nil {
			return nil, fmt.Errorf("read 16-bit length: %w", err)
		}
		length = int64(binary.BigEndian.Uint16(ext[:]))
	case len32Bit:
		var ext [4]byte
		if err := readFull(r, ext[:]); err != nil {
			return nil, fmt.Errorf("read 32-bit length: %w", err)
		}
		length = int64(binary.BigEndian.Uint32(ext[:]))
	}

	if maxPayload > 0 && length > maxPayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, length)
	}

	if f.Masked {
		if err := readFull(r, f.MaskKey[:]); err != nil {
			return nil, fmt.Errorf("read mask: %w", err)
		}
	}

	f.Payload = make([]byte, length)
	if err := readFull(r, f.Payload); err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	if f.Masked {
		maskInPlace(f.Payload, f.MaskKey)
	}

	return f, nil
}

// readFull is io.ReadFull for reads inside a frame, where a clean EOF is
// still a truncated frame.
func readFull(r io.Reader, buf []byte) error {
	if _, err := io.ReadFull(r, buf); err != nil {
		if errors.Is(err, io.EOF) {
			return io.ErrUnexpectedEOF
		}
		return err
	}
	return nil
}
