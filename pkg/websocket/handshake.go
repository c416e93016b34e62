// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"bufio"
	"bytes"
	"crypto/sha1" // #nosec G505 - the accept token is defined with SHA-1
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"
)

// GUID is the fixed protocol constant appended to the client nonce when
// computing the accept token.
const GUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// DefaultMaxHandshakeSize bounds the request line plus all header lines.
const DefaultMaxHandshakeSize = 8192

const (
	headerUpgrade    = "Upgrade"
	headerConnection = "Connection"
	headerSecKey     = "Sec-WebSocket-Key"
)

// HeaderField is a single header line with its original casing.
type HeaderField struct {
	Name  string
	Value string
}

// Header is the ordered header block of an upgrade request.
type Header []HeaderField

// Get returns the value of the last header whose name matches name
// case-insensitively, or "" if there is none.
func (h Header) Get(name string) string {
	for i := len(h) - 1; i >= 0; i-- {
		if strings.EqualFold(h[i].Name, name) {
			return h[i].Value
		}
	}
	return ""
}

// Request is a parsed upgrade request.
type Request struct {
	Method  string
	Target  string
	Version string
	Header  Header
}

// ReadRequest reads the request line and the header block from br. Every line
// must be terminated by CRLF. maxSize bounds the total number of bytes read;
// maxSize <= 0 uses DefaultMaxHandshakeSize.
func ReadRequest(br *bufio.Reader, maxSize int) (*Request, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxHandshakeSize
	}
	budget := maxSize

	line, err := readLine(br, &budget)
	if err != nil {
		return nil, fmt.Errorf("read request line: %w", err)
	}
	if strings.Count(line, " ") != 2 {
		return nil, fmt.Errorf("%w: %q", ErrMalformedRequestLine, line)
	}
	parts := strings.Split(line, " ")
	req := &Request{
		Method:  parts[0],
		Target:  parts[1],
		Version: parts[2],
	}
	if req.Method != "GET" {
		return nil, fmt.Errorf("%w: got %q", ErrInvalidMethod, req.Method)
	}

	for {
		line, err := readLine(br, &budget)
		if err != nil {
			return nil, fmt.Errorf("read header: %w", err)
		}
		if line == "" {
			return req, nil
		}
		name, value, ok := strings.Cut(line, ": ")
		if !ok || name == "" {
			return nil, fmt.Errorf("%w: %q", ErrMalformedHeader, line)
		}
		req.Header = append(req.Header, HeaderField{Name: name, Value: value})
	}
}

// readLine reads one CRLF-terminated line and returns it without the
// terminator, charging its length to budget.
func readLine(br *bufio.Reader, budget *int) (string, error) {
	var line []byte
	for {
		chunk, err := br.ReadSlice('\n')
		*budget -= len(chunk)
		if *budget < 0 {
			return "", ErrHandshakeTooLarge
		}
		line = append(line, chunk...)
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return "", io.ErrUnexpectedEOF
		}
		return "", err
	}
	if !bytes.HasSuffix(line, []byte("\r\n")) {
		return "", fmt.Errorf("%w: line not terminated by CRLF", ErrMalformedHeader)
	}
	return string(line[:len(line)-2]), nil
}

// Validate checks the upgrade preconditions of a parsed request.
func Validate(req *Request) error {
	if !strings.EqualFold(req.Header.Get(headerUpgrade), "websocket") {
		return ErrMissingUpgrade
	}
	if !strings.Contains(strings.ToLower(req.Header.Get(headerConnection)), "upgrade") {
		return ErrMissingConnection
	}
	if req.Header.Get(headerSecKey) == "" {
		return ErrMissingSecKey
	}
	return nil
}

// AcceptKey derives the Sec-WebSocket-Accept token from the client nonce.
func AcceptKey(nonce string) string {
	h := sha1.New() // #nosec G401
	h.Write([]byte(nonce))
	h.Write([]byte(GUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

// WriteResponse writes the 101 response for a validated request with a single
// Write. The client's Connection header value is echoed verbatim.
func WriteResponse(w io.Writer, req *Request) error {
	var b strings.Builder
	b.WriteString("HTTP/1.1 101 Switching Protocols\r\n")
	b.WriteString("Upgrade: websocket\r\n")
	b.WriteString("Connection: " + req.Header.Get(headerConnection) + "\r\n")
	b.WriteString("Sec-WebSocket-Accept: " + AcceptKey(req.Header.Get(headerSecKey)) + "\r\n")
	b.WriteString("\r\n")

	if _, err := io.WriteString(w, b.String()); err != nil {
		return fmt.Errorf("write handshake response: %w", err)
	}
	return nil
}

// Negotiate performs the full upgrade exchange: read, validate, respond.
// Nothing is written when the request is rejected.
func Negotiate(br *bufio.Reader, w io.Writer, maxSize int) (*Request, error) {
	req, err := ReadRequest(br, maxSize)
	if err != nil {
		return nil, err
	}
	if err := Validate(req); err != nil {
		return nil, err
	}
	if err := WriteResponse(w, req); err != nil {
		return nil, err
	}
	return req, nil
}
