// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"errors"
	"fmt"
	"testing"

	"github.com/absmach/wsengine/pkg/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNew_Registers(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New("test", reg)

	m.ActiveConnections.Set(0)
	m.RateLimited.Inc()
	m.HandshakeDone(nil)
	m.FrameRead(websocket.OpText, 5)
	m.Unhandled(websocket.OpBinary)
	m.TotalConnections.WithLabelValues("success").Inc()
	m.ConnectionDuration.Observe(1)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"test_active_connections",
		"test_connections_total",
		"test_connection_duration_seconds",
		"test_handshakes_total",
		"test_frames_total",
		"test_frame_payload_bytes",
		"test_unhandled_opcodes_total",
		"test_rate_limited_connections_total",
	} {
		if !names[want] {
			t.Errorf("metric %s not registered", want)
		}
	}
}

func TestObserveConnection(t *testing.T) {
	m := New("", prometheus.NewRegistry())

	var activeDuring float64
	err := m.ObserveConnection(func() error {
		activeDuring = testutil.ToFloat64(m.ActiveConnections)
		return nil
	})
	if err != nil {
		t.Fatalf("ObserveConnection() error = %v", err)
	}

	failErr := errors.New("boom")
	if err := m.ObserveConnection(func() error { return failErr }); !errors.Is(err, failErr) {
		t.Errorf("ObserveConnection() error = %v, want %v", err, failErr)
	}

	if activeDuring != 1 {
		t.Errorf("active during = %v, want 1", activeDuring)
	}
	if got := testutil.ToFloat64(m.ActiveConnections); got != 0 {
		t.Errorf("active after = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.TotalConnections.WithLabelValues("success")); got != 1 {
		t.Errorf("success = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TotalConnections.WithLabelValues("error")); got != 1 {
		t.Errorf("error = %v, want 1", got)
	}
}

func TestHandshakeDone(t *testing.T) {
	m := New("", nil)

	m.HandshakeDone(nil)
	m.HandshakeDone(websocket.ErrMissingSecKey)
	m.HandshakeDone(fmt.Errorf("%w: denied", websocket.ErrRejected))
	m.HandshakeDone(fmt.Errorf("%w: denied", websocket.ErrRejected))

	tests := []struct {
		result string
		want   float64
	}{
		{"success", 1},
		{"error", 1},
		{"rejected", 2},
	}
	for _, tt := range tests {
		if got := testutil.ToFloat64(m.Handshakes.WithLabelValues(tt.result)); got != tt.want {
			t.Errorf("handshakes{result=%q} = %v, want %v", tt.result, got, tt.want)
		}
	}
}

func TestFrames(t *testing.T) {
	m := New("", nil)

	m.FrameRead(websocket.OpText, 10)
	m.FrameRead(websocket.OpText, 20)
	m.FrameRead(websocket.OpPing, 0)
	m.FrameWritten(websocket.OpPong, 0)
	m.Unhandled(websocket.OpBinary)

	tests := []struct {
		opcode    string
		direction string
		want      float64
	}{
		{"text", "in", 2},
		{"ping", "in", 1},
		{"pong", "out", 1},
		{"text", "out", 0},
	}
	for _, tt := range tests {
		got := testutil.ToFloat64(m.Frames.WithLabelValues(tt.opcode, tt.direction))
		if got != tt.want {
			t.Errorf("frames{%s,%s} = %v, want %v", tt.opcode, tt.direction, got, tt.want)
		}
	}

	if got := testutil.ToFloat64(m.UnhandledOpcodes.WithLabelValues("binary")); got != 1 {
		t.Errorf("unhandled{binary} = %v, want 1", got)
	}
	if got := testutil.CollectAndCount(m.FrameBytes); got != 2 {
		t.Errorf("frame bytes series = %d, want 2", got)
	}
}
