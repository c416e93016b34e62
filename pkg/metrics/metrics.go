// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the WebSocket server.
package metrics

import (
	"errors"
	"time"

	"github.com/absmach/wsengine/pkg/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	directionIn  = "in"
	directionOut = "out"
)

var _ websocket.Observer = (*Metrics)(nil)

// Metrics holds all Prometheus metrics of the server. It implements
// websocket.Observer.
type Metrics struct {
	// Connection metrics
	ActiveConnections  prometheus.Gauge
	TotalConnections   *prometheus.CounterVec
	ConnectionDuration prometheus.Histogram

	// Protocol metrics
	Handshakes       *prometheus.CounterVec
	Frames           *prometheus.CounterVec
	FrameBytes       *prometheus.HistogramVec
	UnhandledOpcodes *prometheus.CounterVec

	// Rate limiter metrics
	RateLimited prometheus.Counter
}

// New creates a new Metrics instance registered with reg. A nil reg leaves
// the collectors unregistered.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "wsengine"
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_connections",
				Help:      "Number of currently open connections",
			},
		),
		TotalConnections: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "connections_total",
				Help:      "Total number of finished connections",
			},
			[]string{"status"},
		),
		ConnectionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "connection_duration_seconds",
				Help:      "Connection duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
		),
		Handshakes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "handshakes_total",
				Help:      "Total number of upgrade handshakes by result",
			},
			[]string{"result"},
		),
		Frames: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_total",
				Help:      "Total number of WebSocket frames",
			},
			[]string{"opcode", "direction"},
		),
		FrameBytes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "frame_payload_bytes",
				Help:      "Frame payload size in bytes",
				Buckets:   []float64{16, 128, 1024, 16384, 65536, 1048576},
			},
			[]string{"direction"},
		),
		UnhandledOpcodes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "unhandled_opcodes_total",
				Help:      "Total number of messages with an opcode the server does not dispatch",
			},
			[]string{"opcode"},
		),
		RateLimited: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_connections_total",
				Help:      "Total number of connections refused by the rate limiter",
			},
		),
	}
}

// ObserveConnection tracks a connection lifecycle.
func (m *Metrics) ObserveConnection(f func() error) error {
	m.ActiveConnections.Inc()
	defer m.ActiveConnections.Dec()

	start := time.Now()
	defer func() {
		m.ConnectionDuration.Observe(time.Since(start).Seconds())
	}()

	err := f()
	status := "success"
	if err != nil {
		status = "error"
	}
	m.TotalConnections.WithLabelValues(status).Inc()

	return err
}

// HandshakeDone counts a handshake by result.
func (m *Metrics) HandshakeDone(err error) {
	result := "success"
	switch {
	case err == nil:
	case errors.Is(err, websocket.ErrRejected):
		result = "rejected"
	default:
		result = "error"
	}
	m.Handshakes.WithLabelValues(result).Inc()
}

// FrameRead counts an inbound frame.
func (m *Metrics) FrameRead(op websocket.Opcode, size int) {
	m.Frames.WithLabelValues(op.String(), directionIn).Inc()
	m.FrameBytes.WithLabelValues(directionIn).Observe(float64(size))
}

// FrameWritten counts an outbound frame.
func (m *Metrics) FrameWritten(op websocket.Opcode, size int) {
	m.Frames.WithLabelValues(op.String(), directionOut).Inc()
	m.FrameBytes.WithLabelValues(directionOut).Observe(float64(size))
}

// Unhandled counts a message that was not dispatched.
func (m *Metrics) Unhandled(op websocket.Opcode) {
	m.UnhandledOpcodes.WithLabelValues(op.String()).Inc()
}
