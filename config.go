// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package wsengine holds the service configuration of the WebSocket server.
package wsengine

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
)

// ErrIncompleteTLS is returned when only one of the certificate and key
// files is configured.
var ErrIncompleteTLS = errors.New("both cert file and key file must be set to enable TLS")

// Config holds the server configuration read from the environment.
type Config struct {
	// Listener
	Host string `env:"HOST"                envDefault:""`
	Port string `env:"PORT"                envDefault:"8000"`

	// TLS
	CertFile     string `env:"CERT_FILE"       envDefault:""`
	KeyFile      string `env:"KEY_FILE"        envDefault:""`
	ClientCAFile string `env:"CLIENT_CA_FILE"  envDefault:""`

	// Protocol limits
	MaxPayloadSize   int64 `env:"MAX_PAYLOAD_SIZE"    envDefault:"1048576"`
	MaxHandshakeSize int   `env:"MAX_HANDSHAKE_SIZE"  envDefault:"8192"`
	RequireMask      bool  `env:"REQUIRE_MASK"        envDefault:"false"`

	// Resource limits
	MaxConnections  int           `env:"MAX_CONNECTIONS"   envDefault:"10000"`
	ReusePort       bool          `env:"REUSE_PORT"        envDefault:"false"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT"  envDefault:"30s"`

	// Rate limiting, a zero refill rate disables the limiter
	RateLimitCapacity  int64 `env:"RATE_LIMIT_CAPACITY"   envDefault:"100"`
	RateLimitRefill    int64 `env:"RATE_LIMIT_REFILL"     envDefault:"0"`
	GlobalRateCapacity int64 `env:"GLOBAL_RATE_CAPACITY"  envDefault:"10000"`
	GlobalRateRefill   int64 `env:"GLOBAL_RATE_REFILL"    envDefault:"0"`

	// Observability
	MetricsPort int    `env:"METRICS_PORT"  envDefault:"9090"`
	HealthPort  int    `env:"HEALTH_PORT"   envDefault:"8080"`
	LogLevel    string `env:"LOG_LEVEL"     envDefault:"info"`
	LogFormat   string `env:"LOG_FORMAT"    envDefault:"json"`

	// TLSConfig is built from CertFile, KeyFile and ClientCAFile.
	TLSConfig *tls.Config `env:"-"`
}

// NewConfig parses the configuration from the environment using opts,
// typically with a prefix such as "WS_".
func NewConfig(opts env.Options) (Config, error) {
	var cfg Config
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, fmt.Errorf("failed to parse config: %w", err)
	}

	tlsCfg, err := loadTLSConfig(cfg.CertFile, cfg.KeyFile, cfg.ClientCAFile)
	if err != nil {
		return Config{}, err
	}
	cfg.TLSConfig = tlsCfg

	return cfg, nil
}

// Address returns the listen address.
func (c Config) Address() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// loadTLSConfig returns nil when no certificate is configured. A client CA
// file turns on client certificate verification.
func loadTLSConfig(certFile, keyFile, clientCAFile string) (*tls.Config, error) {
	if certFile == "" && keyFile == "" {
		return nil, nil
	}
	if certFile == "" || keyFile == "" {
		return nil, ErrIncompleteTLS
	}

	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load certificates: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if clientCAFile != "" {
		pem, err := os.ReadFile(clientCAFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read client CA: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates found in %s", clientCAFile)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return cfg, nil
}
