// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tlsproxy wires the TLS relay together: environment configuration,
// certificate loading and convenience entry points around tcp.Server.
package tlsproxy

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/infinyon/flv-tls-proxy/pkg/auth"
	perrors "github.com/infinyon/flv-tls-proxy/pkg/errors"
	"github.com/infinyon/flv-tls-proxy/pkg/metrics"
	"github.com/infinyon/flv-tls-proxy/pkg/server/tcp"
	"golang.org/x/crypto/acme"
	"golang.org/x/crypto/acme/autocert"
)

var (
	// ErrMissingCertificate is returned when neither a key pair nor ACME
	// hosts are configured.
	ErrMissingCertificate = errors.New("either CERT_FILE and KEY_FILE or ACME_HOSTS must be set")

	// ErrIncompleteKeyPair is returned when only one of CERT_FILE and
	// KEY_FILE is set.
	ErrIncompleteKeyPair = errors.New("CERT_FILE and KEY_FILE must be set together")

	// ErrInvalidClientCA is returned when CLIENT_CA_FILE holds no PEM
	// certificate.
	ErrInvalidClientCA = errors.New("no certificate found in client CA file")
)

// Config is the proxy configuration read from the environment.
type Config struct {
	Address          string        `env:"ADDRESS"           envDefault:":9443"`
	Target           string        `env:"TARGET,required"`
	CertFile         string        `env:"CERT_FILE"`
	KeyFile          string        `env:"KEY_FILE"`
	ClientCAFile     string        `env:"CLIENT_CA_FILE"`
	ACMEHosts        []string      `env:"ACME_HOSTS"        envSeparator:","`
	ACMECacheDir     string        `env:"ACME_CACHE_DIR"    envDefault:"acme-cache"`
	ACMEEmail        string        `env:"ACME_EMAIL"`
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"0s"`
	IdleTimeout      time.Duration `env:"IDLE_TIMEOUT"      envDefault:"0s"`
	KeepAlive        time.Duration `env:"KEEP_ALIVE"        envDefault:"15s"`
	AllowListFile    string        `env:"ALLOW_LIST_FILE"`

	tlsConfig   *tls.Config
	certManager *autocert.Manager
}

// NewConfig parses the environment described by opts and loads the TLS
// material it points to.
func NewConfig(opts env.Options) (Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}
	if err := c.loadTLS(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// TLSConfig returns the server TLS configuration built by NewConfig.
func (c Config) TLSConfig() *tls.Config {
	return c.tlsConfig
}

// CertManager returns the ACME manager when ACME_HOSTS is set, nil otherwise.
func (c Config) CertManager() *autocert.Manager {
	return c.certManager
}

// ServerConfig converts c into the TCP server configuration. A positive
// KeepAlive is used as both the probe idle time and interval; zero keeps the
// operating system defaults.
func (c Config) ServerConfig(logger *slog.Logger, m *metrics.Metrics) tcp.Config {
	var ka net.KeepAliveConfig
	if c.KeepAlive > 0 {
		ka = net.KeepAliveConfig{Enable: true, Idle: c.KeepAlive, Interval: c.KeepAlive}
	}

	return tcp.Config{
		Address:          c.Address,
		TargetAddress:    c.Target,
		TLSConfig:        c.tlsConfig,
		KeepAlive:        ka,
		HandshakeTimeout: c.HandshakeTimeout,
		IdleTimeout:      c.IdleTimeout,
		Logger:           logger,
		Metrics:          m,
	}
}

// AllowList loads ALLOW_LIST_FILE. It returns nil when the file is not
// configured.
func (c Config) AllowList() (*auth.AllowList, error) {
	if c.AllowListFile == "" {
		return nil, nil
	}
	return auth.LoadAllowList(c.AllowListFile)
}

func (c *Config) loadTLS() error {
	if (c.CertFile == "") != (c.KeyFile == "") {
		return ErrIncompleteKeyPair
	}

	cfg := &tls.Config{MinVersion: tls.VersionTLS12}
	switch {
	case c.CertFile != "":
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return perrors.Wrap(err, "failed to load key pair")
		}
		cfg.Certificates = []tls.Certificate{cert}
	case len(c.ACMEHosts) > 0:
		c.certManager = &autocert.Manager{
			Prompt:     autocert.AcceptTOS,
			Cache:      autocert.DirCache(c.ACMECacheDir),
			Email:      c.ACMEEmail,
			HostPolicy: autocert.HostWhitelist(c.ACMEHosts...),
		}
		cfg.GetCertificate = c.certManager.GetCertificate
		cfg.GetConfigForClient = acmeChallengeConfig(cfg)
	default:
		return ErrMissingCertificate
	}

	if c.ClientCAFile != "" {
		data, err := os.ReadFile(c.ClientCAFile)
		if err != nil {
			return fmt.Errorf("failed to read client CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(data) {
			return ErrInvalidClientCA
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}

	c.tlsConfig = cfg
	return nil
}

// acmeChallengeConfig negotiates acme-tls/1 only with clients that offer it.
// Setting it on base would make every client offering another ALPN protocol
// fail the handshake. The challenge config never asks for a client
// certificate since the ACME validator has none.
func acmeChallengeConfig(base *tls.Config) func(*tls.ClientHelloInfo) (*tls.Config, error) {
	return func(hello *tls.ClientHelloInfo) (*tls.Config, error) {
		if !slices.Contains(hello.SupportedProtos, acme.ALPNProto) {
			return nil, nil
		}
		cfg := base.Clone()
		cfg.NextProtos = []string{acme.ALPNProto}
		cfg.ClientAuth = tls.NoClientCert
		cfg.ClientCAs = nil
		return cfg, nil
	}
}
