// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package testutil holds helpers shared by the package tests: an in-memory
// certificate authority and loopback backends.
package testutil

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// PKI is a throwaway certificate authority issuing server and client
// certificates for loopback tests.
type PKI struct {
	CA     *x509.Certificate
	CAPEM  []byte
	Pool   *x509.CertPool
	caKey  *ecdsa.PrivateKey
	serial int64
}

// NewPKI creates a self-signed CA.
func NewPKI(t *testing.T) *PKI {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "flv-tls-proxy test CA"},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(24 * time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	if err != nil {
		t.Fatal(err)
	}
	ca, err := x509.ParseCertificate(der)
	if err != nil {
		t.Fatal(err)
	}

	pool := x509.NewCertPool()
	pool.AddCert(ca)

	return &PKI{
		CA:     ca,
		CAPEM:  pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}),
		Pool:   pool,
		caKey:  key,
		serial: 1,
	}
}

// Issue creates a leaf certificate signed by the CA. Server certificates are
// valid for localhost and 127.0.0.1.
func (p *PKI) Issue(t *testing.T, cn string, server bool, emails ...string) (tls.Certificate, []byte, []byte) {
	t.Helper()

	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	p.serial++
	tmpl := &x509.Certificate{
		SerialNumber:   big.NewInt(p.serial),
		Subject:        pkix.Name{CommonName: cn},
		NotBefore:      time.Now().Add(-time.Hour),
		NotAfter:       time.Now().Add(24 * time.Hour),
		KeyUsage:       x509.KeyUsageDigitalSignature,
		EmailAddresses: emails,
	}
	if server {
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth}
		tmpl.DNSNames = []string{"localhost"}
		tmpl.IPAddresses = []net.IP{net.ParseIP("127.0.0.1")}
	} else {
		tmpl.ExtKeyUsage = []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth}
	}

	der, err := x509.CreateCertificate(rand.Reader, tmpl, p.CA, &key.PublicKey, p.caKey)
	if err != nil {
		t.Fatal(err)
	}
	keyDER, err := x509.MarshalECPrivateKey(key)
	if err != nil {
		t.Fatal(err)
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		t.Fatal(err)
	}
	return cert, certPEM, keyPEM
}

// ServerConfig returns a server TLS config. With requireClientCert set the
// server demands a client certificate signed by the CA.
func (p *PKI) ServerConfig(t *testing.T, requireClientCert bool) *tls.Config {
	t.Helper()

	cert, _, _ := p.Issue(t, "localhost", true)
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}
	if requireClientCert {
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		cfg.ClientCAs = p.Pool
	}
	return cfg
}

// ClientConfig returns a client TLS config trusting the CA. A non-empty cn
// adds a client certificate with that common name.
func (p *PKI) ClientConfig(t *testing.T, cn string) *tls.Config {
	t.Helper()

	cfg := &tls.Config{
		RootCAs:    p.Pool,
		ServerName: "localhost",
		MinVersion: tls.VersionTLS12,
	}
	if cn != "" {
		cert, _, _ := p.Issue(t, cn, false)
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg
}

// WriteServerFiles writes a server certificate, its key and the CA
// certificate into dir and returns their paths.
func (p *PKI) WriteServerFiles(t *testing.T, dir string) (certFile, keyFile, caFile string) {
	t.Helper()

	_, certPEM, keyPEM := p.Issue(t, "localhost", true)
	certFile = filepath.Join(dir, "server.crt")
	keyFile = filepath.Join(dir, "server.key")
	caFile = filepath.Join(dir, "ca.crt")

	for path, data := range map[string][]byte{certFile: certPEM, keyFile: keyPEM, caFile: p.CAPEM} {
		if err := os.WriteFile(path, data, 0o600); err != nil {
			t.Fatal(err)
		}
	}
	return certFile, keyFile, caFile
}

// TLSPipe performs a TLS handshake over a loopback TCP connection and
// returns both ends.
func TLSPipe(t *testing.T, serverCfg, clientCfg *tls.Config) (*tls.Conn, *tls.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	cc, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	sc, ok := <-accepted
	if !ok {
		t.Fatal("accept failed")
	}

	server := tls.Server(sc, serverCfg)
	client := tls.Client(cc, clientCfg)

	errc := make(chan error, 1)
	go func() {
		errc <- client.Handshake()
	}()
	if err := server.Handshake(); err != nil {
		t.Fatalf("server handshake: %v", err)
	}
	if err := <-errc; err != nil {
		t.Fatalf("client handshake: %v", err)
	}

	t.Cleanup(func() {
		_ = server.Close()
		_ = client.Close()
	})
	return server, client
}
