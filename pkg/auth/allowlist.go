// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// ErrNoClientCertificate is returned by AllowList when the client did not
// present a verified certificate.
var ErrNoClientCertificate = errors.New("no verified client certificate")

// AllowListFile is the on-disk YAML layout read by LoadAllowList:
//
//	identities:
//	  - client.example.com
//	  - ops@example.com
type AllowListFile struct {
	Identities []string `yaml:"identities"`
}

// AllowList allows connections whose verified client certificate carries an
// allowed identity: the subject common name, a DNS SAN or an email SAN.
// Matching is case-insensitive.
//
// The list can be replaced at runtime; Authenticate is safe to call
// concurrently with Replace.
type AllowList struct {
	mu         sync.RWMutex
	identities map[string]struct{}
}

var _ Authenticator = (*AllowList)(nil)

// NewAllowList creates an AllowList containing identities.
func NewAllowList(identities ...string) *AllowList {
	a := &AllowList{}
	a.Replace(identities)
	return a
}

// LoadAllowList reads an AllowListFile from path.
func LoadAllowList(path string) (*AllowList, error) {
	identities, err := readAllowListFile(path)
	if err != nil {
		return nil, err
	}
	return NewAllowList(identities...), nil
}

// Reload re-reads path and replaces the current identities. On error the
// current identities are kept.
func (a *AllowList) Reload(path string) error {
	identities, err := readAllowListFile(path)
	if err != nil {
		return err
	}
	a.Replace(identities)
	return nil
}

// Replace swaps the allowed identities.
func (a *AllowList) Replace(identities []string) {
	set := make(map[string]struct{}, len(identities))
	for _, id := range identities {
		id = strings.ToLower(strings.TrimSpace(id))
		if id != "" {
			set[id] = struct{}{}
		}
	}

	a.mu.Lock()
	a.identities = set
	a.mu.Unlock()
}

// Len returns the number of allowed identities.
func (a *AllowList) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.identities)
}

// Authenticate allows the connection if the client's leaf certificate
// matches an allowed identity. A missing certificate is an error, a
// certificate with no allowed identity is a denial.
func (a *AllowList) Authenticate(_ context.Context, incoming *tls.Conn, _ net.Conn) (bool, error) {
	state := incoming.ConnectionState()
	if len(state.VerifiedChains) == 0 || len(state.VerifiedChains[0]) == 0 {
		return false, ErrNoClientCertificate
	}
	return a.allowed(state.VerifiedChains[0][0]), nil
}

func (a *AllowList) allowed(cert *x509.Certificate) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, id := range Identities(cert) {
		if _, ok := a.identities[strings.ToLower(id)]; ok {
			return true
		}
	}
	return false
}

// Identities returns the names AllowList matches against for cert.
func Identities(cert *x509.Certificate) []string {
	ids := make([]string, 0, 1+len(cert.DNSNames)+len(cert.EmailAddresses))
	if cert.Subject.CommonName != "" {
		ids = append(ids, cert.Subject.CommonName)
	}
	ids = append(ids, cert.DNSNames...)
	ids = append(ids, cert.EmailAddresses...)
	return ids
}

func readAllowListFile(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading allow list: %w", err)
	}

	var f AllowListFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing allow list %s: %w", path, err)
	}
	return f.Identities, nil
}
