// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health provides health check and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sort"
	"sync"
	"time"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Well-known check names registered by the proxy.
const (
	CheckListener = "listener bound"
	CheckBackend  = "backend reachable"
)

// ErrNotBound is reported by ListenerBound before the listener is bound.
var ErrNotBound = errors.New("listener not bound")

// Check represents the result of a single health check.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// CheckFunc is a function that performs a health check.
type CheckFunc func(ctx context.Context) error

// Response is the JSON body served by the handlers.
type Response struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks,omitempty"`
}

// Checker runs named checks and caches their results for a TTL.
type Checker struct {
	mu     sync.Mutex
	checks map[string]CheckFunc
	cache  map[string]Check
	ttl    time.Duration
}

// NewChecker creates a new health checker. A zero TTL defaults to 10s.
func NewChecker(cacheTTL time.Duration) *Checker {
	if cacheTTL == 0 {
		cacheTTL = 10 * time.Second
	}
	return &Checker{
		checks: make(map[string]CheckFunc),
		cache:  make(map[string]Check),
		ttl:    cacheTTL,
	}
}

// Register adds or replaces a health check.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
	delete(c.cache, name)
}

// Health runs every check whose cached result has expired and returns the
// overall status with the results ordered by name. The status is healthy
// when every check passes, unhealthy when every check fails and degraded
// otherwise.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make([]Check, 0, len(names))
	failed := 0
	for _, name := range names {
		check, ok := c.cache[name]
		if !ok || time.Since(check.LastChecked) >= c.ttl {
			check = run(ctx, name, c.checks[name])
			c.cache[name] = check
		}
		if check.Status != StatusHealthy {
			failed++
		}
		checks = append(checks, check)
	}

	switch {
	case failed == 0:
		return StatusHealthy, checks
	case failed == len(checks):
		return StatusUnhealthy, checks
	default:
		return StatusDegraded, checks
	}
}

func run(ctx context.Context, name string, f CheckFunc) Check {
	start := time.Now()
	err := f(ctx)

	check := Check{
		Name:        name,
		Status:      StatusHealthy,
		LastChecked: time.Now(),
		Duration:    time.Since(start),
	}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

// HTTPHandler serves the full health report. Only an unhealthy proxy
// answers 503.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)
		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, Response{Status: status, Checks: checks})
	}
}

// ReadinessHandler answers 503 unless every check passes.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status, checks := c.Health(ctx)
		code := http.StatusOK
		if status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, Response{Status: status, Checks: checks})
	}
}

// LivenessHandler returns a simple liveness probe.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	}
}

// NewHandler routes /health, /ready and /live to c.
func NewHandler(c *Checker) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", c.HTTPHandler())
	mux.HandleFunc("/ready", c.ReadinessHandler())
	mux.HandleFunc("/live", LivenessHandler())
	return mux
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// ListenerBound fails until addr reports a bound address.
func ListenerBound(addr func() net.Addr) CheckFunc {
	return func(context.Context) error {
		if addr() == nil {
			return ErrNotBound
		}
		return nil
	}
}

// BackendReachable dials target over TCP and closes the connection at once.
func BackendReachable(target string, timeout time.Duration) CheckFunc {
	return func(ctx context.Context) error {
		d := net.Dialer{Timeout: timeout}
		conn, err := d.DialContext(ctx, "tcp", target)
		if err != nil {
			return fmt.Errorf("dial %s: %w", target, err)
		}
		return conn.Close()
	}
}
