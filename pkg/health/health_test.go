// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package health

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestChecker_Health(t *testing.T) {
	fail := func(context.Context) error { return errors.New("down") }
	pass := func(context.Context) error { return nil }

	tests := []struct {
		name   string
		checks map[string]CheckFunc
		want   Status
	}{
		{name: "no checks", want: StatusHealthy},
		{name: "all pass", checks: map[string]CheckFunc{"a": pass, "b": pass}, want: StatusHealthy},
		{name: "some fail", checks: map[string]CheckFunc{"a": pass, "b": fail}, want: StatusDegraded},
		{name: "all fail", checks: map[string]CheckFunc{"a": fail, "b": fail}, want: StatusUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := NewChecker(time.Minute)
			for name, f := range tt.checks {
				c.Register(name, f)
			}

			status, checks := c.Health(context.Background())
			if status != tt.want {
				t.Errorf("expected %s, got %s", tt.want, status)
			}
			if len(checks) != len(tt.checks) {
				t.Fatalf("expected %d results, got %d", len(tt.checks), len(checks))
			}
			for i := 1; i < len(checks); i++ {
				if checks[i-1].Name > checks[i].Name {
					t.Errorf("expected results ordered by name, got %s before %s", checks[i-1].Name, checks[i].Name)
				}
			}
		})
	}
}

func TestChecker_Cache(t *testing.T) {
	var calls atomic.Int32
	c := NewChecker(time.Hour)
	c.Register("counted", func(context.Context) error {
		calls.Add(1)
		return nil
	})

	for i := 0; i < 3; i++ {
		c.Health(context.Background())
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("expected cached result, check ran %d times", got)
	}

	c.Register("counted", func(context.Context) error {
		calls.Add(1)
		return errors.New("replaced")
	})
	status, checks := c.Health(context.Background())
	if got := calls.Load(); got != 2 {
		t.Errorf("expected re-registration to drop the cache, check ran %d times", got)
	}
	if status != StatusUnhealthy || checks[0].Message != "replaced" {
		t.Errorf("expected replaced check result, got %s %q", status, checks[0].Message)
	}
}

func TestHandlers(t *testing.T) {
	var bound atomic.Bool
	c := NewChecker(time.Nanosecond)
	c.Register(CheckListener, ListenerBound(func() net.Addr {
		if !bound.Load() {
			return nil
		}
		return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9443}
	}))

	srv := httptest.NewServer(NewHandler(c))
	defer srv.Close()

	tests := []struct {
		name     string
		path     string
		bound    bool
		wantCode int
	}{
		{name: "live", path: "/live", wantCode: http.StatusOK},
		{name: "health unbound", path: "/health", wantCode: http.StatusServiceUnavailable},
		{name: "ready unbound", path: "/ready", wantCode: http.StatusServiceUnavailable},
		{name: "health bound", path: "/health", bound: true, wantCode: http.StatusOK},
		{name: "ready bound", path: "/ready", bound: true, wantCode: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bound.Store(tt.bound)
			time.Sleep(time.Millisecond)

			resp, err := http.Get(srv.URL + tt.path)
			if err != nil {
				t.Fatal(err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != tt.wantCode {
				t.Errorf("expected %d, got %d", tt.wantCode, resp.StatusCode)
			}
			if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("expected JSON response, got %q", ct)
			}
			if tt.path == "/live" {
				return
			}

			var body Response
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatal(err)
			}
			if len(body.Checks) != 1 || body.Checks[0].Name != CheckListener {
				t.Errorf("expected the listener check in the body, got %+v", body.Checks)
			}
		})
	}
}

func TestBackendReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	check := BackendReachable(addr, time.Second)
	if err := check(context.Background()); err != nil {
		t.Errorf("expected reachable backend, got %v", err)
	}

	ln.Close()
	if err := check(context.Background()); err == nil {
		t.Error("expected error for closed backend")
	}
}

func TestListenerBound(t *testing.T) {
	check := ListenerBound(func() net.Addr { return nil })
	if err := check(context.Background()); !errors.Is(err, ErrNotBound) {
		t.Errorf("expected ErrNotBound, got %v", err)
	}
}
