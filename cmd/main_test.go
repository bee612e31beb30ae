// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/infinyon/flv-tls-proxy/pkg/auth"
	"golang.org/x/sync/errgroup"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"info", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}

	for _, tt := range tests {
		if got := parseLevel(tt.in); got != tt.want {
			t.Errorf("parseLevel(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSetupLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "proxy.log")

	logger, closeLog := setupLogger(Config{
		LogLevel:     "warn",
		LogFormat:    "json",
		LogFile:      path,
		LogMaxSizeMB: 1,
	})
	logger.Info("hidden")
	logger.Warn("visible", slog.String("target", "backend:9092"))
	closeLog()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	out := string(data)
	if strings.Contains(out, "hidden") {
		t.Errorf("expected info to be filtered, got %q", out)
	}
	if !strings.Contains(out, `"msg":"visible"`) || !strings.Contains(out, `"target":"backend:9092"`) {
		t.Errorf("expected JSON warn record, got %q", out)
	}
}

func TestServeHTTP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	ctx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(ctx)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	h := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	serveHTTP(gctx, g, "test", addr, h, logger)

	deadline := time.Now().Add(5 * time.Second)
	for {
		resp, err := http.Get("http://" + addr + "/")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode != http.StatusTeapot {
				t.Errorf("expected %d, got %d", http.StatusTeapot, resp.StatusCode)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server did not start: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	if err := g.Wait(); err != nil {
		t.Fatalf("expected clean shutdown, got %v", err)
	}
}

func TestReloadOnHangup_StopsWithContext(t *testing.T) {
	path := filepath.Join(t.TempDir(), "allow.yaml")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		reloadOnHangup(ctx, auth.NewAllowList(), path, slog.Default())
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("reloadOnHangup did not return")
	}
}
