// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
)

// Backend is a loopback TCP server handling every accepted connection with
// its own goroutine.
type Backend struct {
	net.Listener

	mu       sync.Mutex
	accepted int
	received bytes.Buffer
	wg       sync.WaitGroup
}

// StartBackend listens on 127.0.0.1 and runs handler for each connection.
// The listener is closed and handlers are awaited on test cleanup.
func StartBackend(t *testing.T, ctx context.Context, handler func(net.Conn)) *Backend {
	t.Helper()

	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	b := &Backend{Listener: ln}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			b.mu.Lock()
			b.accepted++
			b.mu.Unlock()

			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				defer c.Close()
				handler(&recordingConn{Conn: c, b: b})
			}()
		}
	}()

	t.Cleanup(func() {
		_ = ln.Close()
		b.wg.Wait()
	})
	return b
}

// StartReplyBackend answers every read of msg with msg+"reply", the way the
// end-to-end scenarios expect.
func StartReplyBackend(t *testing.T, ctx context.Context) *Backend {
	t.Helper()

	return StartBackend(t, ctx, func(c net.Conn) {
		buf := make([]byte, 1024)
		for {
			n, err := c.Read(buf)
			if err != nil {
				return
			}
			reply := append(append([]byte{}, buf[:n]...), "reply"...)
			if _, err := c.Write(reply); err != nil {
				return
			}
		}
	})
}

// StartEchoBackend copies everything it reads back to the sender.
func StartEchoBackend(t *testing.T, ctx context.Context) *Backend {
	t.Helper()

	return StartBackend(t, ctx, func(c net.Conn) {
		_, _ = io.Copy(c, c)
	})
}

// Accepted returns the number of connections accepted so far.
func (b *Backend) Accepted() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.accepted
}

// Received returns every byte read from any connection so far.
func (b *Backend) Received() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.received.Bytes()...)
}

type recordingConn struct {
	net.Conn
	b *Backend
}

func (c *recordingConn) Read(p []byte) (int, error) {
	n, err := c.Conn.Read(p)
	if n > 0 {
		c.b.mu.Lock()
		c.b.received.Write(p[:n])
		c.b.mu.Unlock()
	}
	return n, err
}

// AssertEcho writes msg to w and expects want to be read back from r.
func AssertEcho(t *testing.T, w io.Writer, r io.Reader, msg, want []byte) {
	t.Helper()

	if _, err := w.Write(msg); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, len(want))
	if _, err := io.ReadFull(r, buf); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(buf, want) {
		t.Fatalf("expected %q got %q", string(want), string(buf))
	}
}
