// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"testing/iotest"
)

type zeroWriter struct {
	calls int
}

func (w *zeroWriter) Write(p []byte) (int, error) {
	w.calls++
	return 0, nil
}

// shortWriter accepts at most max bytes per call.
type shortWriter struct {
	bytes.Buffer
	max int
}

func (w *shortWriter) Write(p []byte) (int, error) {
	if len(p) > w.max {
		p = p[:w.max]
	}
	return w.Buffer.Write(p)
}

type flushWriter struct {
	bytes.Buffer
	flushed  int
	flushErr error
}

func (w *flushWriter) Flush() error {
	w.flushed++
	return w.flushErr
}

type failWriter struct {
	err error
}

func (w *failWriter) Write(p []byte) (int, error) {
	return 0, w.err
}

func TestCopy_CountMatchesSink(t *testing.T) {
	sizes := []int{1, 100, BufferSize - 1, BufferSize, BufferSize + 1, 5*BufferSize + 17}

	for _, size := range sizes {
		data := make([]byte, size)
		if _, err := rand.Read(data); err != nil {
			t.Fatal(err)
		}

		var sink bytes.Buffer
		n, err := Copy(&sink, bytes.NewReader(data), "src->dst")
		if err != nil {
			t.Fatalf("size %d: unexpected error: %v", size, err)
		}
		if n != uint64(sink.Len()) {
			t.Errorf("size %d: reported %d bytes, sink received %d", size, n, sink.Len())
		}
		if !bytes.Equal(sink.Bytes(), data) {
			t.Errorf("size %d: sink content differs from source", size)
		}
	}
}

func TestCopy_OneByteReads(t *testing.T) {
	data := []byte("message0message1message2")

	var sink bytes.Buffer
	n, err := Copy(&sink, iotest.OneByteReader(bytes.NewReader(data)), "one-byte")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != uint64(len(data)) || sink.String() != string(data) {
		t.Errorf("expected %q (%d), got %q (%d)", data, len(data), sink.String(), n)
	}
}

func TestCopy_DataWithEOF(t *testing.T) {
	data := []byte("final bytes arrive with EOF")

	var sink bytes.Buffer
	n, err := Copy(&sink, iotest.DataErrReader(bytes.NewReader(data)), "data-eof")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != uint64(len(data)) {
		t.Errorf("expected %d bytes, got %d", len(data), n)
	}
}

func TestCopy_EmptySource(t *testing.T) {
	sink := &flushWriter{}

	n, err := Copy(sink, bytes.NewReader(nil), "empty")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 bytes, got %d", n)
	}
	if sink.flushed != 1 {
		t.Errorf("expected sink to be flushed once, got %d", sink.flushed)
	}
}

func TestCopy_FlushBeforeSuccess(t *testing.T) {
	sink := &flushWriter{}

	if _, err := Copy(sink, bytes.NewReader([]byte("payload")), "flush"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sink.flushed != 1 {
		t.Errorf("expected one flush, got %d", sink.flushed)
	}

	flushErr := errors.New("flush failed")
	failing := &flushWriter{flushErr: flushErr}
	n, err := Copy(failing, bytes.NewReader([]byte("payload")), "flush-fail")
	if !errors.Is(err, flushErr) {
		t.Fatalf("expected flush error, got %v", err)
	}
	if n != 0 {
		t.Errorf("expected no count on failure, got %d", n)
	}
}

func TestCopy_WriteZero(t *testing.T) {
	sink := &zeroWriter{}

	n, err := Copy(sink, bytes.NewReader([]byte("stuck")), "zero")
	if !errors.Is(err, ErrWriteZero) {
		t.Fatalf("expected ErrWriteZero, got %v", err)
	}
	if n != 0 {
		t.Errorf("expected 0 bytes on failure, got %d", n)
	}
	if sink.calls != 1 {
		t.Errorf("expected a single write attempt, got %d", sink.calls)
	}
}

func TestCopy_ShortWrites(t *testing.T) {
	data := bytes.Repeat([]byte("abcdefgh"), 1000)
	sink := &shortWriter{max: 7}

	n, err := Copy(sink, bytes.NewReader(data), "short")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != uint64(len(data)) {
		t.Errorf("expected %d bytes, got %d", len(data), n)
	}
	if !bytes.Equal(sink.Bytes(), data) {
		t.Error("sink content differs from source")
	}
}

func TestCopy_Errors(t *testing.T) {
	readErr := errors.New("read failed")
	writeErr := errors.New("write failed")

	tests := []struct {
		name    string
		dst     io.Writer
		src     io.Reader
		wantErr error
	}{
		{
			name:    "read error",
			dst:     &bytes.Buffer{},
			src:     iotest.ErrReader(readErr),
			wantErr: readErr,
		},
		{
			name:    "read error after data",
			dst:     &bytes.Buffer{},
			src:     io.MultiReader(bytes.NewReader([]byte("partial")), iotest.ErrReader(readErr)),
			wantErr: readErr,
		},
		{
			name:    "write error",
			dst:     &failWriter{err: writeErr},
			src:     bytes.NewReader([]byte("data")),
			wantErr: writeErr,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := Copy(tt.dst, tt.src, tt.name)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
			if n != 0 {
				t.Errorf("expected partial count to be discarded, got %d", n)
			}
		})
	}
}

func TestCopy_ThroughPipe(t *testing.T) {
	data := make([]byte, 3*BufferSize+5)
	if _, err := rand.Read(data); err != nil {
		t.Fatal(err)
	}

	pr, pw := io.Pipe()
	go func() {
		for i := 0; i < len(data); i += 1000 {
			end := min(i+1000, len(data))
			if _, err := pw.Write(data[i:end]); err != nil {
				return
			}
		}
		pw.Close()
	}()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	var sink bytes.Buffer
	n, err := CopyWithLogger(&sink, pr, "pipe", logger)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != uint64(len(data)) {
		t.Errorf("expected %d bytes, got %d", len(data), n)
	}
	if !bytes.Equal(sink.Bytes(), data) {
		t.Error("bytes were reordered, lost or duplicated")
	}
}
