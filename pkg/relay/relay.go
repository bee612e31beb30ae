// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the one-directional byte copy engine used for
// each half of a proxied connection.
//
// Copy moves bytes from a reader to a writer until the reader reports
// io.EOF, then flushes the writer and returns the number of bytes the writer
// accepted. It knows nothing about TLS, addresses or authentication; the
// connection handler runs two copies per connection, one per direction.
package relay

import (
	"errors"
	"io"
	"log/slog"
	"sync"
)

// BufferSize is the size of the buffer used by each copy.
const BufferSize = 32 * 1024

var (
	// ErrWriteZero is returned when the writer accepts zero bytes of a
	// non-empty buffer without reporting an error.
	ErrWriteZero = errors.New("write zero")

	errInvalidWrite = errors.New("invalid write result")
)

// Flusher is implemented by writers that buffer data internally.
type Flusher interface {
	Flush() error
}

var bufferPool = sync.Pool{
	New: func() any {
		b := make([]byte, BufferSize)
		return &b
	},
}

// Copy copies src to dst until src returns io.EOF. See CopyWithLogger.
func Copy(dst io.Writer, src io.Reader, label string) (uint64, error) {
	return CopyWithLogger(dst, src, label, nil)
}

// CopyWithLogger copies src to dst until src returns io.EOF, flushes dst and
// returns the total number of bytes written.
//
// Any read, write or flush error stops the copy and is returned as is; the
// partial count is discarded. A write that consumes nothing without an error
// yields ErrWriteZero. label identifies the direction in trace output.
func CopyWithLogger(dst io.Writer, src io.Reader, label string, logger *slog.Logger) (uint64, error) {
	bp := bufferPool.Get().(*[]byte)
	defer bufferPool.Put(bp)
	buf := *bp

	trace := func(msg string, args ...any) {
		if logger != nil {
			logger.Debug(msg, append([]any{slog.String("direction", label)}, args...)...)
		}
	}

	var total uint64
	for {
		nr, rerr := src.Read(buf)
		if nr > 0 {
			trace("read", slog.Int("bytes", nr))
			for off := 0; off < nr; {
				nw, werr := dst.Write(buf[off:nr])
				if werr != nil {
					return 0, werr
				}
				if nw < 0 || nw > nr-off {
					return 0, errInvalidWrite
				}
				if nw == 0 {
					trace("write consumed nothing")
					return 0, ErrWriteZero
				}
				off += nw
				total += uint64(nw)
			}
		}

		if rerr == io.EOF {
			trace("end of input, flushing", slog.Uint64("total", total))
			if f, ok := dst.(Flusher); ok {
				if err := f.Flush(); err != nil {
					return 0, err
				}
			}
			return total, nil
		}
		if rerr != nil {
			return 0, rerr
		}
	}
}
