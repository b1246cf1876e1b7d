// Package buffer provides the fully materialized, re-readable body store used
// by responses.
package buffer

import (
	"bytes"
	"io"
	"sync"

	"github.com/WhileEndless/go-keepalive/pkg/errors"
)

// Buffer holds an immutable byte slice plus a cursor for stream and
// line-oriented reads. Bytes and Reader never move the cursor, so any number
// of consumers can read the whole payload.
type Buffer struct {
	data   []byte
	off    int
	mu     sync.Mutex // Protects off and closed
	closed bool
}

// New creates an empty buffer.
func New() *Buffer {
	return &Buffer{}
}

// NewWithData creates a buffer over data. The buffer takes ownership of data;
// callers must not modify it afterwards.
func NewWithData(data []byte) *Buffer {
	return &Buffer{data: data}
}

// Bytes returns the whole payload regardless of the cursor position.
func (b *Buffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	return b.data
}

// Size returns the total payload length.
func (b *Buffer) Size() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return int64(len(b.data))
}

// Read implements io.Reader over the cursor.
func (b *Buffer) Read(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, errors.NewIOError("reading buffer", io.ErrClosedPipe)
	}
	if b.off >= len(b.data) {
		if len(p) == 0 {
			return 0, nil
		}
		return 0, io.EOF
	}
	n := copy(p, b.data[b.off:])
	b.off += n
	return n, nil
}

// ReadLine returns the next line including its trailing '\n'. The last line
// may lack the newline. It returns io.EOF once the cursor is exhausted.
func (b *Buffer) ReadLine() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.NewIOError("reading buffer", io.ErrClosedPipe)
	}
	if b.off >= len(b.data) {
		return nil, io.EOF
	}

	rest := b.data[b.off:]
	end := len(rest)
	if i := bytes.IndexByte(rest, '\n'); i >= 0 {
		end = i + 1
	}
	line := rest[:end:end]
	b.off += end
	return line, nil
}

// ReadLines returns the remaining lines. If sizeHint is positive, reading
// stops once at least sizeHint bytes were collected.
func (b *Buffer) ReadLines(sizeHint int) ([][]byte, error) {
	var lines [][]byte
	total := 0
	for {
		line, err := b.ReadLine()
		if err == io.EOF {
			return lines, nil
		}
		if err != nil {
			return lines, err
		}
		lines = append(lines, line)
		total += len(line)
		if sizeHint > 0 && total >= sizeHint {
			return lines, nil
		}
	}
}

// Reader provides a fresh reader over the whole payload.
func (b *Buffer) Reader() (io.Reader, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, errors.NewIOError("buffer is closed", nil)
	}
	return bytes.NewReader(b.data), nil
}

// Rewind moves the cursor back to the start.
func (b *Buffer) Rewind() {
	b.mu.Lock()
	b.off = 0
	b.mu.Unlock()
}

// Close releases the payload. Safe for concurrent calls and idempotent.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	b.data = nil
	b.off = 0
	return nil
}

// IsClosed reports whether Close was called.
func (b *Buffer) IsClosed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
