package logging

import (
	"os"
	"sync"
)

// RingBuffer is a thread-safe circular byte buffer used as the crash-dump
// sink. It implements io.Writer; once full, the oldest bytes are overwritten.
type RingBuffer struct {
	mu      sync.Mutex
	buf     []byte
	write   int
	wrapped bool
}

// NewRingBuffer creates a ring buffer with the given capacity in bytes.
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 1 << 20
	}
	return &RingBuffer{buf: make([]byte, size)}
}

// Write implements io.Writer and never fails.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(p)
	if n >= len(rb.buf) {
		// Oversized write: only the tail survives.
		copy(rb.buf, p[n-len(rb.buf):])
		rb.write = 0
		rb.wrapped = true
		return n, nil
	}

	head := len(rb.buf) - rb.write
	if n <= head {
		copy(rb.buf[rb.write:], p)
		rb.write += n
		if rb.write == len(rb.buf) {
			rb.write = 0
			rb.wrapped = true
		}
		return n, nil
	}

	copy(rb.buf[rb.write:], p[:head])
	copy(rb.buf, p[head:])
	rb.write = n - head
	rb.wrapped = true
	return n, nil
}

// Bytes returns the buffered contents in chronological order.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.wrapped {
		out := make([]byte, rb.write)
		copy(out, rb.buf[:rb.write])
		return out
	}

	out := make([]byte, len(rb.buf))
	copy(out, rb.buf[rb.write:])
	copy(out[len(rb.buf)-rb.write:], rb.buf[:rb.write])
	return out
}

// DumpToFile writes the buffered log tail to path.
func (rb *RingBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, rb.Bytes(), 0o644)
}
