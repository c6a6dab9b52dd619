package udp

import (
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// ErrBufferFull is returned when a write does not fit in the ring buffer.
var ErrBufferFull = errors.New("voice buffer is full")

// RingBuffer is a fixed-capacity byte ring. Writers are serialized by a mutex;
// the single reader never locks.
type RingBuffer struct {
	buf []byte
	mu  sync.Mutex

	// read and write are absolute positions; write-read is the length.
	read  atomic.Uint64
	write atomic.Uint64
}

// NewRingBuffer allocates a ring buffer holding capacity bytes.
func NewRingBuffer(capacity int) *RingBuffer {
	return &RingBuffer{buf: make([]byte, capacity)}
}

// Cap returns the capacity.
func (r *RingBuffer) Cap() int { return len(r.buf) }

// Len returns the number of buffered bytes.
func (r *RingBuffer) Len() int {
	// Load write first so a concurrent read can only make the result smaller.
	// A Write followed by a Clear between the two loads moves read past the
	// loaded write, so the difference is clamped.
	w := r.write.Load()
	rd := r.read.Load()
	if rd >= w {
		return 0
	}
	if n := w - rd; n < uint64(len(r.buf)) {
		return int(n)
	}
	return len(r.buf)
}

// Free returns the number of bytes that can be written.
func (r *RingBuffer) Free() int { return len(r.buf) - r.Len() }

// Write copies all of p into the buffer or nothing at all.
func (r *RingBuffer) Write(p []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(p) > r.Free() {
		return ErrBufferFull
	}

	w := r.write.Load()
	start := int(w % uint64(len(r.buf)))

	n := copy(r.buf[start:], p)
	copy(r.buf, p[n:])

	r.write.Store(w + uint64(len(p)))
	return nil
}

// ReadFrame fills dst with exactly len(dst) bytes. If fewer bytes are
// buffered, nothing is read unless partial is set, in which case the residue
// is read and dst is padded with zeroes. It returns the number of buffered
// bytes consumed; 0 means dst is untouched.
func (r *RingBuffer) ReadFrame(dst []byte, partial bool) int {
	rd := r.read.Load()
	avail := int(r.write.Load() - rd)

	n := len(dst)
	if avail < n {
		if !partial || avail == 0 {
			return 0
		}
		n = avail
	}

	start := int(rd % uint64(len(r.buf)))
	c := copy(dst[:n], r.buf[start:])
	copy(dst[c:n], r.buf)

	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}

	// A concurrent Clear invalidates what was just copied.
	if !r.read.CompareAndSwap(rd, rd+uint64(n)) {
		return 0
	}

	return n
}

// Clear discards all buffered bytes.
func (r *RingBuffer) Clear() {
	r.mu.Lock()
	r.read.Store(r.write.Load())
	r.mu.Unlock()
}
