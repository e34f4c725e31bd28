// Package ringbuf implements a wait-free single-producer/single-consumer
// float32 ring buffer for cross-thread sample handoff. It is the one
// synchronization primitive shared by every adjacent pair of threads in the
// mixing pipeline: decoder → source, source → mixer, mixer → sink.
package ringbuf

import "sync/atomic"

// Ring is a fixed-capacity SPSC ring buffer of float32 samples.
//
// The writer must only ever be called from one goroutine; the reader from
// one (possibly different) goroutine. Any other use requires external
// synchronization. head/tail are monotonically increasing counters (not
// wrapped), so available/free-space arithmetic never has to special-case
// a full-vs-empty ambiguity; indices into buf are taken mod capacity.
//
// Memory ordering: Write stores samples into buf before it advances tail
// with a release (atomic store); Read loads tail with acquire semantics
// before touching buf, and the reverse holds for head. Go's atomic package
// provides sequential consistency for the loads/stores themselves, and the
// happens-before edge between the data write and the index store is what
// guarantees a reader never observes a partially written sample.
type Ring struct {
	buf      []float32
	capacity uint64
	mask     uint64

	// head is the next write position (producer-owned).
	head atomic.Uint64
	// tail is the next read position (consumer-owned).
	tail atomic.Uint64
}

// New creates a ring buffer with room for capacity samples. capacity is
// rounded up to the next power of two so index wrapping reduces to a mask.
func New(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	size := nextPow2(uint64(capacity))
	return &Ring{
		buf:      make([]float32, size),
		capacity: size,
		mask:     size - 1,
	}
}

func nextPow2(n uint64) uint64 {
	if n <= 1 {
		return 1
	}
	p := uint64(1)
	for p < n {
		p <<= 1
	}
	return p
}

// Capacity returns the number of samples the ring can hold.
func (r *Ring) Capacity() int {
	return int(r.capacity)
}

// Available returns the number of samples ready to be read.
func (r *Ring) Available() int {
	head := r.head.Load()
	tail := r.tail.Load()
	return int(head - tail)
}

// FreeSpace returns the number of samples that can be written without
// overwriting unread data.
func (r *Ring) FreeSpace() int {
	return int(r.capacity) - r.Available()
}

// Write copies up to min(len(src), FreeSpace()) samples into the ring and
// returns the number actually written. Safe to call only from the single
// producer goroutine.
func (r *Ring) Write(src []float32) int {
	head := r.head.Load()
	tail := r.tail.Load()
	free := int(r.capacity) - int(head-tail)

	n := len(src)
	if n > free {
		n = free
	}
	if n <= 0 {
		return 0
	}

	for i := 0; i < n; i++ {
		r.buf[(head+uint64(i))&r.mask] = src[i]
	}

	// Release: make the sample writes visible before advancing head.
	r.head.Store(head + uint64(n))
	return n
}

// Read copies up to min(len(dst), Available()) samples out of the ring and
// advances the read position. Safe to call only from the single consumer
// goroutine.
func (r *Ring) Read(dst []float32) int {
	n := r.peekAt(dst, r.tail.Load())
	if n > 0 {
		r.tail.Add(uint64(n))
	}
	return n
}

// Peek copies up to min(len(dst), Available()) samples without advancing
// the read position. Used for level metering.
func (r *Ring) Peek(dst []float32) int {
	return r.peekAt(dst, r.tail.Load())
}

func (r *Ring) peekAt(dst []float32, tail uint64) int {
	head := r.head.Load()
	avail := int(head - tail)

	n := len(dst)
	if n > avail {
		n = avail
	}
	if n <= 0 {
		return 0
	}

	for i := 0; i < n; i++ {
		dst[i] = r.buf[(tail+uint64(i))&r.mask]
	}
	return n
}

// Clear drops all buffered samples. Only safe to call when one side (or
// both) is quiesced, e.g. during a seek while the decoder thread is paused.
func (r *Ring) Clear() {
	r.tail.Store(r.head.Load())
}
