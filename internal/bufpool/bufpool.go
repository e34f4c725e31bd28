// Package bufpool provides a fixed-size reusable float32 PCM buffer pool.
// It backs every zero-allocation buffer the mixer pump and decoder threads
// need per period: a capped free list that allocates past the cap rather
// than blocking or failing.
package bufpool

import "sync"

// Pool hands out fixed-size []float32 buffers. Rent returns a buffer from
// the free list if one is available, or allocates a new one if the pool is
// at capacity and all buffers are rented — rent never blocks and never
// fails. Return puts a buffer back on the free list, unless the list is
// already at maxPoolSize, in which case it is dropped for the GC to collect.
//
// Pool is safe for concurrent Rent/Return from any number of goroutines.
type Pool struct {
	size        int
	maxPoolSize int

	mu   sync.Mutex
	free [][]float32
}

// New creates a pool of buffers of the given size (samples), holding at
// most maxPoolSize free buffers at a time.
func New(size, maxPoolSize int) *Pool {
	if size <= 0 {
		size = 1
	}
	if maxPoolSize <= 0 {
		maxPoolSize = 1
	}
	return &Pool{
		size:        size,
		maxPoolSize: maxPoolSize,
	}
}

// Size returns the fixed buffer size this pool manages.
func (p *Pool) Size() int {
	return p.size
}

// Rent returns a buffer of Size() samples, zeroed. It reuses a free buffer
// if one exists, otherwise allocates a new one. Never blocks, never fails.
func (p *Pool) Rent() []float32 {
	p.mu.Lock()
	n := len(p.free)
	if n == 0 {
		p.mu.Unlock()
		return make([]float32, p.size)
	}
	buf := p.free[n-1]
	p.free = p.free[:n-1]
	p.mu.Unlock()

	for i := range buf {
		buf[i] = 0
	}
	return buf
}

// Return gives a buffer back to the pool for reuse. Returning a buffer of
// the wrong size is an invariant violation and panics.
func (p *Pool) Return(buf []float32) {
	if len(buf) != p.size {
		panic("bufpool: returned buffer has wrong size")
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.free) >= p.maxPoolSize {
		return // let the GC reclaim it
	}
	p.free = append(p.free, buf)
}

// FreeCount returns the number of buffers currently sitting in the pool,
// for diagnostics/tests.
func (p *Pool) FreeCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.free)
}
