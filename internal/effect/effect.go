// Package effect defines the in-place audio effect processor contract and
// an ordered chain that applies processors sequentially, skipping disabled
// ones. Heterogeneous effects sit behind one small interface rather than a
// type hierarchy.
package effect

import (
	"sync"

	"github.com/aurafx/mixcore/internal/config"
)

// Processor is the contract every in-place audio effect implements.
// Implementations must not allocate in Process after Initialize returns.
type Processor interface {
	ID() string
	Name() string

	// Initialize allocates internal buffers sized by the config's buffer
	// size and channel count. Must be called exactly once before Process.
	Initialize(cfg config.AudioConfig) error

	// Process modifies buf in place. len(buf) == frameCount * cfg.Channels.
	Process(buf []float32, frameCount int)

	// Reset clears delay lines / internal state without reallocating.
	Reset()

	Enabled() bool
	SetEnabled(bool)

	// Mix is the wet/dry blend in [0,1]. If a processor doesn't support
	// blending it may ignore Mix; the chain itself never blends, each
	// processor is responsible for its own mix.
	Mix() float64
	SetMix(float64)
}

// Chain applies a sequence of Processors in insertion order, skipping
// disabled ones. Structural modification (Add/Remove) is guarded by a lock
// that is never held during Apply.
type Chain struct {
	mu         sync.Mutex
	processors []Processor
}

// NewChain creates an empty effect chain.
func NewChain() *Chain {
	return &Chain{}
}

// Add appends a processor to the end of the chain.
func (c *Chain) Add(p Processor) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.processors = append(c.processors, p)
}

// Remove removes the processor with the given ID, if present. Returns true
// if a processor was removed. The replacement slice is freshly built so a
// snapshot handed to a concurrent Apply is never mutated underneath it.
func (c *Chain) Remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, p := range c.processors {
		if p.ID() == id {
			next := make([]Processor, 0, len(c.processors)-1)
			next = append(next, c.processors[:i]...)
			next = append(next, c.processors[i+1:]...)
			c.processors = next
			return true
		}
	}
	return false
}

// Len returns the number of processors currently in the chain.
func (c *Chain) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.processors)
}

// snapshot returns the current processor slice under lock. The returned
// slice must be treated as read-only by the caller. Structural changes
// never touch an already-returned snapshot's elements: Remove installs a
// freshly built slice and Add only ever appends past the end of any older
// snapshot's length, so reading a snapshot concurrently with either is
// safe.
func (c *Chain) snapshot() []Processor {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.processors
}

// Apply runs every enabled processor over buf in chain order. Called on the
// mixer pump thread; must never acquire the structural lock for longer than
// the snapshot read, per the "no lock held while mixing" invariant.
func (c *Chain) Apply(buf []float32, frameCount int) {
	for _, p := range c.snapshot() {
		if !p.Enabled() {
			continue
		}
		p.Process(buf, frameCount)
	}
}

// ResetAll clears state on every processor in the chain, e.g. after a seek.
func (c *Chain) ResetAll() {
	for _, p := range c.snapshot() {
		p.Reset()
	}
}
