// Package engine wraps a blocking platform audio backend behind a
// non-blocking send/receive surface, so a caller (the mixer, or a UI
// control thread) never stalls on device I/O. Dedicated pump goroutines
// drain ring buffers into the backend and absorb its blocking calls.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aurafx/mixcore/internal/config"
	"github.com/aurafx/mixcore/internal/events"
	"github.com/aurafx/mixcore/internal/ringbuf"
)

// initTimeout bounds Engine.Initialize. Linux gets a longer allowance for
// ALSA/PulseAudio device negotiation; other platforms get the tighter
// default.
func initTimeout() time.Duration {
	if runtime.GOOS == "linux" {
		return 5 * time.Second
	}
	return 2 * time.Second
}

// stopTimeout bounds how long Stop waits for pump goroutines to exit
// before giving up and returning anyway.
const stopTimeout = 2 * time.Second

// Backend is the blocking platform audio collaborator an Engine wraps.
// Concrete implementations (internal/backend/malgo,
// internal/backend/portaudio) open a real device; Send/Receive are
// expected to block for the device's own period duration.
type Backend interface {
	Open(cfg config.AudioConfig) error
	Send(buf []float32) error
	Receive(buf []float32) (n int, err error)
	Close() error
}

// Engine decouples callers from the blocking backend: Send and Receive
// never block the caller; dedicated pump goroutines do the blocking
// platform calls.
type Engine struct {
	backend Backend
	cfg     config.AudioConfig
	logger  *slog.Logger
	bus     *events.Bus

	outRing *ringbuf.Ring
	inRing  *ringbuf.Ring

	outCtx    context.Context
	outCancel context.CancelFunc
	inCtx     context.Context
	inCancel  context.CancelFunc

	outDone chan struct{}
	inDone  chan struct{}

	mu      sync.Mutex
	started atomic.Bool
}

// New creates an Engine wrapping backend, with output/input ring buffers
// sized for ringBufferSizeSamples each.
func New(backend Backend, cfg config.AudioConfig, logger *slog.Logger, bus *events.Bus, ringBufferSizeSamples int) *Engine {
	return &Engine{
		backend: backend,
		cfg:     cfg,
		logger:  logger.With("subsystem", "engine"),
		bus:     bus,
		outRing: ringbuf.New(ringBufferSizeSamples),
		inRing:  ringbuf.New(ringBufferSizeSamples),
	}
}

// Initialize opens the backend device off the caller's goroutine and waits
// for completion, bounded by initTimeout.
func (e *Engine) Initialize() error {
	done := make(chan error, 1)
	go func() {
		done <- e.backend.Open(e.cfg)
	}()

	select {
	case err := <-done:
		if err != nil {
			e.publishError("engine initialize failed", err)
			return fmt.Errorf("engine: initialize: %w", err)
		}
		return nil
	case <-time.After(initTimeout()):
		e.publishError("engine initialize timed out", nil)
		return fmt.Errorf("engine: initialize timed out after %s", initTimeout())
	}
}

// Start launches the output pump goroutine, and the input pump goroutine
// if input is enabled in cfg.
func (e *Engine) Start() {
	if !e.started.CompareAndSwap(false, true) {
		return
	}

	e.mu.Lock()
	e.outCtx, e.outCancel = context.WithCancel(context.Background())
	e.outDone = make(chan struct{})
	e.mu.Unlock()
	go e.outputPump(e.outCtx, e.outDone)

	if e.cfg.EnableInput {
		e.mu.Lock()
		e.inCtx, e.inCancel = context.WithCancel(context.Background())
		e.inDone = make(chan struct{})
		e.mu.Unlock()
		go e.inputPump(e.inCtx, e.inDone)
	}

	e.logger.Info("engine started", "enable_input", e.cfg.EnableInput)
}

// Backend exposes the wrapped platform backend for components (the mixer's
// sink adapter) that explicitly want direct blocking send access, bypassing
// the extra ring-buffer hop.
func (e *Engine) Backend() Backend {
	return e.backend
}

// Send writes samples into the output ring buffer without blocking. The
// output pump drains them to the backend. Returns the number of samples
// actually accepted; a short write means the ring is full (an overrun the
// caller — typically the mixer's sink adapter — should count).
func (e *Engine) Send(buf []float32) int {
	return e.outRing.Write(buf)
}

// Receive copies up to len(buf) samples captured by the input pump out of
// the input ring buffer, without blocking.
func (e *Engine) Receive(buf []float32) int {
	return e.inRing.Read(buf)
}

func (e *Engine) outputPump(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("output pump panicked", "panic", r)
			e.publishError("output pump panicked", fmt.Errorf("panic: %v", r))
		}
	}()

	frameSize := e.cfg.FrameSize()
	chunk := make([]float32, frameSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n := e.outRing.Read(chunk)
		if n < frameSize {
			for i := n; i < frameSize; i++ {
				chunk[i] = 0
			}
		}

		if err := e.backend.Send(chunk); err != nil {
			e.logger.Error("backend send failed", "error", err)
			e.publishError("backend send failed", err)
			return
		}
	}
}

func (e *Engine) inputPump(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("input pump panicked", "panic", r)
			e.publishError("input pump panicked", fmt.Errorf("panic: %v", r))
		}
	}()

	frameSize := e.cfg.FrameSize()
	chunk := make([]float32, frameSize)

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, err := e.backend.Receive(chunk)
		if err != nil {
			e.logger.Error("backend receive failed", "error", err)
			e.publishError("backend receive failed", err)
			return
		}
		if n > 0 {
			e.inRing.Write(chunk[:n])
		}
	}
}

// Stop signals both pump goroutines to exit and waits up to stopTimeout
// for them to finish before giving up.
func (e *Engine) Stop() {
	if !e.started.CompareAndSwap(true, false) {
		return
	}

	e.mu.Lock()
	outCancel, outDone := e.outCancel, e.outDone
	inCancel, inDone := e.inCancel, e.inDone
	e.mu.Unlock()

	if outCancel != nil {
		outCancel()
	}
	if inCancel != nil {
		inCancel()
	}

	deadlineCtx, cancel := context.WithTimeout(context.Background(), stopTimeout)
	defer cancel()
	e.joinWithDeadline(outDone, deadlineCtx, "output pump")
	e.joinWithDeadline(inDone, deadlineCtx, "input pump")

	e.logger.Info("engine stopped")
}

func (e *Engine) joinWithDeadline(done chan struct{}, deadlineCtx context.Context, name string) {
	if done == nil {
		return
	}
	select {
	case <-done:
	case <-deadlineCtx.Done():
		e.logger.Warn("pump goroutine did not exit before stop timeout", "pump", name)
	}
}

// Dispose stops the engine (if running) and releases the backend device.
func (e *Engine) Dispose() error {
	e.Stop()
	if err := e.backend.Close(); err != nil {
		return fmt.Errorf("engine: dispose: %w", err)
	}
	return nil
}

func (e *Engine) publishError(message string, cause error) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(events.Event{
		Kind:      events.AudioError,
		Timestamp: time.Now(),
		Message:   message,
		Cause:     cause,
	})
}
