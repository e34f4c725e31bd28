// Package mixer implements N-way float32 PCM mixing: a ticker-driven pump
// thread reads every registered source once per tick, accumulates them into
// a single master buffer, applies the master effect chain, and hands the
// result to a Sink.
package mixer

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aurafx/mixcore/internal/audiosource"
	"github.com/aurafx/mixcore/internal/bufpool"
	"github.com/aurafx/mixcore/internal/config"
	"github.com/aurafx/mixcore/internal/effect"
	"github.com/aurafx/mixcore/internal/events"
)

// Sink is the consumer a Mixer pump thread feeds mixed audio to. A Sink
// must not block for more than the tick interval. The malgo backend
// implements it over its output ring buffer; the portaudio backend writes
// straight to its blocking stream.
type Sink interface {
	WriteMixed(buf []float32, frameCount int) (written int)
}

// driftChecker is the subset of syncgroup.Synchronizer the mixer drives
// from its own tick, kept as an interface so this package never imports
// syncgroup directly.
type driftChecker interface {
	AdvanceMasterClock(frameCount int)
	CheckAndResyncAllGroups(toleranceFrames int64)
	MasterSamplePosition() int64
}

// sourceEntry pairs a registered source with its per-source scratch buffer,
// reused every tick to avoid per-tick allocation. broken is set when the
// source panics during a read; a broken source is excluded from every
// subsequent tick until it is removed and re-added.
type sourceEntry struct {
	src     audiosource.Source
	scratch []float32
	broken  atomic.Bool
}

// Mixer owns the source registry and the pump thread. Registry mutation
// (AddSource/RemoveSource) is guarded by mu; the pump thread only ever takes
// a short-held read lock to snapshot the current source list, then mixes
// outside the lock. No lock is held while any source is being read.
type Mixer struct {
	cfg          config.AudioConfig
	logger       *slog.Logger
	bus          *events.Bus
	chain        *effect.Chain
	sink         Sink
	synchronizer driftChecker

	pool *bufpool.Pool

	mu      sync.RWMutex
	sources map[string]*sourceEntry

	// snapshot and chanMax are owned by the pump goroutine and reused
	// across ticks so the hot path stays allocation-free after the first
	// period.
	snapshot []*sourceEntry
	chanMax  []float32

	paused       atomic.Bool
	masterVolume atomic.Uint64 // math.Float64bits, default 1.0

	peak         atomic.Uint64   // math.Float64bits of current overall peak, decayed each tick
	channelPeaks []atomic.Uint64 // per-channel decayed peak for level metering
	peakDecay    float64

	driftCheckEveryNTicks int
	tickCount             atomic.Uint64

	totalFramesMixed atomic.Uint64
	totalUnderruns   atomic.Uint64

	stopped atomic.Bool
	done    chan struct{}
}

// New creates a Mixer that mixes into a buffer sized for one tick at cfg's
// configured frame count and channel count, writing the result to sink.
// synchronizer may be nil if no sync groups are in use.
func New(cfg config.AudioConfig, logger *slog.Logger, bus *events.Bus, chain *effect.Chain, sink Sink, synchronizer driftChecker) *Mixer {
	m := &Mixer{
		cfg:                   cfg,
		logger:                logger.With("subsystem", "mixer"),
		bus:                   bus,
		chain:                 chain,
		sink:                  sink,
		synchronizer:          synchronizer,
		pool:                  bufpool.New(cfg.FrameSize(), 8),
		sources:               make(map[string]*sourceEntry),
		peakDecay:             0.999,
		channelPeaks:          make([]atomic.Uint64, max(cfg.Channels, 1)),
		chanMax:               make([]float32, max(cfg.Channels, 1)),
		driftCheckEveryNTicks: 50,
	}
	m.masterVolume.Store(math.Float64bits(1.0))
	return m
}

// MasterVolume returns the current master output scale factor.
func (m *Mixer) MasterVolume() float64 {
	return math.Float64frombits(m.masterVolume.Load())
}

// SetMasterVolume sets the scale factor applied to the master buffer after
// the effect chain runs, before it reaches the sink.
func (m *Mixer) SetMasterVolume(v float64) {
	m.masterVolume.Store(math.Float64bits(v))
}

// Pause suspends mixing: the pump keeps ticking but produces nothing until
// Resume, so sources are not drained and the sink receives no buffers.
func (m *Mixer) Pause() {
	m.paused.Store(true)
}

// Resume continues mixing after a Pause.
func (m *Mixer) Resume() {
	m.paused.Store(false)
}

// AddMasterEffect appends a processor to the master effect chain.
func (m *Mixer) AddMasterEffect(p effect.Processor) {
	m.chain.Add(p)
}

// RemoveMasterEffect removes the master effect with the given ID, if
// present.
func (m *Mixer) RemoveMasterEffect(id string) bool {
	return m.chain.Remove(id)
}

// AddSource registers a source to be read every tick. Returns an error if a
// source with the same ID is already registered.
func (m *Mixer) AddSource(src audiosource.Source) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.sources[src.ID()]; exists {
		return fmt.Errorf("mixer: source %q already registered", src.ID())
	}
	m.sources[src.ID()] = &sourceEntry{
		src:     src,
		scratch: make([]float32, m.cfg.FrameSize()),
	}
	m.logger.Info("source added", "source_id", src.ID(), "total_sources", len(m.sources))
	return nil
}

// RemoveSource unregisters a source. Returns false if it was not found.
func (m *Mixer) RemoveSource(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.sources[id]; !exists {
		return false
	}
	delete(m.sources, id)
	m.logger.Info("source removed", "source_id", id, "total_sources", len(m.sources))
	return true
}

// SourceCount returns the number of currently registered sources.
func (m *Mixer) SourceCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sources)
}

// Peak returns the most recent decayed peak sample magnitude across the
// master bus, in [0, +inf), observed by the metering step.
func (m *Mixer) Peak() float64 {
	return math.Float64frombits(m.peak.Load())
}

// PeakChannels returns the most recent decayed peak magnitude for each
// output channel, indexed 0..Channels-1.
func (m *Mixer) PeakChannels() []float64 {
	out := make([]float64, len(m.channelPeaks))
	for i := range m.channelPeaks {
		out[i] = math.Float64frombits(m.channelPeaks[i].Load())
	}
	return out
}

// TotalFramesMixed returns the cumulative number of frames the pump thread
// has produced on the master bus since Start, for telemetry.
func (m *Mixer) TotalFramesMixed() uint64 {
	return m.totalFramesMixed.Load()
}

// TotalUnderruns returns the cumulative number of buffer periods in which
// the sink accepted fewer frames than were mixed, for telemetry. Source-side
// underruns are not counted here; sources report them only as
// BufferUnderrun events.
func (m *Mixer) TotalUnderruns() uint64 {
	return m.totalUnderruns.Load()
}

// Start begins the pump thread. It runs until the context is cancelled or
// Stop is called.
func (m *Mixer) Start(ctx context.Context) {
	m.done = make(chan struct{})
	go m.pump(ctx)
	m.logger.Info("mixer started", "simd_path", simdLevel())
}

// Stop signals the pump thread to exit and waits for it to finish.
func (m *Mixer) Stop() {
	m.stopped.Store(true)
	if m.done != nil {
		<-m.done
	}
	m.logger.Info("mixer stopped")
}

func (m *Mixer) tickInterval() time.Duration {
	return time.Second * time.Duration(m.cfg.BufferSizeFrames) / time.Duration(m.cfg.SampleRate)
}

func (m *Mixer) pump(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.tickInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if m.stopped.Load() {
				return
			}
			if m.paused.Load() {
				continue
			}
			m.tick()
		}
	}
}

// tick performs one mix cycle: read every source, accumulate into master,
// apply the master effect chain, meter, and hand off to the sink. A
// panicking or erroring source is isolated so it cannot take down the pump
// thread or starve other sources of their tick.
func (m *Mixer) tick() {
	m.mu.RLock()
	entries := m.snapshot[:0]
	for _, e := range m.sources {
		entries = append(entries, e)
	}
	m.mu.RUnlock()
	m.snapshot = entries

	master := m.pool.Rent()
	defer m.pool.Return(master)

	frameCount := m.cfg.BufferSizeFrames
	for _, e := range entries {
		if e.broken.Load() {
			continue
		}
		m.readSourceSafely(e, frameCount)
		accumulate(master, e.scratch)
	}

	m.chain.Apply(master, frameCount)

	volume := float32(m.MasterVolume())
	if volume != 1 {
		for i := range master {
			master[i] *= volume
		}
	}

	m.meter(master)

	m.totalFramesMixed.Add(uint64(frameCount))
	if written := m.sink.WriteMixed(master, frameCount); written < frameCount {
		m.totalUnderruns.Add(1)
		m.publishUnderrun(frameCount - written)
	}

	if m.synchronizer != nil {
		m.synchronizer.AdvanceMasterClock(frameCount)
		if m.tickCount.Add(1)%uint64(m.driftCheckEveryNTicks) == 0 {
			m.synchronizer.CheckAndResyncAllGroups(30)
		}
	}
}

// readSourceSafely reads one source's contribution into its scratch buffer,
// recovering from a panicking Source implementation and reporting it as a
// dropout rather than crashing the pump thread. The entry is marked broken
// so the pump skips it on every following tick.
func (m *Mixer) readSourceSafely(e *sourceEntry, frameCount int) {
	defer func() {
		if r := recover(); r != nil {
			for i := range e.scratch {
				e.scratch[i] = 0
			}
			e.broken.Store(true)
			m.logger.Error("source panicked during mix tick, excluding it", "source_id", e.src.ID(), "panic", r)
			m.publishDropout(e.src.ID(), fmt.Sprintf("panic: %v", r))
		}
	}()

	n := e.src.ReadSamples(e.scratch, frameCount)
	if n < frameCount {
		for i := n * m.cfg.Channels; i < len(e.scratch); i++ {
			e.scratch[i] = 0
		}
	}
}

func (m *Mixer) meter(master []float32) {
	var max float32
	channels := len(m.channelPeaks)
	chanMax := m.chanMax
	for c := range chanMax {
		chanMax[c] = 0
	}
	for i, s := range master {
		if s < 0 {
			s = -s
		}
		if s > max {
			max = s
		}
		if channels > 0 {
			c := i % channels
			if s > chanMax[c] {
				chanMax[c] = s
			}
		}
	}
	for c := 0; c < channels; c++ {
		prev := math.Float64frombits(m.channelPeaks[c].Load())
		next := prev * m.peakDecay
		if float64(chanMax[c]) > next {
			next = float64(chanMax[c])
		}
		m.channelPeaks[c].Store(math.Float64bits(next))
	}
	prev := math.Float64frombits(m.peak.Load())
	next := prev * m.peakDecay
	if float64(max) > next {
		next = float64(max)
	}
	m.peak.Store(math.Float64bits(next))
}

func (m *Mixer) publishUnderrun(missed int) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(events.Event{
		Kind:         events.BufferUnderrun,
		Timestamp:    time.Now(),
		MissedFrames: int64(missed),
	})
}

func (m *Mixer) publishDropout(sourceID, reason string) {
	if m.bus == nil {
		return
	}
	var masterPos int64
	if m.synchronizer != nil {
		masterPos = m.synchronizer.MasterSamplePosition()
	}
	var masterTS time.Duration
	if m.cfg.SampleRate > 0 {
		masterTS = time.Duration(float64(masterPos) / float64(m.cfg.SampleRate) * float64(time.Second))
	}
	m.bus.Publish(events.Event{
		Kind:                 events.TrackDropout,
		Timestamp:            time.Now(),
		TrackID:              sourceID,
		MasterTimestamp:      masterTS,
		MasterSamplePosition: masterPos,
		MissedFrames:         int64(m.cfg.BufferSizeFrames),
		DropoutReason:        reason,
	})
}
