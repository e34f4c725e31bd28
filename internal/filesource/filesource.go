// Package filesource implements a decoder-thread-backed audio source: it
// asynchronously decodes a file into a ring buffer, optionally
// time-stretches for tempo/pitch, and serves non-blocking reads to the
// mixer. A dedicated goroutine per source does the decoding, with context
// cancellation for shutdown.
package filesource

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aurafx/mixcore/internal/audiosource"
	"github.com/aurafx/mixcore/internal/bufpool"
	"github.com/aurafx/mixcore/internal/config"
	"github.com/aurafx/mixcore/internal/decoder"
	"github.com/aurafx/mixcore/internal/events"
	"github.com/aurafx/mixcore/internal/ringbuf"
	"github.com/aurafx/mixcore/internal/timestretch"
)

// prebufferWait bounds how long Play blocks waiting for the ring buffer to
// partially fill before returning.
const prebufferWait = 200 * time.Millisecond

// underrunThresholdFrames is the ring-buffer fill level (in frames) the
// decoder goroutine must reach before it releases Play's prebuffer wait.
// ReadSamples emits a BufferUnderrun event on any read the ring cannot
// fully satisfy, independent of this value.
const underrunThresholdFrames = 64

// FileSource decodes path on a dedicated goroutine into a ring buffer and
// serves ReadSamples calls from the mixer thread without ever blocking on
// I/O itself.
type FileSource struct {
	id      string
	path    string
	dec     decoder.Decoder
	cfg     config.AudioConfig
	logger  *slog.Logger
	bus     *events.Bus
	pool    *bufpool.Pool
	stretch timestretch.Stretcher

	ring *ringbuf.Ring

	state     atomic.Int32 // audiosource.State
	gateOpen  atomic.Bool
	buffering atomic.Bool // transient, event-observed only, never stored in state

	volume atomic.Uint64 // math.Float64bits
	tempo  atomic.Uint64
	pitch  atomic.Uint64

	framesDrained atomic.Int64 // total frames delivered through read_samples while gate open
	duration      float64
	endOfStream   atomic.Bool

	mu          sync.Mutex
	decodeCtx   context.Context
	decodeStop  context.CancelFunc
	decodeDone  chan struct{}
	prebuffered chan struct{}
}

// New creates a FileSource that reads dec, already producing audio at
// cfg's sample rate and channel count, into a ring buffer sized
// ringBufferSizeSamples.
func New(id, path string, dec decoder.Decoder, cfg config.AudioConfig, ringBufferSizeSamples int, logger *slog.Logger, bus *events.Bus) *FileSource {
	info := dec.StreamInfo()
	fs := &FileSource{
		id:       id,
		path:     path,
		dec:      dec,
		cfg:      cfg,
		logger:   logger.With("subsystem", "filesource", "source_id", id),
		bus:      bus,
		pool:     bufpool.New(cfg.FrameSize(), 4),
		stretch:  timestretch.NewNoop(),
		ring:     ringbuf.New(ringBufferSizeSamples),
		duration: info.Duration,
	}
	fs.volume.Store(floatBits(1.0))
	fs.tempo.Store(floatBits(1.0))
	fs.pitch.Store(floatBits(0.0))
	fs.state.Store(int32(audiosource.Idle))
	// The gate starts open so an ungrouped source plays normally; only the
	// Synchronizer closes it, during a synchronized start.
	fs.gateOpen.Store(true)
	return fs
}

func (fs *FileSource) ID() string { return fs.id }

func (fs *FileSource) Config() config.AudioConfig { return fs.cfg }

func (fs *FileSource) State() audiosource.State {
	return audiosource.State(fs.state.Load())
}

func (fs *FileSource) DurationSeconds() float64 { return fs.duration }

func (fs *FileSource) PositionSeconds() float64 {
	frames := fs.framesDrained.Load()
	if fs.cfg.SampleRate == 0 {
		return 0
	}
	return float64(frames) / float64(fs.cfg.SampleRate)
}

func (fs *FileSource) IsEndOfStream() bool { return fs.endOfStream.Load() }

func (fs *FileSource) Volume() float64         { return floatFromBits(fs.volume.Load()) }
func (fs *FileSource) SetVolume(v float64)     { fs.volume.Store(floatBits(v)) }
func (fs *FileSource) Tempo() float64          { return floatFromBits(fs.tempo.Load()) }
func (fs *FileSource) PitchSemitones() float64 { return floatFromBits(fs.pitch.Load()) }

func (fs *FileSource) SetTempo(t float64) {
	fs.tempo.Store(floatBits(t))
	fs.stretch.SetTempo(t)
}

func (fs *FileSource) SetPitchSemitones(p float64) {
	fs.pitch.Store(floatBits(p))
	fs.stretch.SetPitchSemitones(p)
}

// setState transitions the source's state and publishes a StateChanged
// event when the state actually changed.
func (fs *FileSource) setState(next audiosource.State) {
	prev := audiosource.State(fs.state.Swap(int32(next)))
	if prev == next || fs.bus == nil {
		return
	}
	fs.bus.Publish(events.Event{
		Kind:      events.StateChanged,
		Timestamp: time.Now(),
		OldState:  prev.String(),
		NewState:  next.String(),
	})
}

// SetSyncGate is the sole allowed mutator of the gate; only the
// Synchronizer is expected to call it.
func (fs *FileSource) SetSyncGate(open bool) {
	fs.gateOpen.Store(open)
}

// ResyncTo snaps this source to an absolute master-clock frame position by
// issuing a blocking seek on the caller's goroutine. The Synchronizer only
// calls this from its own drift-check goroutine, never from the mixer's
// read path.
func (fs *FileSource) ResyncTo(frame int64) error {
	positionSeconds := float64(frame) / float64(fs.cfg.SampleRate)
	_, err := fs.Seek(context.Background(), positionSeconds)
	return err
}

// Play transitions to Playing, starts the decoder goroutine if not already
// running, and blocks up to prebufferWait for a partial fill.
func (fs *FileSource) Play() error {
	fs.mu.Lock()
	if fs.decodeDone != nil {
		fs.mu.Unlock()
		fs.setState(audiosource.Playing)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	fs.decodeCtx = ctx
	fs.decodeStop = cancel
	fs.decodeDone = make(chan struct{})
	fs.prebuffered = make(chan struct{})
	fs.setState(audiosource.Playing)
	fs.endOfStream.Store(false)
	done := fs.decodeDone
	prebuffered := fs.prebuffered
	fs.mu.Unlock()

	go fs.decodeLoop(ctx, done, prebuffered)

	select {
	case <-prebuffered:
	case <-time.After(prebufferWait):
		fs.logger.Warn("prebuffer wait timed out, starting with partial fill")
	case <-done:
	}
	return nil
}

func (fs *FileSource) Pause() error {
	fs.setState(audiosource.Paused)
	return nil
}

// Stop halts the decoder goroutine and returns to Idle.
func (fs *FileSource) Stop() error {
	fs.mu.Lock()
	cancel := fs.decodeStop
	done := fs.decodeDone
	fs.decodeDone = nil
	fs.decodeStop = nil
	fs.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
	fs.setState(audiosource.Idle)
	fs.ring.Clear()
	return nil
}

// Seek closes the gate, stops the decoder feed, clears the ring buffer,
// repositions the decoder, and restarts decoding. The gate's prior state is
// restored afterwards: a gate the Synchronizer closed for a synchronized
// start stays closed until the Synchronizer reopens it, while an ungrouped
// source's seek resumes audible playback on its own. Must not be called
// from the mixer's read path since decoder.TrySeek may block.
func (fs *FileSource) Seek(ctx context.Context, positionSeconds float64) (bool, error) {
	wasOpen := fs.gateOpen.Swap(false)
	if err := fs.Stop(); err != nil {
		return false, err
	}

	ok, err := fs.dec.TrySeek(positionSeconds)
	if err != nil {
		fs.setState(audiosource.Error)
		return false, fmt.Errorf("filesource: seek: %w", err)
	}
	if !ok {
		fs.gateOpen.Store(wasOpen)
		return false, nil
	}

	fs.framesDrained.Store(int64(positionSeconds * float64(fs.cfg.SampleRate)))
	fs.stretch.Reset()

	if err := fs.Play(); err != nil {
		return false, err
	}
	fs.gateOpen.Store(wasOpen)
	return true, nil
}

// ReadSamples is called only by the mixer thread and never blocks. A closed
// gate or a non-Playing state both yield pure silence without consuming from
// the ring buffer or advancing the position, so a paused or gated source
// resumes exactly where it left off.
func (fs *FileSource) ReadSamples(out []float32, frameCount int) int {
	want := frameCount * fs.cfg.Channels

	if !fs.gateOpen.Load() || audiosource.State(fs.state.Load()) != audiosource.Playing {
		for i := 0; i < want && i < len(out); i++ {
			out[i] = 0
		}
		return frameCount
	}

	n := fs.ring.Read(out[:want])
	if n < want {
		for i := n; i < want; i++ {
			out[i] = 0
		}
		fs.publishUnderrun(frameCount - n/fs.cfg.Channels)
		if !fs.endOfStream.Load() && !fs.buffering.Swap(true) {
			fs.publishTransientState(audiosource.Playing, audiosource.Buffering)
		}
	} else if fs.buffering.Swap(false) {
		fs.publishTransientState(audiosource.Buffering, audiosource.Playing)
	}

	volume := float32(fs.Volume())
	if volume != 1 {
		for i := range out[:want] {
			out[i] *= volume
		}
	}

	fs.framesDrained.Add(int64(n / fs.cfg.Channels))
	return frameCount
}

// publishTransientState reports a state observed on the read path without
// touching the stored state machine; Buffering is never a terminal state.
func (fs *FileSource) publishTransientState(from, to audiosource.State) {
	if fs.bus == nil {
		return
	}
	fs.bus.Publish(events.Event{
		Kind:      events.StateChanged,
		Timestamp: time.Now(),
		OldState:  from.String(),
		NewState:  to.String(),
	})
}

func (fs *FileSource) publishUnderrun(missed int) {
	if fs.bus == nil {
		return
	}
	fs.bus.Publish(events.Event{
		Kind:          events.BufferUnderrun,
		Timestamp:     time.Now(),
		MissedFrames:  int64(missed),
		FramePosition: fs.framesDrained.Load(),
	})
}

// decodeLoop runs on its own goroutine for the lifetime of one Play/Stop
// cycle: it decodes frames, runs them through the active time-stretcher,
// and writes the result into the ring buffer, blocking briefly when the
// ring is full.
func (fs *FileSource) decodeLoop(ctx context.Context, done chan struct{}, prebuffered chan struct{}) {
	defer close(done)
	defer func() {
		if r := recover(); r != nil {
			fs.logger.Error("decoder goroutine panicked", "panic", r)
			fs.setState(audiosource.Error)
			fs.publishAudioError(fmt.Errorf("decoder panic: %v", r))
		}
	}()

	decodeBuf := fs.pool.Rent()
	defer fs.pool.Return(decodeBuf)
	stretchOut := make([]float32, len(decodeBuf))

	signaledPrebuffer := false
	minPrebufferSamples := underrunThresholdFrames * fs.cfg.Channels

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if audiosource.State(fs.state.Load()) == audiosource.Paused {
			time.Sleep(5 * time.Millisecond)
			continue
		}

		framesRead, eof, err := fs.dec.ReadFrames(decodeBuf, fs.cfg.BufferSizeFrames)
		if err != nil {
			fs.logger.Error("decode error", "error", err)
			fs.setState(audiosource.Error)
			fs.publishAudioError(err)
			return
		}

		samplesRead := framesRead * fs.cfg.Channels
		fs.stretch.Put(decodeBuf[:samplesRead])

		for {
			n := fs.stretch.Receive(stretchOut)
			if n == 0 {
				break
			}
			fs.writeRingBlocking(ctx, stretchOut[:n])
		}

		if !signaledPrebuffer && fs.ring.Available() >= minPrebufferSamples {
			close(prebuffered)
			signaledPrebuffer = true
		}

		if eof {
			n := fs.stretch.Flush(stretchOut)
			if n > 0 {
				fs.writeRingBlocking(ctx, stretchOut[:n])
			}
			fs.endOfStream.Store(true)
			if !signaledPrebuffer {
				close(prebuffered)
			}
			return
		}
	}
}

// writeRingBlocking retries a ring write with a short sleep while the ring
// is full, bounded by ctx cancellation, so a fast decoder cannot spin a
// full CPU core waiting for the mixer to drain.
func (fs *FileSource) writeRingBlocking(ctx context.Context, samples []float32) {
	for len(samples) > 0 {
		select {
		case <-ctx.Done():
			return
		default:
		}
		n := fs.ring.Write(samples)
		samples = samples[n:]
		if len(samples) > 0 {
			time.Sleep(time.Millisecond)
		}
	}
}

func (fs *FileSource) publishAudioError(err error) {
	if fs.bus == nil {
		return
	}
	fs.bus.Publish(events.Event{
		Kind:      events.AudioError,
		Timestamp: time.Now(),
		Message:   "decoder error",
		Cause:     err,
	})
}
