// Package malgo implements a cross-platform engine.Backend and mixer.Sink
// over gen2brain/malgo (a cgo binding to miniaudio). Playback and capture
// both run through the same device-callback pattern, one ring buffer per
// direction, so Engine's pump goroutines can Send/Receive without touching
// the callback thread directly.
package malgo

import (
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/gen2brain/malgo"

	"github.com/aurafx/mixcore/internal/config"
	"github.com/aurafx/mixcore/internal/ringbuf"
)

// writeRetryInterval bounds how often Send/Receive poll their ring buffer
// while waiting for space/data, mirroring filesource's writeRingBlocking.
const writeRetryInterval = time.Millisecond

// Backend drives a malgo playback device (and, if input is enabled, a
// capture device) through ring buffers, implementing engine.Backend.
type Backend struct {
	ctx *malgo.AllocatedContext

	playback *malgo.Device
	capture  *malgo.Device

	outRing *ringbuf.Ring
	inRing  *ringbuf.Ring

	// playbackBuf/captureBuf are allocated once in Open and reused by the
	// device callbacks, which run on the OS audio thread and must not
	// allocate per period.
	playbackBuf []float32
	captureBuf  []float32

	cfg config.AudioConfig
}

// New creates an unopened Backend. Call Open to acquire devices.
func New() *Backend {
	return &Backend{}
}

// Open initializes the malgo context and opens a playback device (and a
// capture device if cfg.EnableInput), with eight buffer periods of ring
// buffer headroom per direction.
func (b *Backend) Open(cfg config.AudioConfig) error {
	b.cfg = cfg

	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, nil)
	if err != nil {
		return fmt.Errorf("malgo: init context: %w", err)
	}
	b.ctx = ctx

	ringSize := cfg.FrameSize() * 8
	b.outRing = ringbuf.New(ringSize)

	if cfg.EnableOutput {
		if err := b.openPlayback(cfg); err != nil {
			b.ctx.Uninit()
			return err
		}
	}

	if cfg.EnableInput {
		b.inRing = ringbuf.New(ringSize)
		if err := b.openCapture(cfg); err != nil {
			if b.playback != nil {
				b.playback.Uninit()
			}
			b.ctx.Uninit()
			return err
		}
	}

	return nil
}

func (b *Backend) openPlayback(cfg config.AudioConfig) error {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Playback)
	deviceConfig.Playback.Format = malgo.FormatF32
	deviceConfig.Playback.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(cfg.BufferSizeFrames)

	b.playbackBuf = make([]float32, cfg.FrameSize())
	callbacks := malgo.DeviceCallbacks{
		Data: func(out, _ []byte, frameCount uint32) {
			want := int(frameCount) * cfg.Channels
			if want > len(b.playbackBuf) {
				// The device delivered a larger period than configured;
				// grow once and keep reusing.
				b.playbackBuf = make([]float32, want)
			}
			samples := b.playbackBuf[:want]
			n := b.outRing.Read(samples)
			for i := 0; i < n; i++ {
				binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(samples[i]))
			}
			for i := n; i < want; i++ {
				binary.LittleEndian.PutUint32(out[i*4:], 0)
			}
		},
	}

	device, err := malgo.InitDevice(b.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return fmt.Errorf("malgo: init playback device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("malgo: start playback device: %w", err)
	}
	b.playback = device
	return nil
}

func (b *Backend) openCapture(cfg config.AudioConfig) error {
	deviceConfig := malgo.DefaultDeviceConfig(malgo.Capture)
	deviceConfig.Capture.Format = malgo.FormatF32
	deviceConfig.Capture.Channels = uint32(cfg.Channels)
	deviceConfig.SampleRate = uint32(cfg.SampleRate)
	deviceConfig.PeriodSizeInFrames = uint32(cfg.BufferSizeFrames)

	b.captureBuf = make([]float32, cfg.FrameSize())
	callbacks := malgo.DeviceCallbacks{
		Data: func(_, in []byte, frameCount uint32) {
			want := int(frameCount) * cfg.Channels
			if want > len(b.captureBuf) {
				b.captureBuf = make([]float32, want)
			}
			samples := b.captureBuf[:want]
			for i := 0; i < want; i++ {
				samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(in[i*4:]))
			}
			b.inRing.Write(samples)
		},
	}

	device, err := malgo.InitDevice(b.ctx.Context, deviceConfig, callbacks)
	if err != nil {
		return fmt.Errorf("malgo: init capture device: %w", err)
	}
	if err := device.Start(); err != nil {
		device.Uninit()
		return fmt.Errorf("malgo: start capture device: %w", err)
	}
	b.capture = device
	return nil
}

// Send writes buf into the output ring, retrying with a short sleep while
// the ring has no free space, so the call blocks roughly at the device's
// own drain rate the way a real blocking device API would.
func (b *Backend) Send(buf []float32) error {
	remaining := buf
	for len(remaining) > 0 {
		n := b.outRing.Write(remaining)
		remaining = remaining[n:]
		if len(remaining) > 0 {
			time.Sleep(writeRetryInterval)
		}
	}
	return nil
}

// Receive drains up to len(buf) samples from the capture ring. It does not
// block beyond a handful of short retries if input is quiet, since capture
// naturally trickles in on the device's own schedule.
func (b *Backend) Receive(buf []float32) (int, error) {
	if b.inRing == nil {
		return 0, nil
	}
	const receiveRetries = 4
	for attempt := 0; attempt < receiveRetries; attempt++ {
		if n := b.inRing.Read(buf); n > 0 {
			return n, nil
		}
		time.Sleep(writeRetryInterval)
	}
	return b.inRing.Read(buf), nil
}

// WriteMixed implements mixer.Sink, letting the mixer pump write directly
// to this backend's output ring without going through Engine's own
// send-side ring buffer.
func (b *Backend) WriteMixed(buf []float32, frameCount int) int {
	if err := b.Send(buf); err != nil {
		return 0
	}
	return frameCount
}

// Close stops and releases both devices and the malgo context.
func (b *Backend) Close() error {
	if b.playback != nil {
		b.playback.Uninit()
	}
	if b.capture != nil {
		b.capture.Uninit()
	}
	if b.ctx != nil {
		return b.ctx.Uninit()
	}
	return nil
}
