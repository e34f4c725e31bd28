// Package portaudio implements a second, alternative engine.Backend over
// gordonklaus/portaudio's buffer-bound Stream API, selected per platform
// at build time alongside internal/backend/malgo. Unlike malgo's
// callback-driven device, portaudio's buffer binding lets Send/Receive
// block directly on Stream.Write/Stream.Read, so no internal ring buffer
// is needed here; the blocking itself provides the backpressure.
package portaudio

import (
	"fmt"

	"github.com/gordonklaus/portaudio"

	"github.com/aurafx/mixcore/internal/config"
)

// Backend drives a single portaudio.Stream bound to fixed-size interleaved
// float32 buffers sized for one period.
type Backend struct {
	stream *portaudio.Stream
	outBuf []float32
	inBuf  []float32
	cfg    config.AudioConfig
}

// New creates an unopened Backend. Call Open to start the device.
func New() *Backend {
	return &Backend{}
}

// Open initializes PortAudio and opens a default stream with the
// appropriate input/output channel counts for cfg.
func (b *Backend) Open(cfg config.AudioConfig) error {
	b.cfg = cfg

	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("portaudio: initialize: %w", err)
	}

	numOut, numIn := 0, 0
	if cfg.EnableOutput {
		numOut = cfg.Channels
		b.outBuf = make([]float32, cfg.FrameSize())
	}
	if cfg.EnableInput {
		numIn = cfg.Channels
		b.inBuf = make([]float32, cfg.FrameSize())
	}

	stream, err := b.openStream(numIn, numOut)
	if err != nil {
		portaudio.Terminate()
		return err
	}
	b.stream = stream

	if err := b.stream.Start(); err != nil {
		b.stream.Close()
		portaudio.Terminate()
		return fmt.Errorf("portaudio: start stream: %w", err)
	}
	return nil
}

// openStream binds the appropriate combination of in/out buffers; the
// portaudio API's buffer-bound OpenDefaultStream overload is selected by
// which buffer arguments are present.
func (b *Backend) openStream(numIn, numOut int) (*portaudio.Stream, error) {
	sampleRate := float64(b.cfg.SampleRate)
	framesPerBuffer := b.cfg.BufferSizeFrames

	var (
		stream *portaudio.Stream
		err    error
	)
	switch {
	case numIn > 0 && numOut > 0:
		stream, err = portaudio.OpenDefaultStream(numIn, numOut, sampleRate, framesPerBuffer, b.inBuf, b.outBuf)
	case numOut > 0:
		stream, err = portaudio.OpenDefaultStream(0, numOut, sampleRate, framesPerBuffer, b.outBuf)
	case numIn > 0:
		stream, err = portaudio.OpenDefaultStream(numIn, 0, sampleRate, framesPerBuffer, b.inBuf)
	default:
		return nil, fmt.Errorf("portaudio: config enables neither input nor output")
	}
	if err != nil {
		return nil, fmt.Errorf("portaudio: open default stream: %w", err)
	}
	return stream, nil
}

// Send copies buf into the bound output buffer and writes one period to
// the device, blocking until the device accepts it.
func (b *Backend) Send(buf []float32) error {
	n := copy(b.outBuf, buf)
	for i := n; i < len(b.outBuf); i++ {
		b.outBuf[i] = 0
	}
	if err := b.stream.Write(); err != nil {
		return fmt.Errorf("portaudio: write: %w", err)
	}
	return nil
}

// Receive reads one period from the device into the bound input buffer,
// blocking until the device delivers it, then copies into buf.
func (b *Backend) Receive(buf []float32) (int, error) {
	if b.inBuf == nil {
		return 0, nil
	}
	if err := b.stream.Read(); err != nil {
		return 0, fmt.Errorf("portaudio: read: %w", err)
	}
	return copy(buf, b.inBuf), nil
}

// WriteMixed implements mixer.Sink directly over this backend, bypassing
// the Engine's send-side ring buffer.
func (b *Backend) WriteMixed(buf []float32, frameCount int) int {
	if err := b.Send(buf); err != nil {
		return 0
	}
	return frameCount
}

// Close stops and closes the stream and terminates the PortAudio library.
func (b *Backend) Close() error {
	if b.stream != nil {
		if err := b.stream.Stop(); err != nil {
			return fmt.Errorf("portaudio: stop: %w", err)
		}
		if err := b.stream.Close(); err != nil {
			return fmt.Errorf("portaudio: close stream: %w", err)
		}
	}
	return portaudio.Terminate()
}
