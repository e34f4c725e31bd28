// Package wavdecoder implements decoder.Decoder for PCM WAV files using
// go-audio/wav.
package wavdecoder

import (
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"

	"github.com/aurafx/mixcore/internal/decoder"
)

// Decoder decodes interleaved Float32 PCM frames from a WAV file.
type Decoder struct {
	file    *os.File
	dec     *wav.Decoder
	info    decoder.StreamInfo
	divisor float32
	intBuf  *audio.IntBuffer
}

// Open parses the WAV header at path and returns a ready-to-read Decoder.
func Open(path string) (*Decoder, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("wavdecoder: open %s: %w", path, err)
	}

	dec := wav.NewDecoder(f)
	dec.ReadInfo()
	if !dec.IsValidFile() {
		f.Close()
		return nil, fmt.Errorf("wavdecoder: %s is not a valid WAV file", path)
	}

	var divisor float32
	switch dec.BitDepth {
	case 8:
		divisor = 128.0
	case 16:
		divisor = 32768.0
	case 24:
		divisor = 8388608.0
	case 32:
		divisor = 2147483648.0
	default:
		f.Close()
		return nil, fmt.Errorf("wavdecoder: unsupported bit depth %d", dec.BitDepth)
	}

	duration, err := dec.Duration()
	if err != nil {
		duration = 0
	}

	channels := int(dec.NumChans)
	return &Decoder{
		file:    f,
		dec:     dec,
		divisor: divisor,
		info: decoder.StreamInfo{
			Channels:   channels,
			SampleRate: int(dec.SampleRate),
			Duration:   duration.Seconds(),
			BitDepth:   int(dec.BitDepth),
		},
		intBuf: &audio.IntBuffer{
			Format: &audio.Format{SampleRate: int(dec.SampleRate), NumChannels: channels},
		},
	}, nil
}

func (d *Decoder) StreamInfo() decoder.StreamInfo { return d.info }

// ReadFrames decodes up to frameCount frames into buf (a caller-owned,
// interleaved Float32 buffer of at least frameCount*Channels samples).
func (d *Decoder) ReadFrames(buf []float32, frameCount int) (framesRead int, eof bool, err error) {
	sampleCount := frameCount * d.info.Channels
	if sampleCount == 0 || len(buf) < sampleCount {
		return 0, false, nil
	}

	if cap(d.intBuf.Data) < sampleCount {
		d.intBuf.Data = make([]int, sampleCount)
	}
	d.intBuf.Data = d.intBuf.Data[:sampleCount]

	n, err := d.dec.PCMBuffer(d.intBuf)
	if err != nil {
		return 0, false, fmt.Errorf("wavdecoder: PCMBuffer: %w", err)
	}
	if n == 0 {
		return 0, true, nil
	}

	for i := 0; i < n; i++ {
		buf[i] = float32(d.intBuf.Data[i]) / d.divisor
	}

	framesRead = n / d.info.Channels
	return framesRead, n < sampleCount, nil
}

// TrySeek repositions the underlying WAV reader. go-audio/wav does not
// expose sample-accurate seeking on its Decoder, so only seek-to-start is
// supported; anything else reports ok=false rather than erroring, leaving
// the caller (FileSource) to decide how to handle an unsupported seek.
func (d *Decoder) TrySeek(positionSeconds float64) (bool, error) {
	if positionSeconds != 0 {
		return false, nil
	}
	if _, err := d.file.Seek(0, io.SeekStart); err != nil {
		return false, fmt.Errorf("wavdecoder: seek: %w", err)
	}
	d.dec = wav.NewDecoder(d.file)
	d.dec.ReadInfo()
	return true, nil
}

func (d *Decoder) Dispose() error {
	return d.file.Close()
}
