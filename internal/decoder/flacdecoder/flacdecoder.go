// Package flacdecoder implements decoder.Decoder for FLAC files using
// tphakala/flac, a maintained fork of mewkiz/flac.
package flacdecoder

import (
	"errors"
	"fmt"
	"io"

	"github.com/tphakala/flac"

	"github.com/aurafx/mixcore/internal/decoder"
)

// Decoder decodes interleaved Float32 PCM frames from a FLAC stream.
type Decoder struct {
	path    string
	stream  *flac.Stream
	info    decoder.StreamInfo
	divisor float32

	frameBuf   []int32 // leftover decoded samples not yet consumed, interleaved
	samplePos  uint64  // decoder-reported absolute sample position
	seekClosed bool    // not set by any method; TrySeek reopens the file with flac.ParseFile instead
}

// Open parses the FLAC stream headers at path and returns a ready-to-read
// Decoder.
func Open(path string) (*Decoder, error) {
	stream, err := flac.ParseFile(path)
	if err != nil {
		return nil, fmt.Errorf("flacdecoder: open %s: %w", path, err)
	}

	bitDepth := int(stream.Info.BitsPerSample)
	var divisor float32
	switch bitDepth {
	case 8:
		divisor = 128.0
	case 16:
		divisor = 32768.0
	case 24:
		divisor = 8388608.0
	case 32:
		divisor = 2147483648.0
	default:
		divisor = float32(int64(1) << uint(bitDepth-1))
	}

	channels := int(stream.Info.NChannels)
	sampleRate := int(stream.Info.SampleRate)
	var duration float64
	if stream.Info.NSamples > 0 && sampleRate > 0 {
		duration = float64(stream.Info.NSamples) / float64(sampleRate)
	}

	return &Decoder{
		path:    path,
		stream:  stream,
		divisor: divisor,
		info: decoder.StreamInfo{
			Channels:   channels,
			SampleRate: sampleRate,
			Duration:   duration,
			BitDepth:   bitDepth,
		},
	}, nil
}

func (d *Decoder) StreamInfo() decoder.StreamInfo { return d.info }

// ReadFrames decodes up to frameCount frames into buf. FLAC frames decode to
// a variable block size, so leftover samples from a larger block than the
// caller asked for are held in frameBuf across calls.
func (d *Decoder) ReadFrames(buf []float32, frameCount int) (framesRead int, eof bool, err error) {
	channels := d.info.Channels
	wantSamples := frameCount * channels

	for len(d.frameBuf) < wantSamples {
		frame, ferr := d.stream.ParseNext()
		if ferr != nil {
			if errors.Is(ferr, io.EOF) {
				break
			}
			return 0, false, fmt.Errorf("flacdecoder: ParseNext: %w", ferr)
		}
		blockSize := int(frame.BlockSize)
		for i := 0; i < blockSize; i++ {
			for ch := 0; ch < channels && ch < len(frame.Subframes); ch++ {
				d.frameBuf = append(d.frameBuf, frame.Subframes[ch].Samples[i])
			}
		}
		d.samplePos += uint64(blockSize)
	}

	n := len(d.frameBuf)
	if n > wantSamples {
		n = wantSamples
	}
	for i := 0; i < n; i++ {
		buf[i] = float32(d.frameBuf[i]) / d.divisor
	}
	d.frameBuf = d.frameBuf[n:]

	framesRead = n / channels
	eof = n < wantSamples
	return framesRead, eof, nil
}

// TrySeek reopens the stream and decodes forward from the start, since the
// underlying frame reader has no random-access seek. This makes seek an
// O(position) operation, acceptable for the occasional user-driven seek
// this core expects.
func (d *Decoder) TrySeek(positionSeconds float64) (bool, error) {
	if positionSeconds < 0 {
		return false, nil
	}

	if err := d.stream.Close(); err != nil {
		return false, fmt.Errorf("flacdecoder: close before reseek: %w", err)
	}
	stream, err := flac.ParseFile(d.path)
	if err != nil {
		return false, fmt.Errorf("flacdecoder: reopen for seek: %w", err)
	}
	d.stream = stream
	d.frameBuf = d.frameBuf[:0]
	d.samplePos = 0

	targetSample := uint64(positionSeconds * float64(d.info.SampleRate))
	channels := d.info.Channels
	for d.samplePos < targetSample {
		frame, ferr := d.stream.ParseNext()
		if ferr != nil {
			if errors.Is(ferr, io.EOF) {
				return false, decoder.ErrSeekBeyondEnd
			}
			return false, fmt.Errorf("flacdecoder: seek scan: %w", ferr)
		}
		blockSize := int(frame.BlockSize)
		if d.samplePos+uint64(blockSize) > targetSample {
			skip := targetSample - d.samplePos
			for i := int(skip); i < blockSize; i++ {
				for ch := 0; ch < channels && ch < len(frame.Subframes); ch++ {
					d.frameBuf = append(d.frameBuf, frame.Subframes[ch].Samples[i])
				}
			}
		}
		d.samplePos += uint64(blockSize)
	}

	return true, nil
}

func (d *Decoder) Dispose() error {
	return d.stream.Close()
}
