// Package decoder defines the abstract decoder contract consumed by
// FileSource and the stream metadata it exposes. Concrete decoders
// (wavdecoder, flacdecoder) live in sibling packages and are pluggable
// external collaborators; the core never depends on a specific format.
package decoder

import "errors"

// ErrSeekBeyondEnd is returned by TrySeek when the requested position is
// past the stream's duration.
var ErrSeekBeyondEnd = errors.New("decoder: seek position beyond end of stream")

// StreamInfo describes a decoded stream's format, as reported by the
// decoder once the header has been parsed.
type StreamInfo struct {
	Channels   int
	SampleRate int
	Duration   float64 // seconds
	BitDepth   int
}

// Decoder is the decode contract the core consumes. ReadFrames decodes
// directly into the caller's buffer as interleaved Float32 samples; EOF is
// a normal return value, not an error.
type Decoder interface {
	StreamInfo() StreamInfo

	// ReadFrames decodes into buf, an interleaved Float32 buffer sized by
	// the caller to hold frameCount*Channels samples, and reports how many
	// whole frames were produced and whether the stream is exhausted.
	ReadFrames(buf []float32, frameCount int) (framesRead int, eof bool, err error)

	// TrySeek repositions the decoder to position (seconds). ok is false
	// if the decoder could not seek (e.g. non-seekable stream); err
	// distinguishes a real failure from "unsupported".
	TrySeek(positionSeconds float64) (ok bool, err error)

	Dispose() error
}
