// Package audiosource defines the abstract audio source contract consumed
// by the mixer and synchronizer: sample reads, transport control, and the
// optional capability interfaces a source may implement.
package audiosource

import (
	"context"

	"github.com/aurafx/mixcore/internal/config"
)

// State is a source's lifecycle state.
type State int32

const (
	Idle State = iota
	Playing
	Paused
	Buffering // transient, observed via events, never the terminal state
	Error
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Playing:
		return "Playing"
	case Paused:
		return "Paused"
	case Buffering:
		return "Buffering"
	case Error:
		return "Error"
	default:
		return "Unknown"
	}
}

// Source is the abstract contract every audio producer in the pipeline
// implements. ReadSamples is called only by the mixer thread and must never
// block on I/O; Seek may block and must never be called from the mixer
// thread.
type Source interface {
	// ID returns this source's opaque identity.
	ID() string

	// ReadSamples fills out (frameCount*Channels samples) and returns the
	// number of frames actually produced. On underrun the unread tail is
	// silence and the full frameCount is still returned to the caller.
	ReadSamples(out []float32, frameCount int) (framesRead int)

	Play() error
	Pause() error
	Stop() error

	// Seek may block on decoder repositioning; must not be called from the
	// mixer's read path.
	Seek(ctx context.Context, positionSeconds float64) (bool, error)

	State() State
	PositionSeconds() float64
	DurationSeconds() float64
	IsEndOfStream() bool
	Config() config.AudioConfig

	Volume() float64
	SetVolume(v float64)
	Tempo() float64
	SetTempo(t float64)
	PitchSemitones() float64
	SetPitchSemitones(p float64)
}

// Resyncable is the capability a source exposes if the Synchronizer may
// command it to snap to an absolute master-clock frame position. Sources
// that cannot reposition simply do not implement it.
type Resyncable interface {
	// ResyncTo adjusts the source's internal position so its next
	// ReadSamples call resumes at frame (in the source's own sample rate).
	ResyncTo(frame int64) error
}

// Gateable is the capability a source exposes if it supports the sync gate
// used for atomic multi-source start. Only decoder-thread-backed sources
// implement it; a ghost track does not need one since it never produces
// audio.
type Gateable interface {
	SetSyncGate(open bool)
}
