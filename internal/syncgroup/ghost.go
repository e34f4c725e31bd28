package syncgroup

import "sync/atomic"

// ghostTrack is the silent master clock a SyncGroup advances alongside its
// members. It never produces audio; it only tracks a frame position and
// play state so drift checks have something stable to compare members
// against.
type ghostTrack struct {
	frame  atomic.Int64
	tempo  atomic.Uint64 // math.Float64bits
	length atomic.Int64  // frames, resized to max(member.duration)

	playing atomic.Bool
}

func newGhostTrack() *ghostTrack {
	g := &ghostTrack{}
	g.tempo.Store(floatBits(1.0))
	return g
}

func (g *ghostTrack) seek(frame int64) {
	g.frame.Store(frame)
}

func (g *ghostTrack) currentFrame() int64 {
	return g.frame.Load()
}

func (g *ghostTrack) setPlaying(playing bool) {
	g.playing.Store(playing)
}

func (g *ghostTrack) setTempo(tempo float64) {
	g.tempo.Store(floatBits(tempo))
}

func (g *ghostTrack) setLength(frames int64) {
	g.length.Store(frames)
}

// advance moves the ghost forward by frameCount frames, scaled by the
// current tempo, whenever it is playing. The Synchronizer drives this from
// the same tick the mixer runs on.
func (g *ghostTrack) advance(frameCount int) {
	if !g.playing.Load() {
		return
	}
	tempo := floatFromBits(g.tempo.Load())
	g.frame.Add(int64(float64(frameCount) * tempo))
}
