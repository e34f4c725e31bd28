package effect

import "github.com/aurafx/mixcore/internal/config"

// Gain is a minimal Processor implementation used by tests and as a
// reference for how a concrete effect wires up the contract. Real effects
// (reverb, EQ, compressor) are external collaborators.
type Gain struct {
	id, name string
	enabled  bool
	mix      float64
	factor   float64
}

// NewGain creates a gain processor that multiplies every sample by factor.
func NewGain(id string, factor float64) *Gain {
	return &Gain{id: id, name: "gain", enabled: true, mix: 1, factor: factor}
}

func (g *Gain) ID() string   { return g.id }
func (g *Gain) Name() string { return g.name }

func (g *Gain) Initialize(cfg config.AudioConfig) error { return nil }

func (g *Gain) Process(buf []float32, frameCount int) {
	factor := float32(g.factor)
	for i := range buf {
		buf[i] *= factor
	}
}

func (g *Gain) Reset() {}

func (g *Gain) Enabled() bool     { return g.enabled }
func (g *Gain) SetEnabled(e bool) { g.enabled = e }
func (g *Gain) Mix() float64      { return g.mix }
func (g *Gain) SetMix(m float64)  { g.mix = m }
