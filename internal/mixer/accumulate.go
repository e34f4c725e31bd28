package mixer

import (
	"github.com/klauspost/cpuid/v2"
	"github.com/tphakala/simd/f32"
)

// simdLevel is logged once at mixer startup so operators can confirm the
// accelerated accumulate path is active on a given host.
func simdLevel() string {
	switch {
	case cpuid.CPU.Supports(cpuid.AVX2):
		return "avx2"
	case cpuid.CPU.Supports(cpuid.SSE4):
		return "sse4"
	default:
		return "scalar"
	}
}

// accumulate adds src into dst in place: dst[i] += src[i]. Both slices must
// be the same length. This is the hot path the mixer pump runs once per
// active source per tick, so it delegates to simd's accelerated add rather
// than a hand-rolled loop.
func accumulate(dst, src []float32) {
	f32.Add(dst, dst, src)
}
