package telemetry

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeMixer struct {
	sources      int
	peak         float64
	peakChannels []float64
	volume       float64
	frames       uint64
	underruns    uint64
}

func (f *fakeMixer) SourceCount() int         { return f.sources }
func (f *fakeMixer) Peak() float64            { return f.peak }
func (f *fakeMixer) PeakChannels() []float64  { return f.peakChannels }
func (f *fakeMixer) MasterVolume() float64    { return f.volume }
func (f *fakeMixer) TotalFramesMixed() uint64 { return f.frames }
func (f *fakeMixer) TotalUnderruns() uint64   { return f.underruns }

type fakeBus struct {
	subs    int
	dropped uint64
}

func (f *fakeBus) SubscriberCount() int { return f.subs }
func (f *fakeBus) Dropped() uint64      { return f.dropped }

func TestCollectorGathersMixerAndBusMetrics(t *testing.T) {
	m := &fakeMixer{sources: 2, peak: 0.75, peakChannels: []float64{0.5, 0.6}, volume: 1.0, frames: 1000, underruns: 3}
	b := &fakeBus{subs: 4, dropped: 1}
	c := NewCollector(m, b, time.Now())

	ch := make(chan prometheus.Metric, 32)
	c.Collect(ch)
	close(ch)

	// sources, peak, volume, frames, underruns, uptime, 2 event-bus gauges,
	// + 2 per-channel peaks.
	count := 0
	for range ch {
		count++
	}
	if want := 10; count != want {
		t.Fatalf("Collect emitted %d metrics, want %d", count, want)
	}
}

func TestCollectorSkipsNilProviders(t *testing.T) {
	c := NewCollector(nil, nil, time.Now())

	ch := make(chan prometheus.Metric, 8)
	c.Collect(ch)
	close(ch)

	count := 0
	for range ch {
		count++
	}
	if count != 1 {
		t.Fatalf("Collect with nil providers emitted %d metrics, want 1 (uptime only)", count)
	}
}

func TestChannelLabel(t *testing.T) {
	cases := map[int]string{0: "L", 1: "R", 2: "2", 7: "7"}
	for idx, want := range cases {
		if got := channelLabel(idx); got != want {
			t.Errorf("channelLabel(%d) = %q, want %q", idx, got, want)
		}
	}
}
