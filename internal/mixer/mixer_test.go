package mixer

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/aurafx/mixcore/internal/audiosource"
	"github.com/aurafx/mixcore/internal/config"
	"github.com/aurafx/mixcore/internal/effect"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type constSource struct {
	id    string
	value float32
}

func (s *constSource) ID() string { return s.id }
func (s *constSource) ReadSamples(out []float32, frameCount int) int {
	for i := range out {
		out[i] = s.value
	}
	return frameCount
}
func (s *constSource) Play() error                                 { return nil }
func (s *constSource) Pause() error                                { return nil }
func (s *constSource) Stop() error                                 { return nil }
func (s *constSource) Seek(context.Context, float64) (bool, error) { return true, nil }
func (s *constSource) State() audiosource.State                    { return audiosource.Playing }
func (s *constSource) PositionSeconds() float64                    { return 0 }
func (s *constSource) DurationSeconds() float64                    { return 0 }
func (s *constSource) IsEndOfStream() bool                         { return false }
func (s *constSource) Config() config.AudioConfig                  { return config.AudioConfig{} }
func (s *constSource) Volume() float64                             { return 1 }
func (s *constSource) SetVolume(float64)                           {}
func (s *constSource) Tempo() float64                              { return 1 }
func (s *constSource) SetTempo(float64)                            {}
func (s *constSource) PitchSemitones() float64                     { return 0 }
func (s *constSource) SetPitchSemitones(float64)                   {}

type panicSource struct {
	id    string
	reads atomic.Int32
}

func (s *panicSource) ID() string { return s.id }
func (s *panicSource) ReadSamples(out []float32, frameCount int) int {
	s.reads.Add(1)
	panic("boom")
}
func (s *panicSource) Play() error                                 { return nil }
func (s *panicSource) Pause() error                                { return nil }
func (s *panicSource) Stop() error                                 { return nil }
func (s *panicSource) Seek(context.Context, float64) (bool, error) { return true, nil }
func (s *panicSource) State() audiosource.State                    { return audiosource.Playing }
func (s *panicSource) PositionSeconds() float64                    { return 0 }
func (s *panicSource) DurationSeconds() float64                    { return 0 }
func (s *panicSource) IsEndOfStream() bool                         { return false }
func (s *panicSource) Config() config.AudioConfig                  { return config.AudioConfig{} }
func (s *panicSource) Volume() float64                             { return 1 }
func (s *panicSource) SetVolume(float64)                           {}
func (s *panicSource) Tempo() float64                              { return 1 }
func (s *panicSource) SetTempo(float64)                            {}
func (s *panicSource) PitchSemitones() float64                     { return 0 }
func (s *panicSource) SetPitchSemitones(float64)                   {}

type captureSink struct {
	mu   sync.Mutex
	last []float32
	n    int
}

func (c *captureSink) WriteMixed(buf []float32, frameCount int) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.last = append([]float32(nil), buf...)
	c.n++
	return frameCount
}

func (c *captureSink) snapshot() ([]float32, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.last, c.n
}

func testConfig() config.AudioConfig {
	return config.AudioConfig{SampleRate: 48000, Channels: 1, BufferSizeFrames: 256}
}

func TestAddRemoveSourceRejectsDuplicate(t *testing.T) {
	m := New(testConfig(), slog.Default(), nil, effect.NewChain(), &captureSink{}, nil)
	if err := m.AddSource(&constSource{id: "a", value: 0.1}); err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	if err := m.AddSource(&constSource{id: "a", value: 0.2}); err == nil {
		t.Fatalf("expected duplicate-ID error")
	}
	if !m.RemoveSource("a") {
		t.Fatalf("RemoveSource(a) = false, want true")
	}
	if m.RemoveSource("a") {
		t.Fatalf("RemoveSource(a) second call = true, want false")
	}
}

func TestTickSumsAllSources(t *testing.T) {
	sink := &captureSink{}
	m := New(testConfig(), slog.Default(), nil, effect.NewChain(), sink, nil)
	m.AddSource(&constSource{id: "a", value: 0.1})
	m.AddSource(&constSource{id: "b", value: 0.2})

	m.tick()

	buf, n := sink.snapshot()
	if n != 1 {
		t.Fatalf("sink write count = %d, want 1", n)
	}
	for i, v := range buf {
		if diff := v - 0.3; diff > 1e-6 || diff < -1e-6 {
			t.Fatalf("buf[%d] = %v, want ~0.3", i, v)
		}
	}
}

func TestPanickingSourceIsIsolated(t *testing.T) {
	sink := &captureSink{}
	m := New(testConfig(), slog.Default(), nil, effect.NewChain(), sink, nil)
	bad := &panicSource{id: "bad"}
	m.AddSource(bad)
	m.AddSource(&constSource{id: "good", value: 0.5})

	m.tick()

	buf, n := sink.snapshot()
	if n != 1 {
		t.Fatalf("sink write count = %d, want 1 (panic must not abort the tick)", n)
	}
	for i, v := range buf {
		if diff := v - 0.5; diff > 1e-6 || diff < -1e-6 {
			t.Fatalf("buf[%d] = %v, want 0.5 from the surviving source", i, v)
		}
	}

	// The panicking source must be excluded from subsequent ticks, not
	// re-read and re-recovered every buffer.
	m.tick()

	buf, n = sink.snapshot()
	if n != 2 {
		t.Fatalf("sink write count = %d, want 2", n)
	}
	if got := bad.reads.Load(); got != 1 {
		t.Fatalf("bad source was read %d times, want 1 (skipped after first panic)", got)
	}
	for i, v := range buf {
		if diff := v - 0.5; diff > 1e-6 || diff < -1e-6 {
			t.Fatalf("buf[%d] = %v after second tick, want 0.5", i, v)
		}
	}
}

func TestPauseSuspendsMixing(t *testing.T) {
	sink := &captureSink{}
	m := New(testConfig(), slog.Default(), nil, effect.NewChain(), sink, nil)
	m.AddSource(&constSource{id: "a", value: 0.1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Pause()
	m.Start(ctx)
	time.Sleep(30 * time.Millisecond)
	if _, n := sink.snapshot(); n != 0 {
		t.Fatalf("sink received %d buffers while paused, want 0", n)
	}

	m.Resume()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if _, n := sink.snapshot(); n > 0 {
			m.Stop()
			return
		}
		time.Sleep(time.Millisecond)
	}
	m.Stop()
	t.Fatalf("expected mixing to resume after Resume")
}

func TestAddRemoveMasterEffect(t *testing.T) {
	sink := &captureSink{}
	m := New(testConfig(), slog.Default(), nil, effect.NewChain(), sink, nil)
	m.AddSource(&constSource{id: "a", value: 0.5})
	m.AddMasterEffect(effect.NewGain("halve", 0.5))

	m.tick()

	buf, _ := sink.snapshot()
	for i, v := range buf {
		if diff := v - 0.25; diff > 1e-6 || diff < -1e-6 {
			t.Fatalf("buf[%d] = %v, want 0.25 (master gain applied)", i, v)
		}
	}

	if !m.RemoveMasterEffect("halve") {
		t.Fatalf("RemoveMasterEffect(halve) = false, want true")
	}

	m.tick()
	buf, _ = sink.snapshot()
	for i, v := range buf {
		if diff := v - 0.5; diff > 1e-6 || diff < -1e-6 {
			t.Fatalf("buf[%d] = %v after removal, want 0.5", i, v)
		}
	}
}

func TestStartStop(t *testing.T) {
	sink := &captureSink{}
	m := New(testConfig(), slog.Default(), nil, effect.NewChain(), sink, nil)
	m.AddSource(&constSource{id: "a", value: 0.1})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m.Start(ctx)
	time.Sleep(20 * time.Millisecond)
	m.Stop()

	if _, n := sink.snapshot(); n == 0 {
		t.Fatalf("expected at least one tick to have run")
	}
}
