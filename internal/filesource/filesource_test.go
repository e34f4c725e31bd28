package filesource

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/aurafx/mixcore/internal/audiosource"
	"github.com/aurafx/mixcore/internal/config"
	"github.com/aurafx/mixcore/internal/decoder"
	"github.com/aurafx/mixcore/internal/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeDecoder produces a fixed number of frames of a constant value, then
// reports EOF. It is the decoder-side test double standing in for
// wavdecoder/flacdecoder.
type fakeDecoder struct {
	mu          sync.Mutex
	info        decoder.StreamInfo
	value       float32
	framesLeft  int
	seekCalls   []float64
	seekRejects bool
}

func (d *fakeDecoder) StreamInfo() decoder.StreamInfo { return d.info }

func (d *fakeDecoder) ReadFrames(buf []float32, frameCount int) (int, bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	n := frameCount
	if n > d.framesLeft {
		n = d.framesLeft
	}
	for i := 0; i < n*d.info.Channels; i++ {
		buf[i] = d.value
	}
	d.framesLeft -= n
	return n, d.framesLeft == 0, nil
}

func (d *fakeDecoder) TrySeek(positionSeconds float64) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seekCalls = append(d.seekCalls, positionSeconds)
	if d.seekRejects {
		return false, nil
	}
	d.framesLeft = d.info.SampleRate // refill as if seeking mid-stream
	return true, nil
}

func (d *fakeDecoder) Dispose() error { return nil }

func testCfg() config.AudioConfig {
	return config.AudioConfig{SampleRate: 1000, Channels: 1, BufferSizeFrames: 64}
}

func newTestSource(t *testing.T, framesLeft int, value float32) *FileSource {
	t.Helper()
	dec := &fakeDecoder{
		info:       decoder.StreamInfo{Channels: 1, SampleRate: 1000, Duration: float64(framesLeft) / 1000},
		value:      value,
		framesLeft: framesLeft,
	}
	return New("src1", "fake.wav", dec, testCfg(), 4096, slog.Default(), nil)
}

func TestReadSamplesSilentWhileGateClosed(t *testing.T) {
	fs := newTestSource(t, 10000, 0.5)
	fs.SetSyncGate(false)
	if err := fs.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	defer fs.Stop()

	out := make([]float32, 32)
	n := fs.ReadSamples(out, 32)
	if n != 32 {
		t.Fatalf("ReadSamples returned %d, want 32", n)
	}
	for i, v := range out {
		if v != 0 {
			t.Fatalf("out[%d] = %v, want 0 (gate closed)", i, v)
		}
	}
	if got := fs.PositionSeconds(); got != 0 {
		t.Fatalf("PositionSeconds = %v, want 0 while gated", got)
	}
}

func TestUnplayedSourceYieldsSilence(t *testing.T) {
	fs := newTestSource(t, 10000, 0.5)

	out := make([]float32, 1024)
	n := fs.ReadSamples(out, 512)
	if n != 512 {
		t.Fatalf("ReadSamples returned %d, want 512", n)
	}
	for i, v := range out[:512] {
		if v != 0 {
			t.Fatalf("out[%d] = %v, want 0 before Play", i, v)
		}
	}
	if got := fs.PositionSeconds(); got != 0 {
		t.Fatalf("PositionSeconds = %v, want 0 before Play", got)
	}
}

func TestPausedSourceYieldsSilence(t *testing.T) {
	fs := newTestSource(t, 10000, 0.5)
	if err := fs.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	defer fs.Stop()

	// Drain until real audio arrives, then pause.
	deadline := time.Now().Add(time.Second)
	out := make([]float32, 32)
	for time.Now().Before(deadline) {
		fs.ReadSamples(out, 32)
		if out[0] != 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if out[0] != 0.5 {
		t.Fatalf("out[0] = %v, want 0.5 before pause", out[0])
	}

	if err := fs.Pause(); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	posAtPause := fs.PositionSeconds()
	n := fs.ReadSamples(out, 32)
	if n != 32 {
		t.Fatalf("ReadSamples returned %d, want 32", n)
	}
	for i, v := range out {
		if v != 0 {
			t.Fatalf("out[%d] = %v, want 0 while paused", i, v)
		}
	}
	if got := fs.PositionSeconds(); got != posAtPause {
		t.Fatalf("PositionSeconds = %v, want %v (position frozen while paused)", got, posAtPause)
	}
}

func TestReadSamplesDrainsRingWhenGateOpen(t *testing.T) {
	fs := newTestSource(t, 10000, 0.25)
	if err := fs.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	defer fs.Stop()
	fs.SetSyncGate(true)

	deadline := time.Now().Add(time.Second)
	var out []float32
	for time.Now().Before(deadline) {
		out = make([]float32, 32)
		n := fs.ReadSamples(out, 32)
		if n != 32 {
			t.Fatalf("ReadSamples returned %d, want 32", n)
		}
		if out[0] != 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if out[0] != 0.25 {
		t.Fatalf("out[0] = %v, want 0.25 once decoder catches up", out[0])
	}
}

func TestVolumeAppliedInPlace(t *testing.T) {
	fs := newTestSource(t, 10000, 1.0)
	fs.SetVolume(0.5)
	if err := fs.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	defer fs.Stop()
	fs.SetSyncGate(true)

	deadline := time.Now().Add(time.Second)
	var out []float32
	for time.Now().Before(deadline) {
		out = make([]float32, 16)
		fs.ReadSamples(out, 16)
		if out[0] != 0 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	if out[0] != 0.5 {
		t.Fatalf("out[0] = %v, want 0.5 (volume applied)", out[0])
	}
}

func TestSeekRestartsDecodeFromNewPosition(t *testing.T) {
	fs := newTestSource(t, 10000, 0.1)
	if err := fs.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	defer fs.Stop()

	ok, err := fs.Seek(context.Background(), 2.5)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if !ok {
		t.Fatalf("Seek returned ok=false")
	}
	if got := fs.PositionSeconds(); got != 2.5 {
		t.Fatalf("PositionSeconds = %v, want 2.5", got)
	}
}

func TestSeekUnsupportedReturnsFalse(t *testing.T) {
	fs := newTestSource(t, 10000, 0.1)
	fs.dec.(*fakeDecoder).seekRejects = true
	if err := fs.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	defer fs.Stop()

	ok, err := fs.Seek(context.Background(), 1.0)
	if err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if ok {
		t.Fatalf("Seek returned ok=true, want false for an unseekable decoder")
	}
}

func TestUnderrunEventAccounting(t *testing.T) {
	dec := &fakeDecoder{
		info:       decoder.StreamInfo{Channels: 1, SampleRate: 1000, Duration: 0.256},
		value:      0.5,
		framesLeft: 256,
	}
	bus := events.New(slog.Default(), 0)
	ch, unsub := bus.Subscribe()
	defer unsub()

	fs := New("src1", "fake.wav", dec, testCfg(), 4096, slog.Default(), bus)
	if err := fs.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	defer fs.Stop()

	deadline := time.Now().Add(time.Second)
	for !fs.IsEndOfStream() {
		if time.Now().After(deadline) {
			t.Fatalf("decoder never reached end of stream")
		}
		time.Sleep(time.Millisecond)
	}

	out := make([]float32, 1024)
	if n := fs.ReadSamples(out, 1024); n != 1024 {
		t.Fatalf("ReadSamples returned %d, want 1024", n)
	}
	for i := 0; i < 256; i++ {
		if out[i] != 0.5 {
			t.Fatalf("out[%d] = %v, want 0.5 (available samples first)", i, out[i])
		}
	}
	for i := 256; i < 1024; i++ {
		if out[i] != 0 {
			t.Fatalf("out[%d] = %v, want 0 (silence past available)", i, out[i])
		}
	}

	deadline = time.Now().Add(time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind != events.BufferUnderrun {
				continue
			}
			if ev.MissedFrames != 768 {
				t.Fatalf("MissedFrames = %d, want 768", ev.MissedFrames)
			}
			return
		case <-time.After(time.Until(deadline)):
			t.Fatalf("no BufferUnderrun event observed")
		}
	}
}

func TestBufferingObservedAsTransientStateEvent(t *testing.T) {
	// A decoder with plenty left but an empty ring at read time: the source
	// reports Buffering via an event, returns to Playing once a full read
	// succeeds, and never stores Buffering as its state.
	dec := &fakeDecoder{
		info:       decoder.StreamInfo{Channels: 1, SampleRate: 1000, Duration: 10},
		value:      0.5,
		framesLeft: 10000,
	}
	bus := events.New(slog.Default(), 0)
	ch, unsub := bus.Subscribe()
	defer unsub()

	fs := New("src1", "fake.wav", dec, testCfg(), 4096, slog.Default(), bus)
	if err := fs.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	defer fs.Stop()

	// Drain far more than the ring can hold in one go to force an underrun.
	out := make([]float32, 8192)
	fs.ReadSamples(out, 8192)

	if got := fs.State(); got != audiosource.Playing {
		t.Fatalf("State = %v, want Playing (Buffering must stay transient)", got)
	}

	deadline := time.Now().Add(time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == events.StateChanged && ev.NewState == "Buffering" {
				return
			}
		case <-time.After(time.Until(deadline)):
			t.Fatalf("no Buffering StateChanged event observed")
		}
	}
}

func TestEndOfStreamReported(t *testing.T) {
	fs := newTestSource(t, 32, 0.1) // fewer frames than one buffer period
	if err := fs.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	defer fs.Stop()

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if fs.IsEndOfStream() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("expected IsEndOfStream to become true once the decoder is exhausted")
}
