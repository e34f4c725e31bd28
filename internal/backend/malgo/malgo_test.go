package malgo

import "testing"

// Open requires a real audio device, so these tests only exercise
// construction; device lifecycle is covered by manual verification.
func TestNewReturnsUnopenedBackend(t *testing.T) {
	b := New()
	if b == nil {
		t.Fatal("New() returned nil")
	}
	if b.playback != nil || b.capture != nil || b.ctx != nil {
		t.Fatal("New() should not open any device")
	}
}
