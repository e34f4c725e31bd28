package portaudio

import "testing"

// Open requires a real audio device, so this only exercises construction;
// device lifecycle is covered by manual verification.
func TestNewReturnsUnopenedBackend(t *testing.T) {
	b := New()
	if b == nil {
		t.Fatal("New() returned nil")
	}
	if b.stream != nil {
		t.Fatal("New() should not open a stream")
	}
}
