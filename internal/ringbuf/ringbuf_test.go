package ringbuf

import (
	"math/rand"
	"sync"
	"testing"
)

func TestWriteReadRoundTrip(t *testing.T) {
	r := New(16)
	src := []float32{1, 2, 3, 4}
	if n := r.Write(src); n != 4 {
		t.Fatalf("Write() = %d, want 4", n)
	}
	if got := r.Available(); got != 4 {
		t.Fatalf("Available() = %d, want 4", got)
	}

	dst := make([]float32, 4)
	if n := r.Read(dst); n != 4 {
		t.Fatalf("Read() = %d, want 4", n)
	}
	for i, v := range src {
		if dst[i] != v {
			t.Errorf("dst[%d] = %v, want %v", i, dst[i], v)
		}
	}
	if got := r.Available(); got != 0 {
		t.Errorf("Available() after full read = %d, want 0", got)
	}
}

func TestPartialWriteWhenFull(t *testing.T) {
	r := New(4)
	if n := r.Write([]float32{1, 2, 3, 4, 5, 6}); n != 4 {
		t.Errorf("Write() = %d, want 4 (capped at capacity)", n)
	}
}

func TestPartialReadWhenEmpty(t *testing.T) {
	r := New(4)
	r.Write([]float32{1, 2})
	dst := make([]float32, 4)
	if n := r.Read(dst); n != 2 {
		t.Errorf("Read() = %d, want 2 (capped at available)", n)
	}
}

func TestPeekDoesNotAdvance(t *testing.T) {
	r := New(8)
	r.Write([]float32{1, 2, 3})

	dst := make([]float32, 3)
	if n := r.Peek(dst); n != 3 {
		t.Fatalf("Peek() = %d, want 3", n)
	}
	if got := r.Available(); got != 3 {
		t.Errorf("Available() after Peek = %d, want 3 (unchanged)", got)
	}
}

func TestClear(t *testing.T) {
	r := New(8)
	r.Write([]float32{1, 2, 3})
	r.Clear()
	if got := r.Available(); got != 0 {
		t.Errorf("Available() after Clear = %d, want 0", got)
	}
}

// TestConcurrentProducerConsumer exercises the SPSC contract under real
// goroutine interleaving: what is read must equal a prefix of what was
// written, truncated to samples actually delivered.
func TestConcurrentProducerConsumer(t *testing.T) {
	r := New(256)
	const total = 100_000

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		rng := rand.New(rand.NewSource(1))
		written := 0
		for written < total {
			chunk := make([]float32, 1+rng.Intn(32))
			for i := range chunk {
				chunk[i] = float32(written + i)
			}
			for {
				n := r.Write(chunk)
				written += n
				if n == len(chunk) {
					break
				}
				chunk = chunk[n:]
			}
		}
	}()

	received := make([]float32, 0, total)
	go func() {
		defer wg.Done()
		buf := make([]float32, 64)
		for len(received) < total {
			n := r.Read(buf)
			received = append(received, buf[:n]...)
		}
	}()

	wg.Wait()

	for i, v := range received {
		if v != float32(i) {
			t.Fatalf("received[%d] = %v, want %v (sequence broken)", i, v, float32(i))
		}
	}
}

func TestCapacityRoundsToPowerOfTwo(t *testing.T) {
	r := New(100)
	if got := r.Capacity(); got != 128 {
		t.Errorf("Capacity() = %d, want 128", got)
	}
}
