package processes

import (
	"errors"
	"sync"
	"testing"
)

func TestNewPortAllocatorValidation(t *testing.T) {
	tests := []struct {
		name    string
		min     int
		max     int
		wantErr bool
	}{
		{"valid range", 3001, 3100, false},
		{"single port", 3001, 3001, false},
		{"inverted range", 3100, 3001, true},
		{"zero min", 0, 3100, true},
		{"negative max", 3001, -1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPortAllocator(tt.min, tt.max)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewPortAllocator(%d, %d) error = %v, wantErr %v", tt.min, tt.max, err, tt.wantErr)
			}
		})
	}
}

// TestAllocateUniqueness verifies that concurrent allocations never hand out
// the same port twice and stay within the configured range.
func TestAllocateUniqueness(t *testing.T) {
	const rangeSize = 50
	pa, err := NewPortAllocator(4000, 4000+rangeSize-1)
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	seen := make(map[int]bool)
	var wg sync.WaitGroup

	for i := 0; i < rangeSize; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := pa.Allocate()
			if err != nil {
				t.Errorf("unexpected allocation error: %v", err)
				return
			}
			if port < 4000 || port > 4000+rangeSize-1 {
				t.Errorf("allocated port %d outside range", port)
			}
			mu.Lock()
			if seen[port] {
				t.Errorf("port %d allocated twice", port)
			}
			seen[port] = true
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(seen) != rangeSize {
		t.Errorf("expected %d unique ports, got %d", rangeSize, len(seen))
	}
}

// TestAllocateExhaustion verifies that allocating one more port than the
// range holds yields ErrPortsExhausted.
func TestAllocateExhaustion(t *testing.T) {
	pa, err := NewPortAllocator(5000, 5004)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 5; i++ {
		if _, err := pa.Allocate(); err != nil {
			t.Fatalf("allocation %d failed unexpectedly: %v", i, err)
		}
	}

	_, err = pa.Allocate()
	if !errors.Is(err, ErrPortsExhausted) {
		t.Errorf("expected ErrPortsExhausted, got %v", err)
	}
}

// TestReleaseIdempotent verifies that releasing a port twice does not error
// and does not corrupt the pool.
func TestReleaseIdempotent(t *testing.T) {
	pa, err := NewPortAllocator(5000, 5001)
	if err != nil {
		t.Fatal(err)
	}

	port, err := pa.Allocate()
	if err != nil {
		t.Fatal(err)
	}

	pa.Release(port)
	pa.Release(port) // Double release during error cleanup is a no-op.
	pa.Release(9999) // Outside the managed range.

	if pa.IsAllocated(port) {
		t.Errorf("port %d still marked allocated after release", port)
	}

	// The pool must still hand out exactly two distinct ports.
	a, err := pa.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	b, err := pa.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if a == b {
		t.Errorf("double release allowed duplicate allocation of %d", a)
	}
	if _, err := pa.Allocate(); !errors.Is(err, ErrPortsExhausted) {
		t.Errorf("expected ErrPortsExhausted after draining pool, got %v", err)
	}
}

// TestReleaseMakesPortAllocatable verifies a released port becomes available
// to subsequent allocations.
func TestReleaseMakesPortAllocatable(t *testing.T) {
	pa, err := NewPortAllocator(6000, 6000)
	if err != nil {
		t.Fatal(err)
	}

	port, err := pa.Allocate()
	if err != nil {
		t.Fatal(err)
	}
	if _, err := pa.Allocate(); !errors.Is(err, ErrPortsExhausted) {
		t.Fatalf("expected exhaustion, got %v", err)
	}

	pa.Release(port)

	again, err := pa.Allocate()
	if err != nil {
		t.Fatalf("expected released port to be allocatable: %v", err)
	}
	if again != port {
		t.Errorf("expected port %d, got %d", port, again)
	}
}
