package processes

import (
	"errors"
	"fmt"
	"sync"
)

// ErrPortsExhausted is returned by Allocate when every port in the managed
// range is currently held. Callers should surface this as a capacity error
// rather than retrying immediately.
var ErrPortsExhausted = errors.New("port range exhausted")

// PortAllocator hands out exclusive TCP ports from a closed range for
// preview instance subprocesses. Allocation and release are safe under
// concurrent callers; two concurrent Allocate calls never return the same
// port. No ordering guarantee is made about which free port is returned.
type PortAllocator struct {
	mu            sync.Mutex
	minPort       int
	maxPort       int
	allocated     map[int]bool
	nextCandidate int
}

// NewPortAllocator creates a PortAllocator managing the closed range
// [minPort, maxPort].
func NewPortAllocator(minPort, maxPort int) (*PortAllocator, error) {
	if minPort <= 0 || maxPort <= 0 || minPort > maxPort {
		return nil, fmt.Errorf("invalid port range: min %d, max %d", minPort, maxPort)
	}
	return &PortAllocator{
		minPort:       minPort,
		maxPort:       maxPort,
		allocated:     make(map[int]bool),
		nextCandidate: minPort,
	}, nil
}

// Allocate reserves and returns a port not held by any other un-released
// allocation. It returns ErrPortsExhausted when every port in the range is
// held.
func (pa *PortAllocator) Allocate() (int, error) {
	pa.mu.Lock()
	defer pa.mu.Unlock()

	rangeSize := pa.maxPort - pa.minPort + 1
	for i := 0; i < rangeSize; i++ {
		portToTry := pa.nextCandidate

		pa.nextCandidate++
		if pa.nextCandidate > pa.maxPort {
			pa.nextCandidate = pa.minPort
		}

		if pa.allocated[portToTry] {
			continue
		}
		pa.allocated[portToTry] = true
		return portToTry, nil
	}

	return 0, fmt.Errorf("%w: no available ports in range [%d-%d]", ErrPortsExhausted, pa.minPort, pa.maxPort)
}

// Release marks a previously allocated port as available again. Releasing a
// port that is not currently held, or one outside the managed range, is a
// no-op; error-cleanup paths may release the same port twice.
func (pa *PortAllocator) Release(port int) {
	pa.mu.Lock()
	defer pa.mu.Unlock()

	if port < pa.minPort || port > pa.maxPort {
		return
	}

	delete(pa.allocated, port)
}

// IsAllocated reports whether the given port is currently reserved.
func (pa *PortAllocator) IsAllocated(port int) bool {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return pa.allocated[port]
}
