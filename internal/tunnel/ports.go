package tunnel

import (
	"errors"
	"sync"
)

// ErrPortsExhausted means every port in the configured range is leased.
var ErrPortsExhausted = errors.New("tunnel: local port range exhausted")

// PortAllocator hands out local ports for spawned tunnels from a
// monotonically increasing counter with wraparound over [start, end).
// A port stays unavailable until its previous occupant has finished
// shutting down and released it.
type PortAllocator struct {
	mu     sync.Mutex
	start  int
	end    int
	next   int
	leased map[int]struct{}
}

// NewPortAllocator returns an allocator over [start, end).
func NewPortAllocator(start, end int) *PortAllocator {
	if end <= start {
		end = start + 1
	}
	return &PortAllocator{
		start:  start,
		end:    end,
		next:   start,
		leased: make(map[int]struct{}),
	}
}

// Acquire leases the next free port, wrapping around the range. It fails
// with ErrPortsExhausted rather than blocking when everything is leased.
func (pa *PortAllocator) Acquire() (int, error) {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	span := pa.end - pa.start
	for i := 0; i < span; i++ {
		port := pa.next
		pa.next++
		if pa.next >= pa.end {
			pa.next = pa.start
		}
		if _, busy := pa.leased[port]; busy {
			continue
		}
		pa.leased[port] = struct{}{}
		return port, nil
	}
	return 0, ErrPortsExhausted
}

// Release returns a leased port to the pool. Releasing an unleased port is
// a no-op.
func (pa *PortAllocator) Release(port int) {
	pa.mu.Lock()
	delete(pa.leased, port)
	pa.mu.Unlock()
}

// Leased reports how many ports are currently held.
func (pa *PortAllocator) Leased() int {
	pa.mu.Lock()
	defer pa.mu.Unlock()
	return len(pa.leased)
}
