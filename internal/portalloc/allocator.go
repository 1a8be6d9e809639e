// Package portalloc finds free local TCP ports for backend processes.
package portalloc

import (
	"fmt"
	"net"
	"sync"

	"github.com/brentyi/viser-gradio-embed/internal/model"
)

// Allocator hands out free ports from a fixed inclusive range.
//
// Availability is checked by momentarily binding a listener on
// 127.0.0.1:<port>; the listener is closed immediately and the caller is
// expected to bind the real backend promptly. This is a best-effort probe:
// an unrelated process can still grab the port in the window between the
// probe and the backend's own bind. Ports already leased through this
// allocator are skipped, so two in-flight sessions can never be handed the
// same not-yet-bound port.
type Allocator struct {
	minPort int
	maxPort int

	mu       sync.Mutex
	lastPort int
	leased   map[int]bool
}

// Lease is a reserved port. Release it once the backend owning the port has
// exited (or never launched).
type Lease struct {
	Port int

	alloc    *Allocator
	released bool
	mu       sync.Mutex
}

// New creates an allocator for the inclusive range [minPort, maxPort].
func New(minPort, maxPort int) (*Allocator, error) {
	if minPort <= 0 || maxPort < minPort {
		return nil, fmt.Errorf("invalid port range [%d, %d]", minPort, maxPort)
	}
	return &Allocator{
		minPort:  minPort,
		maxPort:  maxPort,
		lastPort: minPort - 1,
		leased:   make(map[int]bool),
	}, nil
}

// Acquire returns a lease on an available port in the range, or
// model.ErrPortRangeExhausted if every port is leased or bound.
//
// Scanning starts at the port after the last one handed out and wraps around
// the range, trying each port exactly once. Starting past the most recent
// port avoids immediately re-trying a just-freed port that the OS may still
// hold in TIME_WAIT.
func (a *Allocator) Acquire() (*Lease, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	rangeSize := a.maxPort - a.minPort + 1
	start := ((a.lastPort + 1 - a.minPort) % rangeSize) + a.minPort

	for offset := 0; offset < rangeSize; offset++ {
		port := (start-a.minPort+offset)%rangeSize + a.minPort
		if a.leased[port] {
			continue
		}
		if !probe(port) {
			continue
		}
		a.leased[port] = true
		a.lastPort = port
		return &Lease{Port: port, alloc: a}, nil
	}

	return nil, fmt.Errorf("%w [%d, %d]", model.ErrPortRangeExhausted, a.minPort, a.maxPort)
}

// Range returns the inclusive port range this allocator draws from.
func (a *Allocator) Range() (minPort, maxPort int) {
	return a.minPort, a.maxPort
}

// LeasedCount returns the number of currently held leases.
func (a *Allocator) LeasedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.leased)
}

// probe reports whether the port can be bound on loopback right now.
func probe(port int) bool {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return false
	}
	l.Close()
	return true
}

// Release returns the port to the pool. Releasing twice is a no-op.
func (l *Lease) Release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.released {
		return
	}
	l.released = true

	l.alloc.mu.Lock()
	delete(l.alloc.leased, l.Port)
	l.alloc.mu.Unlock()
}
