// Package ports manages the pool of local UDP ports used for external
// media sessions. The pool is shared across all calls and mutated under a
// single lock.
package ports

import (
	"fmt"
	"sync"
	"time"
)

// ErrExhausted is returned when every port in the configured range is leased.
var ErrExhausted = fmt.Errorf("media port range exhausted")

// Reservation records a leased port and its owner.
type Reservation struct {
	Port        int
	CallID      string
	AllocatedAt time.Time
}

// Allocator hands out ports from a fixed configured range. A port is never
// double-leased and is released back to the pool exactly once.
type Allocator struct {
	min, max int

	mu     sync.Mutex
	leases map[int]Reservation
	next   int
}

// NewAllocator creates an Allocator for the inclusive range [min, max].
func NewAllocator(min, max int) (*Allocator, error) {
	if min <= 0 || max > 65535 || min > max {
		return nil, fmt.Errorf("invalid port range %d-%d", min, max)
	}
	return &Allocator{
		min:    min,
		max:    max,
		leases: make(map[int]Reservation),
		next:   min,
	}, nil
}

// Allocate leases a free port to callID. It fails with ErrExhausted when the
// range has no free ports left; exhaustion is surfaced immediately, never
// queued.
func (a *Allocator) Allocate(callID string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	size := a.max - a.min + 1
	for i := 0; i < size; i++ {
		port := a.next
		a.next++
		if a.next > a.max {
			a.next = a.min
		}
		if _, leased := a.leases[port]; leased {
			continue
		}
		a.leases[port] = Reservation{
			Port:        port,
			CallID:      callID,
			AllocatedAt: time.Now(),
		}
		return port, nil
	}
	return 0, fmt.Errorf("%w: all %d ports leased", ErrExhausted, size)
}

// Release returns a port to the pool. Releasing an unleased port is a no-op
// so release paths stay idempotent.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.leases, port)
}

// Leased reports whether the port is currently leased and to whom.
func (a *Allocator) Leased(port int) (Reservation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	r, ok := a.leases[port]
	return r, ok
}

// InUse returns the number of currently leased ports.
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.leases)
}
