// Package breaker provides a circuit breaker guarding unreliable remote
// dependencies. One breaker instance is shared per dependency, not per call.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// ErrOpen is returned when the breaker rejects a call without invoking it.
var ErrOpen = errors.New("circuit open")

// State is the breaker state.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

// String returns the string representation of State.
func (s State) String() string {
	switch s {
	case Closed:
		return "closed"
	case Open:
		return "open"
	case HalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Breaker wraps remote calls to a single dependency. State resets on
// process restart; nothing is persisted.
type Breaker struct {
	name      string
	threshold int
	reset     time.Duration
	logger    *logrus.Logger

	mu           sync.Mutex
	state        State
	failureCount int
	lastFailure  time.Time
}

// New creates a Breaker that opens after threshold consecutive failures and
// probes again once reset has elapsed.
func New(name string, threshold int, reset time.Duration, logger *logrus.Logger) *Breaker {
	return &Breaker{
		name:      name,
		threshold: threshold,
		reset:     reset,
		logger:    logger,
		state:     Closed,
	}
}

// Call invokes op unless the breaker is open and the reset timeout has not
// elapsed, in which case it fails fast with ErrOpen.
func (b *Breaker) Call(op func() error) error {
	b.mu.Lock()
	switch b.state {
	case Open:
		if time.Since(b.lastFailure) < b.reset {
			b.mu.Unlock()
			return ErrOpen
		}
		b.setState(HalfOpen)
	}
	b.mu.Unlock()

	err := op()

	b.mu.Lock()
	defer b.mu.Unlock()
	if err != nil {
		b.failureCount++
		b.lastFailure = time.Now()
		if b.state == HalfOpen || b.failureCount >= b.threshold {
			b.setState(Open)
		}
		return err
	}

	if b.state == HalfOpen {
		b.setState(Closed)
	}
	b.failureCount = 0
	return nil
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// setState transitions the breaker and logs the change. Caller holds b.mu.
func (b *Breaker) setState(next State) {
	if b.state == next {
		return
	}
	prev := b.state
	b.state = next
	if b.logger != nil {
		b.logger.WithFields(logrus.Fields{
			"breaker":  b.name,
			"from":     prev.String(),
			"to":       next.String(),
			"failures": b.failureCount,
		}).Warn("Circuit breaker state changed")
	}
}
