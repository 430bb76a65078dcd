// Package resources tracks per-call resource handles and guarantees
// idempotent cleanup. Every handle acquired for a call is released exactly
// once, even when several error paths race to tear the call down.
package resources

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Kind identifies a class of call resource.
type Kind string

const (
	// KindMedia is the UDP media transport and its port lease.
	KindMedia Kind = "media"
	// KindSignaling covers telephony channels and bridges.
	KindSignaling Kind = "signaling"
	// KindAISocket is the AI realtime connection.
	KindAISocket Kind = "ai-socket"
	// KindTimer covers per-call timers (stall checks, backoff).
	KindTimer Kind = "timer"
)

// releaseOrder is the fixed teardown order: media first so in-flight audio
// can never reference freed telephony state, then signaling, then the AI
// socket, then timers.
var releaseOrder = []Kind{KindMedia, KindSignaling, KindAISocket, KindTimer}

// Releaser frees one resource handle.
type Releaser func()

// Manager registers and releases resource handles per call. A call with no
// registered resources is a legal empty set.
type Manager struct {
	logger *logrus.Logger

	mu    sync.Mutex
	calls map[string]map[Kind]Releaser
}

// NewManager creates an empty Manager.
func NewManager(logger *logrus.Logger) *Manager {
	return &Manager{
		logger: logger,
		calls:  make(map[string]map[Kind]Releaser),
	}
}

// Acquire registers release under (callID, kind). Re-acquiring the same kind
// first releases the previous handle so a call never holds two of one kind.
func (m *Manager) Acquire(callID string, kind Kind, release Releaser) {
	m.mu.Lock()
	set, ok := m.calls[callID]
	if !ok {
		set = make(map[Kind]Releaser)
		m.calls[callID] = set
	}
	prev := set[kind]
	set[kind] = release
	m.mu.Unlock()

	if prev != nil {
		m.logger.WithFields(logrus.Fields{
			"call_id": callID,
			"kind":    string(kind),
		}).Warn("Replacing already-registered resource; releasing previous handle")
		prev()
	}
}

// Release frees one resource for a call. Repeated calls are no-ops after the
// first.
func (m *Manager) Release(callID string, kind Kind) {
	m.mu.Lock()
	set := m.calls[callID]
	var release Releaser
	if set != nil {
		release = set[kind]
		delete(set, kind)
		if len(set) == 0 {
			delete(m.calls, callID)
		}
	}
	m.mu.Unlock()

	if release != nil {
		release()
	}
}

// ReleaseAll frees every resource for a call in the fixed order. Idempotent.
func (m *Manager) ReleaseAll(callID string) {
	m.mu.Lock()
	set := m.calls[callID]
	delete(m.calls, callID)
	m.mu.Unlock()

	if set == nil {
		return
	}
	for _, kind := range releaseOrder {
		if release, ok := set[kind]; ok {
			release()
			delete(set, kind)
		}
	}
	// Unknown kinds registered outside the fixed order still get freed.
	for kind, release := range set {
		m.logger.WithFields(logrus.Fields{
			"call_id": callID,
			"kind":    string(kind),
		}).Warn("Releasing resource of unordered kind")
		release()
	}
}

// Held returns the kinds currently registered for a call.
func (m *Manager) Held(callID string) []Kind {
	m.mu.Lock()
	defer m.mu.Unlock()

	set := m.calls[callID]
	kinds := make([]Kind, 0, len(set))
	for _, kind := range releaseOrder {
		if _, ok := set[kind]; ok {
			kinds = append(kinds, kind)
		}
	}
	return kinds
}
