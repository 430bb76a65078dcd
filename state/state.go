// Package state implements the per-call conversation state machine that
// gates which side of a call may transmit audio or generate a response.
package state

import (
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Conversation is the authoritative per-call state.
type Conversation int

const (
	// Initializing indicates the call session exists but no leg is up yet.
	Initializing Conversation = iota
	// WaitingForGreeting indicates media is bridged and the AI greeting is pending.
	WaitingForGreeting
	// GreetingActive indicates the AI is delivering its greeting.
	GreetingActive
	// GreetingComplete indicates the greeting finished; the caller has the floor.
	GreetingComplete
	// UserSpeaking indicates the caller is transmitting speech.
	UserSpeaking
	// AIResponding indicates the AI is generating and streaming a response.
	AIResponding
	// ConversationActive indicates a settled turn boundary; either side may claim the floor.
	ConversationActive
	// CallEnding indicates teardown has begun.
	CallEnding
	// Error is the terminal failure state; recovery back to Initializing is manual.
	Error
)

// String returns the string representation of Conversation.
func (c Conversation) String() string {
	switch c {
	case Initializing:
		return "initializing"
	case WaitingForGreeting:
		return "waiting_for_greeting"
	case GreetingActive:
		return "greeting_active"
	case GreetingComplete:
		return "greeting_complete"
	case UserSpeaking:
		return "user_speaking"
	case AIResponding:
		return "ai_responding"
	case ConversationActive:
		return "conversation_active"
	case CallEnding:
		return "call_ending"
	case Error:
		return "error"
	default:
		return fmt.Sprintf("unknown(%d)", int(c))
	}
}

// IsTerminal returns true once the call can no longer carry a conversation.
func (c Conversation) IsTerminal() bool {
	return c == CallEnding || c == Error
}

// legal is the transition table. Illegal transitions are rejected, not applied.
var legal = map[Conversation][]Conversation{
	Initializing:       {WaitingForGreeting, Error},
	WaitingForGreeting: {GreetingActive, Error},
	GreetingActive:     {GreetingComplete, Error},
	GreetingComplete:   {UserSpeaking, CallEnding, Error},
	UserSpeaking:       {AIResponding, CallEnding, Error},
	AIResponding:       {ConversationActive, CallEnding, Error},
	ConversationActive: {UserSpeaking, AIResponding, CallEnding, Error},
	CallEnding:         {Error},
	Error:              {Initializing},
}

// Transition is one applied state change.
type Transition struct {
	From   Conversation
	To     Conversation
	Reason string
	At     time.Time
}

// Machine serializes state transitions for a single call and keeps a bounded
// history of them. All transition requests for a call funnel through one
// Machine.
type Machine struct {
	callID      string
	historySize int
	grace       time.Duration
	logger      *logrus.Logger

	mu             sync.Mutex
	current        Conversation
	history        []Transition
	greetingDoneAt time.Time
}

// NewMachine creates a Machine in Initializing. grace is the window after
// greeting completion during which interruption detection is suppressed.
func NewMachine(callID string, historySize int, grace time.Duration, logger *logrus.Logger) *Machine {
	return &Machine{
		callID:      callID,
		historySize: historySize,
		grace:       grace,
		logger:      logger,
		current:     Initializing,
	}
}

// Current returns the current state.
func (m *Machine) Current() Conversation {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// Transition validates next against the table, applies it, records history,
// and reports whether it succeeded. Rejected transitions leave the state
// unchanged.
func (m *Machine) Transition(next Conversation, reason string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !allowed(m.current, next) {
		m.logger.WithFields(logrus.Fields{
			"call_id": m.callID,
			"from":    m.current.String(),
			"to":      next.String(),
			"reason":  reason,
		}).Warn("Rejected illegal state transition")
		return false
	}

	m.history = append(m.history, Transition{
		From:   m.current,
		To:     next,
		Reason: reason,
		At:     time.Now(),
	})
	if len(m.history) > m.historySize {
		m.history = m.history[len(m.history)-m.historySize:]
	}

	m.logger.WithFields(logrus.Fields{
		"call_id": m.callID,
		"from":    m.current.String(),
		"to":      next.String(),
		"reason":  reason,
	}).Debug("State transition")

	if next == GreetingComplete {
		m.greetingDoneAt = time.Now()
	}
	m.current = next
	return true
}

// CanTransition reports whether moving to next from the current state is
// legal, without applying anything.
func (m *Machine) CanTransition(next Conversation) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return allowed(m.current, next)
}

// CanAIRespond reports whether the AI side may transmit audio right now.
func (m *Machine) CanAIRespond() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current == GreetingActive || m.current == AIResponding
}

// CanUserSpeak reports whether caller audio may be forwarded right now.
func (m *Machine) CanUserSpeak() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.current {
	case GreetingComplete, UserSpeaking, ConversationActive:
		return true
	default:
		return false
	}
}

// InGreetingGrace reports whether interruption detection is currently
// suppressed. The window opens when the greeting completes.
func (m *Machine) InGreetingGrace() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.greetingDoneAt.IsZero() {
		return false
	}
	return time.Since(m.greetingDoneAt) < m.grace
}

// History returns a copy of the bounded transition history, oldest first.
func (m *Machine) History() []Transition {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Transition, len(m.history))
	copy(out, m.history)
	return out
}

func allowed(from, to Conversation) bool {
	for _, c := range legal[from] {
		if c == to {
			return true
		}
	}
	return false
}
