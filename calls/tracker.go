// Package calls tracks live call sessions: it maps telephony channels to
// the per-call aggregate of signaling resources, media leg, AI connection,
// and conversation state, and owns their lifecycles end to end.
package calls

import (
	"context"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/carebridge/callcore"
	"github.com/carebridge/callcore/aiconn"
	"github.com/carebridge/callcore/ari"
	"github.com/carebridge/callcore/config"
	"github.com/carebridge/callcore/media"
	"github.com/carebridge/callcore/ports"
	"github.com/carebridge/callcore/resources"
)

// Verify interface compliance at compile time.
var _ ari.Handler = (*Tracker)(nil)

// Tracker is the registry of live call sessions. It implements ari.Handler
// so telephony events flow through it into the owning session's queue.
type Tracker struct {
	cfg       config.Config
	logger    *logrus.Logger
	deps      Deps
	allocator *ports.Allocator
	resources *resources.Manager
	ai        AIOpener
	mediaOpen MediaOpener

	mu              sync.Mutex
	signaling       Signaling
	byCall          map[string]*Session
	byChannel       map[string]*Session
	pendingOutbound map[string]bool
	shuttingDown    bool
}

// Option configures the Tracker.
type Option func(*Tracker)

// WithAIOpener overrides how AI connections are opened.
func WithAIOpener(opener AIOpener) Option {
	return func(t *Tracker) { t.ai = opener }
}

// WithMediaOpener overrides how media legs are bound.
func WithMediaOpener(opener MediaOpener) Option {
	return func(t *Tracker) { t.mediaOpen = opener }
}

// NewTracker creates a Tracker. Wire the signaling client with SetSignaling
// before events arrive (the ari client needs the tracker as its handler, so
// construction is two-phase).
func NewTracker(cfg config.Config, logger *logrus.Logger, allocator *ports.Allocator, deps Deps, opts ...Option) *Tracker {
	t := &Tracker{
		cfg:             cfg,
		logger:          logger,
		deps:            deps,
		allocator:       allocator,
		resources:       resources.NewManager(logger),
		byCall:          make(map[string]*Session),
		byChannel:       make(map[string]*Session),
		pendingOutbound: make(map[string]bool),
	}
	t.ai = AIManagerOpener{Manager: aiconn.NewManager(cfg, logger)}
	t.mediaOpen = func(callID string, port int) (MediaLeg, error) {
		return media.Listen(callID, port, logger)
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// SetSignaling wires the telephony client.
func (t *Tracker) SetSignaling(s Signaling) {
	t.mu.Lock()
	t.signaling = s
	t.mu.Unlock()
}

// Get returns the session for a call id.
func (t *Tracker) Get(callID string) (*Session, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.byCall[callID]
	return s, ok
}

// Count returns the number of live sessions.
func (t *Tracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byCall)
}

// Dial originates an outbound call leg. The session is created when the
// channel enters the application, exactly like an inbound call.
func (t *Tracker) Dial(ctx context.Context, endpoint, callerID string) (string, error) {
	t.mu.Lock()
	signaling := t.signaling
	t.mu.Unlock()
	if signaling == nil {
		return "", errors.New("signaling client not wired")
	}

	ch, err := signaling.Originate(ctx, endpoint, callerID)
	if err != nil {
		return "", errors.Wrap(err, "originate")
	}

	t.mu.Lock()
	t.pendingOutbound[ch.ID] = true
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"channel_id": ch.ID,
		"endpoint":   endpoint,
	}).Info("Outbound call originated")
	return ch.ID, nil
}

// HandleTelephonyEvent implements ari.Handler.
func (t *Tracker) HandleTelephonyEvent(ev ari.Event) {
	if up, ok := ev.(ari.ChannelUp); ok {
		t.onChannelUp(up)
		return
	}

	t.mu.Lock()
	s := t.byChannel[ev.Channel()]
	t.mu.Unlock()
	if s == nil {
		t.logger.WithField("channel_id", ev.Channel()).
			Debug("Dropping event for untracked channel")
		return
	}
	s.post(telephonyEvent{ev: ev})
}

// ControlLost implements ari.Handler: every in-flight call is forced to
// error and torn down rather than left in limbo.
func (t *Tracker) ControlLost(err error) {
	t.mu.Lock()
	sessions := make([]*Session, 0, len(t.byCall))
	for _, s := range t.byCall {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()

	t.logger.WithError(err).WithField("calls", len(sessions)).
		Error("Signaling control lost; failing in-flight calls")
	for _, s := range sessions {
		s.requestStop(stop{
			reason:  "signaling control connection lost",
			outcome: callcore.OutcomeFailed,
			fail:    true,
		})
	}
}

// Shutdown tears down every live session in the fixed per-call order and
// waits for completion or ctx expiry.
func (t *Tracker) Shutdown(ctx context.Context) error {
	t.mu.Lock()
	t.shuttingDown = true
	sessions := make([]*Session, 0, len(t.byCall))
	for _, s := range t.byCall {
		sessions = append(sessions, s)
	}
	t.mu.Unlock()

	for _, s := range sessions {
		s.requestStop(stop{reason: "process shutdown", outcome: callcore.OutcomeCompleted})
	}
	for _, s := range sessions {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (t *Tracker) onChannelUp(up ari.ChannelUp) {
	// External media legs enter the application too; they belong to an
	// existing call, never start one.
	if strings.HasPrefix(up.Chan.Name, "UnicastRTP") {
		return
	}

	t.mu.Lock()
	if t.shuttingDown || t.signaling == nil {
		t.mu.Unlock()
		t.logger.WithField("channel_id", up.Chan.ID).
			Warn("Rejecting channel while not accepting calls")
		return
	}
	if _, exists := t.byChannel[up.Chan.ID]; exists {
		t.mu.Unlock()
		return
	}
	dir := Inbound
	if t.pendingOutbound[up.Chan.ID] {
		dir = Outbound
		delete(t.pendingOutbound, up.Chan.ID)
	}

	s := newSession(t, uuid.NewString(), up.Chan.ID, dir)
	t.byCall[s.ID] = s
	t.byChannel[s.ChannelID] = s
	t.mu.Unlock()

	t.logger.WithFields(logrus.Fields{
		"call_id":    s.ID,
		"channel_id": s.ChannelID,
		"direction":  dir.String(),
		"caller":     up.Chan.Caller.Number,
	}).Info("Call session created")

	s.start()
}

func (t *Tracker) getSignaling() Signaling {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.signaling
}

// registerChannel maps an additional channel (the external media leg) to an
// existing session so its events route correctly.
func (t *Tracker) registerChannel(channelID string, s *Session) {
	t.mu.Lock()
	t.byChannel[channelID] = s
	t.mu.Unlock()
}

// remove drops a finished session from the registry.
func (t *Tracker) remove(s *Session) {
	t.mu.Lock()
	delete(t.byCall, s.ID)
	delete(t.byChannel, s.ChannelID)
	if s.binding != nil {
		delete(t.byChannel, s.binding.MediaChannelID)
	}
	t.mu.Unlock()
}
