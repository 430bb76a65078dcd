package calls

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/carebridge/callcore"
	"github.com/carebridge/callcore/aiconn"
	"github.com/carebridge/callcore/ari"
	"github.com/carebridge/callcore/config"
	"github.com/carebridge/callcore/resources"
	"github.com/carebridge/callcore/state"
)

// Direction indicates whether the telephony leg is inbound or outbound.
type Direction int

const (
	// Inbound represents a caller dialing in.
	Inbound Direction = iota
	// Outbound represents a leg originated by this process.
	Outbound
)

// String returns the string representation of Direction.
func (d Direction) String() string {
	if d == Outbound {
		return "outbound"
	}
	return "inbound"
}

// sessionEvent is the tagged union funneled through the per-call queue.
// Producers (socket readers, media pump, timers) push typed events; the
// session goroutine is the single owner applying transitions.
type sessionEvent interface{ isSessionEvent() }

type telephonyEvent struct{ ev ari.Event }
type aiEvent struct{ ev aiconn.ServerEvent }
type aiReady struct{}
type aiFatal struct{ err error }
type mediaIn struct{ payload []byte }
type setupTimedOut struct{}

func (telephonyEvent) isSessionEvent() {}
func (aiEvent) isSessionEvent()        {}
func (aiReady) isSessionEvent()        {}
func (aiFatal) isSessionEvent()        {}
func (mediaIn) isSessionEvent()        {}
func (setupTimedOut) isSessionEvent()  {}

// stop asks the session loop to tear the call down.
type stop struct {
	reason  string
	outcome string
	fail    bool // drive the state machine to error instead of call_ending
}

// Session is one tracked call: the aggregate of telephony resources, media
// leg, AI connection, and conversation state.
type Session struct {
	ID        string
	ChannelID string
	Direction Direction

	cfg       config.Config
	logger    *logrus.Logger
	tracker   *Tracker
	machine   *state.Machine
	resources *resources.Manager

	events chan sessionEvent
	stopCh chan stop
	done   chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	// Owned by the session goroutine; no lock needed.
	binding          *ari.MediaBinding
	mediaLeg         MediaLeg
	aiConn           AIConn
	pendingAssistant strings.Builder
	greetingStarted  bool

	startedAt  time.Time
	answeredAt time.Time

	activityMu   sync.Mutex
	lastActivity time.Time

	teardownOnce sync.Once
}

func newSession(t *Tracker, id, channelID string, dir Direction) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		ID:        id,
		ChannelID: channelID,
		Direction: dir,
		cfg:       t.cfg,
		logger:    t.logger,
		tracker:   t,
		machine:   state.NewMachine(id, t.cfg.HistorySize, t.cfg.GreetingGrace, t.logger),
		resources: t.resources,
		events:    make(chan sessionEvent, 256),
		stopCh:    make(chan stop, 1),
		done:      make(chan struct{}),
		ctx:       ctx,
		cancel:    cancel,
		startedAt: time.Now(),
	}
}

// State returns the current conversation state.
func (s *Session) State() state.Conversation {
	return s.machine.Current()
}

// History returns the bounded state transition history.
func (s *Session) History() []state.Transition {
	return s.machine.History()
}

// Done is closed once the session has fully torn down.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// post enqueues an event for the session loop, dropping it if the call is
// going away or the queue is saturated.
func (s *Session) post(ev sessionEvent) {
	select {
	case s.events <- ev:
	case <-s.ctx.Done():
	default:
		s.logger.WithField("call_id", s.ID).Warn("Session event queue full; dropping event")
	}
}

// requestStop asks the loop to tear down. Later requests lose to the first.
func (s *Session) requestStop(req stop) {
	select {
	case s.stopCh <- req:
	default:
	}
}

// start runs call setup and enters the event loop.
func (s *Session) start() {
	go s.run()
}

func (s *Session) run() {
	if err := s.setup(); err != nil {
		s.logger.WithError(err).WithField("call_id", s.ID).Error("Call setup failed")
		s.finish(stop{reason: "setup failed: " + err.Error(), outcome: callcore.OutcomeFailed, fail: true})
		return
	}

	setupTimer := time.AfterFunc(s.cfg.ConnectTimeout, func() { s.post(setupTimedOut{}) })
	defer setupTimer.Stop()

	healthTick := time.NewTicker(s.cfg.StallThreshold / 3)
	s.resources.Acquire(s.ID, resources.KindTimer, func() {
		healthTick.Stop()
		s.cancel()
	})

	for {
		select {
		case req := <-s.stopCh:
			s.finish(req)
			return
		case <-s.ctx.Done():
			s.finish(stop{reason: "session cancelled", outcome: callcore.OutcomeCompleted})
			return
		case <-healthTick.C:
			if s.aiConn != nil {
				s.aiConn.CheckHealth()
			}
		case ev := <-s.events:
			if req, finished := s.handle(ev); finished {
				s.finish(req)
				return
			}
		}
	}
}

// setup acquires the telephony resource set, the media leg, and the AI
// connection, registering each with the resource manager as it appears.
func (s *Session) setup() error {
	s.touch()
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	defer cancel()

	signaling := s.tracker.getSignaling()

	if s.Direction == Inbound {
		if err := signaling.Answer(ctx, s.ChannelID); err != nil {
			return err
		}
	}

	binding, err := signaling.BridgeWithExternalMedia(ctx, s.ID, s.ChannelID)
	if err != nil {
		// The caller channel is up but unusable; hang it up.
		_ = signaling.Hangup(context.Background(), s.ChannelID)
		return err
	}
	s.binding = binding
	s.tracker.registerChannel(binding.MediaChannelID, s)
	s.resources.Acquire(s.ID, resources.KindSignaling, func() {
		teardownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
		defer cancel()
		signaling.ReleaseBinding(teardownCtx, binding)
		_ = signaling.Hangup(teardownCtx, s.ChannelID)
	})

	leg, err := s.tracker.mediaOpen(s.ID, binding.Port)
	if err != nil {
		// The media releaser below never registered; drop the lease here.
		s.tracker.allocator.Release(binding.Port)
		return err
	}
	s.mediaLeg = leg
	port := binding.Port
	s.resources.Acquire(s.ID, resources.KindMedia, func() {
		_ = leg.Close()
		s.tracker.allocator.Release(port)
	})
	go s.pumpMedia(leg)

	prompt, err := s.tracker.deps.Prompts.LookupInitialPrompt(ctx, s.ID)
	if err != nil {
		return err
	}

	conn, err := s.tracker.ai.Open(ctx, s.ID, prompt, aiconn.Handlers{
		OnReady: func() { s.post(aiReady{}) },
		OnEvent: func(ev aiconn.ServerEvent) { s.post(aiEvent{ev: ev}) },
		OnError: func(err error) { s.post(aiFatal{err: err}) },
		OnClose: func() {},
	})
	if err != nil {
		return err
	}
	s.aiConn = conn
	s.resources.Acquire(s.ID, resources.KindAISocket, func() { _ = conn.Close() })

	s.transition(state.WaitingForGreeting, "call setup complete")
	return nil
}

// pumpMedia forwards inbound media payloads into the session queue.
func (s *Session) pumpMedia(leg MediaLeg) {
	for payload := range leg.Inbound() {
		s.post(mediaIn{payload: payload})
	}
}

// handle processes one event. It returns a stop request once the event ends
// the call.
func (s *Session) handle(ev sessionEvent) (stop, bool) {
	s.touch()

	switch ev := ev.(type) {
	case setupTimedOut:
		if !s.greetingStarted {
			return stop{reason: "ai session not ready within setup timeout", outcome: callcore.OutcomeFailed, fail: true}, true
		}

	case aiReady:
		// Repeats arrive after reconnects; only the first starts the greeting.
		if s.machine.Current() == state.WaitingForGreeting {
			s.greetingStarted = true
			s.transition(state.GreetingActive, "greeting started")
			if err := s.aiConn.CreateResponse(); err != nil {
				s.logger.WithError(err).WithField("call_id", s.ID).Warn("Greeting request failed")
			}
		}

	case aiFatal:
		return stop{reason: "ai connection fatal: " + ev.err.Error(), outcome: callcore.OutcomeFailed, fail: true}, true

	case mediaIn:
		// Caller audio is forwarded only while the caller holds the floor;
		// anything else is discarded, not buffered.
		if s.machine.CanUserSpeak() && s.aiConn.IsReady() {
			if err := s.aiConn.SendAudio(ev.payload); err != nil {
				s.logger.WithError(err).WithField("call_id", s.ID).Debug("Dropping caller audio")
			}
		}

	case aiEvent:
		return s.handleAIEvent(ev.ev)

	case telephonyEvent:
		return s.handleTelephonyEvent(ev.ev)
	}
	return stop{}, false
}

func (s *Session) handleAIEvent(ev aiconn.ServerEvent) (stop, bool) {
	switch ev.Type {
	case aiconn.EventAudioDelta:
		// AI audio reaches the caller only while the AI holds the floor.
		if s.machine.CanAIRespond() {
			if err := s.mediaLeg.Send(ev.Audio); err != nil {
				s.logger.WithError(err).WithField("call_id", s.ID).Debug("Dropping AI audio")
			}
		}

	case aiconn.EventTranscriptDelta:
		// Accumulate; persisted as one message on turn completion.
		s.pendingAssistant.WriteString(ev.Text)

	case aiconn.EventResponseDone:
		switch s.machine.Current() {
		case state.GreetingActive:
			s.transition(state.GreetingComplete, "greeting finished")
			s.persistAssistant("greeting")
		case state.AIResponding:
			s.transition(state.ConversationActive, "response turn complete")
			s.persistAssistant("text")
		default:
			s.pendingAssistant.Reset()
		}

	case aiconn.EventSpeechStarted:
		s.onSpeechStarted()

	case aiconn.EventSpeechStopped:
		if s.machine.Current() == state.UserSpeaking {
			s.transition(state.AIResponding, "caller turn ended")
			if err := s.aiConn.CreateResponse(); err != nil {
				s.logger.WithError(err).WithField("call_id", s.ID).Warn("Response request failed")
			}
		}

	case aiconn.EventInputTranscriptDone:
		if ev.Text != "" {
			s.persist("user", ev.Text, "text")
		}

	case aiconn.EventError:
		// Remote protocol errors are observability, not call-enders.
		s.logger.WithFields(logrus.Fields{
			"call_id": s.ID,
			"message": ev.Message,
		}).Warn("AI error event on call")
	}
	return stop{}, false
}

// onSpeechStarted applies turn-taking when the caller starts speaking.
func (s *Session) onSpeechStarted() {
	switch s.machine.Current() {
	case state.GreetingComplete, state.ConversationActive:
		s.transition(state.UserSpeaking, "caller speech started")

	case state.AIResponding:
		// Barge-in: suppressed during the post-greeting grace window.
		if s.machine.InGreetingGrace() {
			s.logger.WithField("call_id", s.ID).Debug("Ignoring barge-in during greeting grace")
			return
		}
		if err := s.aiConn.CancelResponse(); err != nil {
			s.logger.WithError(err).WithField("call_id", s.ID).Warn("Response cancel failed")
		}
		s.pendingAssistant.Reset()
		s.transition(state.ConversationActive, "response interrupted")
		s.transition(state.UserSpeaking, "caller speech started")
	}
}

func (s *Session) handleTelephonyEvent(ev ari.Event) (stop, bool) {
	switch ev := ev.(type) {
	case ari.StateChanged:
		if ev.State == "Up" && s.answeredAt.IsZero() {
			s.answeredAt = time.Now()
		}

	case ari.DTMF:
		s.logger.WithFields(logrus.Fields{
			"call_id": s.ID,
			"digit":   ev.Digit,
		}).Info("DTMF received")
		s.tracker.deps.Notifier.OnDTMF(s.ID, ev.Digit)

	case ari.ChannelGone:
		if ev.ChannelID == s.ChannelID {
			if s.Direction == Outbound && s.answeredAt.IsZero() {
				return stop{reason: "outbound leg never answered", outcome: callcore.OutcomeNoAnswer}, true
			}
			return stop{reason: "caller hung up", outcome: callcore.OutcomeHangup}, true
		}
		if s.binding != nil && ev.ChannelID == s.binding.MediaChannelID {
			return stop{reason: "media channel destroyed", outcome: callcore.OutcomeFailed, fail: true}, true
		}
	}
	return stop{}, false
}

// transition applies a state change and notifies collaborators on success.
func (s *Session) transition(next state.Conversation, reason string) {
	if s.machine.Transition(next, reason) {
		s.tracker.deps.Notifier.OnCallStateChanged(s.ID, next.String())
	}
}

// persistAssistant saves the accumulated assistant text as one message and
// resets the accumulator. Called only on turn completion, never per delta.
func (s *Session) persistAssistant(kind string) {
	text := s.pendingAssistant.String()
	s.pendingAssistant.Reset()
	if text == "" {
		return
	}
	s.persist("assistant", text, kind)
}

func (s *Session) persist(role, text, kind string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	defer cancel()
	if err := s.tracker.deps.Store.SaveMessage(ctx, s.ID, role, text, kind); err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			"call_id": s.ID,
			"role":    role,
		}).Error("Failed to persist message")
	}
}

func (s *Session) touch() {
	s.activityMu.Lock()
	s.lastActivity = time.Now()
	s.activityMu.Unlock()
}

// LastActivity returns when the session last observed any event.
func (s *Session) LastActivity() time.Time {
	s.activityMu.Lock()
	defer s.activityMu.Unlock()
	return s.lastActivity
}

// finish drives the final state transition, releases every resource in the
// fixed order, and notifies collaborators exactly once.
func (s *Session) finish(req stop) {
	s.teardownOnce.Do(func() {
		if req.fail {
			s.machine.Transition(state.Error, req.reason)
			s.tracker.deps.Notifier.OnCallStateChanged(s.ID, state.Error.String())
		} else if !s.machine.Current().IsTerminal() {
			// Before the greeting completes the only exit is error; a hangup
			// there still ends in a terminal state without a rejected
			// transition.
			final := state.CallEnding
			if !s.machine.CanTransition(final) {
				final = state.Error
			}
			s.transition(final, req.reason)
		}

		s.resources.ReleaseAll(s.ID)
		s.cancel()

		duration := 0
		if !s.answeredAt.IsZero() {
			duration = int(time.Since(s.answeredAt) / time.Second)
		}
		s.tracker.deps.Notifier.NotifyHangup(s.ID, req.outcome)
		s.tracker.deps.Notifier.OnCallEnded(s.ID, duration, req.outcome)

		s.logger.WithFields(logrus.Fields{
			"call_id":  s.ID,
			"reason":   req.reason,
			"outcome":  req.outcome,
			"duration": duration,
		}).Info("Call ended")

		s.tracker.remove(s)
		close(s.done)
	})
}
