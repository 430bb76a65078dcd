// Package aiconn manages the persistent streaming socket to the AI
// conversational service, one connection per call. It owns readiness
// (transport open plus session-configuration ack), stall detection, and
// bounded-backoff reconnection.
package aiconn

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/carebridge/callcore/config"
)

var (
	// ErrNotReady is returned when audio is offered before the session
	// configuration ack has been received. Callers must never transmit
	// before readiness.
	ErrNotReady = errors.New("ai connection not ready")

	// ErrReconnectExhausted is fatal for the call: every reconnection
	// attempt failed.
	ErrReconnectExhausted = errors.New("ai reconnect attempts exhausted")

	// ErrStalled marks a connection that claims to be open but has
	// produced no activity past the stall threshold.
	ErrStalled = errors.New("ai connection stalled")
)

// Handlers receive connection lifecycle and protocol events. All handlers
// are attached before any frame can arrive.
type Handlers struct {
	// OnReady fires whenever readiness is (re)established, including
	// after a reconnect. Consumers must treat repeats as idempotent.
	OnReady func()
	// OnEvent receives every decoded protocol event.
	OnEvent func(ServerEvent)
	// OnError fires only for fatal failures (reconnect exhaustion).
	OnError func(error)
	// OnClose fires once after an explicit Close.
	OnClose func()
}

// Manager opens AI realtime connections for calls.
type Manager struct {
	cfg    config.Config
	logger *logrus.Logger
	dialer *websocket.Dialer
}

// NewManager creates a Manager.
func NewManager(cfg config.Config, logger *logrus.Logger) *Manager {
	return &Manager{
		cfg:    cfg,
		logger: logger,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout},
	}
}

// Open establishes the streaming connection for one call, configures the
// session with the given system instructions, and returns the handle. The
// read loop only starts after all handlers are in place.
func (m *Manager) Open(ctx context.Context, callID, instructions string, h Handlers) (*Conn, error) {
	c := &Conn{
		manager:      m,
		callID:       callID,
		instructions: instructions,
		handlers:     h,
	}
	if err := c.dial(ctx); err != nil {
		return nil, errors.Wrap(err, "open ai connection")
	}
	return c, nil
}

// Conn is one live AI realtime connection.
type Conn struct {
	manager      *Manager
	callID       string
	instructions string
	handlers     Handlers

	writeMu sync.Mutex // gorilla allows one concurrent writer

	mu           sync.Mutex
	ws           *websocket.Conn
	ready        bool
	recycling    bool
	closed       bool
	reconnects   int
	lastActivity time.Time

	closeOnce sync.Once
}

// dial connects, sends the session configuration, and starts the read loop.
func (c *Conn) dial(ctx context.Context) error {
	cfg := c.manager.cfg

	header := http.Header{}
	if cfg.AIAPIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.AIAPIKey)
	}
	header.Set("OpenAI-Beta", "realtime=v1")

	url := cfg.AIRealtimeURL
	if cfg.AIModel != "" {
		url += "?model=" + cfg.AIModel
	}

	ws, resp, err := c.manager.dialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil {
			return errors.Wrapf(err, "dial %s (status %d)", url, resp.StatusCode)
		}
		return errors.Wrapf(err, "dial %s", url)
	}

	c.mu.Lock()
	c.ws = ws
	c.lastActivity = time.Now()
	c.mu.Unlock()

	update := sessionUpdateFrame(c.instructions, cfg.AIVoice,
		cfg.VADThreshold, cfg.VADPrefixPadding, cfg.VADSilenceDuration)
	if err := c.writeJSON(update); err != nil {
		_ = ws.Close()
		return errors.Wrap(err, "send session config")
	}

	go c.readLoop(ws)
	return nil
}

// IsReady is true only once the transport is open and the session
// configuration ack has been received.
func (c *Conn) IsReady() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready && !c.closed
}

// Reconnects returns how many reconnection attempts the current outage has
// consumed. The counter resets once readiness is re-established.
func (c *Conn) Reconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reconnects
}

// LastActivity returns the time of the last observed socket activity.
func (c *Conn) LastActivity() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastActivity
}

// SendAudio forwards one μ-law chunk to the AI input buffer.
func (c *Conn) SendAudio(payload []byte) error {
	if !c.IsReady() {
		return ErrNotReady
	}
	return c.writeJSON(appendAudioFrame(payload))
}

// CreateResponse asks the AI to generate a response turn.
func (c *Conn) CreateResponse() error {
	if !c.IsReady() {
		return ErrNotReady
	}
	return c.writeJSON(responseCreateFrame())
}

// CancelResponse aborts the in-flight response, e.g. on interruption.
func (c *Conn) CancelResponse() error {
	if !c.IsReady() {
		return ErrNotReady
	}
	return c.writeJSON(responseCancelFrame())
}

// CheckHealth treats a silent-but-connected socket as stalled and routes it
// through the same recovery path as an explicit error.
func (c *Conn) CheckHealth() {
	c.mu.Lock()
	stalled := !c.closed && !c.recycling && c.ws != nil &&
		time.Since(c.lastActivity) > c.manager.cfg.StallThreshold
	c.mu.Unlock()

	if stalled {
		c.manager.logger.WithFields(logrus.Fields{
			"call_id": c.callID,
			"idle":    time.Since(c.LastActivity()).String(),
		}).Warn("AI connection stalled; recycling")
		c.recycle(ErrStalled)
	}
}

// Close shuts the connection down for good. Safe to call more than once.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		c.ready = false
		ws := c.ws
		c.ws = nil
		c.mu.Unlock()

		if ws != nil {
			_ = ws.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = ws.Close()
		}
		if c.handlers.OnClose != nil {
			c.handlers.OnClose()
		}
	})
	return nil
}

func (c *Conn) writeJSON(v any) error {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return ErrNotReady
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return ws.WriteJSON(v)
}

func (c *Conn) readLoop(ws *websocket.Conn) {
	logger := c.manager.logger
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.mu.Lock()
			closed := c.closed
			c.mu.Unlock()
			if closed {
				return
			}
			logger.WithError(err).WithField("call_id", c.callID).
				Warn("AI socket read failed; recycling")
			c.recycle(err)
			return
		}

		c.mu.Lock()
		c.lastActivity = time.Now()
		c.mu.Unlock()

		ev, err := decodeServerEvent(data)
		if err != nil {
			// Unparsable frames are logged and dropped, never fatal.
			logger.WithError(err).WithField("call_id", c.callID).
				Warn("Dropping unparsable AI frame")
			continue
		}

		switch ev.Type {
		case EventSessionCreated:
			continue
		case EventSessionUpdated:
			c.mu.Lock()
			c.ready = true
			// A fresh outage gets the full attempt allowance again.
			c.reconnects = 0
			c.mu.Unlock()
			if c.handlers.OnReady != nil {
				c.handlers.OnReady()
			}
			continue
		case EventError:
			logger.WithFields(logrus.Fields{
				"call_id": c.callID,
				"message": ev.Message,
			}).Warn("AI service reported an error")
		case EventUnknown:
			logger.WithField("call_id", c.callID).
				Debug("Ignoring unknown AI frame type")
			continue
		}

		if c.handlers.OnEvent != nil {
			c.handlers.OnEvent(ev)
		}
	}
}

// recycle tears the socket down and starts the bounded reconnection loop.
// Only one recycle may be in flight at a time.
func (c *Conn) recycle(cause error) {
	c.mu.Lock()
	if c.closed || c.recycling {
		c.mu.Unlock()
		return
	}
	c.recycling = true
	c.ready = false
	ws := c.ws
	c.ws = nil
	c.mu.Unlock()

	if ws != nil {
		_ = ws.Close()
	}
	go c.reconnectLoop(cause)
}

func (c *Conn) reconnectLoop(cause error) {
	cfg := c.manager.cfg
	logger := c.manager.logger
	backoff := cfg.ReconnectBackoff

	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.reconnects++
		attempt := c.reconnects
		c.mu.Unlock()

		if attempt > cfg.ReconnectAttempts {
			logger.WithFields(logrus.Fields{
				"call_id":  c.callID,
				"attempts": cfg.ReconnectAttempts,
			}).Error("AI reconnect attempts exhausted; call is fatal")
			if c.handlers.OnError != nil {
				c.handlers.OnError(errors.Wrap(ErrReconnectExhausted, cause.Error()))
			}
			return
		}

		logger.WithFields(logrus.Fields{
			"call_id": c.callID,
			"attempt": attempt,
			"backoff": backoff.String(),
		}).Info("Reconnecting AI socket")
		time.Sleep(backoff)
		backoff *= 2
		if backoff > cfg.ReconnectMax {
			backoff = cfg.ReconnectMax
		}

		ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
		err := c.dial(ctx)
		cancel()
		if err == nil {
			c.mu.Lock()
			c.recycling = false
			c.mu.Unlock()
			return
		}
		logger.WithError(err).WithField("call_id", c.callID).
			Warn("AI reconnect attempt failed")
	}
}
