// Package ari manages the control-plane connection to the telephony
// signaling server: it receives channel and bridge lifecycle events over
// one persistent WebSocket for the whole process, and issues commands
// through the REST API, every outbound command wrapped by the shared
// circuit breaker for the telephony dependency.
package ari

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/carebridge/callcore/breaker"
	"github.com/carebridge/callcore/config"
	"github.com/carebridge/callcore/internal/arirest"
	"github.com/carebridge/callcore/ports"
)

// Handler consumes telephony events. Implemented by the call tracker.
type Handler interface {
	// HandleTelephonyEvent receives every decoded control event.
	HandleTelephonyEvent(ev Event)
	// ControlLost fires when the control connection drops; in-flight
	// calls must be forced to error and torn down, not left in limbo.
	ControlLost(err error)
}

// Client is the process-wide telephony signaling client.
type Client struct {
	cfg       config.Config
	logger    *logrus.Logger
	rest      *arirest.Client
	brk       *breaker.Breaker
	allocator *ports.Allocator
	handler   Handler
	dialer    *websocket.Dialer

	mu sync.Mutex
	ws *websocket.Conn

	done      chan struct{}
	closeOnce sync.Once
}

// Connect establishes the control connection with bounded startup retries
// and starts the event loop. The returned client stays up for the process
// lifetime; steady-state connection loss is logged and retried, never fatal
// to the process.
func Connect(ctx context.Context, cfg config.Config, logger *logrus.Logger, allocator *ports.Allocator, handler Handler) (*Client, error) {
	rest, err := arirest.New(&arirest.Config{
		BaseURL:  cfg.ARIBaseURL,
		Username: cfg.ARIUsername,
		Password: cfg.ARIPassword,
	})
	if err != nil {
		return nil, errors.Wrap(err, "signaling rest client")
	}

	c := &Client{
		cfg:       cfg,
		logger:    logger,
		rest:      rest,
		brk:       breaker.New("telephony", cfg.BreakerThreshold, cfg.BreakerReset, logger),
		allocator: allocator,
		handler:   handler,
		dialer:    &websocket.Dialer{HandshakeTimeout: cfg.ConnectTimeout},
		done:      make(chan struct{}),
	}

	ws, err := c.dialWithRetry(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "connect signaling socket")
	}
	c.ws = ws

	go c.eventLoop(ws)
	return c, nil
}

// Breaker exposes the shared telephony circuit breaker state for metrics.
func (c *Client) Breaker() breaker.State {
	return c.brk.State()
}

// Close shuts the control connection down.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		ws := c.ws
		c.ws = nil
		c.mu.Unlock()
		if ws != nil {
			_ = ws.Close()
		}
	})
	return nil
}

// Answer answers a ringing channel.
func (c *Client) Answer(ctx context.Context, channelID string) error {
	return c.brk.Call(func() error { return c.rest.Answer(ctx, channelID) })
}

// Hangup tears a channel down.
func (c *Client) Hangup(ctx context.Context, channelID string) error {
	return c.brk.Call(func() error { return c.rest.Hangup(ctx, channelID) })
}

// Play starts media playback on a channel.
func (c *Client) Play(ctx context.Context, channelID, mediaURI string) error {
	return c.brk.Call(func() error { return c.rest.Play(ctx, channelID, mediaURI) })
}

// Originate starts an outbound call leg into the application.
func (c *Client) Originate(ctx context.Context, endpoint, callerID string) (*arirest.Channel, error) {
	var ch *arirest.Channel
	err := c.brk.Call(func() error {
		var err error
		ch, err = c.rest.Originate(ctx, &arirest.OriginateParams{
			Endpoint: endpoint,
			App:      c.cfg.ARIApp,
			CallerID: callerID,
			Timeout:  int(c.cfg.ConnectTimeout / time.Second),
		})
		return err
	})
	return ch, err
}

// DestroyBridge destroys a bridge.
func (c *Client) DestroyBridge(ctx context.Context, bridgeID string) error {
	return c.brk.Call(func() error { return c.rest.DestroyBridge(ctx, bridgeID) })
}

// MediaBinding is the telephony resource set created for one call: the
// bridge, the external media channel, and the leased local port.
type MediaBinding struct {
	BridgeID       string
	MediaChannelID string
	Port           int
}

// BridgeWithExternalMedia allocates a media port for the call, creates a
// mixing bridge containing the caller's channel, and attaches the port as a
// bidirectional external media endpoint. Partial failures unwind everything
// acquired so far.
func (c *Client) BridgeWithExternalMedia(ctx context.Context, callID, channelID string) (*MediaBinding, error) {
	port, err := c.allocator.Allocate(callID)
	if err != nil {
		return nil, errors.Wrap(err, "allocate media port")
	}

	var bridge *arirest.Bridge
	if err := c.brk.Call(func() error {
		var err error
		bridge, err = c.rest.CreateBridge(ctx)
		return err
	}); err != nil {
		c.allocator.Release(port)
		return nil, errors.Wrap(err, "create bridge")
	}

	if err := c.brk.Call(func() error { return c.rest.AddChannel(ctx, bridge.ID, channelID) }); err != nil {
		_ = c.brk.Call(func() error { return c.rest.DestroyBridge(ctx, bridge.ID) })
		c.allocator.Release(port)
		return nil, errors.Wrap(err, "add channel to bridge")
	}

	var media *arirest.Channel
	if err := c.brk.Call(func() error {
		var err error
		media, err = c.rest.ExternalMedia(ctx, &arirest.ExternalMediaParams{
			App:          c.cfg.ARIApp,
			ExternalHost: fmt.Sprintf("%s:%d", c.cfg.MediaHost, port),
			Format:       "ulaw",
		})
		return err
	}); err != nil {
		_ = c.brk.Call(func() error { return c.rest.DestroyBridge(ctx, bridge.ID) })
		c.allocator.Release(port)
		return nil, errors.Wrap(err, "create external media channel")
	}

	if err := c.brk.Call(func() error { return c.rest.AddChannel(ctx, bridge.ID, media.ID) }); err != nil {
		_ = c.brk.Call(func() error { return c.rest.Hangup(ctx, media.ID) })
		_ = c.brk.Call(func() error { return c.rest.DestroyBridge(ctx, bridge.ID) })
		c.allocator.Release(port)
		return nil, errors.Wrap(err, "add media channel to bridge")
	}

	return &MediaBinding{
		BridgeID:       bridge.ID,
		MediaChannelID: media.ID,
		Port:           port,
	}, nil
}

// ReleaseBinding tears down the telephony side of a media binding. The port
// lease is released by the resource manager, not here.
func (c *Client) ReleaseBinding(ctx context.Context, binding *MediaBinding) {
	if binding == nil {
		return
	}
	if err := c.Hangup(ctx, binding.MediaChannelID); err != nil {
		c.logger.WithError(err).WithField("channel_id", binding.MediaChannelID).
			Debug("Media channel hangup failed during teardown")
	}
	if err := c.DestroyBridge(ctx, binding.BridgeID); err != nil {
		c.logger.WithError(err).WithField("bridge_id", binding.BridgeID).
			Debug("Bridge destroy failed during teardown")
	}
}

// dialWithRetry connects the event socket with bounded exponential backoff.
func (c *Client) dialWithRetry(ctx context.Context) (*websocket.Conn, error) {
	wsURL, err := c.eventURL()
	if err != nil {
		return nil, err
	}

	backoff := c.cfg.ReconnectBackoff
	var lastErr error
	for attempt := 1; attempt <= c.cfg.ReconnectAttempts; attempt++ {
		ws, _, err := c.dialer.DialContext(ctx, wsURL, nil)
		if err == nil {
			return ws, nil
		}
		lastErr = err
		c.logger.WithError(err).WithFields(logrus.Fields{
			"attempt": attempt,
			"backoff": backoff.String(),
		}).Warn("Signaling socket dial failed")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-c.done:
			return nil, errors.New("client closed")
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > c.cfg.ReconnectMax {
			backoff = c.cfg.ReconnectMax
		}
	}
	return nil, lastErr
}

func (c *Client) eventURL() (string, error) {
	u, err := url.Parse(c.cfg.ARIWSURL)
	if err != nil {
		return "", errors.Wrap(err, "signaling ws url")
	}
	q := u.Query()
	q.Set("app", c.cfg.ARIApp)
	if c.cfg.ARIUsername != "" {
		q.Set("api_key", c.cfg.ARIUsername+":"+c.cfg.ARIPassword)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// eventLoop reads and dispatches control events until the socket drops.
// On loss it notifies the handler, then keeps retrying in the background:
// signaling loss degrades service but never crashes the process.
func (c *Client) eventLoop(ws *websocket.Conn) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
				return
			default:
			}

			c.logger.WithError(err).Error("Signaling control connection lost")
			c.handler.ControlLost(err)
			c.resumeEventLoop()
			return
		}

		ev, err := decodeEvent(data)
		if err != nil {
			// Protocol violations are logged and dropped.
			c.logger.WithError(err).Warn("Dropping malformed control event")
			continue
		}
		if unknown, ok := ev.(UnknownEvent); ok {
			c.logger.WithField("type", unknown.Type).Debug("Ignoring unknown control event")
			continue
		}

		c.handler.HandleTelephonyEvent(ev)
	}
}

// resumeEventLoop re-establishes the control socket in the background with
// unbounded patience, logging each failed round.
func (c *Client) resumeEventLoop() {
	go func() {
		for {
			select {
			case <-c.done:
				return
			default:
			}

			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ConnectTimeout)
			ws, err := c.dialWithRetry(ctx)
			cancel()
			if err == nil {
				c.mu.Lock()
				c.ws = ws
				c.mu.Unlock()
				c.logger.Info("Signaling control connection re-established")
				go c.eventLoop(ws)
				return
			}
			c.logger.WithError(err).Error("Signaling reconnect round failed; will keep retrying")
		}
	}()
}
