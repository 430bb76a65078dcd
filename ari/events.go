package ari

import (
	"encoding/json"
	"fmt"

	"github.com/carebridge/callcore/internal/arirest"
)

// Event is one decoded telephony control event. Concrete types form a
// closed set plus UnknownEvent for forward compatibility.
type Event interface {
	// Channel returns the id of the channel the event concerns.
	Channel() string
}

// ChannelUp fires when a channel enters the application (call start).
type ChannelUp struct {
	Chan arirest.Channel
}

// Channel returns the channel id.
func (e ChannelUp) Channel() string { return e.Chan.ID }

// StateChanged fires on channel state transitions (ringing, up, ...).
type StateChanged struct {
	ChannelID string
	State     string
}

// Channel returns the channel id.
func (e StateChanged) Channel() string { return e.ChannelID }

// ChannelGone fires when a channel leaves the application or is destroyed;
// it is the hangup signal for the owning call.
type ChannelGone struct {
	ChannelID string
	Cause     int
}

// Channel returns the channel id.
func (e ChannelGone) Channel() string { return e.ChannelID }

// DTMF fires for a received DTMF digit.
type DTMF struct {
	ChannelID string
	Digit     string
}

// Channel returns the channel id.
func (e DTMF) Channel() string { return e.ChannelID }

// UnknownEvent covers control event types this version does not understand.
type UnknownEvent struct {
	Type      string
	ChannelID string
}

// Channel returns the channel id, which may be empty.
func (e UnknownEvent) Channel() string { return e.ChannelID }

// wireEvent is the superset of fields across known control events.
type wireEvent struct {
	Type    string           `json:"type"`
	Channel *arirest.Channel `json:"channel,omitempty"`
	Digit   string           `json:"digit,omitempty"`
	Cause   int              `json:"cause,omitempty"`
}

// decodeEvent parses one control frame into a typed event.
func decodeEvent(data []byte) (Event, error) {
	var wire wireEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("malformed control event: %w", err)
	}

	channelID := ""
	if wire.Channel != nil {
		channelID = wire.Channel.ID
	}

	switch wire.Type {
	case "StasisStart":
		if wire.Channel == nil {
			return nil, fmt.Errorf("StasisStart without channel")
		}
		return ChannelUp{Chan: *wire.Channel}, nil
	case "ChannelStateChange":
		state := ""
		if wire.Channel != nil {
			state = wire.Channel.State
		}
		return StateChanged{ChannelID: channelID, State: state}, nil
	case "StasisEnd", "ChannelDestroyed":
		return ChannelGone{ChannelID: channelID, Cause: wire.Cause}, nil
	case "ChannelDtmfReceived":
		return DTMF{ChannelID: channelID, Digit: wire.Digit}, nil
	default:
		return UnknownEvent{Type: wire.Type, ChannelID: channelID}, nil
	}
}
