package aiconn

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// ServerEventType identifies an inbound AI protocol frame.
type ServerEventType string

const (
	EventSessionCreated       ServerEventType = "session.created"
	EventSessionUpdated       ServerEventType = "session.updated"
	EventAudioDelta           ServerEventType = "response.audio.delta"
	EventTranscriptDelta      ServerEventType = "response.audio_transcript.delta"
	EventResponseDone         ServerEventType = "response.done"
	EventSpeechStarted        ServerEventType = "input_audio_buffer.speech_started"
	EventSpeechStopped        ServerEventType = "input_audio_buffer.speech_stopped"
	EventInputTranscriptDone  ServerEventType = "conversation.item.input_audio_transcription.completed"
	EventError                ServerEventType = "error"
	// EventUnknown covers frame types this version does not understand;
	// they are surfaced, logged, and otherwise ignored.
	EventUnknown ServerEventType = "unknown"
)

// ServerEvent is one decoded inbound frame. Exactly the fields relevant to
// the frame's type are populated; Raw always carries the original payload.
type ServerEvent struct {
	Type ServerEventType

	// Audio is the decoded μ-law chunk for EventAudioDelta.
	Audio []byte
	// Text is the transcript delta (EventTranscriptDelta) or the final
	// user transcript (EventInputTranscriptDone).
	Text string
	// Message is the remote error description for EventError.
	Message string

	Raw json.RawMessage
}

// wireEvent is the superset of fields across known inbound frames.
type wireEvent struct {
	Type       string `json:"type"`
	Delta      string `json:"delta,omitempty"`
	Transcript string `json:"transcript,omitempty"`
	Error      *struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// decodeServerEvent parses one inbound frame. Unparsable frames return an
// error so the caller can log and drop them; unrecognized but well-formed
// frames come back as EventUnknown.
func decodeServerEvent(data []byte) (ServerEvent, error) {
	var wire wireEvent
	if err := json.Unmarshal(data, &wire); err != nil {
		return ServerEvent{}, fmt.Errorf("malformed frame: %w", err)
	}

	ev := ServerEvent{Type: ServerEventType(wire.Type), Raw: data}
	switch ev.Type {
	case EventSessionCreated, EventSessionUpdated, EventResponseDone,
		EventSpeechStarted, EventSpeechStopped:
	case EventAudioDelta:
		audio, err := base64.StdEncoding.DecodeString(wire.Delta)
		if err != nil {
			return ServerEvent{}, fmt.Errorf("bad audio delta: %w", err)
		}
		ev.Audio = audio
	case EventTranscriptDelta:
		ev.Text = wire.Delta
	case EventInputTranscriptDone:
		ev.Text = wire.Transcript
	case EventError:
		if wire.Error != nil {
			ev.Message = wire.Error.Message
		}
	default:
		ev.Type = EventUnknown
	}
	return ev, nil
}

// sessionConfig is the session.update payload configuring audio formats,
// turn detection, and system instructions.
type sessionConfig struct {
	Modalities        []string       `json:"modalities"`
	Instructions      string         `json:"instructions"`
	Voice             string         `json:"voice"`
	InputAudioFormat  string         `json:"input_audio_format"`
	OutputAudioFormat string         `json:"output_audio_format"`
	TurnDetection     *turnDetection `json:"turn_detection"`

	InputAudioTranscription *transcriptionConfig `json:"input_audio_transcription,omitempty"`
}

type turnDetection struct {
	Type              string  `json:"type"`
	Threshold         float64 `json:"threshold"`
	PrefixPaddingMs   int     `json:"prefix_padding_ms"`
	SilenceDurationMs int     `json:"silence_duration_ms"`
}

type transcriptionConfig struct {
	Model string `json:"model"`
}

type clientEvent struct {
	Type    string         `json:"type"`
	Session *sessionConfig `json:"session,omitempty"`
	Audio   string         `json:"audio,omitempty"`
}

func sessionUpdateFrame(instructions, voice string, vadThreshold float64, prefixPadding, silence time.Duration) clientEvent {
	return clientEvent{
		Type: "session.update",
		Session: &sessionConfig{
			Modalities:        []string{"audio", "text"},
			Instructions:      instructions,
			Voice:             voice,
			InputAudioFormat:  "g711_ulaw",
			OutputAudioFormat: "g711_ulaw",
			TurnDetection: &turnDetection{
				Type:              "server_vad",
				Threshold:         vadThreshold,
				PrefixPaddingMs:   int(prefixPadding / time.Millisecond),
				SilenceDurationMs: int(silence / time.Millisecond),
			},
			InputAudioTranscription: &transcriptionConfig{Model: "whisper-1"},
		},
	}
}

func appendAudioFrame(payload []byte) clientEvent {
	return clientEvent{
		Type:  "input_audio_buffer.append",
		Audio: base64.StdEncoding.EncodeToString(payload),
	}
}

func responseCreateFrame() clientEvent { return clientEvent{Type: "response.create"} }
func responseCancelFrame() clientEvent { return clientEvent{Type: "response.cancel"} }
