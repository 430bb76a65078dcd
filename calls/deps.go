package calls

import (
	"context"

	"github.com/carebridge/callcore/aiconn"
	"github.com/carebridge/callcore/ari"
	"github.com/carebridge/callcore/internal/arirest"
)

// MessageStore persists finalized conversation messages. Implemented by the
// persistence layer outside this core.
type MessageStore interface {
	SaveMessage(ctx context.Context, conversationID, role, text, kind string) error
}

// Notifier receives call lifecycle notifications. Implemented by billing,
// alerting, and the API layer.
type Notifier interface {
	NotifyHangup(callID, outcome string)
	OnCallStateChanged(callID, state string)
	OnCallEnded(callID string, durationSeconds int, outcome string)
	OnDTMF(callID, digit string)
}

// PromptSource supplies the per-call system prompt and greeting context.
type PromptSource interface {
	LookupInitialPrompt(ctx context.Context, callID string) (string, error)
}

// Deps are the external collaborators the orchestration core talks to.
type Deps struct {
	Store    MessageStore
	Notifier Notifier
	Prompts  PromptSource
}

// Signaling is the slice of the telephony client a call session needs.
// *ari.Client satisfies it.
type Signaling interface {
	Answer(ctx context.Context, channelID string) error
	Hangup(ctx context.Context, channelID string) error
	Originate(ctx context.Context, endpoint, callerID string) (*arirest.Channel, error)
	BridgeWithExternalMedia(ctx context.Context, callID, channelID string) (*ari.MediaBinding, error)
	ReleaseBinding(ctx context.Context, binding *ari.MediaBinding)
}

// MediaLeg is the slice of the media transport a call session needs.
// *media.Transport satisfies it.
type MediaLeg interface {
	Inbound() <-chan []byte
	Send(payload []byte) error
	Close() error
}

// MediaOpener binds a media leg to an allocated port.
type MediaOpener func(callID string, port int) (MediaLeg, error)

// AIConn is the slice of the AI connection a call session needs.
// *aiconn.Conn satisfies it.
type AIConn interface {
	IsReady() bool
	SendAudio(payload []byte) error
	CreateResponse() error
	CancelResponse() error
	CheckHealth()
	Close() error
}

// AIOpener opens AI connections for calls. *aiconn.Manager is adapted via
// AIManagerOpener.
type AIOpener interface {
	Open(ctx context.Context, callID, instructions string, h aiconn.Handlers) (AIConn, error)
}

// AIManagerOpener adapts *aiconn.Manager to AIOpener.
type AIManagerOpener struct {
	Manager *aiconn.Manager
}

// Open implements AIOpener.
func (o AIManagerOpener) Open(ctx context.Context, callID, instructions string, h aiconn.Handlers) (AIConn, error) {
	conn, err := o.Manager.Open(ctx, callID, instructions, h)
	if err != nil {
		return nil, err
	}
	return conn, nil
}
