// Package callcore is the real-time voice call orchestration core.
//
// It bridges a telephony signaling leg (channel/bridge events over a
// control WebSocket, raw audio over RTP/UDP external media) to a streaming
// AI conversational service (persistent WebSocket) and keeps both sides
// synchronized for the duration of a phone call:
//   - ari.Client: telephony signaling (events in, commands out)
//   - aiconn.Manager: per-call AI realtime socket lifecycle
//   - media.Transport: RTP/UDP audio in and out of the allocated port
//   - state.Machine: turn-taking state machine gating who may transmit
//   - calls.Tracker: per-call session registry and event loop
//
// # Quick Start
//
//	cfg, _ := config.Load()
//	allocator, _ := ports.NewAllocator(cfg.PortRangeMin, cfg.PortRangeMax)
//	tracker := calls.NewTracker(cfg, logger, allocator, deps)
//	client, _ := ari.Connect(ctx, cfg, logger, allocator, tracker)
//	tracker.SetSignaling(client)
//	// inbound channels now become tracked call sessions
package callcore

// Version is the orchestration core version.
const Version = "0.3.0"

// Audio format constants for the media leg.
const (
	// AudioEncodingMulaw is G.711 μ-law (8-bit, 8kHz), the narrowband
	// telephony codec carried on the external media port.
	AudioEncodingMulaw = "g711_ulaw"

	// DefaultSampleRate is the telephony sample rate (8kHz).
	DefaultSampleRate = 8000

	// RTPPayloadTypePCMU is the static RTP payload type for μ-law audio.
	RTPPayloadTypePCMU = 0

	// FrameBytes is the payload size of one 20ms μ-law frame.
	FrameBytes = 160
)

// Call outcome constants reported to billing and alerting collaborators.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeNoAnswer  = "no-answer"
	OutcomeHangup    = "caller-hangup"
)
