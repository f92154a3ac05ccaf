// Package live defines the Provider interface for realtime, bidirectional
// audio conversation services such as the Gemini Live API.
//
// A live provider opens a stateful session that accepts a continuous stream of
// microphone audio and streams back synthesised audio replies. The service
// runs its own voice activity detection and may interrupt its current reply
// when the user starts speaking (barge-in); that signal is surfaced as an
// [EventInterrupted] so the client can silence playback immediately.
//
// Sessions deliver inbound traffic as an ordered stream of [Event] values on a
// single channel. Ordering matters: the audio parts of a server message are
// emitted before an interruption carried by the same message.
//
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MrWong99/livevoice/pkg/audio"
)

// ErrSessionClosed is returned by [Session.SendAudio] after the session ended,
// either because Close was called or because the remote side went away.
var ErrSessionClosed = errors.New("live: session closed")

// ModalityAudio is the only response modality the session client requests.
const ModalityAudio = "AUDIO"

// SessionConfig is the initial configuration for a new live session.
type SessionConfig struct {
	// Model overrides the provider's default model when non-empty.
	Model string

	// Voice is the name of a prebuilt voice (e.g. "Orus"). Empty selects the
	// service default.
	Voice string

	// Instructions is the free-text system instruction. It may embed a whole
	// reference document; providers pass it through unmodified.
	Instructions string

	// ResponseModalities lists the requested output modalities. Empty means
	// [ModalityAudio].
	ResponseModalities []string
}

// Modalities returns the configured response modalities, defaulting to audio.
func (c SessionConfig) Modalities() []string {
	if len(c.ResponseModalities) == 0 {
		return []string{ModalityAudio}
	}
	return c.ResponseModalities
}

// EventKind discriminates [Event] values.
type EventKind int

const (
	// EventAudio carries one inline audio chunk of the model's reply.
	EventAudio EventKind = iota

	// EventInterrupted reports that the service stopped its current reply
	// because the user started speaking.
	EventInterrupted

	// EventTurnComplete reports that the model finished its turn.
	EventTurnComplete

	// EventText carries a text part or a transcription.
	EventText

	// EventGoAway reports that the service will disconnect soon.
	EventGoAway

	// EventError reports a non-fatal error message sent by the service.
	EventError
)

// String returns the human-readable name of the kind.
func (k EventKind) String() string {
	switch k {
	case EventAudio:
		return "audio"
	case EventInterrupted:
		return "interrupted"
	case EventTurnComplete:
		return "turn_complete"
	case EventText:
		return "text"
	case EventGoAway:
		return "go_away"
	case EventError:
		return "error"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Text sources for [EventText].
const (
	TextModel  = "model"  // text part of the model turn
	TextInput  = "input"  // transcription of the user's speech
	TextOutput = "output" // transcription of the model's speech
)

// Event is one inbound occurrence on a live session.
type Event struct {
	Kind EventKind

	// Audio is set for EventAudio.
	Audio audio.EncodedChunk

	// Text and Source are set for EventText.
	Text   string
	Source string

	// TimeLeft is set for EventGoAway.
	TimeLeft time.Duration

	// Err is set for EventError.
	Err error
}

// CloseError describes why a session ended from the remote side. It is
// returned by [Session.Err] after the event channel closed.
type CloseError struct {
	// Code is the WebSocket close status, or -1 if the connection dropped
	// without a close frame.
	Code int

	// Reason is the close reason sent by the peer, possibly empty.
	Reason string
}

// Error implements error.
func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("live: connection closed (code %d)", e.Code)
	}
	return fmt.Sprintf("live: connection closed (code %d): %s", e.Code, e.Reason)
}

// Session is an open live conversation.
//
// Callers must call Close when the session is no longer needed.
type Session interface {
	// SendAudio forwards one encoded microphone chunk as realtime input.
	// Returns an error wrapping [ErrSessionClosed] once the session ended.
	SendAudio(ctx context.Context, chunk audio.EncodedChunk) error

	// Events returns the inbound event stream. The channel is closed when the
	// session ends; call Err afterwards to learn why.
	Events() <-chan Event

	// Err returns the reason the session ended: nil after a local Close, a
	// *[CloseError] when the peer closed, or the transport error otherwise.
	Err() error

	// Close terminates the session. Calling Close more than once is safe and
	// returns nil.
	Close() error
}

// Capabilities describes static properties of a provider.
type Capabilities struct {
	// InputSampleRate is the rate the service expects microphone audio at.
	InputSampleRate int

	// OutputSampleRate is the rate of the audio the service produces.
	OutputSampleRate int

	// Voices lists known prebuilt voice names.
	Voices []string
}

// Provider opens live sessions.
type Provider interface {
	// Connect opens a session and returns once the service acknowledged the
	// setup. Returns an error if the connection or setup fails or ctx ends
	// first. The caller owns the returned session.
	Connect(ctx context.Context, cfg SessionConfig) (Session, error)

	// Name identifies the provider in logs and metrics.
	Name() string

	// Capabilities returns static metadata about the provider.
	Capabilities() Capabilities
}

// GeminiVoices lists the prebuilt voices offered by the Gemini Live models.
var GeminiVoices = []string{
	"Aoede", "Charon", "Fenrir", "Kore", "Leda", "Orus", "Puck", "Zephyr",
}
