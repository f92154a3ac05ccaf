package session

import (
	"errors"
	"fmt"
)

// Sentinel errors.
var (
	// ErrNotReady is returned by [Controller.StartRecording] when no session
	// is open and the inline reconnect attempt failed.
	ErrNotReady = errors.New("session: not ready")

	// ErrClosed is returned by every operation after [Controller.Close].
	ErrClosed = errors.New("session: controller closed")
)

// State is the lifecycle position of a [Controller].
type State int

const (
	// StateUninitialized means no session is open and none is being opened.
	StateUninitialized State = iota

	// StateConnecting means a session is being opened.
	StateConnecting

	// StateReady means a session is open and microphone audio is not being
	// forwarded.
	StateReady

	// StateRecording means a session is open and microphone audio is being
	// forwarded.
	StateRecording

	// StateClosing means the controller is tearing down its resources.
	StateClosing

	// StateErrored means the last attempt to open a session failed.
	StateErrored
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateRecording:
		return "recording"
	case StateClosing:
		return "closing"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler so the state renders by name
// in JSON status documents.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Status is the single user-facing status slot. Message and Err are mutually
// exclusive: setting one clears the other.
type Status struct {
	State     State
	Recording bool
	Message   string
	Err       error
}

// Text returns the message, or the error text if an error is set.
func (s Status) Text() string {
	if s.Err != nil {
		return s.Err.Error()
	}
	return s.Message
}
