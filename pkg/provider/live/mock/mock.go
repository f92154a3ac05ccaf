// Package mock provides test doubles for the live package interfaces.
//
// Use Provider to verify Connect calls and hand out controllable sessions.
// Use Session to inject inbound events, simulate a remote close, and inspect
// the audio chunks the caller sent.
//
// Example:
//
//	p := &mock.Provider{}
//	sess, _ := p.Connect(ctx, cfg)
//	p.LastSession().Emit(live.Event{Kind: live.EventInterrupted})
//	p.LastSession().EndWith(&live.CloseError{Code: 1011})
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

// eventBuffer is the capacity of a mock session's event channel.
const eventBuffer = 256

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg live.SessionConfig
}

// Provider is a mock implementation of live.Provider. Every successful
// Connect returns a fresh *Session.
type Provider struct {
	mu sync.Mutex

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Gate, if non-nil, makes Connect block until a value is received or the
	// channel is closed, or until ctx ends.
	Gate chan struct{}

	// ProviderCapabilities is returned by Capabilities.
	ProviderCapabilities live.Capabilities

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Sessions records every session handed out, in order.
	Sessions []*Session
}

// Connect records the call and returns a new Session or ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	gate := p.Gate
	p.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, fmt.Errorf("mock: connect: %w", ctx.Err())
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}
	s := NewSession()
	p.Sessions = append(p.Sessions, s)
	return s, nil
}

// Name implements live.Provider.
func (p *Provider) Name() string { return "mock" }

// Capabilities returns ProviderCapabilities.
func (p *Provider) Capabilities() live.Capabilities {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.ProviderCapabilities
}

// SetConnectErr sets ConnectErr. Thread-safe.
func (p *Provider) SetConnectErr(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ConnectErr = err
}

// ConnectCount returns the number of Connect calls. Thread-safe.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// LastSession returns the most recently created session, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.Sessions) == 0 {
		return nil
	}
	return p.Sessions[len(p.Sessions)-1]
}

var _ live.Provider = (*Provider)(nil)

// Session is a mock implementation of live.Session.
type Session struct {
	mu     sync.Mutex
	events chan live.Event
	closed bool
	err    error

	// SendAudioErr, if non-nil, is returned by every SendAudio call on an
	// open session.
	SendAudioErr error

	// SentChunks records every chunk accepted by SendAudio, in order.
	SentChunks []audio.EncodedChunk

	// CloseCallCount is the number of times Close was called.
	CloseCallCount int
}

// NewSession returns an open Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan live.Event, eventBuffer)}
}

// SendAudio records chunk. Returns an error wrapping live.ErrSessionClosed
// once the session ended.
func (s *Session) SendAudio(_ context.Context, chunk audio.EncodedChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("mock: send: %w", live.ErrSessionClosed)
	}
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	s.SentChunks = append(s.SentChunks, chunk)
	return nil
}

// Events implements live.Session.
func (s *Session) Events() <-chan live.Event { return s.events }

// Err implements live.Session.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close ends the session locally. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.CloseCallCount++
	s.end(nil)
	return nil
}

// Emit injects an inbound event. It reports false if the session already
// ended or the buffer is full.
func (s *Session) Emit(ev live.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.events <- ev:
		return true
	default:
		return false
	}
}

// EndWith simulates the remote side ending the session with err.
func (s *Session) EndWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.end(err)
}

// Sent returns a copy of SentChunks. Thread-safe.
func (s *Session) Sent() []audio.EncodedChunk {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.EncodedChunk(nil), s.SentChunks...)
}

// Closed reports whether the session ended.
func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// CloseCount returns CloseCallCount. Thread-safe.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCallCount
}

func (s *Session) end(err error) {
	if s.closed {
		return
	}
	s.closed = true
	s.err = err
	close(s.events)
}

var _ live.Session = (*Session)(nil)
