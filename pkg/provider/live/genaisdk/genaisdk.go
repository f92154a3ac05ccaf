// Package genaisdk implements the live.Provider interface on top of the
// official Google Gen AI Go SDK (google.golang.org/genai).
//
// It is an alternative to the hand-rolled WebSocket client in
// live/gemini. The SDK owns the wire protocol; this adapter translates its
// typed server messages into ordered [live.Event] values and serialises
// writes, because the SDK session allows only one concurrent writer.
package genaisdk

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"google.golang.org/genai"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
)

var _ live.Provider = (*Provider)(nil)
var _ live.Session = (*session)(nil)

const (
	defaultModel = "gemini-2.5-flash-preview-native-audio-dialog"
	eventBuffer  = 64

	// Prefixes of errors the SDK returns from Receive for a single bad
	// message. The connection itself is still usable after these.
	serverErrorPrefix   = "received error in response"
	invalidFormatPrefix = "invalid message format"
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the SDK base URL. A ws:// or wss:// scheme is kept
// as is; tests use it to point at a local server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithAPIVersion overrides the API version path segment. Default: v1beta.
func WithAPIVersion(v string) Option {
	return func(p *Provider) { p.apiVersion = v }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements live.Provider using the Gen AI SDK.
type Provider struct {
	apiKey     string
	model      string
	baseURL    string
	apiVersion string
}

// New creates a Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey, model: defaultModel}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Name implements live.Provider.
func (p *Provider) Name() string { return "gemini-live-sdk" }

// Capabilities implements live.Provider.
func (p *Provider) Capabilities() live.Capabilities {
	return live.Capabilities{
		InputSampleRate:  audio.CaptureSampleRate,
		OutputSampleRate: audio.PlaybackSampleRate,
		Voices:           live.GeminiVoices,
	}
}

// Connect opens an SDK live session and waits for the setup acknowledgement.
func (p *Provider) Connect(ctx context.Context, cfg live.SessionConfig) (live.Session, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  p.apiKey,
		Backend: genai.BackendGeminiAPI,
		HTTPOptions: genai.HTTPOptions{
			BaseURL:    p.baseURL,
			APIVersion: p.apiVersion,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("genaisdk: new client: %w", err)
	}

	model := p.model
	if cfg.Model != "" {
		model = cfg.Model
	}

	sdkSess, err := client.Live.Connect(ctx, model, connectConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("genaisdk: connect: %w", err)
	}

	if err := awaitSetupComplete(ctx, sdkSess); err != nil {
		_ = sdkSess.Close()
		return nil, fmt.Errorf("genaisdk: setup: %w", err)
	}

	s := &session{
		sdk:    sdkSess,
		events: make(chan live.Event, eventBuffer),
		done:   make(chan struct{}),
	}
	go s.receiveLoop()
	return s, nil
}

// connectConfig maps a live.SessionConfig onto the SDK's connect config.
func connectConfig(cfg live.SessionConfig) *genai.LiveConnectConfig {
	conf := &genai.LiveConnectConfig{}
	for _, m := range cfg.Modalities() {
		conf.ResponseModalities = append(conf.ResponseModalities, genai.Modality(m))
	}
	if cfg.Voice != "" {
		conf.SpeechConfig = &genai.SpeechConfig{
			VoiceConfig: &genai.VoiceConfig{
				PrebuiltVoiceConfig: &genai.PrebuiltVoiceConfig{VoiceName: cfg.Voice},
			},
		}
	}
	if cfg.Instructions != "" {
		conf.SystemInstruction = genai.NewContentFromText(cfg.Instructions, genai.RoleUser)
	}
	return conf
}

// awaitSetupComplete reads until the setup is acknowledged. Receive has no
// context parameter, so the session is closed to unblock it when ctx ends.
func awaitSetupComplete(ctx context.Context, sdkSess *genai.Session) error {
	result := make(chan error, 1)
	go func() {
		for {
			msg, err := sdkSess.Receive()
			if err != nil {
				result <- translateErr(err)
				return
			}
			if msg.SetupComplete != nil {
				result <- nil
				return
			}
		}
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		_ = sdkSess.Close()
		<-result
		return ctx.Err()
	}
}

// translateErr converts a gorilla close into a *live.CloseError.
func translateErr(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return &live.CloseError{Code: ce.Code, Reason: ce.Text}
	}
	return err
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	sdk    *genai.Session
	events chan live.Event

	writeMu sync.Mutex

	mu     sync.Mutex
	errVal error
	closed bool

	done      chan struct{}
	closeOnce sync.Once
}

func (s *session) receiveLoop() {
	defer close(s.events)

	for {
		msg, err := s.sdk.Receive()
		if err != nil {
			if s.isClosed() {
				return
			}
			switch {
			case strings.HasPrefix(err.Error(), serverErrorPrefix):
				if !s.emit(live.Event{Kind: live.EventError, Err: fmt.Errorf("genaisdk: %w", err)}) {
					return
				}
				continue
			case strings.HasPrefix(err.Error(), invalidFormatPrefix):
				slog.Debug("genaisdk: skipping malformed message", "err", err)
				continue
			}
			s.fail(translateErr(err))
			return
		}
		if !s.handle(msg) {
			return
		}
	}
}

// handle emits the events carried by msg: model parts, transcriptions,
// interruption, turn completion, then go-away.
func (s *session) handle(msg *genai.LiveServerMessage) bool {
	if sc := msg.ServerContent; sc != nil {
		if sc.ModelTurn != nil {
			for _, p := range sc.ModelTurn.Parts {
				if p == nil {
					continue
				}
				if p.InlineData != nil && len(p.InlineData.Data) > 0 {
					chunk := audio.EncodedChunk{
						MIMEType: p.InlineData.MIMEType,
						Data:     base64.StdEncoding.EncodeToString(p.InlineData.Data),
					}
					if !s.emit(live.Event{Kind: live.EventAudio, Audio: chunk}) {
						return false
					}
				}
				if p.Text != "" {
					if !s.emit(live.Event{Kind: live.EventText, Text: p.Text, Source: live.TextModel}) {
						return false
					}
				}
			}
		}
		if t := sc.InputTranscription; t != nil && t.Text != "" {
			if !s.emit(live.Event{Kind: live.EventText, Text: t.Text, Source: live.TextInput}) {
				return false
			}
		}
		if t := sc.OutputTranscription; t != nil && t.Text != "" {
			if !s.emit(live.Event{Kind: live.EventText, Text: t.Text, Source: live.TextOutput}) {
				return false
			}
		}
		if sc.Interrupted {
			if !s.emit(live.Event{Kind: live.EventInterrupted}) {
				return false
			}
		}
		if sc.TurnComplete {
			if !s.emit(live.Event{Kind: live.EventTurnComplete}) {
				return false
			}
		}
	}
	if msg.GoAway != nil {
		if !s.emit(live.Event{Kind: live.EventGoAway, TimeLeft: msg.GoAway.TimeLeft}) {
			return false
		}
	}
	return true
}

func (s *session) emit(ev live.Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *session) fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
	s.closed = true
}

func (s *session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ── Session methods ───────────────────────────────────────────────────────────

// SendAudio forwards one encoded chunk as a realtime media blob.
func (s *session) SendAudio(ctx context.Context, chunk audio.EncodedChunk) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("genaisdk: send: %w", err)
	}
	if s.isClosed() {
		return fmt.Errorf("genaisdk: send: %w", live.ErrSessionClosed)
	}
	pcm, err := audio.DecodeChunk(chunk)
	if err != nil {
		return fmt.Errorf("genaisdk: send: %w", err)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	err = s.sdk.SendRealtimeInput(genai.LiveRealtimeInput{
		Media: &genai.Blob{Data: pcm, MIMEType: chunk.MIMEType},
	})
	if err != nil {
		return fmt.Errorf("genaisdk: send: %w", err)
	}
	return nil
}

// Events implements live.Session.
func (s *session) Events() <-chan live.Event { return s.events }

// Err implements live.Session.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close implements live.Session. Idempotent.
func (s *session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
		_ = s.sdk.Close()
	})
	return nil
}
