package gemini_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/MrWong99/livevoice/pkg/audio"
	"github.com/MrWong99/livevoice/pkg/provider/live"
	"github.com/MrWong99/livevoice/pkg/provider/live/gemini"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// wsURL converts an httptest server HTTP URL to a WebSocket URL.
func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

// startGeminiServer launches a test WebSocket server. The handler function
// receives the accepted *websocket.Conn. The server is automatically closed
// when the test finishes.
func startGeminiServer(t *testing.T, handler func(conn *websocket.Conn, r *http.Request)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			InsecureSkipVerify: true,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "done")
		handler(conn, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

// readJSON reads one WebSocket text frame and decodes it into v.
func readJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Errorf("readJSON: %v", err)
		return
	}
	if err := json.Unmarshal(data, v); err != nil {
		t.Errorf("readJSON unmarshal: %v", err)
	}
}

// writeJSON marshals v and sends it as a text frame.
func writeJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	data, _ := json.Marshal(v)
	if err := conn.Write(ctx, websocket.MessageText, data); err != nil {
		t.Logf("writeJSON: %v (may be expected on close)", err)
	}
}

// acceptSetup consumes the setup message and acknowledges it.
func acceptSetup(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	var raw map[string]any
	readJSON(t, conn, &raw)
	writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
}

// holdOpen blocks until the client closes the connection.
func holdOpen(conn *websocket.Conn) {
	<-conn.CloseRead(context.Background()).Done()
}

// newProvider creates a Provider pointing at the given test server.
func newProvider(srv *httptest.Server) *gemini.Provider {
	return gemini.New("test-api-key", gemini.WithBaseURL(wsURL(srv)))
}

// nextEvent waits for one event or fails the test.
func nextEvent(t *testing.T, sess live.Session) live.Event {
	t.Helper()
	select {
	case ev, ok := <-sess.Events():
		if !ok {
			t.Fatalf("event channel closed unexpectedly (err=%v)", sess.Err())
		}
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for event")
	}
	return live.Event{}
}

func audioPart(data string) map[string]any {
	return map[string]any{
		"inlineData": map[string]any{"mimeType": "audio/pcm;rate=24000", "data": data},
	}
}

// ── Connect ───────────────────────────────────────────────────────────────────

func TestNew_DefaultValues(t *testing.T) {
	t.Parallel()
	p := gemini.New("my-key")
	if p == nil {
		t.Fatal("New returned nil")
	}
	if p.Name() != "gemini-live" {
		t.Errorf("Name = %q, want gemini-live", p.Name())
	}
	caps := p.Capabilities()
	if caps.InputSampleRate != 16000 || caps.OutputSampleRate != 24000 {
		t.Errorf("rates = %d/%d, want 16000/24000", caps.InputSampleRate, caps.OutputSampleRate)
	}
	if len(caps.Voices) == 0 {
		t.Error("Voices should be non-empty")
	}
}

func TestConnect_SendsSetup(t *testing.T) {
	t.Parallel()

	type setupMsg struct {
		Setup struct {
			Model            string `json:"model"`
			GenerationConfig struct {
				ResponseModalities []string `json:"responseModalities"`
				SpeechConfig       *struct {
					VoiceConfig struct {
						PrebuiltVoiceConfig struct {
							VoiceName string `json:"voiceName"`
						} `json:"prebuiltVoiceConfig"`
					} `json:"voiceConfig"`
				} `json:"speechConfig"`
			} `json:"generationConfig"`
			SystemInstruction *struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"systemInstruction"`
		} `json:"setup"`
	}

	received := make(chan setupMsg, 1)
	query := make(chan string, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, r *http.Request) {
		query <- r.URL.RawQuery
		var msg setupMsg
		readJSON(t, conn, &msg)
		received <- msg
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		holdOpen(conn)
	})

	p := gemini.New("secret-key", gemini.WithBaseURL(wsURL(srv)), gemini.WithModel("custom-model"))
	sess, err := p.Connect(context.Background(), live.SessionConfig{
		Voice:        "Orus",
		Instructions: "You are a helpful assistant.",
	})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	if q := <-query; !strings.Contains(q, "key=secret-key") {
		t.Errorf("URL query %q should contain key=secret-key", q)
	}

	msg := <-received
	if want := "models/custom-model"; msg.Setup.Model != want {
		t.Errorf("model = %q; want %q", msg.Setup.Model, want)
	}
	if got := msg.Setup.GenerationConfig.ResponseModalities; len(got) != 1 || got[0] != "AUDIO" {
		t.Errorf("responseModalities = %v; want [AUDIO]", got)
	}
	if sc := msg.Setup.GenerationConfig.SpeechConfig; sc == nil || sc.VoiceConfig.PrebuiltVoiceConfig.VoiceName != "Orus" {
		t.Errorf("speechConfig = %+v; want voice Orus", sc)
	}
	si := msg.Setup.SystemInstruction
	if si == nil || len(si.Parts) == 0 || si.Parts[0].Text != "You are a helpful assistant." {
		t.Errorf("systemInstruction = %+v", si)
	}
}

func TestConnect_ModelOverride(t *testing.T) {
	t.Parallel()
	modelCh := make(chan string, 1)
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var msg struct {
			Setup struct {
				Model string `json:"model"`
			} `json:"setup"`
		}
		readJSON(t, conn, &msg)
		modelCh <- msg.Setup.Model
		writeJSON(t, conn, map[string]any{"setupComplete": map[string]any{}})
		holdOpen(conn)
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{Model: "models/other"})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()
	if got := <-modelCh; got != "models/other" {
		t.Errorf("model = %q; want models/other", got)
	}
}

func TestConnect_ServerErrorBeforeSetup(t *testing.T) {
	t.Parallel()
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		writeJSON(t, conn, map[string]any{
			"error": map[string]any{"code": 403, "message": "API key not valid", "status": "PERMISSION_DENIED"},
		})
		holdOpen(conn)
	})

	_, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err == nil {
		t.Fatal("Connect should fail when the server reports an error")
	}
	if !strings.Contains(err.Error(), "API key not valid") {
		t.Errorf("err = %v; want it to carry the server message", err)
	}
}

func TestConnect_ServerClosesBeforeSetup(t *testing.T) {
	t.Parallel()
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		var raw map[string]any
		readJSON(t, conn, &raw)
		conn.Close(websocket.StatusPolicyViolation, "quota exceeded")
	})

	_, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	var ce *live.CloseError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v; want *live.CloseError", err)
	}
	if ce.Reason != "quota exceeded" {
		t.Errorf("reason = %q; want quota exceeded", ce.Reason)
	}
}

func TestConnect_DialFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	_, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err == nil {
		t.Fatal("Connect to a non-websocket endpoint should fail")
	}
}

func TestConnect_ContextTimeout(t *testing.T) {
	t.Parallel()
	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		// Never acknowledge the setup.
		holdOpen(conn)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := newProvider(srv).Connect(ctx, live.SessionConfig{}); err == nil {
		t.Fatal("Connect should fail when setupComplete never arrives")
	}
}

// ── SendAudio ─────────────────────────────────────────────────────────────────

func TestSendAudio_EncodesAndSends(t *testing.T) {
	t.Parallel()

	type realtimeInput struct {
		RealtimeInput struct {
			MediaChunks []struct {
				MIMEType string `json:"mimeType"`
				Data     string `json:"data"`
			} `json:"mediaChunks"`
		} `json:"realtimeInput"`
	}

	audioMsg := make(chan realtimeInput, 1)

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		var msg realtimeInput
		readJSON(t, conn, &msg)
		audioMsg <- msg
		holdOpen(conn)
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	chunk := audio.EncodeFrame(audio.AudioFrame{Samples: []float32{0.5, -0.5}, SampleRate: 16000})
	if err := sess.SendAudio(context.Background(), chunk); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	select {
	case msg := <-audioMsg:
		chunks := msg.RealtimeInput.MediaChunks
		if len(chunks) != 1 {
			t.Fatalf("got %d media chunks, want 1", len(chunks))
		}
		if chunks[0].MIMEType != "audio/pcm;rate=16000" {
			t.Errorf("mimeType = %q; want audio/pcm;rate=16000", chunks[0].MIMEType)
		}
		if chunks[0].Data != chunk.Data {
			t.Errorf("data = %q; want %q", chunks[0].Data, chunk.Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for audio message")
	}
}

func TestSendAudio_AfterClose_ReturnsError(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		holdOpen(conn)
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := sess.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	err = sess.SendAudio(context.Background(), audio.EncodedChunk{MIMEType: "audio/pcm;rate=16000", Data: "AAA="})
	if !errors.Is(err, live.ErrSessionClosed) {
		t.Fatalf("SendAudio after Close = %v; want ErrSessionClosed", err)
	}
}

// ── Events ────────────────────────────────────────────────────────────────────

func TestEvents_AudioBeforeInterrupted(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn": map[string]any{
					"parts": []map[string]any{audioPart("AAAA"), audioPart("BBBB")},
				},
				"interrupted": true,
			},
		})
		holdOpen(conn)
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	want := []struct {
		kind live.EventKind
		data string
	}{
		{live.EventAudio, "AAAA"},
		{live.EventAudio, "BBBB"},
		{live.EventInterrupted, ""},
	}
	for i, w := range want {
		ev := nextEvent(t, sess)
		if ev.Kind != w.kind {
			t.Fatalf("event %d kind = %v; want %v", i, ev.Kind, w.kind)
		}
		if ev.Audio.Data != w.data {
			t.Errorf("event %d data = %q; want %q", i, ev.Audio.Data, w.data)
		}
		if w.kind == live.EventAudio && ev.Audio.MIMEType != "audio/pcm;rate=24000" {
			t.Errorf("event %d mime = %q", i, ev.Audio.MIMEType)
		}
	}
}

func TestEvents_TextTurnCompleteAndGoAway(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		writeJSON(t, conn, "this is not a server message object")
		writeJSON(t, conn, map[string]any{
			"serverContent": map[string]any{
				"modelTurn":          map[string]any{"parts": []map[string]any{{"text": "hello"}}},
				"inputTranscription": map[string]any{"text": "hi there"},
				"turnComplete":       true,
			},
		})
		writeJSON(t, conn, map[string]any{"goAway": map[string]any{"timeLeft": "10s"}})
		writeJSON(t, conn, map[string]any{"error": map[string]any{"code": 500, "message": "overloaded"}})
		holdOpen(conn)
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	ev := nextEvent(t, sess)
	if ev.Kind != live.EventText || ev.Text != "hello" || ev.Source != live.TextModel {
		t.Errorf("event 0 = %+v; want model text hello", ev)
	}
	ev = nextEvent(t, sess)
	if ev.Kind != live.EventText || ev.Text != "hi there" || ev.Source != live.TextInput {
		t.Errorf("event 1 = %+v; want input transcription", ev)
	}
	if ev = nextEvent(t, sess); ev.Kind != live.EventTurnComplete {
		t.Errorf("event 2 kind = %v; want turn_complete", ev.Kind)
	}
	ev = nextEvent(t, sess)
	if ev.Kind != live.EventGoAway || ev.TimeLeft != 10*time.Second {
		t.Errorf("event 3 = %+v; want go_away 10s", ev)
	}
	ev = nextEvent(t, sess)
	if ev.Kind != live.EventError || ev.Err == nil || !strings.Contains(ev.Err.Error(), "overloaded") {
		t.Errorf("event 4 = %+v; want error overloaded", ev)
	}
}

func TestEvents_RemoteCloseReportsReason(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		conn.Close(websocket.StatusGoingAway, "session expired")
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer sess.Close()

	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Fatal("expected event channel to close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for channel close")
	}

	var ce *live.CloseError
	if !errors.As(sess.Err(), &ce) {
		t.Fatalf("Err = %v; want *live.CloseError", sess.Err())
	}
	if ce.Code != int(websocket.StatusGoingAway) || ce.Reason != "session expired" {
		t.Errorf("close = %d %q; want %d session expired", ce.Code, ce.Reason, websocket.StatusGoingAway)
	}
	if err := sess.SendAudio(context.Background(), audio.EncodedChunk{Data: "AAA="}); !errors.Is(err, live.ErrSessionClosed) {
		t.Errorf("SendAudio after remote close = %v; want ErrSessionClosed", err)
	}
}

// ── Close ─────────────────────────────────────────────────────────────────────

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()

	srv := startGeminiServer(t, func(conn *websocket.Conn, _ *http.Request) {
		acceptSetup(t, conn)
		holdOpen(conn)
	})

	sess, err := newProvider(srv).Connect(context.Background(), live.SessionConfig{})
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	for i := range 3 {
		if err := sess.Close(); err != nil {
			t.Errorf("Close #%d: %v", i+1, err)
		}
	}

	select {
	case _, ok := <-sess.Events():
		if ok {
			t.Error("expected event channel to be closed after Close")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for channel close")
	}
	if err := sess.Err(); err != nil {
		t.Errorf("Err after local Close = %v; want nil", err)
	}
}
