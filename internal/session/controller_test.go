package session_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/MrWong99/livevoice/internal/observe"
	"github.com/MrWong99/livevoice/internal/session"
	"github.com/MrWong99/livevoice/pkg/audio"
	audiomock "github.com/MrWong99/livevoice/pkg/audio/mock"
	"github.com/MrWong99/livevoice/pkg/provider/live"
	livemock "github.com/MrWong99/livevoice/pkg/provider/live/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

type fixture struct {
	ctrl     *session.Controller
	provider *livemock.Provider
	backend  *audiomock.Backend
	statuses *statusLog
	reader   *sdkmetric.ManualReader
}

type statusLog struct {
	mu  sync.Mutex
	all []session.Status
}

func (l *statusLog) record(s session.Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.all = append(l.all, s)
}

func (l *statusLog) get() []session.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]session.Status(nil), l.all...)
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	f := &fixture{
		provider: &livemock.Provider{},
		backend:  &audiomock.Backend{},
		statuses: &statusLog{},
		reader:   reader,
	}
	f.ctrl = session.New(session.Config{
		Provider: f.provider,
		Backend:  f.backend,
		Session: live.SessionConfig{
			Voice:        "Orus",
			Instructions: "Answer questions about the attached document.",
		},
		ConnectTimeout: time.Second,
		Metrics:        m,
	})
	f.ctrl.OnStatus(f.statuses.record)
	t.Cleanup(func() { _ = f.ctrl.Close(context.Background()) })
	return f
}

func (f *fixture) start(t *testing.T) *livemock.Session {
	t.Helper()
	if err := f.ctrl.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	return f.provider.LastSession()
}

func (f *fixture) record(t *testing.T) *livemock.Session {
	t.Helper()
	sess := f.start(t)
	if err := f.ctrl.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	return sess
}

// recordingGauge returns the current value of the recording up-down counter.
func (f *fixture) recordingGauge(t *testing.T) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := f.reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "livevoice.recording" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("livevoice.recording is %T, want Sum[int64]", m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

// eventually polls cond until it holds or the deadline passes.
func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func speech(d time.Duration) audio.EncodedChunk {
	n := int(audio.DurationToSamples(d, audio.PlaybackSampleRate))
	samples := make([]float32, n)
	for i := range samples {
		samples[i] = 0.25
	}
	return audio.EncodeFrame(audio.AudioFrame{Samples: samples, SampleRate: audio.PlaybackSampleRate, Channels: 1})
}

// ── Start ─────────────────────────────────────────────────────────────────────

func TestStart_OpensSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)

	st := f.ctrl.Status()
	if st.State != session.StateReady {
		t.Errorf("state = %v, want ready", st.State)
	}
	if st.Message != "Connection Opened." || st.Err != nil {
		t.Errorf("status = %+v, want message Connection Opened.", st)
	}
	cfg := f.provider.ConnectCalls[0].Cfg
	if cfg.Voice != "Orus" || !strings.Contains(cfg.Instructions, "attached document") {
		t.Errorf("session config = %+v", cfg)
	}

	var states []session.State
	for _, s := range f.statuses.get() {
		if len(states) == 0 || states[len(states)-1] != s.State {
			states = append(states, s.State)
		}
	}
	want := []session.State{session.StateConnecting, session.StateReady}
	if len(states) != len(want) || states[0] != want[0] || states[1] != want[1] {
		t.Errorf("state sequence = %v, want %v", states, want)
	}
}

func TestStart_Idempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)
	f.start(t)
	if got := f.provider.ConnectCount(); got != 1 {
		t.Errorf("connects = %d, want 1", got)
	}
}

func TestStart_FailureEndsErrored(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.provider.SetConnectErr(errors.New("invalid api key"))

	err := f.ctrl.Start(context.Background())
	if err == nil || !strings.Contains(err.Error(), "invalid api key") {
		t.Fatalf("err = %v, want connect failure", err)
	}
	st := f.ctrl.Status()
	if st.State != session.StateErrored {
		t.Errorf("state = %v, want errored", st.State)
	}
	if st.Err == nil || st.Message != "" {
		t.Errorf("status = %+v, want error only", st)
	}
	if f.ctrl.Ready() {
		t.Error("Ready = true after failed start")
	}
}

// ── Recording ─────────────────────────────────────────────────────────────────

func TestStartRecording_ForwardsCapturedAudio(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.record(t)

	st := f.ctrl.Status()
	if st.State != session.StateRecording || !st.Recording || st.Message != "Recording..." {
		t.Errorf("status = %+v, want recording", st)
	}

	in := f.backend.LastInput()
	buf := make([]float32, 256)
	buf[0] = 0.5
	for range 3 {
		in.Capture(buf)
	}
	sent := sess.Sent()
	if len(sent) != 3 {
		t.Fatalf("chunks sent = %d, want 3", len(sent))
	}
	if sent[0].MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("mime = %q", sent[0].MIMEType)
	}
	pcm, err := audio.DecodeChunk(sent[0])
	if err != nil || len(pcm) != 512 {
		t.Errorf("chunk = %d bytes (err %v), want 512", len(pcm), err)
	}
	if f.ctrl.InputTap().Peak() < 0.49 {
		t.Errorf("input tap peak = %f, want 0.5", f.ctrl.InputTap().Peak())
	}
}

func TestStartRecording_Idempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.record(t)
	if err := f.ctrl.StartRecording(context.Background()); err != nil {
		t.Fatalf("second StartRecording: %v", err)
	}
	if got := f.backend.InputCount(); got != 1 {
		t.Errorf("input streams = %d, want 1", got)
	}
}

func TestStopRecording_GatesAudio(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.record(t)
	in := f.backend.LastInput()

	for range 2 {
		if err := f.ctrl.StopRecording(); err != nil {
			t.Fatalf("StopRecording: %v", err)
		}
	}
	st := f.ctrl.Status()
	if st.State != session.StateReady || st.Recording || st.Message != "Recording stopped." {
		t.Errorf("status = %+v, want ready / stopped", st)
	}
	if in.State() != audio.StreamClosed {
		t.Errorf("input stream = %v, want closed", in.State())
	}
	in.Capture(make([]float32, 256))
	if got := len(sess.Sent()); got != 0 {
		t.Errorf("chunks sent after stop = %d, want 0", got)
	}
}

func TestStopRecording_WithoutSession(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := f.ctrl.StopRecording(); err != nil {
		t.Fatalf("StopRecording: %v", err)
	}
	if got := f.ctrl.Status().State; got != session.StateUninitialized {
		t.Errorf("state = %v, want uninitialized", got)
	}
}

func TestStartRecording_ReconnectFailsNotReady(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.provider.SetConnectErr(errors.New("network down"))

	err := f.ctrl.StartRecording(context.Background())
	if !errors.Is(err, session.ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
	if got := f.provider.ConnectCount(); got != 1 {
		t.Errorf("reconnect attempts = %d, want exactly 1", got)
	}
	if f.ctrl.Recording() {
		t.Error("Recording = true after failed start")
	}
	if got := f.backend.InputCount(); got != 0 {
		t.Errorf("input streams opened = %d, want 0", got)
	}
	if st := f.ctrl.Status(); !errors.Is(st.Err, session.ErrNotReady) {
		t.Errorf("status err = %v, want ErrNotReady", st.Err)
	}
}

func TestStartRecording_ReconnectsInline(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := f.ctrl.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording: %v", err)
	}
	if got := f.provider.ConnectCount(); got != 1 {
		t.Errorf("connects = %d, want 1", got)
	}
	if got := f.ctrl.Status().State; got != session.StateRecording {
		t.Errorf("state = %v, want recording", got)
	}
}

func TestStartRecording_DeviceUnavailableKeepsReady(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)
	f.backend.SetOpenInputError(errors.New("permission denied"))

	err := f.ctrl.StartRecording(context.Background())
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	st := f.ctrl.Status()
	if st.State != session.StateReady || st.Recording {
		t.Errorf("status = %+v, want ready / not recording", st)
	}

	if got := f.recordingGauge(t); got != 0 {
		t.Errorf("recording gauge = %d, want 0", got)
	}

	f.backend.SetOpenInputError(nil)
	if err := f.ctrl.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording after device freed: %v", err)
	}
	if got := f.recordingGauge(t); got != 1 {
		t.Errorf("recording gauge = %d, want 1", got)
	}
}

func TestStartRecording_DeviceFailsWhileStarting(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)
	f.backend.SetOnInputStart(func(s *audiomock.Stream) { s.Fail(errors.New("unplugged")) })

	err := f.ctrl.StartRecording(context.Background())
	if !errors.Is(err, audio.ErrDeviceUnavailable) {
		t.Fatalf("err = %v, want ErrDeviceUnavailable", err)
	}
	if errors.Is(err, session.ErrNotReady) {
		t.Errorf("err = %v, must not wrap ErrNotReady with an open session", err)
	}
	st := f.ctrl.Status()
	if st.State != session.StateReady || st.Recording || f.ctrl.Recording() {
		t.Errorf("status = %+v, want ready / not recording", st)
	}
	if got := f.recordingGauge(t); got != 0 {
		t.Errorf("recording gauge = %d, want 0", got)
	}

	f.backend.SetOnInputStart(nil)
	if err := f.ctrl.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording with a working device: %v", err)
	}
	if got := f.recordingGauge(t); got != 1 {
		t.Errorf("recording gauge = %d, want 1", got)
	}
}

func TestStartRecording_RemoteCloseWhileMicOpens(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.start(t)
	f.backend.SetOnInputStart(func(*audiomock.Stream) {
		sess.EndWith(&live.CloseError{Code: 1000, Reason: "bye"})
		eventually(t, "recording gate cleared", func() bool { return !f.ctrl.Recording() })
	})

	err := f.ctrl.StartRecording(context.Background())
	if !errors.Is(err, session.ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
	eventually(t, "uninitialized", func() bool { return f.ctrl.Status().State == session.StateUninitialized })
	eventually(t, "input released", func() bool { return f.backend.LastInput().State() == audio.StreamClosed })
	if f.ctrl.Recording() || f.ctrl.Status().Recording {
		t.Error("still recording after remote close")
	}
	if got := f.recordingGauge(t); got != 0 {
		t.Errorf("recording gauge = %d, want 0", got)
	}
}

func TestCaptureFailure_StopsRecording(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.record(t)

	f.backend.LastInput().Fail(errors.New("unplugged"))
	st := f.ctrl.Status()
	if st.State != session.StateReady || st.Recording {
		t.Errorf("status = %+v, want ready / not recording", st)
	}
	if !errors.Is(st.Err, audio.ErrDeviceUnavailable) {
		t.Errorf("status err = %v, want ErrDeviceUnavailable", st.Err)
	}
}

func TestSendError_ReportedOnce(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.record(t)
	sess.SendAudioErr = errors.New("write timeout")

	before := len(f.statuses.get())
	in := f.backend.LastInput()
	for range 5 {
		in.Capture(make([]float32, 256))
	}
	var errs int
	for _, s := range f.statuses.get()[before:] {
		if s.Err != nil {
			errs++
		}
	}
	if errs != 1 {
		t.Errorf("error statuses = %d, want 1", errs)
	}
	if got := f.ctrl.Status().State; got != session.StateRecording {
		t.Errorf("state = %v, want recording", got)
	}
}

// ── Inbound audio ─────────────────────────────────────────────────────────────

func TestInboundAudio_ScheduledBackToBack(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.start(t)

	sess.Emit(live.Event{Kind: live.EventAudio, Audio: speech(500 * time.Millisecond)})
	sess.Emit(live.Event{Kind: live.EventAudio, Audio: speech(300 * time.Millisecond)})

	pb := f.ctrl.Playback()
	eventually(t, "two scheduled chunks", func() bool { return pb.Live() == 2 })
	if got := pb.Cursor(); got != 800*time.Millisecond {
		t.Errorf("cursor = %v, want 800ms", got)
	}

	out := f.backend.LastOutput()
	out.Render(256)
	if f.ctrl.OutputTap().Peak() < 0.24 {
		t.Errorf("output tap peak = %f, want 0.25", f.ctrl.OutputTap().Peak())
	}
}

func TestInterrupted_ClearsPlayback(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.start(t)

	sess.Emit(live.Event{Kind: live.EventAudio, Audio: speech(500 * time.Millisecond)})
	sess.Emit(live.Event{Kind: live.EventInterrupted})

	pb := f.ctrl.Playback()
	eventually(t, "interruption", func() bool { return pb.Live() == 0 && pb.Cursor() == 0 && f.backend.OutputCount() == 1 })
}

func TestMalformedAudio_Dropped(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.start(t)

	sess.Emit(live.Event{Kind: live.EventAudio, Audio: audio.EncodedChunk{MIMEType: "audio/pcm;rate=24000", Data: "!!"}})
	sess.Emit(live.Event{Kind: live.EventAudio, Audio: speech(100 * time.Millisecond)})

	pb := f.ctrl.Playback()
	eventually(t, "valid chunk scheduled", func() bool { return pb.Live() == 1 })
	if st := f.ctrl.Status(); st.Err != nil {
		t.Errorf("status err = %v, want none for malformed chunk", st.Err)
	}
}

func TestServerError_ReportedWithoutTransition(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.start(t)

	sess.Emit(live.Event{Kind: live.EventError, Err: errors.New("quota")})
	eventually(t, "error status", func() bool { return f.ctrl.Status().Err != nil })
	if got := f.ctrl.Status().State; got != session.StateReady {
		t.Errorf("state = %v, want ready", got)
	}
}

// ── Remote close ──────────────────────────────────────────────────────────────

func TestRemoteClose_WhileRecording(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.record(t)
	in := f.backend.LastInput()

	sess.EndWith(&live.CloseError{Code: 1000, Reason: "bye"})

	eventually(t, "uninitialized", func() bool { return f.ctrl.Status().State == session.StateUninitialized })
	st := f.ctrl.Status()
	if st.Recording || f.ctrl.Recording() {
		t.Error("still recording after remote close")
	}
	if st.Message != "Connection Closed: bye" {
		t.Errorf("message = %q, want Connection Closed: bye", st.Message)
	}
	if in.State() != audio.StreamClosed {
		t.Errorf("input stream = %v, want closed", in.State())
	}

	// The next recording attempt reconnects inline.
	if err := f.ctrl.StartRecording(context.Background()); err != nil {
		t.Fatalf("StartRecording after remote close: %v", err)
	}
	if got := f.provider.ConnectCount(); got != 2 {
		t.Errorf("connects = %d, want 2", got)
	}
}

func TestRemoteClose_UnknownReason(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.start(t)
	sess.EndWith(&live.CloseError{Code: 1006})
	eventually(t, "close message", func() bool {
		return f.ctrl.Status().Message == "Connection Closed: Unknown reason"
	})
}

// ── Reset & Close ─────────────────────────────────────────────────────────────

func TestReset_ReopensWithSameInstructions(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	first := f.record(t)
	first.Emit(live.Event{Kind: live.EventAudio, Audio: speech(time.Second)})
	pb := f.ctrl.Playback()
	eventually(t, "scheduled chunk", func() bool { return pb.Live() == 1 })

	if err := f.ctrl.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	if !first.Closed() {
		t.Error("old session still open after reset")
	}
	if got := f.provider.ConnectCount(); got != 2 {
		t.Fatalf("connects = %d, want 2", got)
	}
	if a, b := f.provider.ConnectCalls[0].Cfg, f.provider.ConnectCalls[1].Cfg; a.Instructions != b.Instructions {
		t.Errorf("instructions changed across reset: %q vs %q", a.Instructions, b.Instructions)
	}
	st := f.ctrl.Status()
	if st.State != session.StateReady || st.Recording || st.Message != "Session cleared. Ready to start." {
		t.Errorf("status = %+v", st)
	}
	if pb.Live() != 0 || pb.Cursor() != pb.Now() {
		t.Errorf("playback live=%d cursor=%v now=%v, want empty timeline anchored at now", pb.Live(), pb.Cursor(), pb.Now())
	}

	var sawClearing bool
	for _, s := range f.statuses.get() {
		if s.State == session.StateClosing && s.Message == "Clearing session..." {
			sawClearing = true
		}
	}
	if !sawClearing {
		t.Error("no Clearing session... status during reset")
	}
}

func TestReset_WaitsForAudioBeingDelivered(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.start(t)

	// The first chunk opens the output device; hold it there so the chunk is
	// still inside the playback enqueue when Reset begins.
	entered := make(chan struct{})
	release := make(chan struct{})
	unpark := sync.OnceFunc(func() { close(release) })
	t.Cleanup(unpark)
	var parked sync.Once
	f.backend.SetOnOutputStart(func(*audiomock.Stream) {
		parked.Do(func() {
			close(entered)
			<-release
		})
	})

	sess.Emit(live.Event{Kind: live.EventAudio, Audio: speech(500 * time.Millisecond)})
	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("audio chunk never reached playback")
	}

	done := make(chan error, 1)
	go func() { done <- f.ctrl.Reset(context.Background()) }()
	select {
	case err := <-done:
		t.Fatalf("Reset returned (%v) while a chunk of the old session was still being delivered", err)
	case <-time.After(50 * time.Millisecond):
	}

	unpark()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Reset: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Reset did not return")
	}

	pb := f.ctrl.Playback()
	if pb.Live() != 0 || pb.Cursor() != pb.Now() {
		t.Errorf("playback live=%d cursor=%v now=%v, want empty timeline anchored at now", pb.Live(), pb.Cursor(), pb.Now())
	}

	// The next chunk starts at the device's current time.
	next := f.provider.LastSession()
	next.Emit(live.Event{Kind: live.EventAudio, Audio: speech(100 * time.Millisecond)})
	eventually(t, "chunk of the new session scheduled", func() bool { return pb.Live() == 1 })
	if want := pb.Now() + 100*time.Millisecond; pb.Cursor() != want {
		t.Errorf("cursor = %v, want %v", pb.Cursor(), want)
	}
}

func TestReset_RecreatesFailedOutputDevice(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.start(t)
	sess.Emit(live.Event{Kind: live.EventAudio, Audio: speech(100 * time.Millisecond)})
	eventually(t, "output opened", func() bool { return f.backend.OutputCount() == 1 })

	f.backend.LastOutput().Fail(errors.New("sink removed"))
	if st := f.ctrl.Status(); st.Err == nil {
		t.Error("output failure not reported")
	}

	if err := f.ctrl.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := f.backend.OutputCount(); got != 2 {
		t.Errorf("output streams = %d, want 2", got)
	}
	if !f.ctrl.Playback().Ready() {
		t.Error("playback not ready after reset")
	}
}

func TestReset_ConnectFailure(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)
	f.provider.SetConnectErr(errors.New("gone"))

	if err := f.ctrl.Reset(context.Background()); err == nil {
		t.Fatal("Reset succeeded without a reachable service")
	}
	if got := f.ctrl.Status().State; got != session.StateErrored {
		t.Errorf("state = %v, want errored", got)
	}
}

func TestClose_Idempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	sess := f.record(t)
	in := f.backend.LastInput()

	for range 2 {
		if err := f.ctrl.Close(context.Background()); err != nil {
			t.Fatalf("Close: %v", err)
		}
	}
	if !sess.Closed() {
		t.Error("session not closed")
	}
	if in.State() != audio.StreamClosed {
		t.Errorf("input stream = %v, want closed", in.State())
	}
	st := f.ctrl.Status()
	if st.State != session.StateUninitialized || st.Recording {
		t.Errorf("status = %+v", st)
	}
	if err := f.ctrl.Start(context.Background()); !errors.Is(err, session.ErrClosed) {
		t.Errorf("Start after Close = %v, want ErrClosed", err)
	}
	if err := f.ctrl.StopRecording(); err != nil {
		t.Errorf("StopRecording after Close = %v", err)
	}
}

func TestClose_WithoutStart(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	if err := f.ctrl.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := f.provider.ConnectCount(); got != 0 {
		t.Errorf("connects = %d, want 0", got)
	}
}

// ── Status slot ───────────────────────────────────────────────────────────────

func TestStatus_MessageAndErrExclusive(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.provider.SetConnectErr(errors.New("boom"))
	_ = f.ctrl.Start(context.Background())
	f.provider.SetConnectErr(nil)
	f.start(t)

	for i, s := range f.statuses.get() {
		if s.Err != nil && s.Message != "" {
			t.Errorf("status %d has both message %q and err %v", i, s.Message, s.Err)
		}
	}
	if st := f.ctrl.Status(); st.Err != nil {
		t.Errorf("err = %v after successful start, want cleared", st.Err)
	}
}

func TestSetSessionConfig_AppliesOnReconnect(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.start(t)

	cfg := f.ctrl.SessionConfig()
	cfg.Voice = "Puck"
	f.ctrl.SetSessionConfig(cfg)
	if got := f.provider.ConnectCalls[0].Cfg.Voice; got != "Orus" {
		t.Errorf("open session voice = %q, want Orus", got)
	}

	if err := f.ctrl.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := f.provider.ConnectCalls[1].Cfg.Voice; got != "Puck" {
		t.Errorf("voice after reset = %q, want Puck", got)
	}
}
