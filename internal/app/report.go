package app

import "github.com/MrWong99/livevoice/internal/session"

// Report is the JSON document served by /status and printed by the console
// status command.
type Report struct {
	State     session.State `json:"state"`
	Recording bool          `json:"recording"`
	Message   string        `json:"message,omitempty"`
	Error     string        `json:"error,omitempty"`
	Provider  string        `json:"provider"`
	SessionID string        `json:"session_id,omitempty"`

	// InputLevel and OutputLevel are RMS levels in [0, 1] of the most
	// recent microphone and speaker samples.
	InputLevel  float64 `json:"input_level"`
	OutputLevel float64 `json:"output_level"`

	// Playback clock, cursor and queue depth of the scheduler.
	PlaybackClock  float64 `json:"playback_clock_seconds"`
	PlaybackCursor float64 `json:"playback_cursor_seconds"`
	PlaybackQueued int     `json:"playback_queued"`
}

// Report returns a snapshot of the session status, audio levels and
// playback timeline.
func (a *App) Report() Report {
	st := a.ctrl.Status()
	r := Report{
		State:          st.State,
		Recording:      st.Recording,
		Message:        st.Message,
		Provider:       a.providers.Live.Name(),
		SessionID:      a.ctrl.SessionID(),
		InputLevel:     a.ctrl.InputTap().Level(),
		OutputLevel:    a.ctrl.OutputTap().Level(),
		PlaybackClock:  a.ctrl.Playback().Now().Seconds(),
		PlaybackCursor: a.ctrl.Playback().Cursor().Seconds(),
		PlaybackQueued: a.ctrl.Playback().Live(),
	}
	if st.Err != nil {
		r.Error = st.Err.Error()
	}
	return r
}
