package config

// ConfigDiff describes what changed between two configs. Only fields that
// can be applied without a restart are tracked: the log level, and the
// session settings that take effect at the next (re)connect.
type ConfigDiff struct {
	LogLevelChanged bool
	NewLogLevel     LogLevel

	// SessionChanged is true if any field in SessionChanges is set.
	SessionChanged bool
	SessionChanges SessionDiff

	// RestartRequired lists changed sections that are only read at startup.
	RestartRequired []string
}

// SessionDiff describes which session settings changed.
type SessionDiff struct {
	VoiceChanged          bool
	InstructionsChanged   bool
	ConnectTimeoutChanged bool
}

// Diff compares old and new configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	d := ConfigDiff{}

	if old.Server.LogLevel != new.Server.LogLevel {
		d.LogLevelChanged = true
		d.NewLogLevel = new.Server.LogLevel
	}

	d.SessionChanges = diffSession(&old.Session, &new.Session)
	sd := d.SessionChanges
	d.SessionChanged = sd.VoiceChanged || sd.InstructionsChanged || sd.ConnectTimeoutChanged

	if old.Server.ListenAddr != new.Server.ListenAddr {
		d.RestartRequired = append(d.RestartRequired, "server.listen_addr")
	}
	if old.Provider != new.Provider {
		d.RestartRequired = append(d.RestartRequired, "provider")
	}
	if old.Audio != new.Audio {
		d.RestartRequired = append(d.RestartRequired, "audio")
	}
	return d
}

func diffSession(old, new *SessionConfig) SessionDiff {
	instructions := old.Instructions != new.Instructions ||
		old.InstructionsFile != new.InstructionsFile ||
		old.InstructionsDigest != new.InstructionsDigest
	return SessionDiff{
		VoiceChanged:          old.Voice != new.Voice,
		InstructionsChanged:   instructions,
		ConnectTimeoutChanged: old.ConnectTimeout != new.ConnectTimeout,
	}
}
