// Package config provides the configuration schema, loader, hot-reload
// watcher and provider registry for livevoice.
package config

import (
	"crypto/sha256"
	"time"
)

// LogLevel controls log verbosity.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Defaults applied by [ApplyDefaults].
const (
	DefaultListenAddr       = ":8080"
	DefaultProvider         = "gemini-live"
	DefaultAPIKeyEnv        = "API_KEY"
	DefaultModel            = "gemini-2.5-flash-preview-native-audio-dialog"
	DefaultVoice            = "Orus"
	DefaultConnectTimeout   = 15 * time.Second
	DefaultBackend          = "portaudio"
	DefaultInputSampleRate  = 16000
	DefaultOutputSampleRate = 24000
	DefaultFramesPerBuffer  = 256
)

// Config is the root configuration structure. It is typically loaded from a
// YAML file using [Load] or [LoadFromReader].
type Config struct {
	Server   ServerConfig  `yaml:"server"`
	Provider ProviderEntry `yaml:"provider"`
	Session  SessionConfig `yaml:"session"`
	Audio    AudioConfig   `yaml:"audio"`
}

// ServerConfig holds network and logging settings.
type ServerConfig struct {
	// ListenAddr is the TCP address of the health and metrics server
	// (e.g., ":8080"). Set to "-" to disable the HTTP server.
	ListenAddr string `yaml:"listen_addr"`

	// LogLevel controls verbosity.
	LogLevel LogLevel `yaml:"log_level"`
}

// ProviderEntry selects and configures the live provider. The Name field is
// used to look up the constructor in the [Registry].
type ProviderEntry struct {
	// Name selects the registered provider implementation ("gemini-live",
	// "genai").
	Name string `yaml:"name"`

	// APIKey is the authentication key. When empty the key is read from the
	// environment variable named by APIKeyEnv.
	APIKey string `yaml:"api_key"`

	// APIKeyEnv names the environment variable holding the API key.
	APIKeyEnv string `yaml:"api_key_env"`

	// BaseURL overrides the provider's default endpoint.
	BaseURL string `yaml:"base_url"`

	// Model selects the live model.
	Model string `yaml:"model"`
}

// SessionConfig configures every live session the controller opens.
type SessionConfig struct {
	// Voice is the prebuilt voice name.
	Voice string `yaml:"voice"`

	// Instructions is the system instruction text. If InstructionsFile is
	// set its contents are appended as a reference document.
	Instructions string `yaml:"instructions"`

	// InstructionsFile is an optional path to a reference document embedded
	// in the system instruction. Relative paths resolve against the config
	// file's directory.
	InstructionsFile string `yaml:"instructions_file"`

	// InstructionsDigest is the SHA-256 of InstructionsFile as last read by
	// [Load] or the [Watcher]. It is zero when no file is set or it could not
	// be read. Edits to the document change the digest, which [Diff] reports
	// as an instructions change.
	InstructionsDigest [sha256.Size]byte `yaml:"-"`

	// ConnectTimeout bounds a single connect attempt.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
}

// AudioConfig selects the device backend and stream parameters.
type AudioConfig struct {
	// Backend selects the registered device backend ("portaudio", "mock").
	Backend string `yaml:"backend"`

	// InputSampleRate is the microphone capture rate in Hz.
	InputSampleRate int `yaml:"input_sample_rate"`

	// OutputSampleRate is the speaker rate in Hz.
	OutputSampleRate int `yaml:"output_sample_rate"`

	// FramesPerBuffer is the device buffer size in sample frames.
	FramesPerBuffer int `yaml:"frames_per_buffer"`
}

// ApplyDefaults fills every unset field with its default.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.ListenAddr == "" {
		cfg.Server.ListenAddr = DefaultListenAddr
	}
	if cfg.Server.LogLevel == "" {
		cfg.Server.LogLevel = LogInfo
	}
	if cfg.Provider.Name == "" {
		cfg.Provider.Name = DefaultProvider
	}
	if cfg.Provider.APIKeyEnv == "" {
		cfg.Provider.APIKeyEnv = DefaultAPIKeyEnv
	}
	if cfg.Provider.Model == "" {
		cfg.Provider.Model = DefaultModel
	}
	if cfg.Session.Voice == "" {
		cfg.Session.Voice = DefaultVoice
	}
	if cfg.Session.ConnectTimeout == 0 {
		cfg.Session.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.Audio.Backend == "" {
		cfg.Audio.Backend = DefaultBackend
	}
	if cfg.Audio.InputSampleRate == 0 {
		cfg.Audio.InputSampleRate = DefaultInputSampleRate
	}
	if cfg.Audio.OutputSampleRate == 0 {
		cfg.Audio.OutputSampleRate = DefaultOutputSampleRate
	}
	if cfg.Audio.FramesPerBuffer == 0 {
		cfg.Audio.FramesPerBuffer = DefaultFramesPerBuffer
	}
}
