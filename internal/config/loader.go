package config

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ValidProviderNames lists known names per registry kind. Used by [Validate]
// to warn about unrecognised names.
var ValidProviderNames = map[string][]string{
	"provider": {"gemini-live", "genai"},
	"audio":    {"portaudio", "mock"},
}

// Load reads the YAML configuration file at path and returns a validated
// [Config] with defaults applied. A relative session.instructions_file is
// resolved against the directory of path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("config: open %q: %w", path, err)
	}
	defer f.Close()

	cfg, err := LoadFromReader(f)
	if err != nil {
		return nil, fmt.Errorf("config: parse %q: %w", path, err)
	}
	resolvePaths(cfg, filepath.Dir(path))
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r, applies defaults and validates
// the result. An empty document yields the default configuration.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := &Config{}
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}

	// Provider
	validateName("provider", cfg.Provider.Name)
	if cfg.Provider.BaseURL != "" && !hasScheme(cfg.Provider.BaseURL, "ws://", "wss://", "http://", "https://") {
		errs = append(errs, fmt.Errorf("provider.base_url %q must start with ws://, wss://, http:// or https://", cfg.Provider.BaseURL))
	}

	// Session
	if cfg.Session.ConnectTimeout < 0 {
		errs = append(errs, fmt.Errorf("session.connect_timeout %s must not be negative", cfg.Session.ConnectTimeout))
	}
	if cfg.Session.Instructions == "" && cfg.Session.InstructionsFile == "" {
		slog.Warn("session.instructions is empty; the model will run without a system instruction")
	}

	// Audio
	validateName("audio", cfg.Audio.Backend)
	if cfg.Audio.InputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.input_sample_rate %d must be positive", cfg.Audio.InputSampleRate))
	}
	if cfg.Audio.OutputSampleRate < 0 {
		errs = append(errs, fmt.Errorf("audio.output_sample_rate %d must be positive", cfg.Audio.OutputSampleRate))
	}
	if cfg.Audio.FramesPerBuffer < 0 || cfg.Audio.FramesPerBuffer > 8192 {
		errs = append(errs, fmt.Errorf("audio.frames_per_buffer %d is out of range [1, 8192]", cfg.Audio.FramesPerBuffer))
	}

	return errors.Join(errs...)
}

// ResolveAPIKey returns the configured API key, falling back to the
// environment variable named by APIKeyEnv.
func (p ProviderEntry) ResolveAPIKey() string {
	if p.APIKey != "" {
		return p.APIKey
	}
	if p.APIKeyEnv == "" {
		return ""
	}
	return os.Getenv(p.APIKeyEnv)
}

// SystemInstruction composes the instruction text sent with every session:
// the configured instructions followed by the reference document, if any.
func (s SessionConfig) SystemInstruction() (string, error) {
	if s.InstructionsFile == "" {
		return s.Instructions, nil
	}
	doc, err := os.ReadFile(s.InstructionsFile)
	if err != nil {
		return "", fmt.Errorf("config: read instructions file: %w", err)
	}
	var b strings.Builder
	if s.Instructions != "" {
		b.WriteString(strings.TrimSpace(s.Instructions))
		b.WriteString("\n\nReference document:\n\n")
	}
	b.WriteString(strings.TrimSpace(string(doc)))
	return b.String(), nil
}

// resolvePaths makes relative file references absolute against dir and
// records the instructions document digest. An unreadable document is not an
// error here; [SessionConfig.SystemInstruction] reports it when a session is
// configured.
func resolvePaths(cfg *Config, dir string) {
	f := cfg.Session.InstructionsFile
	if f == "" {
		return
	}
	if !filepath.IsAbs(f) {
		f = filepath.Join(dir, f)
		cfg.Session.InstructionsFile = f
	}
	if doc, err := os.ReadFile(f); err == nil {
		cfg.Session.InstructionsDigest = sha256.Sum256(doc)
	}
}

func hasScheme(u string, schemes ...string) bool {
	return slices.ContainsFunc(schemes, func(s string) bool { return strings.HasPrefix(u, s) })
}

// validateName logs a warning if name is non-empty and not found in the
// [ValidProviderNames] list for the given kind.
func validateName(kind, name string) {
	if name == "" {
		return
	}
	known, ok := ValidProviderNames[kind]
	if !ok {
		return
	}
	if slices.Contains(known, name) {
		return
	}
	slog.Warn("unknown name, may be a typo or a third-party registration",
		"kind", kind,
		"name", name,
		"known", known,
	)
}
