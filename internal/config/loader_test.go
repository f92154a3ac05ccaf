package config_test

import (
	"slices"
	"strings"
	"testing"

	"github.com/MrWong99/livevoice/internal/config"
)

func TestValidate_InvalidLogLevel(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("server:\n  log_level: verbose\n"))
	if err == nil {
		t.Fatal("expected error for invalid log level, got nil")
	}
	if !strings.Contains(err.Error(), "log_level") {
		t.Errorf("error should mention log_level, got: %v", err)
	}
}

func TestValidate_BaseURLScheme(t *testing.T) {
	t.Parallel()
	tests := []struct {
		url     string
		wantErr bool
	}{
		{"wss://generativelanguage.googleapis.com", false},
		{"ws://127.0.0.1:9000", false},
		{"https://generativelanguage.googleapis.com/", false},
		{"generativelanguage.googleapis.com", true},
		{"ftp://example.com", true},
	}
	for _, tc := range tests {
		t.Run(tc.url, func(t *testing.T) {
			t.Parallel()
			_, err := config.LoadFromReader(strings.NewReader("provider:\n  base_url: " + tc.url + "\n"))
			if (err != nil) != tc.wantErr {
				t.Errorf("base_url %q: err = %v, wantErr %v", tc.url, err, tc.wantErr)
			}
		})
	}
}

func TestValidate_NegativeConnectTimeout(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("session:\n  connect_timeout: -1s\n"))
	if err == nil {
		t.Fatal("expected error for negative connect_timeout, got nil")
	}
	if !strings.Contains(err.Error(), "connect_timeout") {
		t.Errorf("error should mention connect_timeout, got: %v", err)
	}
}

func TestValidate_FramesPerBufferRange(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("audio:\n  frames_per_buffer: 100000\n"))
	if err == nil {
		t.Fatal("expected error for oversized frames_per_buffer, got nil")
	}
}

func TestValidate_MultipleErrors(t *testing.T) {
	t.Parallel()
	yaml := `
server:
  log_level: loud
audio:
  input_sample_rate: -16000
  output_sample_rate: -24000
`
	_, err := config.LoadFromReader(strings.NewReader(yaml))
	if err == nil {
		t.Fatal("expected errors, got nil")
	}
	errStr := err.Error()
	for _, want := range []string{"log_level", "input_sample_rate", "output_sample_rate"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("error should mention %s, got: %v", want, err)
		}
	}
}

func TestValidate_UnknownNameIsOnlyWarning(t *testing.T) {
	t.Parallel()
	_, err := config.LoadFromReader(strings.NewReader("provider:\n  name: custom-live\naudio:\n  backend: custom\n"))
	if err != nil {
		t.Fatalf("unknown provider names should only warn, got: %v", err)
	}
}

func TestValidProviderNames(t *testing.T) {
	t.Parallel()
	if len(config.ValidProviderNames) == 0 {
		t.Fatal("ValidProviderNames should not be empty")
	}
	if !slices.Contains(config.ValidProviderNames["provider"], config.DefaultProvider) {
		t.Errorf("ValidProviderNames[\"provider\"] should contain %q", config.DefaultProvider)
	}
	if !slices.Contains(config.ValidProviderNames["audio"], config.DefaultBackend) {
		t.Errorf("ValidProviderNames[\"audio\"] should contain %q", config.DefaultBackend)
	}
}
