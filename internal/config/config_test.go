// ABOUTME: Tests for config defaults, file loading, and env overrides
// ABOUTME: Covers search order and env-over-file-over-default precedence
package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// clearEnv blanks every variable Load consults so tests see only what
// they set themselves. XDG_CONFIG_HOME points at an empty directory so
// a developer's real config cannot leak in.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"BARK_CONFIG", "BARK_MULTICAST", "BARK_INTERFACE",
		"BARK_SOURCE_INPUT", "BARK_SOURCE_FORMAT", "BARK_SOURCE_DELAY_MS",
		"BARK_RECEIVE_OUTPUT_BUFFER_MS", "BARK_METRICS_LISTEN",
	} {
		t.Setenv(name, "")
	}
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
}

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.Multicast != "239.255.77.77:1530" {
		t.Errorf("multicast = %q", cfg.Multicast)
	}
	if cfg.Source.Format != "f32le" {
		t.Errorf("format = %q", cfg.Source.Format)
	}
	if cfg.Metrics.Listen != "0.0.0.0:1530" {
		t.Errorf("metrics listen = %q", cfg.Metrics.Listen)
	}
	if got := cfg.SourceDelay(); got != 20*time.Millisecond {
		t.Errorf("source delay = %v", got)
	}
	if got := cfg.OutputBuffer(); got != 20*time.Millisecond {
		t.Errorf("output buffer = %v", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("default config invalid: %v", err)
	}
}

func TestDecodeFullFile(t *testing.T) {
	const sample = `
multicast: 239.1.2.3:2000
interface: eth0
source:
  input: /srv/music.flac
  delay_ms: 50
  format: opus
receive:
  output:
    buffer_ms: 40
metrics:
  listen: 127.0.0.1:9090
`
	cfg := Default()
	if err := decode(strings.NewReader(sample), &cfg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if cfg.Multicast != "239.1.2.3:2000" {
		t.Errorf("multicast = %q", cfg.Multicast)
	}
	if cfg.Interface != "eth0" {
		t.Errorf("interface = %q", cfg.Interface)
	}
	if cfg.Source.Input != "/srv/music.flac" {
		t.Errorf("input = %q", cfg.Source.Input)
	}
	if cfg.Source.DelayMS != 50 {
		t.Errorf("delay_ms = %d", cfg.Source.DelayMS)
	}
	if cfg.Source.Format != "opus" {
		t.Errorf("format = %q", cfg.Source.Format)
	}
	if cfg.Receive.Output.BufferMS != 40 {
		t.Errorf("buffer_ms = %d", cfg.Receive.Output.BufferMS)
	}
	if cfg.Metrics.Listen != "127.0.0.1:9090" {
		t.Errorf("metrics listen = %q", cfg.Metrics.Listen)
	}
}

func TestDecodeRejectsUnknownKeys(t *testing.T) {
	cfg := Default()
	if err := decode(strings.NewReader("bogus: 1\n"), &cfg); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestDecodeEmptyFile(t *testing.T) {
	cfg := Default()
	if err := decode(strings.NewReader(""), &cfg); err != nil {
		t.Fatalf("decode empty: %v", err)
	}
	if cfg.Multicast != DefaultGroup {
		t.Errorf("empty file clobbered defaults: multicast = %q", cfg.Multicast)
	}
}

func TestLoadPrecedence(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "bark.yaml")
	data := []byte("multicast: 239.9.9.9:1900\nsource:\n  format: s16le\n")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("BARK_CONFIG", path)
	t.Setenv("BARK_SOURCE_FORMAT", "opus")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Multicast != "239.9.9.9:1900" {
		t.Errorf("file should override default: multicast = %q", cfg.Multicast)
	}
	if cfg.Source.Format != "opus" {
		t.Errorf("env should override file: format = %q", cfg.Source.Format)
	}
	if cfg.Receive.Output.BufferMS != DefaultBufferMS {
		t.Errorf("untouched default changed: buffer_ms = %d", cfg.Receive.Output.BufferMS)
	}
}

func TestLoadEnvOnly(t *testing.T) {
	clearEnv(t)
	t.Setenv("BARK_INTERFACE", "wlan0")
	t.Setenv("BARK_RECEIVE_OUTPUT_BUFFER_MS", "100")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Interface != "wlan0" {
		t.Errorf("interface = %q", cfg.Interface)
	}
	if got := cfg.OutputBuffer(); got != 100*time.Millisecond {
		t.Errorf("output buffer = %v", got)
	}
}

func TestLoadExplicitPathMissing(t *testing.T) {
	clearEnv(t)
	t.Setenv("BARK_CONFIG", filepath.Join(t.TempDir(), "nope.yaml"))
	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing explicit config")
	}
}

func TestLoadBadEnvInteger(t *testing.T) {
	clearEnv(t)
	t.Setenv("BARK_SOURCE_DELAY_MS", "soon")
	_, err := Load()
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "BARK_SOURCE_DELAY_MS") {
		t.Errorf("error should name the variable: %v", err)
	}
}

func TestLoadXDGSearchPath(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", dir)
	if ucd, err := os.UserConfigDir(); err != nil || ucd != dir {
		t.Skip("platform does not honour XDG_CONFIG_HOME")
	}
	if err := os.MkdirAll(filepath.Join(dir, "bark"), 0o755); err != nil {
		t.Fatal(err)
	}
	data := []byte("interface: eth9\n")
	if err := os.WriteFile(filepath.Join(dir, "bark", "bark.yaml"), data, 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Interface != "eth9" {
		t.Errorf("interface = %q", cfg.Interface)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"default", func(*Config) {}, false},
		{"unicast group", func(c *Config) { c.Multicast = "10.0.0.1:1530" }, true},
		{"garbage group", func(c *Config) { c.Multicast = "not an addr" }, true},
		{"unknown format", func(c *Config) { c.Source.Format = "mp3" }, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Fatal("expected error")
			}
			if !tt.wantErr && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}
