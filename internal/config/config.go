// ABOUTME: Optional YAML configuration with BARK_* environment overrides
// ABOUTME: Search order: $BARK_CONFIG, ./bark.yaml, $XDG_CONFIG_HOME/bark/bark.yaml
package config

import (
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/haileys/bark/internal/protocol"
	"github.com/haileys/bark/internal/socket"
)

// Defaults applied before any file or environment override.
const (
	DefaultGroup         = "239.255.77.77:1530"
	DefaultFormat        = "f32le"
	DefaultDelayMS       = 20
	DefaultBufferMS      = 20
	DefaultMetricsListen = "0.0.0.0:1530"
)

// Config mirrors the optional bark.yaml file. Values resolve in
// order: defaults, then file, then environment. Command-line flags
// override all of these but are handled by the caller.
type Config struct {
	Multicast string        `yaml:"multicast"`
	Interface string        `yaml:"interface"`
	Source    SourceConfig  `yaml:"source"`
	Receive   ReceiveConfig `yaml:"receive"`
	Metrics   MetricsConfig `yaml:"metrics"`
}

// SourceConfig configures the stream command.
type SourceConfig struct {
	// Input is a file path, URL, or "tone" when no positional
	// argument is given.
	Input   string `yaml:"input"`
	DelayMS uint   `yaml:"delay_ms"`
	Format  string `yaml:"format"`
}

// ReceiveConfig configures the receive command.
type ReceiveConfig struct {
	Output OutputConfig `yaml:"output"`
}

// OutputConfig configures the playback device.
type OutputConfig struct {
	BufferMS uint `yaml:"buffer_ms"`
}

// MetricsConfig configures the receiver's stats endpoint.
type MetricsConfig struct {
	Listen string `yaml:"listen"`
}

// Default returns the configuration used when no file or environment
// override is present.
func Default() Config {
	return Config{
		Multicast: DefaultGroup,
		Source: SourceConfig{
			DelayMS: DefaultDelayMS,
			Format:  DefaultFormat,
		},
		Receive: ReceiveConfig{
			Output: OutputConfig{BufferMS: DefaultBufferMS},
		},
		Metrics: MetricsConfig{Listen: DefaultMetricsListen},
	}
}

// SourceDelay is the configured output delay as a duration.
func (c Config) SourceDelay() time.Duration {
	return time.Duration(c.Source.DelayMS) * time.Millisecond
}

// OutputBuffer is the configured playback device buffer as a duration.
func (c Config) OutputBuffer() time.Duration {
	return time.Duration(c.Receive.Output.BufferMS) * time.Millisecond
}

// Validate checks the merged configuration for values that would only
// fail later, at socket open or encoder construction.
func (c Config) Validate() error {
	var errs []error
	if _, err := socket.ParseGroup(c.Multicast); err != nil {
		errs = append(errs, fmt.Errorf("multicast: %w", err))
	}
	if _, err := protocol.ParseEncoding(c.Source.Format); err != nil {
		errs = append(errs, fmt.Errorf("source.format: %w", err))
	}
	return errors.Join(errs...)
}

// Load resolves the configuration: defaults, then the first config
// file found, then BARK_* environment variables.
func Load() (Config, error) {
	cfg := Default()
	if path := findFile(); path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, err
		}
		log.Printf("config loaded from %s", path)
	}
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// findFile returns the first config file to use, or "" when none
// exists. $BARK_CONFIG is returned without checking existence so a
// broken explicit path surfaces as an error instead of silence.
func findFile() string {
	if p := os.Getenv("BARK_CONFIG"); p != "" {
		return p
	}
	if _, err := os.Stat("bark.yaml"); err == nil {
		return "bark.yaml"
	}
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	p := filepath.Join(dir, "bark", "bark.yaml")
	if _, err := os.Stat(p); err == nil {
		return p
	}
	return ""
}

func loadFile(path string, cfg *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config %s: %w", path, err)
	}
	defer f.Close()
	if err := decode(f, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// decode overlays YAML from r onto cfg. Unknown keys are errors so a
// typo fails loudly instead of being ignored. An empty file is fine.
func decode(r io.Reader, cfg *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func applyEnv(cfg *Config) error {
	envString("BARK_MULTICAST", &cfg.Multicast)
	envString("BARK_INTERFACE", &cfg.Interface)
	envString("BARK_SOURCE_INPUT", &cfg.Source.Input)
	envString("BARK_SOURCE_FORMAT", &cfg.Source.Format)
	envString("BARK_METRICS_LISTEN", &cfg.Metrics.Listen)
	if err := envUint("BARK_SOURCE_DELAY_MS", &cfg.Source.DelayMS); err != nil {
		return err
	}
	if err := envUint("BARK_RECEIVE_OUTPUT_BUFFER_MS", &cfg.Receive.Output.BufferMS); err != nil {
		return err
	}
	return nil
}

func envString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func envUint(name string, dst *uint) error {
	v := os.Getenv(name)
	if v == "" {
		return nil
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	*dst = uint(n)
	return nil
}
