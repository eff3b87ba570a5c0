// Package config provides YAML-based configuration loading for Lectern.
package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is the top-level Lectern configuration, loaded from config.yaml.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	LogsDir  string `yaml:"logs_dir"`
	RulesDir string `yaml:"rules_dir"`
	// LegacyRunPrefix marks client-minted run ids that get remapped to
	// sequential logN ids.
	LegacyRunPrefix string        `yaml:"legacy_run_prefix"`
	Audio           AudioConfig   `yaml:"audio"`
	Noise           NoiseConfig   `yaml:"noise"`
	Walkie          WalkieConfig  `yaml:"walkie"`
	Archive         ArchiveConfig `yaml:"archive"`
}

// AudioConfig names the virtual PulseAudio devices and capture length.
type AudioConfig struct {
	SinkName       string  `yaml:"sink_name"`
	SourceName     string  `yaml:"source_name"`
	SegmentSeconds float64 `yaml:"segment_seconds"`
}

// NoiseConfig holds the degenerate-input filter thresholds.
type NoiseConfig struct {
	MinLength int    `yaml:"min_length"`
	RepeatRun int    `yaml:"repeat_run"`
	SymbolSet string `yaml:"symbol_set"`
}

// WalkieConfig controls the phone signaling relay and its HTTPS mirror.
type WalkieConfig struct {
	SessionTTLSeconds int    `yaml:"session_ttl_seconds"`
	PagesDir          string `yaml:"pages_dir"`
	EnableTLS         bool   `yaml:"enable_tls"`
	TLSPort           int    `yaml:"tls_port"`
	TLSCertPath       string `yaml:"tls_cert_path"`
	TLSKeyPath        string `yaml:"tls_key_path"`
}

// ArchiveConfig controls the periodic SQLite snapshot of pipeline
// segments and run summaries. An empty path disables archiving.
type ArchiveConfig struct {
	SQLitePath string `yaml:"sqlite_path"`
	Schedule   string `yaml:"schedule"`
}

// Load reads a YAML config file from path and returns a validated Config.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return Parse(data)
}

// Parse unmarshals YAML bytes into a validated Config.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Addr returns the plain-HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// applyDefaults fills in derived and default values.
func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.Port == 0 {
		c.Port = 5000
	}
	if c.LogsDir == "" {
		c.LogsDir = "logs"
	}
	if c.RulesDir == "" {
		c.RulesDir = "rules"
	}
	if c.LegacyRunPrefix == "" {
		c.LegacyRunPrefix = "kickstart"
	}
	if c.Audio.SinkName == "" {
		c.Audio.SinkName = "at_class_sink"
	}
	if c.Audio.SourceName == "" {
		c.Audio.SourceName = "student_voice"
	}
	if c.Audio.SegmentSeconds == 0 {
		c.Audio.SegmentSeconds = 4.0
	}
	if c.Noise.MinLength == 0 {
		c.Noise.MinLength = 2
	}
	if c.Noise.RepeatRun == 0 {
		c.Noise.RepeatRun = 5
	}
	if c.Noise.SymbolSet == "" {
		c.Noise.SymbolSet = `.?!,-_/\*~`
	}
	if c.Walkie.SessionTTLSeconds == 0 {
		c.Walkie.SessionTTLSeconds = 1800
	}
	if c.Walkie.PagesDir == "" {
		c.Walkie.PagesDir = "walkie_pages"
	}
	if c.Walkie.TLSPort == 0 {
		c.Walkie.TLSPort = 5443
	}
	if c.Archive.Schedule == "" {
		c.Archive.Schedule = "@every 60s"
	}
}

// validate checks that all required fields are present and consistent.
func (c *Config) validate() error {
	var errs []string
	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Sprintf("port %d out of range", c.Port))
	}
	if c.Walkie.TLSPort < 1 || c.Walkie.TLSPort > 65535 {
		errs = append(errs, fmt.Sprintf("walkie.tls_port %d out of range", c.Walkie.TLSPort))
	}
	if c.Walkie.EnableTLS {
		if c.Walkie.TLSCertPath == "" {
			errs = append(errs, "walkie.tls_cert_path is required when TLS is enabled")
		}
		if c.Walkie.TLSKeyPath == "" {
			errs = append(errs, "walkie.tls_key_path is required when TLS is enabled")
		}
	}
	if c.Audio.SegmentSeconds < 0 {
		errs = append(errs, "audio.segment_seconds must not be negative")
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}
