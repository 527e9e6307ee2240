// Package config loads the collaboration settings and tracks the
// project's .editorconfig for indent propagation.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable the session and proxy layers consume.
type Config struct {
	// Listen is the address the host's websocket endpoint binds to.
	Listen string `yaml:"listen"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `yaml:"log_level"`

	// RequestTimeout bounds one language-server or host round trip.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// GracePeriod is how long a silent peer is tolerated before it is
	// removed from the collaborator directory.
	GracePeriod time.Duration `yaml:"grace_period"`

	// ReconnectTimeout is how long guests wait for a lost host before
	// the project unshares.
	ReconnectTimeout time.Duration `yaml:"reconnect_timeout"`

	// Debounce holds the per-kind debounce windows, keyed by the
	// request kind's wire name.
	Debounce map[string]time.Duration `yaml:"debounce"`

	// Servers lists the language servers the host launches. Guests
	// ignore this section; their requests go to the host.
	Servers []ServerSpec `yaml:"servers"`
}

// ServerSpec describes one language server process.
type ServerSpec struct {
	Name     string   `yaml:"name"`
	Language string   `yaml:"language"`
	Command  []string `yaml:"command"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		Listen:           "127.0.0.1:43117",
		LogLevel:         "info",
		RequestTimeout:   5 * time.Second,
		GracePeriod:      10 * time.Second,
		ReconnectTimeout: 30 * time.Second,
		Debounce: map[string]time.Duration{
			"completion": 75 * time.Millisecond,
			"codeAction": 250 * time.Millisecond,
			"codeLens":   250 * time.Millisecond,
			"inlayHint":  150 * time.Millisecond,
			"color":      500 * time.Millisecond,
			"diagnostic": 150 * time.Millisecond,
		},
	}
}

// Load reads a YAML config file, filling gaps with defaults. A missing
// file is not an error.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate rejects values the runtime cannot work with.
func (c Config) Validate() error {
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request_timeout must be positive, got %v", c.RequestTimeout)
	}
	if c.ReconnectTimeout <= 0 {
		return fmt.Errorf("reconnect_timeout must be positive, got %v", c.ReconnectTimeout)
	}
	if c.GracePeriod < 0 {
		return fmt.Errorf("grace_period must not be negative, got %v", c.GracePeriod)
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("unknown log_level %q", c.LogLevel)
	}
	for name := range c.Debounce {
		if c.Debounce[name] < 0 {
			return fmt.Errorf("debounce.%s must not be negative", name)
		}
	}
	for i, s := range c.Servers {
		if s.Name == "" {
			return fmt.Errorf("servers[%d]: name is required", i)
		}
		if s.Language == "" {
			return fmt.Errorf("server %s: language is required", s.Name)
		}
		if len(s.Command) == 0 {
			return fmt.Errorf("server %s: command is required", s.Name)
		}
	}
	return nil
}
