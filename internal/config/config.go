// Package config loads and validates the daemon configuration and the
// optional YAML rules file applied at startup.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/breakwire/breakwire/internal/rules"
)

// Config is the daemon configuration.
type Config struct {
	// Proxy is the address the intercepting proxy listens on.
	Proxy ProxyConfig `yaml:"proxy"`

	// Control is the WebSocket control endpoint.
	Control ControlConfig `yaml:"control"`

	Capture CaptureConfig `yaml:"capture"`
	Log     LogConfig     `yaml:"log"`

	// RulesDB is the SQLite file rule sets persist to. Empty disables
	// persistence.
	RulesDB string `yaml:"rulesDb"`

	// RulesFile is an optional YAML rules file loaded at startup. It
	// takes precedence over the persisted sets.
	RulesFile string `yaml:"rulesFile"`

	// ExcludeHosts are wildcard host patterns that bypass interception.
	ExcludeHosts []string `yaml:"excludeHosts"`

	// ExcludeURLPrefixes bypass matching URLs the same way.
	ExcludeURLPrefixes []string `yaml:"excludeUrlPrefixes"`
}

// ProxyConfig configures the intercepting proxy listener.
type ProxyConfig struct {
	ListenAddr string `yaml:"listenAddr" validate:"required"`
}

// ControlConfig configures the control endpoint.
type ControlConfig struct {
	ListenAddr string `yaml:"listenAddr" validate:"required"`
	Path       string `yaml:"path"`
}

// CaptureConfig bounds the in-memory capture ring.
type CaptureConfig struct {
	MaxEntries            int  `yaml:"maxEntries" validate:"min=1"`
	MaxBodySize           int  `yaml:"maxBodySize" validate:"min=0"`
	CaptureRequestBodies  bool `yaml:"captureRequestBodies"`
	CaptureResponseBodies bool `yaml:"captureResponseBodies"`
}

// LogConfig configures structured logging and rotation.
type LogConfig struct {
	Level string `yaml:"level" validate:"omitempty,oneof=trace debug info warn error"`

	// File enables rotated file output alongside stderr. Empty logs to
	// stderr only.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"maxSizeMb" validate:"min=0"`
	MaxBackups int    `yaml:"maxBackups" validate:"min=0"`
	MaxAgeDays int    `yaml:"maxAgeDays" validate:"min=0"`
	Pretty     bool   `yaml:"pretty"`
}

// RulesFile is the shape of the YAML rules file.
type RulesFile struct {
	Breakpoints []rules.BreakpointRule `yaml:"breakpoints"`
	Mocks       []rules.MockRule       `yaml:"mocks"`
}

// Default returns the daemon defaults.
func Default() Config {
	configDir, _ := os.UserConfigDir()
	return Config{
		Proxy:   ProxyConfig{ListenAddr: "127.0.0.1:8888"},
		Control: ControlConfig{ListenAddr: "127.0.0.1:8889", Path: "/control"},
		Capture: CaptureConfig{
			MaxEntries:            1000,
			MaxBodySize:           64 * 1024,
			CaptureRequestBodies:  true,
			CaptureResponseBodies: true,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 14,
		},
		RulesDB: filepath.Join(configDir, "breakwire", "rules.db"),
	}
}

// Option is a function that modifies the Config.
type Option func(*Config)

// WithProxyAddr sets the proxy listen address.
func WithProxyAddr(addr string) Option {
	return func(c *Config) {
		c.Proxy.ListenAddr = addr
	}
}

// WithControlAddr sets the control listen address.
func WithControlAddr(addr string) Option {
	return func(c *Config) {
		c.Control.ListenAddr = addr
	}
}

// WithRulesDB sets the rule persistence path.
func WithRulesDB(path string) Option {
	return func(c *Config) {
		c.RulesDB = path
	}
}

// WithRulesFile sets the startup rules file.
func WithRulesFile(path string) Option {
	return func(c *Config) {
		c.RulesFile = path
	}
}

// WithLogLevel sets the log level.
func WithLogLevel(level string) Option {
	return func(c *Config) {
		c.Log.Level = level
	}
}

// WithExcludeHosts sets hosts that bypass interception.
func WithExcludeHosts(hosts ...string) Option {
	return func(c *Config) {
		c.ExcludeHosts = hosts
	}
}

// New creates a Config with the given options applied to defaults.
func New(opts ...Option) Config {
	cfg := Default()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

var validate = validator.New()

// Load reads a YAML config file over the defaults and validates the
// result. A missing path returns plain defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// LoadRulesFile reads and validates a YAML rules file.
func LoadRulesFile(path string) (*RulesFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var rf RulesFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	for i := range rf.Breakpoints {
		if err := rules.ValidateBreakpointRule(&rf.Breakpoints[i]); err != nil {
			return nil, err
		}
	}
	for i := range rf.Mocks {
		if err := rules.ValidateMockRule(&rf.Mocks[i]); err != nil {
			return nil, err
		}
	}
	return &rf, nil
}
