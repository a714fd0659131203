package proxy

import "time"

// Config holds the proxy server configuration.
type Config struct {
	// ListenAddr is the address to listen on (e.g. ":8888",
	// "127.0.0.1:8888").
	ListenAddr string

	// RequestTimeout bounds each forwarded request.
	RequestTimeout time.Duration

	// DialTimeout bounds CONNECT tunnel establishment.
	DialTimeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:     "127.0.0.1:8888",
		RequestTimeout: 30 * time.Second,
		DialTimeout:    10 * time.Second,
	}
}

// ConfigOption is a function that modifies the Config.
type ConfigOption func(*Config)

// WithListenAddr sets the listen address.
func WithListenAddr(addr string) ConfigOption {
	return func(c *Config) {
		c.ListenAddr = addr
	}
}

// WithRequestTimeout sets the forwarded-request timeout.
func WithRequestTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.RequestTimeout = d
	}
}

// WithDialTimeout sets the tunnel dial timeout.
func WithDialTimeout(d time.Duration) ConfigOption {
	return func(c *Config) {
		c.DialTimeout = d
	}
}

// NewConfig creates a new Config with the given options applied to defaults.
func NewConfig(opts ...ConfigOption) Config {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}
