package server

import (
	"log/slog"
	"time"

	"github.com/relves/anonsignal/pkg/checkpoint"
	"github.com/relves/anonsignal/pkg/policy"
)

// Config holds server configuration.
type Config struct {
	Groups    Groups
	Registrar Registrar
	Verifier  Verifier
	Policy    *policy.Policy
	Logger    *slog.Logger

	// CheckpointSigner enables signed group checkpoints under
	// CheckpointOrigin.
	CheckpointSigner *checkpoint.Signer
	CheckpointOrigin string

	// CORSOrigins lists origins allowed to call the API from a browser.
	CORSOrigins []string
	// MaxBodyBytes bounds request bodies.
	MaxBodyBytes int64
	// RequestTimeout bounds a single request, including proof verification.
	RequestTimeout time.Duration
}

// Option configures the server.
type Option func(*Config)

// WithGroups sets the group accumulator.
func WithGroups(g Groups) Option {
	return func(c *Config) {
		c.Groups = g
	}
}

// WithRegistrar sets the registration coordinator.
func WithRegistrar(r Registrar) Option {
	return func(c *Config) {
		c.Registrar = r
	}
}

// WithVerifier sets the proof verifier.
func WithVerifier(v Verifier) Option {
	return func(c *Config) {
		c.Verifier = v
	}
}

// WithPolicy sets the anonymity policy reported by group info.
func WithPolicy(p *policy.Policy) Option {
	return func(c *Config) {
		c.Policy = p
	}
}

// WithCheckpointSigner serves signed checkpoints with origins under prefix.
func WithCheckpointSigner(s *checkpoint.Signer, prefix string) Option {
	return func(c *Config) {
		c.CheckpointSigner = s
		c.CheckpointOrigin = prefix
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Config) {
		c.Logger = l
	}
}

// WithCORSOrigins sets the allowed browser origins. Defaults to "*".
func WithCORSOrigins(origins ...string) Option {
	return func(c *Config) {
		c.CORSOrigins = origins
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(c *Config) {
		c.MaxBodyBytes = n
	}
}

func WithRequestTimeout(d time.Duration) Option {
	return func(c *Config) {
		c.RequestTimeout = d
	}
}

func applyOptions(opts ...Option) *Config {
	cfg := &Config{
		CORSOrigins:    []string{"*"},
		MaxBodyBytes:   1 << 20,
		RequestTimeout: time.Minute,
	}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return cfg
}
