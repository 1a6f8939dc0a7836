// Package config loads service configuration from an optional YAML file and
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/relves/anonsignal/pkg/accumulator"
	"github.com/relves/anonsignal/pkg/checkpoint"
	"github.com/relves/anonsignal/pkg/nullifier"
	"github.com/relves/anonsignal/pkg/policy"
	"github.com/relves/anonsignal/pkg/types"
)

type GroupConfig struct {
	ID    uint64 `yaml:"id"`
	Depth int    `yaml:"depth"`
	// Threshold overrides the default anonymity threshold. Zero keeps it.
	Threshold int `yaml:"threshold"`
}

type ProverConfig struct {
	Workers int           `yaml:"workers"`
	Timeout time.Duration `yaml:"timeout"`
}

type AdmissionConfig struct {
	// URL of the reference service. When empty, Refs is used as a static
	// allow-list.
	URL  string   `yaml:"url"`
	Refs []string `yaml:"refs"`
}

type ZKConfig struct {
	VerifierURL string `yaml:"verifier_url"`
	// DevKey enables the insecure development engine.
	DevKey string `yaml:"dev_key"`
}

type Config struct {
	DataPath string `yaml:"data_path"`
	Port     string `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	Hasher           string        `yaml:"hasher"`
	HistorySize      int           `yaml:"history_size"`
	NullifierScope   string        `yaml:"nullifier_scope"`
	DefaultThreshold int           `yaml:"default_threshold"`
	Groups           []GroupConfig `yaml:"groups"`

	Prover      ProverConfig    `yaml:"prover"`
	Admission   AdmissionConfig `yaml:"admission"`
	ZK          ZKConfig        `yaml:"zk"`
	WebhookURL  string          `yaml:"webhook_url"`
	CORSOrigins []string        `yaml:"cors_origins"`

	// CheckpointKey is a base64 Ed25519 seed or private key. When empty an
	// ephemeral key signs checkpoints.
	CheckpointKey    string `yaml:"checkpoint_key"`
	CheckpointOrigin string `yaml:"checkpoint_origin"`

	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

func Default() *Config {
	return &Config{
		DataPath:         "./data",
		Port:             "8080",
		LogLevel:         "info",
		Hasher:           accumulator.HasherMiMC,
		HistorySize:      accumulator.DefaultHistorySize,
		NullifierScope:   string(nullifier.ScopeGroup),
		DefaultThreshold: policy.DefaultThreshold,
		Prover: ProverConfig{
			Workers: 2,
			Timeout: 30 * time.Second,
		},
		CORSOrigins:      []string{"*"},
		CheckpointOrigin: "anonsignal",
		ShutdownTimeout:  10 * time.Second,
	}
}

// Load reads path over the defaults. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	return cfg, nil
}

// FromEnv loads CONFIG_PATH, applies environment overrides and validates.
func FromEnv() (*Config, error) {
	cfg, err := Load(os.Getenv("CONFIG_PATH"))
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from non-empty environment variables.
func (c *Config) ApplyEnv(getenv func(string) string) error {
	set := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	set("DATA_PATH", &c.DataPath)
	set("PORT", &c.Port)
	set("LOG_LEVEL", &c.LogLevel)
	set("ADMISSION_URL", &c.Admission.URL)
	set("ZK_VERIFIER_URL", &c.ZK.VerifierURL)
	set("DEV_ZK_KEY", &c.ZK.DevKey)
	set("WEBHOOK_URL", &c.WebhookURL)
	set("NULLIFIER_SCOPE", &c.NullifierScope)
	set("CHECKPOINT_KEY", &c.CheckpointKey)
	set("CHECKPOINT_ORIGIN", &c.CheckpointOrigin)
	if v := getenv("ADMISSION_REFS"); v != "" {
		c.Admission.Refs = splitList(v)
	}
	if v := getenv("CORS_ORIGINS"); v != "" {
		c.CORSOrigins = splitList(v)
	}
	if v := getenv("HISTORY_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("HISTORY_SIZE: %w", err)
		}
		c.HistorySize = n
	}
	return nil
}

func splitList(v string) []string {
	var out []string
	for _, s := range strings.Split(v, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) Validate() error {
	var errs []error
	if c.DataPath == "" {
		errs = append(errs, errors.New("data_path is required"))
	}
	if _, err := accumulator.HasherByName(c.Hasher); err != nil {
		errs = append(errs, err)
	}
	if c.HistorySize < 1 || c.HistorySize > accumulator.MaxHistorySize {
		errs = append(errs, fmt.Errorf("history_size must be in [1, %d], got %d", accumulator.MaxHistorySize, c.HistorySize))
	}
	if _, err := nullifier.ParseScope(c.NullifierScope); err != nil {
		errs = append(errs, err)
	}
	if err := c.Policy().Validate(); err != nil {
		errs = append(errs, err)
	}
	seen := make(map[uint64]bool, len(c.Groups))
	for _, g := range c.Groups {
		if seen[g.ID] {
			errs = append(errs, fmt.Errorf("group %d configured twice", g.ID))
		}
		seen[g.ID] = true
		if err := accumulator.ValidateDepth(g.Depth); err != nil {
			errs = append(errs, fmt.Errorf("group %d: %w", g.ID, err))
		}
	}
	if c.ZK.VerifierURL == "" && c.ZK.DevKey == "" {
		errs = append(errs, errors.New("either zk.verifier_url or zk.dev_key must be set"))
	}
	if c.CheckpointKey != "" {
		if _, err := checkpoint.ParseKey(c.CheckpointKey); err != nil {
			errs = append(errs, err)
		}
	}
	if c.CheckpointOrigin == "" || strings.ContainsAny(c.CheckpointOrigin, " +\n") {
		errs = append(errs, fmt.Errorf("checkpoint_origin %q must be non-empty without spaces or '+'", c.CheckpointOrigin))
	}
	if c.Prover.Workers < 0 {
		errs = append(errs, fmt.Errorf("prover.workers must not be negative"))
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		errs = append(errs, fmt.Errorf("log_level: %w", err))
	}
	return errors.Join(errs...)
}

// Level returns the configured slog level, defaulting to info.
func (c *Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Policy builds the anonymity policy from the default and per-group
// thresholds.
func (c *Config) Policy() *policy.Policy {
	p := policy.New(c.DefaultThreshold)
	for _, g := range c.Groups {
		if g.Threshold != 0 {
			p.Set(types.GroupID(g.ID), g.Threshold)
		}
	}
	return p
}

// Scope returns the parsed nullifier scope. Call Validate first.
func (c *Config) Scope() nullifier.Scope {
	s, _ := nullifier.ParseScope(c.NullifierScope)
	return s
}
