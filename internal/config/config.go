// Package config loads and validates the YAML service configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/recondohq/recondo/internal/secrets"
)

var ErrInvalidConfig = errors.New("invalid config")

// Duration unmarshals Go duration strings ("30s", "2m") from YAML.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Listen string    `yaml:"listen"`
	Log    LogConfig `yaml:"log"`

	Store   StoreConfig   `yaml:"store"`
	Sweep   SweepConfig   `yaml:"sweep"`
	Probe   ProbeConfig   `yaml:"probe"`
	Webhook WebhookConfig `yaml:"webhook"`
	API     APIConfig     `yaml:"api"`
	Audit   AuditConfig   `yaml:"audit"`

	Observability ObservabilityConfig `yaml:"observability"`
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug|info|warn|error
	Format string `yaml:"format"` // json|text
	Sink   string `yaml:"sink"`   // stderr|stdout|<file path>
}

type StoreConfig struct {
	Backend string `yaml:"backend"` // memory|sqlite|postgres
	Path    string `yaml:"path"`    // sqlite file path
	DSN     string `yaml:"dsn"`     // postgres connection string
}

type SweepConfig struct {
	Interval   Duration `yaml:"interval"`
	BatchLimit int      `yaml:"batch_limit"`
}

type ProbeConfig struct {
	Enabled  bool     `yaml:"enabled"`
	URL      string   `yaml:"url"`
	Provider string   `yaml:"provider"`
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
}

type WebhookConfig struct {
	Path      string          `yaml:"path"`
	Tolerance Duration        `yaml:"tolerance"`
	Secrets   []WebhookSecret `yaml:"secrets"`
}

// WebhookSecret is one HMAC secret version. Value is a secret reference
// (env:, file:, raw:), resolved at startup.
type WebhookSecret struct {
	ID         string    `yaml:"id"`
	Value      string    `yaml:"value"`
	ValidFrom  time.Time `yaml:"valid_from"`
	ValidUntil time.Time `yaml:"valid_until"`
}

type APIConfig struct {
	// Tokens are bearer token references. Empty means no auth, dev only.
	Tokens []string `yaml:"tokens"`
}

type AuditConfig struct {
	NATS NATSAuditConfig `yaml:"nats"`
}

type NATSAuditConfig struct {
	Enabled       bool     `yaml:"enabled"`
	URL           string   `yaml:"url"`
	Stream        string   `yaml:"stream"`
	SubjectPrefix string   `yaml:"subject_prefix"`
	MaxAge        Duration `yaml:"max_age"`
}

type ObservabilityConfig struct {
	Traces  TracesConfig  `yaml:"traces"`
	Metrics MetricsConfig `yaml:"metrics"`
}

type TracesConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"` // OTLP HTTP host:port
}

type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

func Default() Config {
	return Config{
		Listen: ":8080",
		Log:    LogConfig{Level: "info", Format: "json", Sink: "stderr"},
		Store:  StoreConfig{Backend: "sqlite", Path: "recondo.db"},
		Sweep: SweepConfig{
			Interval:   Duration(2 * time.Minute),
			BatchLimit: 100,
		},
		Probe: ProbeConfig{
			Provider: "whatsapp",
			Interval: Duration(30 * time.Second),
			Timeout:  Duration(5 * time.Second),
		},
		Webhook: WebhookConfig{
			Path:      "/webhooks/whatsapp",
			Tolerance: Duration(5 * time.Minute),
		},
		Audit: AuditConfig{NATS: NATSAuditConfig{
			Stream:        "DELIVERY_AUDIT",
			SubjectPrefix: "delivery.audit",
		}},
		Observability: ObservabilityConfig{
			Metrics: MetricsConfig{Enabled: true},
		},
	}
}

// Load reads the YAML file at path over the defaults. Unknown keys are
// rejected so a typo fails at startup instead of silently using a default.
func Load(path string) (Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return Config{}, err
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// applyEnvOverrides lets the environment win over the file for the settings
// operators typically inject at deploy time.
func applyEnvOverrides(cfg *Config) {
	for env, dst := range map[string]*string{
		"RECONDO_LISTEN":        &cfg.Listen,
		"RECONDO_LOG_LEVEL":     &cfg.Log.Level,
		"RECONDO_STORE_BACKEND": &cfg.Store.Backend,
		"RECONDO_STORE_PATH":    &cfg.Store.Path,
		"RECONDO_STORE_DSN":     &cfg.Store.DSN,
		"RECONDO_NATS_URL":      &cfg.Audit.NATS.URL,
		"RECONDO_OTLP_ENDPOINT": &cfg.Observability.Traces.Endpoint,
	} {
		if v := os.Getenv(env); v != "" {
			*dst = v
		}
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("%w: listen is required", ErrInvalidConfig)
	}

	switch c.Log.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log.level must be debug|info|warn|error", ErrInvalidConfig)
	}
	switch c.Log.Format {
	case "", "json", "text":
	default:
		return fmt.Errorf("%w: log.format must be json|text", ErrInvalidConfig)
	}

	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if strings.TrimSpace(c.Store.Path) == "" {
			return fmt.Errorf("%w: store.path is required for sqlite", ErrInvalidConfig)
		}
	case "postgres":
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("%w: store.dsn is required for postgres", ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: store.backend must be memory|sqlite|postgres", ErrInvalidConfig)
	}

	if c.Sweep.Interval.Std() <= 0 {
		return fmt.Errorf("%w: sweep.interval must be positive", ErrInvalidConfig)
	}
	if c.Sweep.BatchLimit <= 0 {
		return fmt.Errorf("%w: sweep.batch_limit must be positive", ErrInvalidConfig)
	}

	if c.Probe.Enabled && strings.TrimSpace(c.Probe.URL) == "" {
		return fmt.Errorf("%w: probe.url is required when probe is enabled", ErrInvalidConfig)
	}

	for i, s := range c.Webhook.Secrets {
		if s.ID == "" {
			return fmt.Errorf("%w: webhook.secrets[%d].id is required", ErrInvalidConfig, i)
		}
		if s.Value == "" {
			return fmt.Errorf("%w: webhook.secrets[%d].value is required", ErrInvalidConfig, i)
		}
		if s.ValidFrom.IsZero() {
			return fmt.Errorf("%w: webhook.secrets[%d].valid_from is required", ErrInvalidConfig, i)
		}
	}

	if c.Audit.NATS.Enabled && strings.TrimSpace(c.Audit.NATS.URL) == "" {
		return fmt.Errorf("%w: audit.nats.url is required when nats audit is enabled", ErrInvalidConfig)
	}
	if c.Observability.Traces.Enabled && strings.TrimSpace(c.Observability.Traces.Endpoint) == "" {
		return fmt.Errorf("%w: observability.traces.endpoint is required when traces are enabled", ErrInvalidConfig)
	}

	return nil
}

// WebhookSecretSet resolves the configured secret references into a validated
// rotation set. An empty set disables webhook signature verification.
func (c Config) WebhookSecretSet() (secrets.Set, error) {
	if len(c.Webhook.Secrets) == 0 {
		return secrets.Set{}, nil
	}

	set := secrets.Set{Versions: make([]secrets.Version, 0, len(c.Webhook.Secrets))}
	for _, s := range c.Webhook.Secrets {
		value, err := secrets.LoadRef(s.Value)
		if err != nil {
			return secrets.Set{}, fmt.Errorf("webhook secret %q: %w", s.ID, err)
		}
		set.Versions = append(set.Versions, secrets.Version{
			ID:         s.ID,
			Value:      value,
			ValidFrom:  s.ValidFrom,
			ValidUntil: s.ValidUntil,
		})
	}
	if err := set.Validate(); err != nil {
		return secrets.Set{}, err
	}
	return set, nil
}

// APITokens resolves the configured bearer token references.
func (c Config) APITokens() ([][]byte, error) {
	out := make([][]byte, 0, len(c.API.Tokens))
	for i, ref := range c.API.Tokens {
		value, err := secrets.LoadRef(ref)
		if err != nil {
			return nil, fmt.Errorf("api token [%d]: %w", i, err)
		}
		out = append(out, value)
	}
	return out, nil
}
