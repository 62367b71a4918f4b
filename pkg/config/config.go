package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

// Config is the engine configuration, loaded from a YAML file with defaults
// applied before validation.
type Config struct {
	// Project names the project all commands act on.
	Project string `yaml:"project" validate:"required"`

	Backend  BackendConfig  `yaml:"backend"`
	Lock     LockConfig     `yaml:"lock"`
	Executor ExecutorConfig `yaml:"executor"`
	Audit    AuditConfig    `yaml:"audit"`
	Policy   PolicyConfig   `yaml:"policy"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Tracing  TracingConfig  `yaml:"tracing"`
}

// BackendConfig selects and configures the state store backend.
type BackendConfig struct {
	// Type is one of local, s3, remote.
	Type string `yaml:"type" validate:"oneof=local s3 remote"`

	// Local backend.
	Path string `yaml:"path,omitempty"`

	// S3 backend.
	Bucket string `yaml:"bucket,omitempty"`
	Prefix string `yaml:"prefix,omitempty"`
	Region string `yaml:"region,omitempty"`

	// Remote backend.
	URL   string `yaml:"url,omitempty" validate:"omitempty,url"`
	Token string `yaml:"token,omitempty"`
}

// LockConfig tunes lease TTL and acquisition retry behavior.
type LockConfig struct {
	TTL            time.Duration `yaml:"ttl" validate:"gt=0"`
	MaxAttempts    int           `yaml:"max_attempts" validate:"gte=1"`
	InitialBackoff time.Duration `yaml:"initial_backoff" validate:"gt=0"`
	MaxBackoff     time.Duration `yaml:"max_backoff" validate:"gt=0"`
}

// ExecutorConfig tunes plan execution.
type ExecutorConfig struct {
	MaxParallel int           `yaml:"max_parallel" validate:"gte=1"`
	StepTimeout time.Duration `yaml:"step_timeout" validate:"gt=0"`
}

// AuditConfig configures the sqlite audit trail.
type AuditConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path,omitempty"`
}

// PolicyConfig configures guardrail policy loading.
type PolicyConfig struct {
	// Dir holds .rego policy files loaded on top of the built-ins. Empty
	// means built-ins only.
	Dir string `yaml:"dir,omitempty"`

	// Watch hot-reloads policies when files in Dir change.
	Watch bool `yaml:"watch"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level" validate:"oneof=trace debug info warn error fatal"`
	Format string `yaml:"format" validate:"oneof=console json"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddress string `yaml:"listen_address,omitempty"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter,omitempty" validate:"omitempty,oneof=otlp stdout none"`
	Endpoint string `yaml:"endpoint,omitempty"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			Type: "local",
			Path: ".launchflow/state",
		},
		Lock: LockConfig{
			TTL:            20 * time.Minute,
			MaxAttempts:    5,
			InitialBackoff: 250 * time.Millisecond,
			MaxBackoff:     5 * time.Second,
		},
		Executor: ExecutorConfig{
			MaxParallel: 10,
			StepTimeout: 15 * time.Minute,
		},
		Audit: AuditConfig{
			Enabled: true,
			Path:    ".launchflow/audit.db",
		},
		Policy: PolicyConfig{},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Metrics: MetricsConfig{
			ListenAddress: ":9464",
		},
		Tracing: TracingConfig{
			Exporter: "none",
		},
	}
}

// Load reads a config file, layers it over the defaults, and validates the
// result. A missing file returns the defaults, but the project still has to
// be set somewhere, so Validate will flag an empty one.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the configuration, including backend-specific requirements.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	switch c.Backend.Type {
	case "local":
		if c.Backend.Path == "" {
			return fmt.Errorf("local backend requires backend.path")
		}
	case "s3":
		if c.Backend.Bucket == "" {
			return fmt.Errorf("s3 backend requires backend.bucket")
		}
	case "remote":
		if c.Backend.URL == "" {
			return fmt.Errorf("remote backend requires backend.url")
		}
	}
	return nil
}
