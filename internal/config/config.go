// Package config loads and validates the runtime configuration.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the main configuration structure for the agent runtime.
type Config struct {
	Providers ProvidersConfig `yaml:"providers"`
	Budget    BudgetConfig    `yaml:"budget"`
	Routing   RoutingConfig   `yaml:"routing"`
	Memory    MemoryConfig    `yaml:"memory"`
	Sandbox   SandboxConfig   `yaml:"sandbox"`
	Logging   LoggingConfig   `yaml:"logging"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ProvidersConfig configures backend resolution.
type ProvidersConfig struct {
	// Default is the provider used when neither the agent nor the model
	// string names one. Falls back to "ollama".
	Default string `yaml:"default"`

	// Endpoints maps provider name to its base URL override.
	Endpoints map[string]ProviderEndpoint `yaml:"endpoints"`
}

// ProviderEndpoint holds per-provider connection settings.
type ProviderEndpoint struct {
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
}

// BudgetConfig caps spend enforced by the cost router. Zero means no cap.
type BudgetConfig struct {
	MaxCostPerRun  float64 `yaml:"max_cost_per_run"`
	MaxCostPerHour float64 `yaml:"max_cost_per_hour"`
	MaxCostPerDay  float64 `yaml:"max_cost_per_day"`
}

// RoutingConfig configures cost-aware model selection.
type RoutingConfig struct {
	Enabled         bool `yaml:"enabled"`
	AutoSelectModel bool `yaml:"auto_select_model"`
	PreferLocal     bool `yaml:"prefer_local"`
}

// MemoryConfig selects the conversation memory adapter.
type MemoryConfig struct {
	// Driver is one of "none", "inmem", or "sqlite".
	Driver string `yaml:"driver"`

	// Path is the SQLite database path when Driver is "sqlite".
	Path string `yaml:"path"`
}

// SandboxConfig configures the local sandbox manager.
type SandboxConfig struct {
	Enabled        bool          `yaml:"enabled"`
	WorkDir        string        `yaml:"work_dir"`
	DefaultTimeout time.Duration `yaml:"default_timeout"`
}

// LoggingConfig configures the slog handler.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text or json
}

// TelemetryConfig configures span export and metrics.
type TelemetryConfig struct {
	// OTLPEndpoint is the OTLP/gRPC collector address. Empty disables export.
	OTLPEndpoint string  `yaml:"otlp_endpoint"`
	ServiceName  string  `yaml:"service_name"`
	SamplingRate float64 `yaml:"sampling_rate"`
	Insecure     bool    `yaml:"insecure"`

	// MetricsAddr is the Prometheus scrape listen address. Empty disables it.
	MetricsAddr string `yaml:"metrics_addr"`
}

// Default returns the configuration used when no file is supplied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads a YAML config file, expands environment variables, applies
// defaults, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Providers.Default == "" {
		cfg.Providers.Default = "ollama"
	}
	if cfg.Memory.Driver == "" {
		cfg.Memory.Driver = "inmem"
	}
	if cfg.Sandbox.DefaultTimeout <= 0 {
		cfg.Sandbox.DefaultTimeout = 30 * time.Second
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "sovereign"
	}
	if cfg.Telemetry.SamplingRate <= 0 || cfg.Telemetry.SamplingRate > 1 {
		cfg.Telemetry.SamplingRate = 1.0
	}
}

// Validate checks cross-field constraints that defaults cannot repair.
func (c *Config) Validate() error {
	switch c.Memory.Driver {
	case "none", "inmem", "sqlite":
	default:
		return fmt.Errorf("invalid memory driver %q (want none, inmem, or sqlite)", c.Memory.Driver)
	}
	if c.Memory.Driver == "sqlite" && c.Memory.Path == "" {
		return fmt.Errorf("memory driver sqlite requires a path")
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level %q", c.Logging.Level)
	}
	switch c.Logging.Format {
	case "text", "json":
	default:
		return fmt.Errorf("invalid log format %q", c.Logging.Format)
	}

	for _, v := range []float64{c.Budget.MaxCostPerRun, c.Budget.MaxCostPerHour, c.Budget.MaxCostPerDay} {
		if v < 0 {
			return fmt.Errorf("budget caps must be non-negative")
		}
	}
	return nil
}
