// Copyright 2025 Certen Protocol
//
// YAML configuration loading with ${VAR}/${VAR:-default} environment
// substitution, lifted from the validator's pkg/config.LoadAnchorConfig —
// same Duration-wrapper-for-yaml.v3 trick, same substituteEnvVars regex,
// same apply-defaults-after-unmarshal shape, re-keyed to the ambient
// settings this module needs instead of anchor/gas/consensus settings.

package rconfig

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so yaml.v3 can parse "5s"-style strings.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

func (d Duration) Duration() time.Duration { return time.Duration(d) }

// Config is the top-level ambient configuration for the veribot gateway
// (main.go): trust-mode default, PCS collateral endpoint/timeouts, the
// registry backend, and whether to expose metrics.
type Config struct {
	TrustMode string `yaml:"trust_mode"` // "permissive" or "trusted"

	PCS      PCSConfig      `yaml:"pcs"`
	Registry RegistryConfig `yaml:"registry"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// PCSConfig configures the Intel PCS/collateral client.
type PCSConfig struct {
	BaseURL        string   `yaml:"base_url"`
	FetchTimeout   Duration `yaml:"fetch_timeout"`
	RootCACertPath string   `yaml:"root_ca_cert_path"`
}

// RegistryConfig points at the KV backend for pkg/registry.Registry.
type RegistryConfig struct {
	// Backend is "memory" or "leveldb"; leveldb opens Path via
	// cometbft-db's goleveldb driver.
	Backend     string        `yaml:"backend"`
	Path        string        `yaml:"path"`
	ReadTimeout Duration      `yaml:"read_timeout"`
}

// MetricsConfig configures Prometheus exposition. When Enabled, main.go
// serves /metrics on the gateway's API listener; Addr is not read there.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// LoggingConfig holds the logging settings (the validator's own
// Config.LogLevel plays the same role). main.go logs through the standard
// library logger and does not read Level.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Default returns the configuration the gateway (main.go) uses when no
// config file is given.
func Default() *Config {
	return &Config{
		TrustMode: "permissive",
		PCS: PCSConfig{
			BaseURL:      "https://api.trustedservices.intel.com/sgx/certification/v4",
			FetchTimeout: Duration(5 * time.Second),
		},
		Registry: RegistryConfig{
			Backend:     "memory",
			ReadTimeout: Duration(30 * time.Second),
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "127.0.0.1:9090",
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

var envVarPattern = regexp.MustCompile(`\$\{([^}:]+)(:-([^}]*))?\}`)

func substituteEnvVars(content string) string {
	return envVarPattern.ReplaceAllStringFunc(content, func(match string) string {
		groups := envVarPattern.FindStringSubmatch(match)
		if len(groups) < 2 {
			return match
		}
		varName := groups[1]
		defaultValue := ""
		if len(groups) >= 4 {
			defaultValue = groups[3]
		}
		if v := os.Getenv(varName); v != "" {
			return v
		}
		return defaultValue
	})
}

// Load reads a YAML config file at path, expanding ${VAR}/${VAR:-default}
// references, and overlays it onto Default().
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("rconfig: read %s: %w", path, err)
	}
	expanded := substituteEnvVars(string(data))
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("rconfig: parse %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the minimal invariants a running deployment needs.
func (c *Config) Validate() error {
	switch c.TrustMode {
	case "permissive", "trusted":
	default:
		return fmt.Errorf("rconfig: trust_mode must be permissive or trusted, got %q", c.TrustMode)
	}
	switch c.Registry.Backend {
	case "memory", "leveldb":
	default:
		return fmt.Errorf("rconfig: registry.backend must be memory or leveldb, got %q", c.Registry.Backend)
	}
	if c.Registry.Backend == "leveldb" && c.Registry.Path == "" {
		return fmt.Errorf("rconfig: registry.path is required for the leveldb backend")
	}
	return nil
}
