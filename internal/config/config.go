// ABOUTME: Configuration loading and parsing for sandbox-manager
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Manager defaults.
const (
	DefaultHTTPAddr         = ":4001"
	DefaultCorrelationGrace = 3 * time.Second
	DefaultFSTimeout        = 15 * time.Second
	DefaultRunTimeout       = 15 * time.Second
	DefaultDatabasePath     = ":memory:"
	DefaultMetricsPath      = "/metrics"
	managerConfigEnv        = "SANDBOX_MANAGER_CONFIG"
	managerConfigDir        = "sandbox-fleet"
	managerConfigFile       = "manager.yaml"
)

// Config represents the complete sandbox-manager configuration
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Agents   AgentsConfig   `yaml:"agents"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// AgentsConfig holds correlation timing for requests sent to agents
type AgentsConfig struct {
	CorrelationGrace  time.Duration `yaml:"-"`
	FSTimeout         time.Duration `yaml:"-"`
	DefaultRunTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	CorrelationGraceRaw  string `yaml:"correlation_grace"`
	FSTimeoutRaw         string `yaml:"fs_timeout"`
	DefaultRunTimeoutRaw string `yaml:"default_run_timeout"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// DefaultManager returns the configuration used when no file exists.
func DefaultManager() *Config {
	return &Config{
		Server:   ServerConfig{HTTPAddr: DefaultHTTPAddr},
		Database: DatabaseConfig{Path: DefaultDatabasePath},
		Agents: AgentsConfig{
			CorrelationGrace:  DefaultCorrelationGrace,
			FSTimeout:         DefaultFSTimeout,
			DefaultRunTimeout: DefaultRunTimeout,
		},
		Logging: LoggingConfig{Level: "info", Format: "text"},
		Metrics: MetricsConfig{Enabled: true, Path: DefaultMetricsPath},
	}
}

// ManagerConfigPath returns the path to the manager config file.
// Priority: SANDBOX_MANAGER_CONFIG > XDG_CONFIG_HOME/sandbox-fleet/manager.yaml > ~/.config/sandbox-fleet/manager.yaml
func ManagerConfigPath() string {
	if envPath := os.Getenv(managerConfigEnv); envPath != "" {
		return envPath
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return managerConfigFile
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	return filepath.Join(configDir, managerConfigDir, managerConfigFile)
}

// LoadOrDefault loads path, falling back to DefaultManager when the file
// does not exist. Any other failure is returned.
func LoadOrDefault(path string) (*Config, bool, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return DefaultManager(), false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return cfg, true, nil
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
// Fields absent from the file keep their DefaultManager values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	cfg := DefaultManager()
	if err := yaml.Unmarshal([]byte(expandedData), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	if c.Agents.CorrelationGrace < 0 {
		return fmt.Errorf("agents.correlation_grace must not be negative")
	}
	if c.Agents.FSTimeout <= 0 {
		return fmt.Errorf("agents.fs_timeout must be positive")
	}
	if c.Agents.DefaultRunTimeout <= 0 {
		return fmt.Errorf("agents.default_run_timeout must be positive")
	}

	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	if c.Metrics.Enabled && c.Metrics.Path == "" {
		return fmt.Errorf("metrics.path is required when metrics are enabled")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"correlation_grace", cfg.Agents.CorrelationGraceRaw, &cfg.Agents.CorrelationGrace},
		{"fs_timeout", cfg.Agents.FSTimeoutRaw, &cfg.Agents.FSTimeout},
		{"default_run_timeout", cfg.Agents.DefaultRunTimeoutRaw, &cfg.Agents.DefaultRunTimeout},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}

	return nil
}
