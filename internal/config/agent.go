// ABOUTME: Environment-driven configuration for sandbox-agent
// ABOUTME: Reads MANAGER_WS_URL, SANDBOX_ID, DATA_ROOT and the run queue limits

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Agent defaults.
const (
	DefaultManagerURL    = "ws://localhost:4001/agent"
	DefaultDataRoot      = "/sandbox"
	DefaultMaxConcurrent = 2
	DefaultMaxQueue      = 50
	DefaultTimeoutMs     = 15000
	DefaultFinishedTTL   = time.Hour
	DefaultFinishedMax   = 10000
)

// AgentConfig configures one sandbox agent.
type AgentConfig struct {
	ManagerURL     string
	SandboxID      string
	DataRoot       string
	MaxConcurrent  int
	MaxQueue       int
	DefaultTimeout time.Duration
	FinishedTTL    time.Duration
	FinishedMax    int
	MetricsAddr    string
	Logging        LoggingConfig
}

// LoadAgentFromEnv reads agent configuration using getenv, which is
// os.Getenv outside tests.
func LoadAgentFromEnv(getenv func(string) string) (*AgentConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	cfg := &AgentConfig{
		ManagerURL:  stringOr(getenv("MANAGER_WS_URL"), DefaultManagerURL),
		SandboxID:   getenv("SANDBOX_ID"),
		DataRoot:    stringOr(getenv("DATA_ROOT"), DefaultDataRoot),
		MetricsAddr: getenv("METRICS_ADDR"),
		Logging: LoggingConfig{
			Level:  stringOr(getenv("LOG_LEVEL"), "info"),
			Format: stringOr(getenv("LOG_FORMAT"), "text"),
		},
	}
	if cfg.SandboxID == "" {
		cfg.SandboxID = getenv("HOSTNAME")
	}
	if cfg.SandboxID == "" {
		host, err := os.Hostname()
		if err != nil {
			return nil, fmt.Errorf("resolving sandbox id: %w", err)
		}
		cfg.SandboxID = host
	}

	var err error
	if cfg.MaxConcurrent, err = intEnv(getenv, "MAX_CONCURRENT_RUN", DefaultMaxConcurrent); err != nil {
		return nil, err
	}
	if cfg.MaxQueue, err = intEnv(getenv, "MAX_QUEUE_LENGTH", DefaultMaxQueue); err != nil {
		return nil, err
	}
	timeoutMs, err := intEnv(getenv, "DEFAULT_TIMEOUT_MS", DefaultTimeoutMs)
	if err != nil {
		return nil, err
	}
	cfg.DefaultTimeout = time.Duration(timeoutMs) * time.Millisecond
	if cfg.FinishedMax, err = intEnv(getenv, "FINISHED_MAX", DefaultFinishedMax); err != nil {
		return nil, err
	}
	cfg.FinishedTTL = DefaultFinishedTTL
	if raw := getenv("FINISHED_RETENTION"); raw != "" {
		if cfg.FinishedTTL, err = time.ParseDuration(raw); err != nil {
			return nil, fmt.Errorf("parsing FINISHED_RETENTION %q: %w", raw, err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the agent limits.
func (c *AgentConfig) Validate() error {
	switch {
	case c.ManagerURL == "":
		return fmt.Errorf("manager url is required")
	case c.SandboxID == "":
		return fmt.Errorf("sandbox id is required")
	case c.DataRoot == "":
		return fmt.Errorf("data root is required")
	case c.MaxConcurrent < 1:
		return fmt.Errorf("MAX_CONCURRENT_RUN must be at least 1, got %d", c.MaxConcurrent)
	case c.MaxQueue < 0:
		return fmt.Errorf("MAX_QUEUE_LENGTH must not be negative, got %d", c.MaxQueue)
	case c.DefaultTimeout <= 0:
		return fmt.Errorf("DEFAULT_TIMEOUT_MS must be positive")
	case c.FinishedMax < 1:
		return fmt.Errorf("FINISHED_MAX must be at least 1, got %d", c.FinishedMax)
	}
	return nil
}

func stringOr(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func intEnv(getenv func(string) string, name string, def int) (int, error) {
	raw := getenv(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("parsing %s %q: %w", name, raw, err)
	}
	return n, nil
}
