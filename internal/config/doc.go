// Package config handles configuration loading for sandbox-manager and
// sandbox-agent.
//
// # Manager Configuration File
//
// Default locations (in order):
//
//  1. Path from SANDBOX_MANAGER_CONFIG environment variable
//  2. $XDG_CONFIG_HOME/sandbox-fleet/manager.yaml
//  3. ~/.config/sandbox-fleet/manager.yaml
//
// A missing file is not an error; LoadOrDefault returns DefaultManager.
// Fields absent from a file keep their default values.
//
// # Environment Variable Expansion
//
// Configuration values can reference environment variables:
//
//	database:
//	  path: "${FLEET_DATA}/fleet.db"
//
// Unset variables expand to the empty string.
//
// # Duration Parsing
//
// Duration values use Go's time.ParseDuration syntax:
//
//	agents:
//	  correlation_grace: "3s"
//	  fs_timeout: "15s"
//	  default_run_timeout: "15s"
//
// # Configuration Sections
//
//	server:
//	  http_addr: ":4001"       # HTTP API and /agent websocket
//	database:
//	  path: ":memory:"         # fleet audit log
//	logging:
//	  level: "info"            # debug, info, warn, error
//	  format: "text"           # text or json
//	metrics:
//	  enabled: true
//	  path: "/metrics"
//
// # Agent Configuration
//
// Agents are configured from the environment by LoadAgentFromEnv:
// MANAGER_WS_URL, SANDBOX_ID (falling back to HOSTNAME), DATA_ROOT,
// MAX_CONCURRENT_RUN, MAX_QUEUE_LENGTH, DEFAULT_TIMEOUT_MS,
// FINISHED_RETENTION, FINISHED_MAX, METRICS_ADDR, LOG_LEVEL and LOG_FORMAT.
package config
