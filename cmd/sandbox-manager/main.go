// ABOUTME: Entry point for sandbox-manager, the fleet control server
// ABOUTME: Serves the agent websocket and the HTTP API, and offers health and agents commands

package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/sandbox-fleet/internal/config"
	"github.com/2389/sandbox-fleet/internal/gateway"
	"github.com/2389/sandbox-fleet/internal/logging"
)

// Version is set at build time.
var version = "dev"

const banner = `
                     _ _
  ___  __ _ _ __   __| | |__   _____  __
 / __|/ _' | '_ \ / _' | '_ \ / _ \ \/ /
 \__ \ (_| | | | | (_| | |_) | (_) >  <
 |___/\__,_|_| |_|\__,_|_.__/ \___/_/\_\  manager
`

func main() {
	if len(os.Args) < 2 {
		fmt.Println("Usage: sandbox-manager <command>")
		fmt.Println()
		fmt.Println("Commands:")
		fmt.Println("  serve    Start the manager")
		fmt.Println("  init     Create a new config file interactively")
		fmt.Println("  health   Check manager health")
		fmt.Println("  agents   List connected agents")
		fmt.Println("  events   Show recent fleet events")
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var err error
	switch os.Args[1] {
	case "serve":
		err = runServe(ctx)
	case "init":
		err = runInit()
	case "health":
		err = runGet(ctx, "/health")
	case "agents":
		err = runGet(ctx, "/api/agents")
	case "events":
		err = runGet(ctx, "/api/agents/events")
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, string, bool, error) {
	configPath := config.ManagerConfigPath()
	cfg, found, err := config.LoadOrDefault(configPath)
	if err != nil {
		return nil, configPath, false, fmt.Errorf("loading config: %w", err)
	}
	return cfg, configPath, found, nil
}

func runServe(ctx context.Context) error {
	cyan := color.New(color.FgCyan)
	cyan.Print(banner)

	gray := color.New(color.FgHiBlack)
	gray.Printf("    version: %s\n\n", version)

	cfg, configPath, found, err := loadConfig()
	if err != nil {
		return err
	}

	logger := logging.Setup(cfg.Logging)

	green := color.New(color.FgGreen)
	yellow := color.New(color.FgYellow)

	green.Print("    ▶ ")
	fmt.Printf("Config:    %s", configPath)
	if !found {
		yellow.Print(" (not found, using defaults)")
	}
	fmt.Println()
	green.Print("    ▶ ")
	fmt.Printf("HTTP:      %s\n", cfg.Server.HTTPAddr)
	green.Print("    ▶ ")
	fmt.Printf("Database:  %s\n", cfg.Database.Path)
	if cfg.Metrics.Enabled {
		green.Print("    ▶ ")
		fmt.Printf("Metrics:   %s\n", cfg.Metrics.Path)
	}
	fmt.Println()

	logger.Info("starting sandbox-manager",
		"config", configPath,
		"http_addr", cfg.Server.HTTPAddr,
		"correlation_grace", cfg.Agents.CorrelationGrace,
		"fs_timeout", cfg.Agents.FSTimeout,
	)

	gw, err := gateway.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("creating gateway: %w", err)
	}

	return gw.Run(ctx)
}

// runGet prints the body of a GET against the configured manager.
func runGet(ctx context.Context, path string) error {
	cfg, _, _, err := loadConfig()
	if err != nil {
		return err
	}

	url := "http://" + dialAddr(cfg.Server.HTTPAddr) + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	fmt.Println(strings.TrimSpace(string(body)))
	return nil
}

// dialAddr turns a listen address like ":4001" into one a client can dial.
func dialAddr(addr string) string {
	if strings.HasPrefix(addr, ":") {
		return "localhost" + addr
	}
	return addr
}

func runInit() error {
	reader := bufio.NewReader(os.Stdin)

	fmt.Println("sandbox-manager configuration setup")
	fmt.Println("===================================")
	fmt.Println()

	outputFile := prompt(reader, "Config file path", config.ManagerConfigPath())

	if _, err := os.Stat(outputFile); err == nil {
		overwrite := prompt(reader, "File exists. Overwrite?", "no")
		if strings.ToLower(overwrite) != "yes" && strings.ToLower(overwrite) != "y" {
			fmt.Println("Aborted.")
			return nil
		}
	}

	fmt.Println("\n--- Server Configuration ---")
	httpAddr := prompt(reader, "HTTP address", config.DefaultHTTPAddr)

	fmt.Println("\n--- Fleet Log ---")
	dbPath := prompt(reader, "SQLite database path (:memory: to keep nothing)", config.DefaultDatabasePath)

	fmt.Println("\n--- Agent Timing ---")
	grace := prompt(reader, "Correlation grace", config.DefaultCorrelationGrace.String())
	fsTimeout := prompt(reader, "FS reply timeout", config.DefaultFSTimeout.String())
	runTimeout := prompt(reader, "Default run timeout", config.DefaultRunTimeout.String())

	fmt.Println("\n--- Logging Configuration ---")
	logLevel := prompt(reader, "Log level (debug/info/warn/error)", "info")
	logFormat := prompt(reader, "Log format (text/json)", "text")

	fmt.Println("\n--- Metrics ---")
	enableMetrics := prompt(reader, "Expose Prometheus metrics?", "yes")
	metricsEnabled := strings.ToLower(enableMetrics) == "yes" || strings.ToLower(enableMetrics) == "y"

	var cfg strings.Builder
	cfg.WriteString("# sandbox-manager configuration\n")
	cfg.WriteString("# Generated by sandbox-manager init\n\n")

	cfg.WriteString("server:\n")
	cfg.WriteString(fmt.Sprintf("  http_addr: %q\n", httpAddr))
	cfg.WriteString("\n")

	cfg.WriteString("database:\n")
	cfg.WriteString(fmt.Sprintf("  path: %q\n", dbPath))
	cfg.WriteString("\n")

	cfg.WriteString("agents:\n")
	cfg.WriteString(fmt.Sprintf("  correlation_grace: %q\n", grace))
	cfg.WriteString(fmt.Sprintf("  fs_timeout: %q\n", fsTimeout))
	cfg.WriteString(fmt.Sprintf("  default_run_timeout: %q\n", runTimeout))
	cfg.WriteString("\n")

	cfg.WriteString("logging:\n")
	cfg.WriteString(fmt.Sprintf("  level: %q\n", logLevel))
	cfg.WriteString(fmt.Sprintf("  format: %q\n", logFormat))
	cfg.WriteString("\n")

	cfg.WriteString("metrics:\n")
	cfg.WriteString(fmt.Sprintf("  enabled: %t\n", metricsEnabled))
	cfg.WriteString(fmt.Sprintf("  path: %q\n", config.DefaultMetricsPath))

	if err := os.MkdirAll(filepath.Dir(outputFile), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(outputFile, []byte(cfg.String()), 0644); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	// Reject anything serve would reject.
	if _, err := config.Load(outputFile); err != nil {
		return fmt.Errorf("config written to %s is invalid: %w", outputFile, err)
	}

	fmt.Printf("\nConfig written to %s\n", outputFile)
	fmt.Println("\nTo start the server:")
	fmt.Printf("  sandbox-manager serve\n")

	return nil
}

func prompt(reader *bufio.Reader, question, defaultVal string) string {
	if defaultVal != "" {
		fmt.Printf("%s [%s]: ", question, defaultVal)
	} else {
		fmt.Printf("%s: ", question)
	}

	input, err := reader.ReadString('\n')
	if err != nil {
		// On EOF or error, return default
		fmt.Println()
		return defaultVal
	}
	input = strings.TrimSpace(input)

	if input == "" {
		return defaultVal
	}
	return input
}
