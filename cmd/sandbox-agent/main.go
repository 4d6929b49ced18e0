// ABOUTME: Entry point for sandbox-agent, which executes runs and file requests for one sandbox
// ABOUTME: Reads its configuration from the environment; flags override the connection settings

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/2389/sandbox-fleet/internal/config"
	"github.com/2389/sandbox-fleet/internal/logging"
	"github.com/2389/sandbox-fleet/internal/metrics"
	"github.com/2389/sandbox-fleet/internal/sandboxagent"
)

// Version is set at build time.
var version = "dev"

func main() {
	cfg, err := config.LoadAgentFromEnv(os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	flag.StringVarP(&cfg.ManagerURL, "manager", "m", cfg.ManagerURL, "manager websocket URL (MANAGER_WS_URL)")
	flag.StringVar(&cfg.SandboxID, "id", cfg.SandboxID, "sandbox id announced on register (SANDBOX_ID)")
	flag.StringVar(&cfg.DataRoot, "data-root", cfg.DataRoot, "directory holding per-project sandboxes (DATA_ROOT)")
	flag.StringVar(&cfg.MetricsAddr, "metrics-addr", cfg.MetricsAddr, "address for the Prometheus listener, empty to disable (METRICS_ADDR)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(version)
		return
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.AgentConfig) error {
	logger := logging.Setup(cfg.Logging)

	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)
	gray.Printf("sandbox-agent %s\n", version)
	green.Print("  ▶ ")
	fmt.Printf("Sandbox:  %s\n", cfg.SandboxID)
	green.Print("  ▶ ")
	fmt.Printf("Manager:  %s\n", cfg.ManagerURL)
	green.Print("  ▶ ")
	fmt.Printf("Data:     %s\n", cfg.DataRoot)
	green.Print("  ▶ ")
	fmt.Printf("Runs:     %d concurrent, %d queued\n\n", cfg.MaxConcurrent, cfg.MaxQueue)

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	agent, err := sandboxagent.New(sandboxagent.Options{
		ManagerURL:     cfg.ManagerURL,
		SandboxID:      cfg.SandboxID,
		DataRoot:       cfg.DataRoot,
		MaxConcurrent:  cfg.MaxConcurrent,
		MaxQueue:       cfg.MaxQueue,
		DefaultTimeout: cfg.DefaultTimeout,
		FinishedTTL:    cfg.FinishedTTL,
		FinishedMax:    cfg.FinishedMax,
		Metrics:        metrics.MustNewAgent(registry),
		Logger:         logger,
	})
	if err != nil {
		return fmt.Errorf("creating agent: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return agent.Run(ctx)
	})

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}))
		srv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

		g.Go(func() error {
			logger.Info("metrics listening", "addr", cfg.MetricsAddr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	logger.Info("sandbox-agent stopped", "sandbox_id", cfg.SandboxID)
	return err
}
