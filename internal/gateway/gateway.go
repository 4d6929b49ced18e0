// ABOUTME: Gateway orchestrator for sandbox-manager: HTTP API, agent websocket endpoint, and lifecycle
// ABOUTME: Owns the agent registry, project router, correlation table, event hub, and fleet log

package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/2389/sandbox-fleet/internal/agent"
	"github.com/2389/sandbox-fleet/internal/config"
	"github.com/2389/sandbox-fleet/internal/correlation"
	"github.com/2389/sandbox-fleet/internal/events"
	"github.com/2389/sandbox-fleet/internal/metrics"
	"github.com/2389/sandbox-fleet/internal/store"
)

const shutdownTimeout = 5 * time.Second

// Gateway orchestrates the sandbox-manager server components.
type Gateway struct {
	config       *config.Config
	agentManager *agent.Manager
	router       *agent.Router
	pending      *correlation.Table
	hub          *events.Hub
	store        store.FleetLog
	metrics      *metrics.Manager
	registry     *prometheus.Registry
	httpServer   *http.Server
	logger       *slog.Logger
}

// New creates a Gateway with a SQLite fleet log at cfg.Database.Path.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	s, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}
	return NewWithStore(cfg, s, logger), nil
}

// NewWithStore creates a Gateway that records fleet events to s. The
// gateway closes s on Shutdown.
func NewWithStore(cfg *config.Config, s store.FleetLog, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.MustNewManager(reg)

	agentMgr := agent.NewManager(m, logger)
	gw := &Gateway{
		config:       cfg,
		agentManager: agentMgr,
		router:       agent.NewRouter(agentMgr, logger),
		pending:      correlation.NewTable(m, logger),
		hub:          events.NewHub(logger),
		store:        s,
		metrics:      m,
		registry:     reg,
		logger:       logger.With("component", "gateway"),
	}

	gw.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	// Shutdown waits for active handlers; SSE streams end when the hub closes.
	gw.httpServer.RegisterOnShutdown(gw.hub.Close)
	return gw
}

// Handler returns the HTTP routes served by the gateway.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health endpoints
	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	// Agent websocket endpoint
	mux.HandleFunc("GET /agent", g.handleAgentSocket)

	// API endpoints
	mux.HandleFunc("GET /api/agents", g.handleListAgents)
	mux.HandleFunc("GET /api/agents/events", g.handleFleetEvents)
	mux.HandleFunc("POST /api/agents/{agentId}/run", g.handleAgentRun)
	mux.HandleFunc("GET /api/pins", g.handleListPins)
	mux.HandleFunc("POST /api/projects/{projectId}/run", g.handleProjectRun)
	mux.HandleFunc("POST /api/projects/{projectId}/cancel", g.handleCancel)
	mux.HandleFunc("POST /api/projects/{projectId}/input", g.handleInput)
	mux.HandleFunc("POST /api/projects/{projectId}/fs/{op}", g.handleFS)
	mux.HandleFunc("GET /api/projects/{projectId}/events", g.handleProjectEvents)

	if g.config.Metrics.Enabled {
		mux.Handle("GET "+g.config.Metrics.Path, promhttp.HandlerFor(g.registry, promhttp.HandlerOpts{Registry: g.registry}))
	}

	return mux
}

// Run listens on the configured address and serves until ctx is canceled.
// Returns nil on graceful shutdown, or an error if the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", g.config.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on HTTP address: %w", err)
	}
	return g.Serve(ctx, ln)
}

// Serve serves on ln until ctx is canceled, then shuts down.
func (g *Gateway) Serve(ctx context.Context, ln net.Listener) error {
	g.logger.Info("HTTP server listening", "addr", ln.Addr().String())

	grp, gctx := errgroup.WithContext(ctx)
	grp.Go(func() error {
		if err := g.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("HTTP server: %w", err)
		}
		return nil
	})
	grp.Go(func() error {
		<-gctx.Done()
		g.logger.Info("context canceled, initiating shutdown")
		// The serving context is already canceled.
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return g.Shutdown(shutdownCtx)
	})
	return grp.Wait()
}

// appendCloseError appends an error with label if err is non-nil.
func appendCloseError(errs []error, label string, err error) []error {
	if err != nil {
		return append(errs, fmt.Errorf("%s: %w", label, err))
	}
	return errs
}

// Shutdown stops the HTTP server, drops every agent connection, and
// closes the fleet log.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.logger.Info("shutting down gateway")

	var errs []error
	errs = appendCloseError(errs, "HTTP shutdown", g.httpServer.Shutdown(ctx))

	// Hijacked websocket connections are not tracked by the HTTP server.
	g.agentManager.CloseAll()
	g.hub.Close()

	errs = appendCloseError(errs, "store close", g.store.Close())

	if len(errs) > 0 {
		return fmt.Errorf("shutdown errors: %w", errors.Join(errs...))
	}
	return nil
}

// handleHealth returns 200 OK if the server is alive.
func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// handleReady returns 200 OK if the server has at least one agent connected.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	n := g.agentManager.Len()
	if n == 0 {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no agents connected"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", n)
}
