// ABOUTME: Sticky project router: pins each project to one agent, picking the least-loaded on first use.
// ABOUTME: Pins are dropped when their agent unregisters so the next request re-routes.

package agent

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/2389/sandbox-fleet/internal/protocol"
)

// ErrNoAgentsAvailable indicates no agents are available to handle a request.
var ErrNoAgentsAvailable = protocol.ErrNoAgentsAvailable

// ErrCapabilityMissing indicates the project's agent did not advertise the
// capability a request needs.
var ErrCapabilityMissing = errors.New("agent lacks capability")

// Router assigns projects to agents.
type Router struct {
	mgr    *Manager
	logger *slog.Logger

	mu   sync.Mutex
	pins map[string]string
}

// NewRouter creates a Router over mgr and subscribes to its disconnects.
func NewRouter(mgr *Manager, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		mgr:    mgr,
		logger: logger.With("component", "router"),
		pins:   make(map[string]string),
	}
	mgr.OnUnregister(r.unpinAgent)
	return r
}

// Route returns the agent pinned to projectID, pinning the least-loaded
// agent that advertises capability when there is no live pin. A pinned
// agent without capability is an error; the project is not moved.
func (r *Router) Route(projectID, capability string) (*Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.pins[projectID]; ok {
		if conn, ok := r.mgr.GetAgent(id); ok {
			if !conn.HasCapability(capability) {
				return nil, fmt.Errorf("%w: %s does not advertise %s", ErrCapabilityMissing, conn.ID, capability)
			}
			return conn, nil
		}
		delete(r.pins, projectID)
	}

	conn, err := SelectLeastLoaded(capable(r.mgr.Connections(), capability))
	if err != nil {
		return nil, fmt.Errorf("%w: none advertises %s", err, capability)
	}
	r.pins[projectID] = conn.ID
	r.logger.Debug("project pinned", "project_id", projectID, "agent_id", conn.ID)
	return conn, nil
}

// Pin returns the agent id projectID is pinned to.
func (r *Router) Pin(projectID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.pins[projectID]
	return id, ok
}

// Pins returns a copy of every project pin.
func (r *Router) Pins() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.pins))
	for k, v := range r.pins {
		out[k] = v
	}
	return out
}

func (r *Router) unpinAgent(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for project, id := range r.pins {
		if id == agentID {
			delete(r.pins, project)
			r.logger.Info("project unpinned", "project_id", project, "agent_id", agentID)
		}
	}
}

func capable(conns []*Connection, capability string) []*Connection {
	out := conns[:0]
	for _, c := range conns {
		if c.HasCapability(capability) {
			out = append(out, c)
		}
	}
	return out
}

// SelectLeastLoaded picks the agent with the fewest active runs, breaking
// ties by shortest queue and then by input order.
func SelectLeastLoaded(agents []*Connection) (*Connection, error) {
	if len(agents) == 0 {
		return nil, ErrNoAgentsAvailable
	}

	best := agents[0]
	bestLoad := best.Load()
	for _, c := range agents[1:] {
		load := c.Load()
		if load.ActiveRuns < bestLoad.ActiveRuns ||
			(load.ActiveRuns == bestLoad.ActiveRuns && load.QueueLength < bestLoad.QueueLength) {
			best, bestLoad = c, load
		}
	}
	return best, nil
}
