// ABOUTME: Manages connected sandbox agents: registration, lookup, and disconnect notification.
// ABOUTME: Central registry the project router and HTTP API read from.

package agent

import (
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/2389/sandbox-fleet/internal/metrics"
)

// ErrAgentNotFound indicates the specified agent is not connected.
var ErrAgentNotFound = errors.New("agent not found")

// Manager tracks every registered agent keyed by its declared id.
type Manager struct {
	agents map[string]*Connection
	mu     sync.RWMutex

	hookMu  sync.Mutex
	removed []func(agentID string)

	metrics *metrics.Manager
	logger  *slog.Logger
}

// NewManager creates a new Manager instance. m may be nil.
func NewManager(m *metrics.Manager, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		agents:  make(map[string]*Connection),
		metrics: m,
		logger:  logger.With("component", "registry"),
	}
}

// OnUnregister adds fn to the callbacks run after an agent is removed.
// Callbacks run outside the registry lock.
func (m *Manager) OnUnregister(fn func(agentID string)) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.removed = append(m.removed, fn)
}

// Register inserts conn, replacing any connection with the same id. The
// replaced connection is returned so the caller can close it; pins to the
// id survive the replacement.
func (m *Manager) Register(conn *Connection) (replaced *Connection) {
	m.mu.Lock()
	replaced = m.agents[conn.ID]
	m.agents[conn.ID] = conn
	total := len(m.agents)
	m.mu.Unlock()

	m.metrics.SetAgents(total)
	m.logger.Info("=== AGENT CONNECTED ===",
		"agent_id", conn.ID,
		"capabilities", conn.Capabilities,
		"protocol_version", conn.ProtocolVersion,
		"replaced", replaced != nil,
		"total_agents", total,
	)
	return replaced
}

// Unregister removes conn if it is still the registered connection for its
// id. It reports whether anything was removed.
func (m *Manager) Unregister(conn *Connection) bool {
	m.mu.Lock()
	current, ok := m.agents[conn.ID]
	if !ok || current != conn {
		m.mu.Unlock()
		return false
	}
	delete(m.agents, conn.ID)
	total := len(m.agents)
	m.mu.Unlock()

	m.metrics.SetAgents(total)
	m.logger.Info("=== AGENT DISCONNECTED ===",
		"agent_id", conn.ID,
		"connected_for", time.Since(conn.ConnectedAt).Round(time.Second),
		"total_agents", total,
	)
	m.notifyRemoved(conn.ID)
	return true
}

func (m *Manager) notifyRemoved(agentID string) {
	m.hookMu.Lock()
	hooks := append([]func(string){}, m.removed...)
	m.hookMu.Unlock()
	for _, fn := range hooks {
		fn(agentID)
	}
}

// GetAgent retrieves a specific agent by ID.
func (m *Manager) GetAgent(id string) (*Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agent, ok := m.agents[id]
	return agent, ok
}

// Len returns the number of registered agents.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.agents)
}

// Connections returns the registered connections sorted by id.
func (m *Manager) Connections() []*Connection {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.agents))
	for _, c := range m.agents {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	sort.Slice(conns, func(i, j int) bool { return conns[i].ID < conns[j].ID })
	return conns
}

// ListAgents returns information about all connected agents.
func (m *Manager) ListAgents() []*AgentInfo {
	conns := m.Connections()
	agents := make([]*AgentInfo, 0, len(conns))
	for _, c := range conns {
		load := c.Load()
		agents = append(agents, &AgentInfo{
			ID:              c.ID,
			Capabilities:    c.Capabilities,
			ProtocolVersion: c.ProtocolVersion,
			ConnectedAt:     c.ConnectedAt,
			ActiveRuns:      load.ActiveRuns,
			QueueLength:     load.QueueLength,
			LastHeartbeatAt: load.LastHeartbeatAt,
		})
	}
	return agents
}

// CloseAll closes every agent socket.
func (m *Manager) CloseAll() {
	for _, c := range m.Connections() {
		_ = c.Close()
	}
}

// AgentInfo contains public information about a connected agent.
type AgentInfo struct {
	ID              string    `json:"id"`
	Capabilities    []string  `json:"capabilities"`
	ProtocolVersion int       `json:"protocolVersion"`
	ConnectedAt     time.Time `json:"connectedAt"`
	ActiveRuns      int       `json:"activeRuns"`
	QueueLength     int       `json:"queueLength"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
}
