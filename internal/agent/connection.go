// ABOUTME: Represents a single connected sandbox agent and its websocket.
// ABOUTME: Serializes outbound frames and tracks the load reported by heartbeats.

package agent

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/sandbox-fleet/internal/protocol"
)

const writeWait = 10 * time.Second

// FrameWriter is the write half of an agent socket. *websocket.Conn
// satisfies it.
type FrameWriter interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Load is the most recent load reported by an agent.
type Load struct {
	ActiveRuns      int
	QueueLength     int
	LastHeartbeatAt time.Time
}

// Connection represents a registered agent.
type Connection struct {
	ID              string
	Capabilities    []string
	ProtocolVersion int
	ConnectedAt     time.Time

	ws      FrameWriter
	writeMu sync.Mutex

	mu   sync.RWMutex
	load Load

	logger *slog.Logger
}

// ConnectionParams groups the parameters for NewConnection.
type ConnectionParams struct {
	Register *protocol.Register
	Socket   FrameWriter
	Logger   *slog.Logger
}

// NewConnection creates a Connection from an agent's register message.
func NewConnection(p ConnectionParams) *Connection {
	logger := p.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := time.Now()
	return &Connection{
		ID:              p.Register.SandboxID,
		Capabilities:    p.Register.Capabilities,
		ProtocolVersion: p.Register.ProtocolVersion,
		ConnectedAt:     now,
		ws:              p.Socket,
		load:            Load{LastHeartbeatAt: now},
		logger:          logger.With("agent_id", p.Register.SandboxID),
	}
}

// Send encodes msg and writes it to the agent. Concurrent callers are
// serialized.
func (c *Connection) Send(msg any) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return fmt.Errorf("encoding %T: %w", msg, err)
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("%w: sending to agent %s: %v", protocol.ErrTransport, c.ID, err)
	}
	return nil
}

// UpdateLoad applies a heartbeat.
func (c *Connection) UpdateLoad(hb *protocol.Heartbeat) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.load = Load{
		ActiveRuns:      hb.ActiveRuns,
		QueueLength:     hb.QueueLength,
		LastHeartbeatAt: time.Now(),
	}
}

// Load returns the last reported load.
func (c *Connection) Load() Load {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.load
}

// HasCapability reports whether the agent advertised capability.
func (c *Connection) HasCapability(capability string) bool {
	for _, have := range c.Capabilities {
		if have == capability {
			return true
		}
	}
	return false
}

// Close closes the underlying socket.
func (c *Connection) Close() error {
	return c.ws.Close()
}
