// ABOUTME: Agent websocket endpoint: registration handshake and the per-agent read loop
// ABOUTME: Routes heartbeats into the registry and replies into the correlation table and event hub

package gateway

import (
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/sandbox-fleet/internal/agent"
	"github.com/2389/sandbox-fleet/internal/events"
	"github.com/2389/sandbox-fleet/internal/protocol"
)

const (
	// registerWait bounds the wait for the first frame.
	registerWait = 10 * time.Second

	// readIdleTimeout is transport idle detection. A read past it fails,
	// which closes the socket and removes the agent.
	readIdleTimeout = 30 * time.Second

	// maxFrameSize bounds inbound frames, fs:read replies included.
	maxFrameSize = 64 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents are not browsers.
	CheckOrigin: func(*http.Request) bool { return true },
}

// handleAgentSocket upgrades GET /agent and serves one agent session.
// Protocol flow:
// 1. Agent sends register
// 2. Agent sends heartbeat, run_* and fs:* replies
// 3. Gateway sends run_js, run, cancel_run and fs:* requests
func (g *Gateway) handleAgentSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.logger.Warn("agent upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	defer ws.Close()
	ws.SetReadLimit(maxFrameSize)

	reg, err := readRegister(ws)
	if err != nil {
		g.logger.Warn("rejecting agent", "remote", r.RemoteAddr, "error", err)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, closeReason(err)),
			time.Now().Add(time.Second))
		return
	}

	conn := agent.NewConnection(agent.ConnectionParams{
		Register: reg,
		Socket:   ws,
		Logger:   g.logger,
	})

	if replaced := g.agentManager.Register(conn); replaced != nil {
		g.recordReplaced(replaced)
		_ = replaced.Close()
	}
	g.recordRegistered(conn, r.RemoteAddr)

	readErr := g.readLoop(ws, conn)

	if g.agentManager.Unregister(conn) {
		g.recordDisconnected(conn, readErr)
	}
}

// readRegister reads the first frame, which must be a valid register.
func readRegister(ws *websocket.Conn) (*protocol.Register, error) {
	_ = ws.SetReadDeadline(time.Now().Add(registerWait))
	_, data, err := ws.ReadMessage()
	if err != nil {
		return nil, fmt.Errorf("reading register: %w", err)
	}

	msg, env, err := protocol.Decode(data)
	if err != nil {
		return nil, err
	}
	reg, ok := msg.(*protocol.Register)
	if !ok {
		return nil, fmt.Errorf("%w: first message must be register, got %q", protocol.ErrInvalidPayload, env.Type)
	}
	if reg.SandboxID == "" {
		return nil, fmt.Errorf("%w: sandboxId is required", protocol.ErrInvalidPayload)
	}
	return reg, nil
}

// readLoop handles frames until the socket fails. It returns the read error.
func (g *Gateway) readLoop(ws *websocket.Conn, conn *agent.Connection) error {
	for {
		_ = ws.SetReadDeadline(time.Now().Add(readIdleTimeout))
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				g.logger.Warn("agent read failed", "agent_id", conn.ID, "error", err)
			}
			return err
		}
		g.handleAgentMessage(conn, data)
	}
}

// handleAgentMessage routes one inbound frame. Bad frames are logged and
// skipped; they never end the session.
func (g *Gateway) handleAgentMessage(conn *agent.Connection, data []byte) {
	msg, env, err := protocol.Decode(data)
	if err != nil {
		g.logger.Warn("dropping malformed agent message",
			"agent_id", conn.ID,
			"type", env.Type,
			"error", err,
		)
		return
	}

	switch m := msg.(type) {
	case *protocol.Heartbeat:
		conn.UpdateLoad(m)
		g.logger.Debug("received heartbeat",
			"agent_id", conn.ID,
			"active_runs", m.ActiveRuns,
			"queue_length", m.QueueLength,
		)

	case *protocol.RunStarted, *protocol.RunOutput:
		g.publish(conn, env, data)

	case *protocol.RunResult:
		if !g.pending.Resolve(m) {
			g.logger.Debug("run result without waiting caller", "agent_id", conn.ID, "key", m.CorrelationKey().String())
		}
		g.publish(conn, env, data)

	case *protocol.FSReply:
		if !g.pending.Resolve(m) {
			g.logger.Warn("fs reply without waiting caller", "agent_id", conn.ID, "type", m.Type, "key", m.CorrelationKey().String())
		}

	case *protocol.CancelError:
		g.logger.Warn("agent rejected cancel",
			"agent_id", conn.ID,
			"key", m.CorrelationKey().String(),
			"reason", m.Reason,
		)
		g.publish(conn, env, data)

	case *protocol.InputError:
		g.logger.Warn("agent rejected run input",
			"agent_id", conn.ID,
			"key", m.CorrelationKey().String(),
			"reason", m.Reason,
		)
		g.publish(conn, env, data)

	case *protocol.Register:
		g.logger.Warn("received duplicate registration", "agent_id", conn.ID)

	case *protocol.Unknown:
		g.logger.Warn("ignoring unknown message type", "agent_id", conn.ID, "type", m.Type)

	default:
		g.logger.Warn("ignoring unexpected message", "agent_id", conn.ID, "type", env.Type)
	}
}

func (g *Gateway) publish(conn *agent.Connection, env protocol.Envelope, data []byte) {
	g.hub.Publish(&events.Event{
		Type:      env.Type,
		ProjectID: env.ProjectID,
		RequestID: env.RequestID,
		AgentID:   conn.ID,
		At:        time.Now(),
		Payload:   append([]byte(nil), data...),
	})
}

// closeReason fits err into a close frame.
func closeReason(err error) string {
	const maxReason = 123
	msg := err.Error()
	if len(msg) > maxReason {
		msg = msg[:maxReason]
	}
	return msg
}

// isNormalClose reports whether err is an orderly websocket close.
func isNormalClose(err error) bool {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code == websocket.CloseNormalClosure || ce.Code == websocket.CloseGoingAway
	}
	return false
}
