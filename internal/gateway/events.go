// ABOUTME: Fleet event recording for agent registrations, replacements, and disconnects
// ABOUTME: Writes to the fleet log are best-effort and never block an agent session on failure

package gateway

import (
	"context"
	"time"

	"github.com/2389/sandbox-fleet/internal/agent"
	"github.com/2389/sandbox-fleet/internal/store"
)

const recordTimeout = 2 * time.Second

// recordEvent saves a fleet event. Failures are logged.
func (g *Gateway) recordEvent(event *store.FleetEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()

	if err := g.store.AppendFleetEvent(ctx, event); err != nil {
		g.logger.Warn("failed to record fleet event",
			"agent_id", event.AgentID,
			"kind", event.Kind,
			"error", err,
		)
	}
}

func (g *Gateway) recordRegistered(conn *agent.Connection, remote string) {
	g.recordEvent(&store.FleetEvent{
		AgentID: conn.ID,
		Kind:    store.EventRegistered,
		Detail: map[string]any{
			"capabilities":    conn.Capabilities,
			"protocolVersion": conn.ProtocolVersion,
			"remote":          remote,
		},
	})
}

func (g *Gateway) recordReplaced(old *agent.Connection) {
	g.recordEvent(&store.FleetEvent{
		AgentID: old.ID,
		Kind:    store.EventReplaced,
		Detail: map[string]any{
			"connectedAt": old.ConnectedAt.UTC().Format(time.RFC3339Nano),
		},
	})
}

func (g *Gateway) recordDisconnected(conn *agent.Connection, readErr error) {
	detail := map[string]any{
		"connectedFor": time.Since(conn.ConnectedAt).Round(time.Millisecond).String(),
	}
	if readErr != nil && !isNormalClose(readErr) {
		detail["error"] = readErr.Error()
	}
	g.recordEvent(&store.FleetEvent{
		AgentID: conn.ID,
		Kind:    store.EventDisconnected,
		Detail:  detail,
	})
}
