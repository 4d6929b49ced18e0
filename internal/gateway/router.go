// ABOUTME: Request forwarding: sends runs, fs requests, cancels, and stdin input to agents and awaits correlated replies
// ABOUTME: Resolves the target agent through the sticky project router or by explicit agent id

package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/2389/sandbox-fleet/internal/agent"
	"github.com/2389/sandbox-fleet/internal/correlation"
	"github.com/2389/sandbox-fleet/internal/protocol"
)

// Request outcomes recorded in metrics.
const (
	outcomeOK       = "ok"
	outcomeFailed   = "failed"
	outcomeTimeout  = "timeout"
	outcomeAbandon  = "abandoned"
	outcomeRejected = "rejected"
	outcomeError    = "error"
)

// ErrProjectNotPinned means no agent owns the project.
var ErrProjectNotPinned = errors.New("project is not pinned to a connected agent")

func newRequestID() string {
	return uuid.NewString()
}

// RunOnProject routes req to the agent pinned to its project and waits for
// the result.
func (g *Gateway) RunOnProject(ctx context.Context, req *protocol.RunRequest) (*protocol.RunResult, error) {
	conn, err := g.router.Route(req.ProjectID, req.Capability())
	if err != nil {
		g.metrics.IncRequest("run", outcomeRejected)
		return nil, err
	}
	return g.RunOnAgent(ctx, conn, req)
}

// RunOnAgent sends req to conn without touching project pins and waits for
// the result. A missing result becomes a correlation_timeout failure once
// the run's timeout plus the configured grace has passed.
func (g *Gateway) RunOnAgent(ctx context.Context, conn *agent.Connection, req *protocol.RunRequest) (*protocol.RunResult, error) {
	if !conn.HasCapability(req.Capability()) {
		g.metrics.IncRequest("run", outcomeRejected)
		return nil, fmt.Errorf("%w: %s does not advertise %s", agent.ErrCapabilityMissing, conn.ID, req.Capability())
	}
	ttl := req.Timeout(g.config.Agents.DefaultRunTimeout) + g.config.Agents.CorrelationGrace
	reply, err := g.forward(ctx, "run", conn, req.Key(), req, ttl, runTimeoutResult)
	if err != nil {
		return nil, err
	}
	res, ok := reply.(*protocol.RunResult)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected reply %T", protocol.ErrInvalidPayload, reply)
	}
	if res.Success {
		g.metrics.IncRequest("run", outcomeOK)
	} else if res.Reason == protocol.KindCorrelationTimeout {
		g.metrics.IncRequest("run", outcomeTimeout)
	} else {
		g.metrics.IncRequest("run", outcomeFailed)
	}
	return res, nil
}

// FS routes an fs request to the agent pinned to its project and waits for
// the reply.
func (g *Gateway) FS(ctx context.Context, req *protocol.FSRequest) (*protocol.FSReply, error) {
	conn, err := g.router.Route(req.ProjectID, protocol.CapFS)
	if err != nil {
		g.metrics.IncRequest("fs", outcomeRejected)
		return nil, err
	}

	reqType := req.Type
	fallback := func(key protocol.Key) protocol.Reply {
		return protocol.FSFailed(reqType, key, protocol.KindCorrelationTimeout, "Timed out waiting for agent reply")
	}
	reply, err := g.forward(ctx, "fs", conn, req.Key(), req, g.config.Agents.FSTimeout, fallback)
	if err != nil {
		return nil, err
	}
	res, ok := reply.(*protocol.FSReply)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected reply %T", protocol.ErrInvalidPayload, reply)
	}
	switch {
	case res.OK():
		g.metrics.IncRequest("fs", outcomeOK)
	case res.Reason == protocol.KindCorrelationTimeout:
		g.metrics.IncRequest("fs", outcomeTimeout)
	default:
		g.metrics.IncRequest("fs", outcomeFailed)
	}
	return res, nil
}

// Cancel sends cancel_run to the agent that owns the project. It does not
// wait for the run to stop; the run's own result reports the cancellation.
func (g *Gateway) Cancel(key protocol.Key) (string, error) {
	return g.notifyPinned("cancel", key, protocol.CapCancelRun, &protocol.CancelRun{
		Type:      protocol.TypeCancelRun,
		ProjectID: key.ProjectID,
		RequestID: key.RequestID,
	})
}

// Input sends run_input to the agent that owns the project. It does not
// wait for delivery; a rejected write comes back as a run_input:error
// event on the project stream.
func (g *Gateway) Input(in *protocol.RunInput) (string, error) {
	return g.notifyPinned("input", in.Key(), protocol.CapRunInput, in)
}

// notifyPinned sends msg to the agent pinned to key's project without
// registering a pending reply.
func (g *Gateway) notifyPinned(kind string, key protocol.Key, capability string, msg any) (string, error) {
	agentID, ok := g.router.Pin(key.ProjectID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrProjectNotPinned, key.ProjectID)
	}
	conn, ok := g.agentManager.GetAgent(agentID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrProjectNotPinned, key.ProjectID)
	}
	if !conn.HasCapability(capability) {
		g.metrics.IncRequest(kind, outcomeRejected)
		return "", fmt.Errorf("%w: %s does not advertise %s", agent.ErrCapabilityMissing, agentID, capability)
	}

	if err := conn.Send(msg); err != nil {
		g.metrics.IncRequest(kind, outcomeError)
		return "", err
	}
	g.metrics.IncRequest(kind, outcomeOK)
	g.logger.Debug(kind+" sent", "agent_id", agentID, "key", key.String())
	return agentID, nil
}

// forward registers the pending entry before sending so a fast reply
// cannot be missed.
func (g *Gateway) forward(ctx context.Context, kind string, conn *agent.Connection, key protocol.Key, msg any, ttl time.Duration, fallback correlation.Fallback) (protocol.Reply, error) {
	p, err := g.pending.Register(key, conn.ID, ttl, fallback)
	if err != nil {
		g.metrics.IncRequest(kind, outcomeRejected)
		return nil, err
	}

	if err := conn.Send(msg); err != nil {
		p.Abandon()
		g.metrics.IncRequest(kind, outcomeError)
		return nil, err
	}
	g.logger.Debug("request forwarded",
		"kind", kind,
		"agent_id", conn.ID,
		"key", key.String(),
		"deadline", ttl,
	)

	reply, err := p.Wait(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			g.metrics.IncRequest(kind, outcomeAbandon)
		} else {
			g.metrics.IncRequest(kind, outcomeTimeout)
		}
		return nil, err
	}
	return reply, nil
}

func runTimeoutResult(key protocol.Key) protocol.Reply {
	return protocol.Failed(key, protocol.KindCorrelationTimeout, nil, "Timed out waiting for agent result")
}
