// Package gateway is the sandbox-manager service.
//
// # Overview
//
// The gateway accepts agent websocket connections at /agent, keeps them in
// the agent registry, and forwards HTTP API requests to them. Every
// forwarded request is registered in the correlation table before it is
// sent, and the HTTP handler waits for the matching reply.
//
// # HTTP API
//
//   - GET /health - Liveness check
//   - GET /health/ready - Readiness check (at least one agent)
//   - GET /api/agents - Connected agents with last reported load
//   - GET /api/agents/events - Fleet log, newest first (?limit, ?agentId, ?kind)
//   - POST /api/agents/{agentId}/run - Run on a named agent, no pin
//   - GET /api/pins - Current project pins
//   - POST /api/projects/{projectId}/run - Run on the project's agent
//   - POST /api/projects/{projectId}/cancel - Fire-and-forget cancel_run
//   - POST /api/projects/{projectId}/input - Fire-and-forget run_input to a stdin run
//   - POST /api/projects/{projectId}/fs/{read|write|list|stat} - File access
//   - GET /api/projects/{projectId}/events - SSE stream of run events
//   - GET /metrics - Prometheus metrics when enabled
//
// Run endpoints answer 200 with the run_result whether or not the run
// succeeded. A missing result turns into a correlation_timeout result once
// the run timeout plus agents.correlation_grace has passed.
//
// Routing only considers agents that advertise the capability a request
// needs: run or run_js for runs, fs for file access, cancel_run and
// run_input for the fire-and-forget endpoints.
//
// # Liveness
//
// An agent is removed from the registry only when its socket closes. The
// read loop sets a 30 second read deadline before every frame. Agents
// heartbeat every few seconds, so the deadline is transport-level idle
// detection for a peer that vanished without a close frame: when it
// passes, the read fails, the socket is closed, and removal happens on
// that same path. There is no separate heartbeat-silence eviction.
//
// # Status Codes
//
//	400  malformed body or project id
//	404  unknown agent, unpinned project on cancel or input, fs not_found
//	409  the (projectId, requestId) pair is already pending
//	422  the agent does not advertise the capability the request needs
//	502  the frame could not be written to the agent
//	503  no connected agent advertises the capability
//	504  fs reply deadline passed
//
// # Key Files
//
//   - gateway.go: Gateway struct, routes, Run/Shutdown
//   - socket.go: agent websocket accept and read loop
//   - router.go: forwarding with correlation
//   - api.go: HTTP handlers and SSE streaming
//   - events.go: fleet log recording
package gateway
