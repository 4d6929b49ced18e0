// Package agent is the manager's view of connected sandbox agents.
//
// # Manager
//
// The Manager tracks all registered agents keyed by the sandbox id each
// agent declares in its register message:
//
//	mgr := agent.NewManager(metrics, logger)
//
// Key operations:
//
//   - Register(conn): insert or replace the connection for an id
//   - Unregister(conn): remove conn if it is still the current one
//   - GetAgent(id), Connections(), ListAgents()
//   - OnUnregister(fn): observe removals
//
// Unregister compares connection identity, so a stale socket closing after
// its agent reconnected does not remove the new registration.
//
// # Connection
//
// Connection wraps one agent websocket. Send serializes writers since a
// websocket allows a single concurrent writer. Heartbeats update the
// agent's Load, which the router reads.
//
// Liveness is detected by the socket closing. Heartbeat absence is not
// polled.
//
// # Router
//
// Router pins each project to one agent:
//
//  1. If the project has a pin and the agent is registered, reuse it
//  2. Otherwise pick, among agents advertising the request's capability,
//     the one with the fewest active runs, then the shortest queue
//  3. Record the pin
//
// Routing with no capable agent returns ErrNoAgentsAvailable. A pinned
// agent that lacks the capability returns ErrCapabilityMissing rather than
// moving the project. Pins are removed when their agent unregisters.
//
// # Thread Safety
//
// Manager, Connection and Router are safe for concurrent use. The Router
// lock is always taken before the Manager lock, and removal callbacks run
// after the Manager lock is released.
package agent
