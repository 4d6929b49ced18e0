// Package sandboxagent is the agent side of the manager connection.
//
// # Session lifecycle
//
// Run dials the manager websocket, sends a register message, then starts
// three loops under one errgroup: a reader that dispatches inbound
// requests, a writer that drains the outbox and emits heartbeats, and a
// closer that tears the socket down when the session context ends. Any
// loop failing ends the session. The agent then force-kills every run it
// owns and redials after a fixed delay.
//
// # Outbox
//
// Everything the run queue and fs handlers produce goes through an
// ordered outbox. While disconnected, messages accumulate there and are
// flushed in order after the next register. Heartbeats bypass the outbox
// since a stale load report has no value.
//
// The outbox is bounded. At the bound it evicts the oldest run_output
// chunk, then the oldest run_started. A run_result or any other reply is
// never evicted, so a caller waiting on one always gets it after reconnect.
package sandboxagent
