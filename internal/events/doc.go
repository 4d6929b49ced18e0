// Package events fans run activity out to live observers of a project.
//
// The manager publishes every run_started, run_output and run_result it
// receives from agents, keyed by project id. HTTP clients subscribe through
// the server-sent events endpoint and see a project's runs as they happen.
//
// Delivery is best-effort: a subscriber whose buffer is full misses events
// rather than slowing the agent read loop. Correlated replies to API
// callers do not depend on this package.
package events
