// Package protocol defines the JSON wire messages exchanged between the
// sandbox manager and its agents.
//
// # Framing
//
// Every websocket text frame carries exactly one JSON object with a "type"
// discriminator:
//
//	{"type":"run_js","projectId":"p1","requestId":"r1","code":"console.log(1)"}
//
// Decode peeks at the discriminator and unmarshals into the matching Go
// type. Unknown types decode to *Unknown so callers can log and skip them.
//
// # Direction
//
// Agent to manager: register, heartbeat, run_started, run_output,
// run_result, cancel_run:error and the fs:*:ok / fs:*:error replies.
//
// Manager to agent: run_js, run, cancel_run and the fs:* requests.
//
// # Correlation
//
// Replies implement Reply and expose the (projectId, requestId) Key that the
// manager uses to resolve the waiting caller.
//
// # Binary payloads
//
// fs:read and fs:write carry file content in Data. When Binary is set, Data
// is base64 (standard encoding); otherwise it is raw text.
package protocol
