// ABOUTME: Error taxonomy shared by agent and manager, carried on the wire as "reason".
// ABOUTME: Sentinel errors map to ErrorKind codes via KindOf.

package protocol

import "errors"

// ErrorKind is the machine-readable failure reason carried in replies.
type ErrorKind string

const (
	KindInvalidPayload     ErrorKind = "invalid_payload"
	KindOverloaded         ErrorKind = "overloaded"
	KindDuplicateRequest   ErrorKind = "duplicate_request"
	KindNotFound           ErrorKind = "not_found"
	KindPathEscape         ErrorKind = "path_escape"
	KindIOError            ErrorKind = "io_error"
	KindSpawnError         ErrorKind = "spawn_error"
	KindTimeout            ErrorKind = "timeout"
	KindKilled             ErrorKind = "killed"
	KindCancelled          ErrorKind = "cancelled"
	KindExitStatus         ErrorKind = "exit_status"
	KindTransportError     ErrorKind = "transport_error"
	KindNoAgentsAvailable  ErrorKind = "no_agents_available"
	KindCorrelationTimeout ErrorKind = "correlation_timeout"
)

// Sentinel errors. Packages wrap these so errors.Is and KindOf work across
// the agent and manager.
var (
	ErrInvalidPayload     = errors.New("invalid payload")
	ErrOverloaded         = errors.New("agent overloaded (queue full)")
	ErrDuplicateRequest   = errors.New("duplicate request")
	ErrNotFound           = errors.New("not found")
	ErrPathEscape         = errors.New("path escapes sandbox root")
	ErrIO                 = errors.New("io error")
	ErrTransport          = errors.New("transport error")
	ErrNoAgentsAvailable  = errors.New("no agents available")
	ErrCorrelationTimeout = errors.New("timed out waiting for agent reply")
)

var kinds = []struct {
	err  error
	kind ErrorKind
}{
	{ErrInvalidPayload, KindInvalidPayload},
	{ErrOverloaded, KindOverloaded},
	{ErrDuplicateRequest, KindDuplicateRequest},
	{ErrNotFound, KindNotFound},
	{ErrPathEscape, KindPathEscape},
	{ErrIO, KindIOError},
	{ErrTransport, KindTransportError},
	{ErrNoAgentsAvailable, KindNoAgentsAvailable},
	{ErrCorrelationTimeout, KindCorrelationTimeout},
}

// KindOf returns the ErrorKind for err, defaulting to KindIOError for
// errors outside the taxonomy.
func KindOf(err error) ErrorKind {
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.kind
		}
	}
	return KindIOError
}
