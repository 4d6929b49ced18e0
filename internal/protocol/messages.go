// ABOUTME: Wire message types for the manager/agent websocket protocol.
// ABOUTME: One struct per message type, each tagged with its JSON "type" discriminator.

package protocol

import (
	"fmt"
	"time"
)

// Version is sent in every register message.
const Version = 1

// Message type discriminators.
const (
	TypeRegister   = "register"
	TypeHeartbeat  = "heartbeat"
	TypeRunStarted = "run_started"
	TypeRunOutput  = "run_output"
	TypeRunResult  = "run_result"

	TypeRunJS       = "run_js"
	TypeRun         = "run"
	TypeCancelRun   = "cancel_run"
	TypeCancelError = "cancel_run:error"
	TypeRunInput    = "run_input"
	TypeInputError  = "run_input:error"

	TypeFSRead  = "fs:read"
	TypeFSWrite = "fs:write"
	TypeFSList  = "fs:list"
	TypeFSStat  = "fs:stat"
)

// Capabilities advertised by agents in this repository.
const (
	CapRunJS        = "run_js"
	CapRun          = "run"
	CapStreamOutput = "stream_output"
	CapCancelRun    = "cancel_run"
	CapFS           = "fs"
	CapRunInput     = "run_input"
)

// DefaultCapabilities is the capability set a full agent registers with.
var DefaultCapabilities = []string{CapRunJS, CapRun, CapStreamOutput, CapCancelRun, CapFS, CapRunInput}

// Output stream names used in run_output.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Key identifies a run or a request within a project.
type Key struct {
	ProjectID string
	RequestID string
}

func (k Key) String() string {
	return k.ProjectID + "/" + k.RequestID
}

// Reply is implemented by every agent message that answers a manager request.
type Reply interface {
	CorrelationKey() Key
}

// Register announces an agent and its capabilities.
type Register struct {
	Type            string   `json:"type"`
	SandboxID       string   `json:"sandboxId"`
	ProtocolVersion int      `json:"protocolVersion,omitempty"`
	Capabilities    []string `json:"capabilities"`
}

// NewRegister builds a register message.
func NewRegister(sandboxID string, caps []string) *Register {
	return &Register{Type: TypeRegister, SandboxID: sandboxID, ProtocolVersion: Version, Capabilities: caps}
}

// Heartbeat reports agent load.
type Heartbeat struct {
	Type        string `json:"type"`
	SandboxID   string `json:"sandboxId"`
	ActiveRuns  int    `json:"activeRuns"`
	QueueLength int    `json:"queueLength"`
	TS          int64  `json:"ts"`
}

// NewHeartbeat builds a heartbeat stamped with now.
func NewHeartbeat(sandboxID string, active, queued int, now time.Time) *Heartbeat {
	return &Heartbeat{
		Type:        TypeHeartbeat,
		SandboxID:   sandboxID,
		ActiveRuns:  active,
		QueueLength: queued,
		TS:          now.UnixMilli(),
	}
}

// MaxRunTimeout is the longest timeOutMs a run may request.
const MaxRunTimeout = 24 * time.Hour

// RunRequest submits a job. Type is run_js (inline code) or run (command).
type RunRequest struct {
	Type      string            `json:"type"`
	ProjectID string            `json:"projectId"`
	RequestID string            `json:"requestId"`
	Code      string            `json:"code,omitempty"`
	Language  string            `json:"language,omitempty"`
	Cmd       string            `json:"cmd,omitempty"`
	Args      []string          `json:"args,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	TimeoutMs *int64            `json:"timeOutMs,omitempty"`
	// Stdin keeps the process's standard input open for run_input frames.
	// Without it the process reads end of file immediately.
	Stdin bool `json:"stdin,omitempty"`
}

// Key returns the run identity.
func (r *RunRequest) Key() Key { return Key{ProjectID: r.ProjectID, RequestID: r.RequestID} }

// Capability returns the capability an agent must advertise to accept r.
func (r *RunRequest) Capability() string {
	if r.Type == TypeRunJS {
		return CapRunJS
	}
	return CapRun
}

// Timeout returns the requested timeout, or def when none was supplied.
func (r *RunRequest) Timeout(def time.Duration) time.Duration {
	if r.TimeoutMs == nil {
		return def
	}
	return time.Duration(*r.TimeoutMs) * time.Millisecond
}

// Validate reports malformed submissions. The returned error wraps
// ErrInvalidPayload.
func (r *RunRequest) Validate() error {
	if r.RequestID == "" {
		return fmt.Errorf("%w: requestId is required", ErrInvalidPayload)
	}
	if r.ProjectID == "" {
		return fmt.Errorf("%w: projectId is required", ErrInvalidPayload)
	}
	if r.TimeoutMs != nil && *r.TimeoutMs <= 0 {
		return fmt.Errorf("%w: timeOutMs must be positive", ErrInvalidPayload)
	}
	if r.TimeoutMs != nil && *r.TimeoutMs > MaxRunTimeout.Milliseconds() {
		return fmt.Errorf("%w: timeOutMs must not exceed %d", ErrInvalidPayload, MaxRunTimeout.Milliseconds())
	}
	switch r.Type {
	case TypeRunJS:
		if r.Code == "" {
			return fmt.Errorf("%w: code must be a non-empty string", ErrInvalidPayload)
		}
		if _, ok := interpreters[r.Language]; !ok {
			return fmt.Errorf("%w: unsupported language %q", ErrInvalidPayload, r.Language)
		}
	case TypeRun:
		if r.Cmd == "" {
			return fmt.Errorf("%w: cmd must be a non-empty string", ErrInvalidPayload)
		}
	default:
		return fmt.Errorf("%w: unexpected run type %q", ErrInvalidPayload, r.Type)
	}
	return nil
}

// interpreters maps run_js languages to the interpreter invocation used for
// inline code. The empty language is node, matching run_js.
var interpreters = map[string][]string{
	"":           {"node", "-e"},
	"js":         {"node", "-e"},
	"javascript": {"node", "-e"},
	"node":       {"node", "-e"},
	"python":     {"python3", "-c"},
	"sh":         {"sh", "-c"},
}

// Argv returns the program and arguments a validated request executes.
func (r *RunRequest) Argv() (string, []string) {
	if r.Type == TypeRunJS {
		interp := interpreters[r.Language]
		return interp[0], []string{interp[1], r.Code}
	}
	if len(r.Args) > 0 {
		return r.Cmd, r.Args
	}
	return "sh", []string{"-c", r.Cmd}
}

// CancelRun asks the agent to stop a queued or active run.
type CancelRun struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId"`
	RequestID string `json:"requestId"`
}

// Key returns the run identity.
func (c *CancelRun) Key() Key { return Key{ProjectID: c.ProjectID, RequestID: c.RequestID} }

// CancelError reports a cancel_run that could not be applied.
type CancelError struct {
	Type      string    `json:"type"`
	ProjectID string    `json:"projectId"`
	RequestID string    `json:"requestId"`
	Error     string    `json:"error"`
	Reason    ErrorKind `json:"reason"`
}

// CorrelationKey implements Reply.
func (c *CancelError) CorrelationKey() Key { return Key{ProjectID: c.ProjectID, RequestID: c.RequestID} }

// RunInput delivers bytes to the standard input of an active run started
// with Stdin. EOF closes the input after Data is written.
type RunInput struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId"`
	RequestID string `json:"requestId"`
	Data      string `json:"data,omitempty"`
	Binary    bool   `json:"binary,omitempty"`
	EOF       bool   `json:"eof,omitempty"`
}

// Key returns the identity of the run being fed.
func (r *RunInput) Key() Key { return Key{ProjectID: r.ProjectID, RequestID: r.RequestID} }

// Bytes decodes Data. The error wraps ErrInvalidPayload.
func (r *RunInput) Bytes() ([]byte, error) {
	if r.RequestID == "" {
		return nil, fmt.Errorf("%w: requestId is required", ErrInvalidPayload)
	}
	if r.ProjectID == "" {
		return nil, fmt.Errorf("%w: projectId is required", ErrInvalidPayload)
	}
	return DecodePayload(r.Data, r.Binary)
}

// InputError reports a run_input that could not be applied.
type InputError struct {
	Type      string    `json:"type"`
	ProjectID string    `json:"projectId"`
	RequestID string    `json:"requestId"`
	Error     string    `json:"error"`
	Reason    ErrorKind `json:"reason"`
}

// CorrelationKey implements Reply.
func (e *InputError) CorrelationKey() Key { return Key{ProjectID: e.ProjectID, RequestID: e.RequestID} }

// InputFailed builds the run_input:error reply for key.
func InputFailed(key Key, reason ErrorKind, msg string) *InputError {
	return &InputError{
		Type:      TypeInputError,
		ProjectID: key.ProjectID,
		RequestID: key.RequestID,
		Error:     msg,
		Reason:    reason,
	}
}

// RunStarted acknowledges dispatch of a run.
type RunStarted struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId"`
	RequestID string `json:"requestId"`
}

// RunOutput carries one chunk of process output.
type RunOutput struct {
	Type      string `json:"type"`
	ProjectID string `json:"projectId"`
	RequestID string `json:"requestId"`
	Stream    string `json:"stream"`
	Chunk     string `json:"chunk"`
}

// RunResult is the terminal outcome of a run.
type RunResult struct {
	Type      string    `json:"type"`
	ProjectID string    `json:"projectId"`
	RequestID string    `json:"requestId"`
	Success   bool      `json:"success"`
	ExitCode  *int      `json:"exitCode"`
	Error     *string   `json:"error"`
	Reason    ErrorKind `json:"reason,omitempty"`
}

// CorrelationKey implements Reply.
func (r *RunResult) CorrelationKey() Key { return Key{ProjectID: r.ProjectID, RequestID: r.RequestID} }

// Succeeded builds a successful result.
func Succeeded(key Key) *RunResult {
	zero := 0
	return &RunResult{Type: TypeRunResult, ProjectID: key.ProjectID, RequestID: key.RequestID, Success: true, ExitCode: &zero}
}

// Failed builds a failed result. exitCode may be nil when the process never
// produced one.
func Failed(key Key, reason ErrorKind, exitCode *int, msg string) *RunResult {
	return &RunResult{
		Type:      TypeRunResult,
		ProjectID: key.ProjectID,
		RequestID: key.RequestID,
		ExitCode:  exitCode,
		Error:     &msg,
		Reason:    reason,
	}
}

// FSRequest is an fs:read, fs:write, fs:list or fs:stat request.
type FSRequest struct {
	Type      string  `json:"type"`
	ProjectID string  `json:"projectId"`
	RequestID string  `json:"requestId"`
	Path      string  `json:"path"`
	Data      *string `json:"data,omitempty"`
	Binary    bool    `json:"binary,omitempty"`
}

// Key returns the request identity.
func (f *FSRequest) Key() Key { return Key{ProjectID: f.ProjectID, RequestID: f.RequestID} }

// Validate reports malformed fs requests.
func (f *FSRequest) Validate() error {
	if f.RequestID == "" {
		return fmt.Errorf("%w: requestId is required", ErrInvalidPayload)
	}
	if f.ProjectID == "" {
		return fmt.Errorf("%w: projectId is required", ErrInvalidPayload)
	}
	if f.Type == TypeFSWrite && f.Data == nil {
		return fmt.Errorf("%w: data must be in string format", ErrInvalidPayload)
	}
	return nil
}

// FileInfo describes one filesystem entry in fs:list and fs:stat replies.
type FileInfo struct {
	Name    string    `json:"name"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"isDir"`
	Mode    string    `json:"mode"`
	ModTime time.Time `json:"modTime"`
}

// FSReply answers an FSRequest. Type is the request type suffixed with
// ":ok" or ":error".
type FSReply struct {
	Type      string     `json:"type"`
	ProjectID string     `json:"projectId"`
	RequestID string     `json:"requestId"`
	Data      string     `json:"data,omitempty"`
	Binary    bool       `json:"binary,omitempty"`
	Entries   []FileInfo `json:"entries,omitempty"`
	Stat      *FileInfo  `json:"stat,omitempty"`
	Error     string     `json:"error,omitempty"`
	Reason    ErrorKind  `json:"reason,omitempty"`
}

// CorrelationKey implements Reply.
func (f *FSReply) CorrelationKey() Key { return Key{ProjectID: f.ProjectID, RequestID: f.RequestID} }

// OK reports whether the reply is a success.
func (f *FSReply) OK() bool { return f.Error == "" && f.Reason == "" }

// FSOK builds a success reply for req.
func FSOK(req *FSRequest) *FSReply {
	return &FSReply{Type: req.Type + ":ok", ProjectID: req.ProjectID, RequestID: req.RequestID}
}

// FSFailed builds an error reply for an fs request of the given type.
func FSFailed(reqType string, key Key, reason ErrorKind, msg string) *FSReply {
	return &FSReply{
		Type:      reqType + ":error",
		ProjectID: key.ProjectID,
		RequestID: key.RequestID,
		Error:     msg,
		Reason:    reason,
	}
}

// Unknown is returned by Decode for unrecognized message types.
type Unknown struct {
	Type string
}
