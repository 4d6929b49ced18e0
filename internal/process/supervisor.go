// ABOUTME: Supervisor spawns OS processes and tracks them until they reach a terminal state.
// ABOUTME: Provides kill, stdin writes, lookup, and shutdown over the active handle set.

package process

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrSpawn wraps failures to start the OS process.
	ErrSpawn = errors.New("process spawn failed")
	// ErrNotFound is returned for ids with no active handle.
	ErrNotFound = errors.New("process not found")
	// ErrNotRunning is returned when killing or writing to a terminal process.
	ErrNotRunning = errors.New("process not running")
	// ErrNoStdin is returned by WriteInput when the process has no input sink.
	ErrNoStdin = errors.New("stdin not available")
	// ErrInputBlocked is returned when the process stops draining stdin.
	ErrInputBlocked = errors.New("stdin write blocked")
)

// waitDelay bounds how long Wait keeps reading output after the process
// exits, in case a grandchild still holds the pipes open.
const waitDelay = 2 * time.Second

// inputWriteTimeout bounds one stdin write to a process that is not reading.
const inputWriteTimeout = 2 * time.Second

// Spec describes a process to start.
type Spec struct {
	Command string
	Args    []string
	// Env entries are added on top of the supervisor's own environment.
	Env map[string]string
	Dir string
	// Stdin attaches an input sink usable through WriteInput.
	Stdin bool
	// Cleanup runs once after the process is terminal.
	Cleanup func()
}

// Supervisor owns the set of active processes.
type Supervisor struct {
	mu      sync.Mutex
	handles map[string]*Handle
	logger  *slog.Logger
}

// NewSupervisor creates a Supervisor. Pass nil logger for default.
func NewSupervisor(logger *slog.Logger) *Supervisor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Supervisor{
		handles: make(map[string]*Handle),
		logger:  logger.With("component", "supervisor"),
	}
}

// Start spawns the process described by spec. Hooks run after the handle
// exists and before the process starts, so subscriptions made there see
// every output chunk. Start failures return an error wrapping ErrSpawn.
func (s *Supervisor) Start(spec Spec, hooks ...func(*Handle)) (*Handle, error) {
	h := newHandle(uuid.NewString(), spec)

	cmd := exec.Command(spec.Command, spec.Args...)
	configure(cmd)
	cmd.Dir = spec.Dir
	cmd.Env = os.Environ()
	for k, v := range spec.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}
	cmd.Stdout = h.Stdout
	cmd.Stderr = h.Stderr
	cmd.WaitDelay = waitDelay

	// The child gets the read end directly; the write end stays pollable so
	// WriteInput can carry a deadline.
	var stdinRead *os.File
	if spec.Stdin {
		r, w, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("%w: stdin pipe: %v", ErrSpawn, err)
		}
		cmd.Stdin = r
		stdinRead = r
		h.stdin = w
	}
	h.cmd = cmd

	for _, hook := range hooks {
		hook(h)
	}

	h.started = time.Now()
	err := cmd.Start()
	if stdinRead != nil {
		_ = stdinRead.Close()
	}
	if err != nil {
		h.transition(StateFailed, nil, err)
		h.cleanup(nil)
		return nil, fmt.Errorf("%w: %s: %v", ErrSpawn, spec.Command, err)
	}

	s.mu.Lock()
	s.handles[h.ID] = h
	s.mu.Unlock()

	s.logger.Debug("process started",
		"process_id", h.ID,
		"pid", cmd.Process.Pid,
		"command", spec.Command,
	)

	go s.wait(h)
	return h, nil
}

func (s *Supervisor) wait(h *Handle) {
	waitErr := h.cmd.Wait()
	state, code, err := h.classify(waitErr)
	if h.transition(state, code, err) {
		s.logger.Debug("process finished",
			"process_id", h.ID,
			"state", state,
			"error", err,
		)
	}
	h.cleanup(s.remove)
}

func (s *Supervisor) remove(h *Handle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handles[h.ID] == h {
		delete(s.handles, h.ID)
	}
}

// Lookup returns the active handle for id.
func (s *Supervisor) Lookup(id string) (*Handle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[id]
	return h, ok
}

// Len returns the number of active processes.
func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.handles)
}

// Kill signals the handle's process group: SIGTERM by default, SIGKILL when
// force is set. Killing a terminal handle returns ErrNotRunning.
func (s *Supervisor) Kill(h *Handle, force bool) error {
	if h.State().Terminal() {
		return ErrNotRunning
	}
	h.killRequested.Store(true)
	if err := signalGroup(h.Pid(), force); err != nil {
		return fmt.Errorf("signalling process %s: %w", h.ID, err)
	}
	return nil
}

// WriteInput writes data to a running process's stdin. A write the process
// does not drain within inputWriteTimeout fails with ErrInputBlocked.
func (s *Supervisor) WriteInput(id string, data []byte) error {
	h, err := s.inputOf(id)
	if err != nil {
		return err
	}
	if err := h.stdin.SetWriteDeadline(time.Now().Add(inputWriteTimeout)); err != nil && !errors.Is(err, os.ErrNoDeadline) {
		return fmt.Errorf("stdin of %s: %w", id, err)
	}
	if _, err := h.stdin.Write(data); err != nil {
		switch {
		case errors.Is(err, os.ErrDeadlineExceeded):
			return fmt.Errorf("%w: %s", ErrInputBlocked, id)
		case errors.Is(err, os.ErrClosed):
			return ErrNotRunning
		}
		return fmt.Errorf("stdin of %s: %w", id, err)
	}
	return nil
}

// CloseInput closes a running process's stdin so it reads end of file.
// Closing twice is a no-op.
func (s *Supervisor) CloseInput(id string) error {
	h, err := s.inputOf(id)
	if err != nil {
		return err
	}
	if err := h.stdin.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return fmt.Errorf("stdin of %s: %w", id, err)
	}
	return nil
}

func (s *Supervisor) inputOf(id string) (*Handle, error) {
	h, ok := s.Lookup(id)
	if !ok {
		return nil, ErrNotFound
	}
	if h.State().Terminal() {
		return nil, ErrNotRunning
	}
	if h.stdin == nil {
		return nil, ErrNoStdin
	}
	return h, nil
}

// Shutdown force-kills every active process.
func (s *Supervisor) Shutdown() {
	s.mu.Lock()
	handles := make([]*Handle, 0, len(s.handles))
	for _, h := range s.handles {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	for _, h := range handles {
		if err := s.Kill(h, true); err != nil && !errors.Is(err, ErrNotRunning) {
			s.logger.Warn("killing process on shutdown", "process_id", h.ID, "error", err)
		}
	}
}
